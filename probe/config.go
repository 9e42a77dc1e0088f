// Package probe implements the agent that runs on a user's machine. It
// enrolls with a coordinator through the device-code flow, holds one
// subscription to the coordinator's event stream and executes scrape
// requests with local fetchers, posting each outcome back over HTTP.
//
// Agent state lives in a per-user directory (~/.linkmind by default) holding
// the config file, the daemon PID file and the daemon log.
package probe

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

type (
	// Config is the probe's persisted identity: the coordinator it talks to
	// and the bearer token minted at enrollment.
	Config struct {
		APIBase     string `json:"api_base"`
		AccessToken string `json:"access_token"`
		UserID      int64  `json:"user_id"`
	}

	// StateDir is the directory holding the probe's config, PID and log
	// files.
	StateDir string
)

// ErrNotLoggedIn reports a missing config file or one without a token.
var ErrNotLoggedIn = errors.New("not logged in")

const (
	configFile = "config.json"
	pidFile    = "probe.pid"
	logFile    = "probe.log"
)

// DefaultStateDir returns ~/.linkmind.
func DefaultStateDir() (StateDir, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return StateDir(filepath.Join(home, ".linkmind")), nil
}

// ConfigPath returns the config file path.
func (d StateDir) ConfigPath() string { return filepath.Join(string(d), configFile) }

// PIDPath returns the daemon PID file path.
func (d StateDir) PIDPath() string { return filepath.Join(string(d), pidFile) }

// LogPath returns the daemon log file path.
func (d StateDir) LogPath() string { return filepath.Join(string(d), logFile) }

// LoadConfig reads the config file. A missing file or an empty access token
// reads as ErrNotLoggedIn.
func (d StateDir) LoadConfig() (Config, error) {
	cfg, err := d.readConfig()
	if err != nil {
		return Config{}, err
	}
	if cfg.AccessToken == "" {
		return Config{}, ErrNotLoggedIn
	}
	return cfg, nil
}

// SaveConfig writes cfg, creating the state directory when needed. The token
// is a credential so the file is user-only.
func (d StateDir) SaveConfig(cfg Config) error {
	if err := os.MkdirAll(string(d), 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(d.ConfigPath(), append(raw, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Logout clears the token and user id from the config, keeping the API base
// so the next login does not need it again. Logging out when never logged in
// is a no-op.
func (d StateDir) Logout() error {
	cfg, err := d.readConfig()
	if errors.Is(err, ErrNotLoggedIn) {
		return nil
	}
	if err != nil {
		return err
	}
	cfg.AccessToken = ""
	cfg.UserID = 0
	return d.SaveConfig(cfg)
}

func (d StateDir) readConfig() (Config, error) {
	raw, err := os.ReadFile(d.ConfigPath())
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, ErrNotLoggedIn
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", d.ConfigPath(), err)
	}
	return cfg, nil
}
