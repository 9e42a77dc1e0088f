package probe

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigRoundTrip(t *testing.T) {
	dir := StateDir(t.TempDir())
	cfg := Config{APIBase: "https://linkmind.test", AccessToken: "lmp_abc", UserID: 7}
	require.NoError(t, dir.SaveConfig(cfg))

	info, err := os.Stat(dir.ConfigPath())
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "config holds a credential")

	loaded, err := dir.LoadConfig()
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestLoadConfigNotLoggedIn(t *testing.T) {
	dir := StateDir(t.TempDir())

	_, err := dir.LoadConfig()
	require.ErrorIs(t, err, ErrNotLoggedIn)

	require.NoError(t, dir.SaveConfig(Config{APIBase: "https://linkmind.test"}))
	_, err = dir.LoadConfig()
	require.ErrorIs(t, err, ErrNotLoggedIn, "a config without a token is logged out")
}

func TestLogout(t *testing.T) {
	dir := StateDir(t.TempDir())
	require.NoError(t, dir.Logout(), "logout before login is a no-op")

	require.NoError(t, dir.SaveConfig(Config{APIBase: "https://linkmind.test", AccessToken: "lmp_abc", UserID: 7}))
	require.NoError(t, dir.Logout())

	_, err := dir.LoadConfig()
	require.ErrorIs(t, err, ErrNotLoggedIn)

	kept, err := dir.readConfig()
	require.NoError(t, err)
	require.Equal(t, "https://linkmind.test", kept.APIBase, "api base survives logout")
	require.Empty(t, kept.AccessToken)
	require.Zero(t, kept.UserID)
}

func TestPIDRoundTrip(t *testing.T) {
	dir := StateDir(t.TempDir())

	_, err := dir.ReadPID()
	require.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, dir.WritePID(12345))
	pid, err := dir.ReadPID()
	require.NoError(t, err)
	require.Equal(t, 12345, pid)

	require.NoError(t, dir.RemovePID())
	require.NoError(t, dir.RemovePID(), "removing twice is a no-op")
	_, err = dir.ReadPID()
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestAlive(t *testing.T) {
	require.True(t, Alive(os.Getpid()))
	require.False(t, Alive(0))
	require.False(t, Alive(-1))
	require.False(t, Alive(1<<30), "pid beyond pid_max never names a process")
}

func TestStopSignalsDaemon(t *testing.T) {
	dir := StateDir(t.TempDir())
	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	defer func() { _ = cmd.Process.Kill() }()
	require.NoError(t, dir.WritePID(cmd.Process.Pid))

	pid, err := Stop(dir)
	require.NoError(t, err)
	require.Equal(t, cmd.Process.Pid, pid)

	require.Error(t, cmd.Wait(), "sleep ends by signal")
	require.Eventually(t, func() bool { return !Alive(pid) }, 2*time.Second, 20*time.Millisecond)
}

func TestStopNotRunning(t *testing.T) {
	dir := StateDir(t.TempDir())

	_, err := Stop(dir)
	require.ErrorIs(t, err, ErrNotRunning)

	// A stale PID file is cleared.
	require.NoError(t, dir.WritePID(1<<30))
	_, err = Stop(dir)
	require.ErrorIs(t, err, ErrNotRunning)
	_, err = dir.ReadPID()
	require.ErrorIs(t, err, ErrNotRunning)
}
