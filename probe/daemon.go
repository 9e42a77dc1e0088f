package probe

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

var (
	// ErrNotRunning reports that no live daemon is recorded in the PID file.
	ErrNotRunning = errors.New("probe is not running")

	// ErrAlreadyRunning reports a live daemon already recorded in the PID
	// file.
	ErrAlreadyRunning = errors.New("probe is already running")
)

// WritePID records pid as the running daemon.
func (d StateDir) WritePID(pid int) error {
	if err := os.MkdirAll(string(d), 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	if err := os.WriteFile(d.PIDPath(), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// ReadPID returns the recorded daemon PID. A missing file reads as
// ErrNotRunning.
func (d StateDir) ReadPID() (int, error) {
	raw, err := os.ReadFile(d.PIDPath())
	if errors.Is(err, fs.ErrNotExist) {
		return 0, ErrNotRunning
	}
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", d.PIDPath(), err)
	}
	return pid, nil
}

// RemovePID clears the PID file. Removing an absent file is a no-op.
func (d StateDir) RemovePID() error {
	if err := os.Remove(d.PIDPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Alive reports whether pid names a live process, probed with a zero signal.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Daemonize re-executes the current binary with the given arguments,
// detached from the terminal with stdio appended to the log file, records
// the child PID and returns it. When a live daemon is already recorded it
// returns its PID with ErrAlreadyRunning.
func Daemonize(dir StateDir, args ...string) (int, error) {
	if pid, err := dir.ReadPID(); err == nil && Alive(pid) {
		return pid, ErrAlreadyRunning
	}
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable: %w", err)
	}
	if err := os.MkdirAll(string(dir), 0o700); err != nil {
		return 0, fmt.Errorf("create state directory: %w", err)
	}
	logf, err := os.OpenFile(dir.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}
	defer logf.Close()

	cmd := exec.Command(exe, args...)
	cmd.Stdout = logf
	cmd.Stderr = logf
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start daemon: %w", err)
	}
	pid := cmd.Process.Pid
	if err := dir.WritePID(pid); err != nil {
		_ = cmd.Process.Kill()
		return 0, err
	}
	// Never waited on, so drop the handle; init reaps the child once this
	// process exits.
	_ = cmd.Process.Release()
	return pid, nil
}

// Stop sends SIGTERM to the recorded daemon and returns its PID. A stale PID
// file (process gone) is removed and reads as ErrNotRunning.
func Stop(dir StateDir) (int, error) {
	pid, err := dir.ReadPID()
	if err != nil {
		return 0, err
	}
	if !Alive(pid) {
		_ = dir.RemovePID()
		return 0, ErrNotRunning
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return 0, fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return pid, nil
}
