package util

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ProcessConfig configures process management behavior.
type ProcessConfig struct {
	GracefulTimeout time.Duration // Time to wait for graceful shutdown (default: 10s)
	PollInterval    time.Duration // Polling interval for process state (default: 100ms)
	KillWait        time.Duration // Time to wait after SIGKILL (default: 500ms)
}

// StartBackgroundProcess starts a detached background process.
// The process will continue running after the parent exits.
func StartBackgroundProcess(executable string, args []string, env []string) (*os.Process, error) {
	proc, _, err := StartDetached(executable, args, env, "")
	return proc, err
}

// StartDetached starts executable in its own session with working directory dir.
// The returned channel is closed once the process has exited and been reaped,
// so callers never mistake a zombie for a live process.
func StartDetached(executable string, args []string, env []string, dir string) (*os.Process, <-chan struct{}, error) {
	cmd := exec.Command(executable, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Dir = dir
	if env != nil {
		cmd.Env = env
	} else {
		cmd.Env = os.Environ()
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Create new session (detach from terminal)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start process: %w", err)
	}

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	return cmd.Process, exited, nil
}

// StopProcess attempts graceful shutdown, then force kills if needed.
// The gracefulStop function should request the process to stop (e.g., SIGTERM).
// The isRunning function should check if the process is still running.
// Returns nil once the process is confirmed gone.
func StopProcess(ctx context.Context, pid int, cfg ProcessConfig, gracefulStop func() error, isRunning func() bool) error {
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.KillWait == 0 {
		cfg.KillWait = 500 * time.Millisecond
	}

	if !isRunning() {
		return nil
	}

	// Request graceful stop; a failure here is handled by the force kill below
	if gracefulStop != nil {
		_ = gracefulStop()
	}

	// Wait for graceful shutdown
	err := PollUntil(ctx, PollConfig{Timeout: cfg.GracefulTimeout, Interval: cfg.PollInterval}, func() bool {
		return !isRunning()
	})
	if err == nil {
		return nil
	}

	// Process didn't stop gracefully, force kill
	if proc, err := os.FindProcess(pid); err == nil {
		_ = proc.Signal(syscall.SIGKILL)
	}

	// Wait a bit more for process to die
	_ = PollUntil(context.Background(), PollConfig{Timeout: cfg.KillWait, Interval: cfg.PollInterval}, func() bool {
		return !isRunning()
	})

	if isRunning() {
		return fmt.Errorf("failed to stop process (PID %d)", pid)
	}

	return nil
}

// TerminateProcess sends SIGTERM to pid.
func TerminateProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}

// IsProcessRunning checks if a process with the given PID is running.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, sending signal 0 checks if process exists
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// ReadPIDFile reads a decimal PID from path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file %s: %w", path, err)
	}
	return pid, nil
}

// WritePIDFile writes pid to path.
func WritePIDFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0644)
}

// GetExecutablePath returns the path to the current executable.
func GetExecutablePath() (string, error) {
	return os.Executable()
}
