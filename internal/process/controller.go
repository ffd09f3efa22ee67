// Copyright 2024 VectorGuard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package process starts, stops and health-checks the process that owns the
// guarded index files.
package process

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"vectorguard/internal/util"
)

// Config describes the guarded process.
type Config struct {
	Command       string        // executable to launch; empty means the guard never launches anything
	Args          []string      // arguments for Command
	Dir           string        // working directory
	Env           []string      // extra KEY=VALUE pairs appended to the guard's environment
	PIDFile       string        // optional: where to find (and record) the process PID
	HealthURL     string        // optional: HTTP endpoint that must answer < 400 when healthy
	HealthTimeout time.Duration // per-probe timeout (default 5s)
	PollInterval  time.Duration // state polling while stopping (default 100ms)
}

// Handle identifies a started process.
type Handle struct {
	PID       int
	StartedAt time.Time
	exited    <-chan struct{}
}

// Exited reports whether the process behind h has terminated.
// Handles for processes the guard did not start rely on signal 0.
func (h *Handle) Exited() bool {
	if h == nil {
		return true
	}
	if h.exited != nil {
		select {
		case <-h.exited:
			return true
		default:
			return false
		}
	}
	return !util.IsProcessRunning(h.PID)
}

// Controller manages one guarded process.
type Controller struct {
	cfg     Config
	log     logrus.FieldLogger
	client  *http.Client
	current *Handle
}

// NewController creates a controller for cfg.
func NewController(cfg Config, log logrus.FieldLogger) *Controller {
	if cfg.HealthTimeout == 0 {
		cfg.HealthTimeout = 5 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Controller{
		cfg:    cfg,
		log:    log,
		client: &http.Client{Timeout: cfg.HealthTimeout},
	}
}

// Managed reports whether there is a process to control at all.
func (c *Controller) Managed() bool {
	return c.cfg.Command != "" || c.cfg.PIDFile != ""
}

// Current returns the handle of the running process, adopting one recorded in
// the PID file if the guard did not start it. Returns nil if none is running.
func (c *Controller) Current() *Handle {
	if c.current != nil && !c.current.Exited() {
		return c.current
	}
	c.current = nil
	if c.cfg.PIDFile == "" {
		return nil
	}
	pid, err := util.ReadPIDFile(c.cfg.PIDFile)
	if err != nil || !util.IsProcessRunning(pid) {
		return nil
	}
	c.current = &Handle{PID: pid}
	return c.current
}

// Running reports whether the guarded process is alive.
func (c *Controller) Running() bool {
	return c.Current() != nil
}

// Start launches the configured command. It returns (nil, nil) when no command
// is configured: the caller cannot verify the start but should keep going.
func (c *Controller) Start(ctx context.Context) (*Handle, error) {
	if c.cfg.Command == "" {
		c.log.Warn("no process command configured, not starting anything")
		return nil, nil
	}
	if h := c.Current(); h != nil {
		c.log.WithField("pid", h.PID).Info("guarded process already running")
		return h, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	env := append(os.Environ(), c.cfg.Env...)
	proc, exited, err := util.StartDetached(c.cfg.Command, c.cfg.Args, env, c.cfg.Dir)
	if err != nil {
		return nil, err
	}
	h := &Handle{PID: proc.Pid, StartedAt: time.Now(), exited: exited}
	c.current = h

	if c.cfg.PIDFile != "" {
		if err := util.WritePIDFile(c.cfg.PIDFile, h.PID); err != nil {
			c.log.WithError(err).WithField("pid_file", c.cfg.PIDFile).Warn("failed to record PID")
		}
	}
	c.log.WithFields(logrus.Fields{"pid": h.PID, "command": c.cfg.Command}).Info("guarded process started")
	return h, nil
}

// Stop terminates the guarded process: SIGTERM, then SIGKILL after timeout.
// The graceful wait runs to timeout even if ctx is already cancelled.
// Returns true once the process is confirmed not running (including when it
// was not running to begin with).
func (c *Controller) Stop(ctx context.Context, timeout time.Duration) bool {
	h := c.Current()
	if h == nil {
		c.log.Debug("guarded process not running, nothing to stop")
		return true
	}

	entry := c.log.WithField("pid", h.PID)
	entry.WithField("timeout", timeout).Info("stopping guarded process")
	// Cancelling ctx must not cut the graceful window short; only timeout bounds it.
	err := util.StopProcess(context.WithoutCancel(ctx), h.PID, util.ProcessConfig{
		GracefulTimeout: timeout,
		PollInterval:    c.cfg.PollInterval,
	}, func() error {
		return util.TerminateProcess(h.PID)
	}, func() bool {
		return !h.Exited()
	})
	if err != nil {
		entry.WithError(err).Error("guarded process did not stop")
		return false
	}
	c.current = nil
	entry.Info("guarded process stopped")
	return true
}

// IsHealthy reports whether h is alive and, if a health URL is configured,
// answering it. A nil h falls back to the current process.
func (c *Controller) IsHealthy(ctx context.Context, h *Handle) bool {
	if h == nil {
		h = c.Current()
	}
	if h == nil || h.Exited() {
		return false
	}
	if c.cfg.HealthURL == "" {
		return true
	}
	if err := c.probe(ctx); err != nil {
		c.log.WithError(err).WithField("url", c.cfg.HealthURL).Debug("health probe failed")
		return false
	}
	return true
}

func (c *Controller) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.HealthURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("health endpoint returned %s", resp.Status)
	}
	return nil
}
