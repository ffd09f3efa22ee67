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

// Package recovery drives the stop → restore → restart → verify workflow for
// a watched file whose size collapsed, with a per-path attempt ceiling.
//
// A Machine is not safe for concurrent use: the guard calls it only from its
// control goroutine, which also serializes recoveries of distinct paths.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"vectorguard/internal/common"
	"vectorguard/internal/metrics"
	"vectorguard/internal/process"
	"vectorguard/internal/util"
	"vectorguard/internal/validate"
)

// State is a recovery workflow state.
type State int

const (
	Idle State = iota
	Stopping
	Restoring
	Restarting
	Verifying
	Recovered
	Failed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Stopping:
		return "stopping"
	case Restoring:
		return "restoring"
	case Restarting:
		return "restarting"
	case Verifying:
		return "verifying"
	case Recovered:
		return "recovered"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ProcessController is the part of process.Controller recovery needs.
type ProcessController interface {
	Start(ctx context.Context) (*process.Handle, error)
	Stop(ctx context.Context, timeout time.Duration) bool
}

// Restorer overwrites a watched file with its backup.
type Restorer interface {
	Restore(ctx context.Context, path string) error
}

// Options configure the workflow.
type Options struct {
	MaxAttempts      int           // attempts allowed per path before giving up
	StopTimeout      time.Duration // graceful stop timeout before SIGKILL
	SettleDelay      time.Duration // pause after the process stopped
	StartSettle      time.Duration // pause after start before verifying
	StrictSizeVerify bool          // fail (instead of warn) when the restored size differs from the backup
}

// DefaultOptions returns the default workflow settings.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		StopTimeout: 10 * time.Second,
		SettleDelay: 2 * time.Second,
		StartSettle: 5 * time.Second,
	}
}

// Result describes one finished workflow.
type Result struct {
	ID          string
	Path        string
	Attempt     int
	State       State // Recovered or Failed
	Err         error // why the workflow failed
	Transitions []State
	Warnings    []string
	Duration    time.Duration
}

// Machine runs recoveries and owns the attempt counters.
type Machine struct {
	proc      ProcessController
	restorer  Restorer
	validator validate.Validator
	opts      Options
	log       logrus.FieldLogger
	metrics   *metrics.Metrics

	attempts map[string]int
	inFlight map[string]bool

	sleep func(ctx context.Context, d time.Duration) error
}

// NewMachine creates a machine. m may be nil.
func NewMachine(proc ProcessController, restorer Restorer, v validate.Validator, opts Options, log logrus.FieldLogger, m *metrics.Metrics) *Machine {
	return &Machine{
		proc:      proc,
		restorer:  restorer,
		validator: v,
		opts:      opts,
		log:       log,
		metrics:   m,
		attempts:  make(map[string]int),
		inFlight:  make(map[string]bool),
		sleep:     util.Sleep,
	}
}

// Attempts returns the current attempt count for path.
func (m *Machine) Attempts(path string) int {
	return m.attempts[path]
}

// Counters returns a copy of all non-zero attempt counters.
func (m *Machine) Counters() map[string]int {
	out := make(map[string]int, len(m.attempts))
	for p, n := range m.attempts {
		if n > 0 {
			out[p] = n
		}
	}
	return out
}

// Exhausted reports whether path has used up its attempts.
func (m *Machine) Exhausted(path string) bool {
	return m.attempts[path] >= m.opts.MaxAttempts
}

// Reset clears path's attempt counter and returns its previous value.
func (m *Machine) Reset(path string) int {
	n := m.attempts[path]
	delete(m.attempts, path)
	return n
}

// ResetAll clears every counter and returns how many paths were reset.
func (m *Machine) ResetAll() int {
	n := len(m.Counters())
	clear(m.attempts)
	return n
}

// InFlight reports whether any recovery is running.
func (m *Machine) InFlight() bool {
	return len(m.inFlight) > 0
}

// run tracks one workflow.
type run struct {
	m     *Machine
	res   Result
	log   logrus.FieldLogger
	start time.Time
}

func (r *run) enter(s State) {
	r.res.Transitions = append(r.res.Transitions, s)
	r.res.State = s
	r.log.WithField("state", s.String()).Info("recovery state transition")
}

func (r *run) fail(err error) Result {
	r.res.Err = err
	r.enter(Failed)
	return r.finish()
}

func (r *run) finish() Result {
	r.res.Duration = time.Since(r.start)
	r.m.metrics.RecoveryFinished(r.res.State.String(), r.res.Duration)
	entry := r.log.WithField("duration", r.res.Duration.Round(time.Millisecond))
	if r.res.State == Recovered {
		entry.WithField("result", "success").Info("recovery completed")
	} else {
		entry.WithError(r.res.Err).Error("recovery failed")
	}
	return r.res
}

func (r *run) warn(msg string) {
	r.res.Warnings = append(r.res.Warnings, msg)
	r.log.Warn(msg)
}

// Recover runs the workflow for path. It never panics or returns an error;
// the outcome is in Result.State and Result.Err.
// Cancellation lets the current transition finish and then fails the run.
func (m *Machine) Recover(ctx context.Context, path string) Result {
	r := &run{
		m:     m,
		res:   Result{ID: uuid.NewString(), Path: path, State: Idle},
		start: time.Now(),
	}

	if m.inFlight[path] {
		r.log = m.log.WithFields(logrus.Fields{"path": path, "recovery_id": r.res.ID})
		return r.fail(fmt.Errorf("recovery already in progress for %s", path))
	}
	m.inFlight[path] = true
	defer delete(m.inFlight, path)

	// Idle -> Stopping
	m.attempts[path]++
	r.res.Attempt = m.attempts[path]
	r.log = m.log.WithFields(logrus.Fields{
		"path":         path,
		"recovery_id":  r.res.ID,
		"attempt":      r.res.Attempt,
		"max_attempts": m.opts.MaxAttempts,
	})
	if r.res.Attempt > m.opts.MaxAttempts {
		return r.fail(fmt.Errorf("%w: %d of %d used, reset required", common.ErrAttemptsExhausted, r.res.Attempt-1, m.opts.MaxAttempts))
	}
	r.enter(Stopping)

	if !m.proc.Stop(ctx, m.opts.StopTimeout) {
		return r.fail(common.ErrProcessStillRunning)
	}
	if err := m.sleep(ctx, m.opts.SettleDelay); err != nil {
		return r.fail(cancelled(err))
	}

	// Stopping -> Restoring
	r.enter(Restoring)
	bak := common.BackupPath(path)
	if !m.validator.IsWellFormed(bak) {
		return r.fail(fmt.Errorf("backup %s: %w", bak, common.ErrInvalidData))
	}
	if err := m.restorer.Restore(ctx, path); err != nil {
		return r.fail(fmt.Errorf("restore: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return r.fail(cancelled(err))
	}

	// Restoring -> Restarting
	r.enter(Restarting)
	h, err := m.proc.Start(ctx)
	if err != nil {
		return r.fail(fmt.Errorf("restart: %w", err))
	}
	if h == nil {
		r.warn("process start could not be verified, continuing")
	}
	if err := m.sleep(ctx, m.opts.StartSettle); err != nil {
		return r.fail(cancelled(err))
	}

	// Restarting -> Verifying
	r.enter(Verifying)
	if h != nil && h.Exited() {
		return r.fail(fmt.Errorf("restart: process %d exited during start-up", h.PID))
	}
	info, err := os.Stat(path)
	if err != nil {
		return r.fail(fmt.Errorf("verify: %w", err))
	}
	if !m.validator.IsWellFormed(path) {
		return r.fail(fmt.Errorf("verify %s: %w", path, common.ErrInvalidData))
	}
	if binfo, err := os.Stat(bak); err == nil && binfo.Size() != info.Size() {
		msg := fmt.Sprintf("restored size %d differs from backup size %d", info.Size(), binfo.Size())
		if m.opts.StrictSizeVerify {
			return r.fail(errors.New(msg))
		}
		r.warn(msg)
	}

	// Verifying -> Recovered
	m.attempts[path] = 0
	r.enter(Recovered)
	return r.finish()
}

func cancelled(err error) error {
	return fmt.Errorf("%w: %v", common.ErrCancelled, err)
}
