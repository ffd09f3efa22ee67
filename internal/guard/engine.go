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

package guard

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"vectorguard/internal/backup"
	"vectorguard/internal/common"
	"vectorguard/internal/events"
	"vectorguard/internal/metrics"
	"vectorguard/internal/process"
	"vectorguard/internal/recovery"
)

// Config holds the engine's loop settings.
type Config struct {
	Root           string
	Filter         backup.FileFilter
	PollInterval   time.Duration
	SweepInterval  time.Duration
	HealthInterval time.Duration
	Thresholds     Thresholds
}

// Watcher feeds the engine's queue from its own goroutine.
type Watcher interface {
	Start(ctx context.Context) error
	Close() error
}

// HealthChecker reports on the guarded process between recoveries.
type HealthChecker interface {
	Managed() bool
	Running() bool
	Current() *process.Handle
	IsHealthy(ctx context.Context, h *process.Handle) bool
}

// Deps are the collaborators an Engine drives. Watcher, Health and Metrics
// may be nil.
type Deps struct {
	Queue     *events.Queue
	Evaluator *backup.Evaluator
	Recovery  *recovery.Machine
	Watcher   Watcher
	Health    HealthChecker
	Log       logrus.FieldLogger
	Metrics   *metrics.Metrics
}

type watchedFile struct {
	Size    int64
	ModTime time.Time
}

// RecoveryInfo summarizes the last finished recovery.
type RecoveryInfo struct {
	ID       string    `json:"id"`
	Path     string    `json:"path"`
	Attempt  int       `json:"attempt"`
	State    string    `json:"state"`
	Error    string    `json:"error,omitempty"`
	Finished time.Time `json:"finished"`
}

// Status is a snapshot of the engine taken on the control goroutine.
type Status struct {
	Root           string               `json:"root"`
	StartedAt      time.Time            `json:"started_at"`
	Watched        int                  `json:"watched"`
	Pending        int                  `json:"pending"`
	Attempts       map[string]int       `json:"attempts,omitempty"`
	Exhausted      []string             `json:"exhausted,omitempty"`
	LastSweep      *backup.SweepSummary `json:"last_sweep,omitempty"`
	LastRecovery   *RecoveryInfo        `json:"last_recovery,omitempty"`
	ProcessManaged bool                 `json:"process_managed"`
	ProcessPID     int                  `json:"process_pid,omitempty"`
	ProcessHealthy bool                 `json:"process_healthy"`
}

// Engine is the single control loop. All fields below requests are owned by
// the goroutine running Run.
type Engine struct {
	cfg  Config
	deps Deps
	log  logrus.FieldLogger

	requests chan func(ctx context.Context)
	done     chan struct{}

	startedAt    time.Time
	watched      map[string]watchedFile
	lastSweep    *backup.SweepSummary
	lastRecovery *RecoveryInfo
	healthy      bool
	nextSweep    time.Time
	nextHealth   time.Time
}

// NewEngine creates an engine. Zero intervals fall back to 500ms poll,
// 5m sweep and 30s health.
func NewEngine(cfg Config, deps Deps) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if deps.Queue == nil {
		deps.Queue = events.NewQueue()
	}
	return &Engine{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Log.WithField("root", cfg.Root),
		requests: make(chan func(ctx context.Context)),
		done:     make(chan struct{}),
		watched:  make(map[string]watchedFile),
	}
}

// Queue returns the queue the engine consumes.
func (e *Engine) Queue() *events.Queue {
	return e.deps.Queue
}

// Done is closed when Run returns.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Run drives the loop until ctx is cancelled. It returns an error only when
// startup fails.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	info, err := os.Stat(e.cfg.Root)
	if err != nil {
		return fmt.Errorf("watch root %s: %w", e.cfg.Root, common.ErrNotFound)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch root %s is not a directory: %w", e.cfg.Root, common.ErrInvalidPath)
	}

	if e.deps.Watcher != nil {
		if err := e.deps.Watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start watcher: %w", err)
		}
		defer func() {
			if err := e.deps.Watcher.Close(); err != nil {
				e.log.WithError(err).Warn("failed to close watcher")
			}
		}()
	}

	e.startedAt = time.Now()
	e.log.Info("guard engine started")

	e.sweep(ctx)
	e.nextHealth = time.Now().Add(e.cfg.HealthInterval)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if dropped := e.deps.Queue.Drain(); len(dropped) > 0 {
				for _, ev := range dropped {
					e.log.WithFields(logrus.Fields{"path": ev.Path, "kind": ev.Kind.String()}).Debug("change event dropped")
				}
				e.log.WithField("dropped", len(dropped)).Info("dropped pending change events")
			}
			e.log.Info("guard engine stopped")
			return nil
		case req := <-e.requests:
			req(ctx)
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	// Events pushed during this tick wait for the next one.
	for n := e.deps.Queue.Len(); n > 0 && ctx.Err() == nil; n-- {
		ev, ok := e.deps.Queue.TryPop()
		if !ok {
			break
		}
		e.handleEvent(ctx, ev)
	}

	now := time.Now()
	if !now.Before(e.nextSweep) && !e.deps.Evaluator.Busy() {
		e.sweep(ctx)
	}
	if !now.Before(e.nextHealth) && !e.deps.Recovery.InFlight() {
		e.checkHealth(ctx)
		e.nextHealth = now.Add(e.cfg.HealthInterval)
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev events.ChangeEvent) {
	e.deps.Metrics.EventProcessed(ev.Kind.String())
	log := e.log.WithFields(logrus.Fields{"path": ev.Path, "kind": ev.Kind.String()})
	log.Debug("change event dequeued")

	switch ev.Kind {
	case events.Created:
		if e.accepts(ev.Path) {
			e.track(ev.Path)
		}
	case events.Renamed:
		delete(e.watched, ev.OldPath)
		e.deps.Metrics.SetWatchedFiles(len(e.watched))
		log.WithField("old_path", ev.OldPath).Info("watched file renamed or removed")
	case events.Changed:
		if !e.accepts(ev.Path) {
			return
		}
		e.track(ev.Path)
		e.checkAndRecover(ctx, ev.Path)
	}
}

// checkAndRecover runs detection on path and recovers it when the file
// collapsed.
func (e *Engine) checkAndRecover(ctx context.Context, path string) {
	det, err := Check(path, e.cfg.Thresholds)
	log := e.log.WithField("path", path)
	if err != nil {
		log.WithError(err).Warn("corruption check failed")
		return
	}
	if !det.Corrupted {
		return
	}

	e.deps.Metrics.CorruptionDetected()
	log.WithFields(logrus.Fields{
		"source_size": det.SourceSize,
		"backup_size": det.BackupSize,
	}).Warn("corruption detected")

	res := e.deps.Recovery.Recover(ctx, path)
	info := &RecoveryInfo{
		ID:       res.ID,
		Path:     res.Path,
		Attempt:  res.Attempt,
		State:    res.State.String(),
		Finished: time.Now(),
	}
	if res.Err != nil {
		info.Error = res.Err.Error()
	}
	e.lastRecovery = info
	if res.State == recovery.Recovered {
		e.track(path)
	}
}

func (e *Engine) accepts(path string) bool {
	if common.IsArtifactPath(path) {
		return false
	}
	rel, err := common.RelPath(e.cfg.Root, path)
	if err != nil || rel == "" {
		return false
	}
	return e.cfg.Filter == nil || e.cfg.Filter(rel, false)
}

func (e *Engine) track(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	e.watched[path] = watchedFile{Size: info.Size(), ModTime: info.ModTime()}
	e.deps.Metrics.SetWatchedFiles(len(e.watched))
}

// discover rebuilds the watched table from a full walk of the root.
func (e *Engine) discover() {
	found := make(map[string]watchedFile, len(e.watched))
	err := backup.Walk(e.cfg.Root, e.cfg.Filter, func(path string) error {
		if info, err := os.Stat(path); err == nil {
			found[path] = watchedFile{Size: info.Size(), ModTime: info.ModTime()}
		}
		return nil
	})
	if err != nil {
		e.log.WithError(err).Warn("failed to discover watched files")
		return
	}
	e.watched = found
	e.deps.Metrics.SetWatchedFiles(len(found))
}

func (e *Engine) sweep(ctx context.Context) (backup.SweepSummary, error) {
	e.nextSweep = time.Now().Add(e.cfg.SweepInterval)
	e.discover()
	sum, err := e.deps.Evaluator.Sweep(ctx, e.cfg.Root, e.cfg.Filter)
	if err == nil {
		e.lastSweep = &sum
	}
	return sum, err
}

func (e *Engine) checkHealth(ctx context.Context) {
	h := e.deps.Health
	if h == nil || !h.Managed() {
		return
	}
	if !h.Running() {
		e.healthy = false
		e.deps.Metrics.SetProcessHealthy(false)
		e.log.Warn("guarded process is not running")
		return
	}
	cur := h.Current()
	ok := cur != nil && h.IsHealthy(ctx, cur)
	e.healthy = ok
	e.deps.Metrics.SetProcessHealthy(ok)
	if !ok {
		e.log.Warn("guarded process is not healthy")
		return
	}
	e.log.WithField("pid", cur.PID).Debug("guarded process healthy")
}

// do runs fn on the control goroutine and waits for it.
func (e *Engine) do(ctx context.Context, fn func(ctx context.Context)) error {
	finished := make(chan struct{})
	req := func(loopCtx context.Context) {
		defer close(finished)
		fn(loopCtx)
	}
	select {
	case e.requests <- req:
	case <-e.done:
		return common.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	// fn may write the caller's variables, so wait even if ctx is done
	<-finished
	return nil
}

// Status returns a snapshot of the engine.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var st Status
	err := e.do(ctx, func(context.Context) {
		st = Status{
			Root:           e.cfg.Root,
			StartedAt:      e.startedAt,
			Watched:        len(e.watched),
			Pending:        e.deps.Queue.Len(),
			Attempts:       e.deps.Recovery.Counters(),
			LastSweep:      e.lastSweep,
			LastRecovery:   e.lastRecovery,
			ProcessHealthy: e.healthy,
		}
		for path := range st.Attempts {
			if e.deps.Recovery.Exhausted(path) {
				st.Exhausted = append(st.Exhausted, path)
			}
		}
		sort.Strings(st.Exhausted)
		if h := e.deps.Health; h != nil && h.Managed() {
			st.ProcessManaged = true
			if cur := h.Current(); cur != nil {
				st.ProcessPID = cur.PID
			}
		}
	})
	return st, err
}

// ResetAttempts clears the recovery counter of path, or of every path when
// path is empty. It returns how many counters were cleared.
func (e *Engine) ResetAttempts(ctx context.Context, path string) (int, error) {
	var n int
	err := e.do(ctx, func(context.Context) {
		if path == "" {
			n = e.deps.Recovery.ResetAll()
		} else if e.deps.Recovery.Reset(path) > 0 {
			n = 1
		}
		e.log.WithFields(logrus.Fields{"path": path, "reset": n}).Info("recovery attempts reset")
	})
	return n, err
}

// TriggerSweep runs a sweep now.
func (e *Engine) TriggerSweep(ctx context.Context) (backup.SweepSummary, error) {
	var (
		sum   backup.SweepSummary
		opErr error
	)
	err := e.do(ctx, func(loopCtx context.Context) {
		sum, opErr = e.sweep(loopCtx)
	})
	if err != nil {
		return sum, err
	}
	return sum, opErr
}
