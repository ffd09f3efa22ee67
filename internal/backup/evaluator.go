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

// Package backup maintains one rolling, validated backup per watched file.
//
// Backups are refreshed lazily: a file is only re-validated and copied when it
// has grown past its backup, and a file that fails validation never replaces
// an existing backup.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"vectorguard/internal/common"
	"vectorguard/internal/metrics"
	"vectorguard/internal/util"
	"vectorguard/internal/validate"
)

// Result is the outcome of evaluating one file.
type Result int

const (
	Skipped Result = iota
	Created
	Updated
	Failed
)

// String returns the lowercase name of the result.
func (r Result) String() string {
	switch r {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome describes one evaluation.
type Outcome struct {
	Path       string
	Result     Result
	SourceSize int64
	BackupSize int64 // size before evaluation, -1 if there was no backup
	Err        error // set when Result is Failed
}

// FileFilter decides whether a path (relative to the watched root, slash
// separated) takes part in guarding. Directories are offered with isDir=true;
// returning false for a directory prunes it.
type FileFilter func(relPath string, isDir bool) bool

// SweepSummary aggregates a full sweep.
type SweepSummary struct {
	Created  int           `json:"created"`
	Updated  int           `json:"updated"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
	Finished time.Time     `json:"finished"`
}

// Total returns the number of files evaluated.
func (s SweepSummary) Total() int {
	return s.Created + s.Updated + s.Skipped + s.Failed
}

func (s *SweepSummary) add(r Result) {
	switch r {
	case Created:
		s.Created++
	case Updated:
		s.Updated++
	case Skipped:
		s.Skipped++
	case Failed:
		s.Failed++
	}
}

// Options configure copying.
type Options struct {
	MaxRetries int           // total copy attempts per file (minimum 1)
	RetryDelay time.Duration // fixed delay between attempts
}

// DefaultOptions returns the default copy policy.
func DefaultOptions() Options {
	return Options{MaxRetries: 3, RetryDelay: time.Second}
}

// Evaluator creates and refreshes backups.
type Evaluator struct {
	validator validate.Validator
	opts      Options
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
	busy      atomic.Bool
}

// NewEvaluator creates an evaluator. m may be nil.
func NewEvaluator(v validate.Validator, opts Options, log logrus.FieldLogger, m *metrics.Metrics) *Evaluator {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	return &Evaluator{validator: v, opts: opts, log: log, metrics: m}
}

// Busy reports whether a sweep is running.
func (e *Evaluator) Busy() bool {
	return e.busy.Load()
}

// Evaluate decides whether path's backup must be created or updated and
// performs the validated copy if so.
func (e *Evaluator) Evaluate(ctx context.Context, path string) Outcome {
	out := e.evaluate(ctx, path)
	e.metrics.BackupEvaluated(out.Result.String())

	entry := e.log.WithFields(logrus.Fields{
		"path":        path,
		"source_size": out.SourceSize,
		"backup_size": out.BackupSize,
	})
	switch out.Result {
	case Created:
		entry.WithField("result", "success").Info("backup created")
	case Updated:
		entry.WithField("result", "success").Info("backup updated")
	case Skipped:
		entry.Debug("backup up to date")
	case Failed:
		entry.WithError(out.Err).Warn("backup not written")
	}
	return out
}

func (e *Evaluator) evaluate(ctx context.Context, path string) Outcome {
	out := Outcome{Path: path, BackupSize: -1}

	info, err := os.Stat(path)
	if err != nil {
		out.Result = Failed
		if errors.Is(err, os.ErrNotExist) {
			out.Err = fmt.Errorf("%w: %s", common.ErrNotFound, path)
		} else {
			out.Err = err
		}
		return out
	}
	out.SourceSize = info.Size()

	bak := common.BackupPath(path)
	binfo, err := os.Stat(bak)
	switch {
	case err == nil:
		out.BackupSize = binfo.Size()
		if out.SourceSize <= out.BackupSize {
			out.Result = Skipped
			return out
		}
	case !errors.Is(err, os.ErrNotExist):
		out.Result = Failed
		out.Err = err
		return out
	}

	if !e.validator.IsWellFormed(path) {
		out.Result = Failed
		out.Err = fmt.Errorf("%w: %s", common.ErrInvalidData, path)
		return out
	}

	if err := e.copyVerified(ctx, path, bak, e.validator.IsWellFormed); err != nil {
		out.Result = Failed
		out.Err = err
		return out
	}

	if out.BackupSize < 0 {
		out.Result = Created
	} else {
		out.Result = Updated
	}
	return out
}

// Restore overwrites path with its backup using the same verified copy.
// The backup must exist; validating it is the caller's job.
func (e *Evaluator) Restore(ctx context.Context, path string) error {
	bak := common.BackupPath(path)
	if _, err := os.Stat(bak); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", common.ErrNoBackup, path)
		}
		return err
	}
	return e.CopyVerified(ctx, bak, path)
}

// CopyVerified copies src to dst, retrying with a fixed delay until the
// destination's size equals the source size observed before the copy.
func (e *Evaluator) CopyVerified(ctx context.Context, src, dst string) error {
	return e.copyVerified(ctx, src, dst, nil)
}

// copyVerified is CopyVerified with an optional check run against the staged
// bytes before they replace dst. The source may keep growing after it was
// validated, so the backup direction checks what it actually wrote.
func (e *Evaluator) copyVerified(ctx context.Context, src, dst string, wellFormed func(string) bool) error {
	onRetry := func(n uint, err error) {
		e.log.WithFields(logrus.Fields{
			"src":     src,
			"dst":     dst,
			"attempt": n + 1,
			"max":     e.opts.MaxRetries,
		}).WithError(err).Warn("copy attempt failed")
	}
	err := util.Retry(ctx, func() error {
		return copyOnce(src, dst, wellFormed)
	}, util.FixedRetryOptions(ctx, e.opts.MaxRetries, e.opts.RetryDelay, onRetry)...)
	if err != nil {
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	return nil
}

// copyOnce stages the copy next to dst and renames it into place, so dst is
// never left half-written. A staged copy rejected by wellFormed is discarded.
func copyOnce(src, dst string, wellFormed func(string) bool) error {
	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return util.Permanent(fmt.Errorf("%w: %s", common.ErrNotFound, src))
		}
		return err
	}
	want := info.Size()

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := common.TempPath(dst)
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	tinfo, err := os.Stat(tmp)
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if tinfo.Size() != want {
		os.Remove(tmp)
		return fmt.Errorf("%w: wrote %d bytes, source had %d", common.ErrCopyVerify, tinfo.Size(), want)
	}
	if wellFormed != nil && !wellFormed(tmp) {
		os.Remove(tmp)
		return fmt.Errorf("%w: copy of %s", common.ErrInvalidData, src)
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Sweep evaluates every file under root accepted by filter. If a sweep is
// already running it returns common.ErrSweepBusy without doing anything.
// Per-file failures are counted, never returned; only cancellation and an
// unreadable root are errors.
func (e *Evaluator) Sweep(ctx context.Context, root string, filter FileFilter) (SweepSummary, error) {
	var sum SweepSummary
	if !e.busy.CompareAndSwap(false, true) {
		return sum, common.ErrSweepBusy
	}
	defer e.busy.Store(false)

	start := time.Now()
	err := Walk(root, filter, func(path string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		sum.add(e.Evaluate(ctx, path).Result)
		return nil
	})
	sum.Duration = time.Since(start)
	sum.Finished = time.Now()
	e.metrics.SweepFinished(sum.Duration)

	entry := e.log.WithFields(logrus.Fields{
		"root":     root,
		"created":  sum.Created,
		"updated":  sum.Updated,
		"skipped":  sum.Skipped,
		"failed":   sum.Failed,
		"duration": sum.Duration.Round(time.Millisecond),
	})
	if err != nil {
		entry.WithError(err).Warn("backup sweep interrupted")
		return sum, err
	}
	entry.Info("backup sweep finished")
	return sum, nil
}

// Walk calls fn for every regular file under root that filter accepts,
// skipping backup and staging artifacts. A nil filter accepts everything.
func Walk(root string, filter FileFilter, fn func(path string) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil // unreadable entry, keep walking
		}
		rel, relErr := common.RelPath(root, path)
		if relErr != nil {
			return nil
		}
		if d.IsDir() {
			if rel != "" && filter != nil && !filter(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || common.IsArtifactPath(path) {
			return nil
		}
		if filter != nil && !filter(rel, false) {
			return nil
		}
		return fn(path)
	})
}
