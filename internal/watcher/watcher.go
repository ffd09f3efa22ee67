// Package watcher turns fsnotify notifications under a root directory into
// events.ChangeEvent values on an events.Queue.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"vectorguard/internal/backup"
	"vectorguard/internal/common"
	"vectorguard/internal/events"
)

// Watcher watches a directory tree recursively. Its goroutine never inspects
// or modifies watched files; it only enqueues.
type Watcher struct {
	root   string
	queue  *events.Queue
	filter backup.FileFilter
	log    logrus.FieldLogger

	fsw       *fsnotify.Watcher
	mu        sync.Mutex
	started   bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a watcher for root. filter may be nil.
func New(root string, queue *events.Queue, filter backup.FileFilter, log logrus.FieldLogger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		root:   root,
		queue:  queue,
		filter: filter,
		log:    log,
		fsw:    fsw,
		done:   make(chan struct{}),
	}, nil
}

// Start registers every directory under the root and begins forwarding
// events until ctx is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if err := w.addRecursive(w.root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.root, err)
	}
	w.started = true
	w.log.WithFields(logrus.Fields{"root": w.root, "directories": len(w.WatchList())}).Info("watching for changes")

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Close stops the watcher and waits for its goroutine.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
		w.wg.Wait()
	})
	return err
}

// WatchList returns the directories currently registered.
func (w *Watcher) WatchList() []string {
	return w.fsw.WatchList()
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if !w.acceptDir(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) acceptDir(path string) bool {
	rel, err := common.RelPath(w.root, path)
	if err != nil {
		return false
	}
	return rel == "" || w.filter == nil || w.filter(rel, true)
}

func (w *Watcher) acceptFile(path string) bool {
	if common.IsArtifactPath(path) {
		return false
	}
	rel, err := common.RelPath(w.root, path)
	if err != nil || rel == "" {
		return false
	}
	return w.filter == nil || w.filter(rel, false)
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.log.Warn("watcher event overflow, changes may be missed until the next sweep")
				continue
			}
			w.log.WithError(err).Warn("watcher error")
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	now := time.Now()
	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if w.acceptDir(ev.Name) {
				if err := w.addRecursive(ev.Name); err != nil {
					w.log.WithError(err).WithField("path", ev.Name).Debug("failed to watch new directory")
				}
			}
			return
		}
		if w.acceptFile(ev.Name) {
			w.queue.Push(events.ChangeEvent{Kind: events.Created, Path: ev.Name, Time: now})
		}
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Chmod):
		if w.acceptFile(ev.Name) {
			w.queue.Push(events.ChangeEvent{Kind: events.Changed, Path: ev.Name, Time: now})
		}
	case ev.Has(fsnotify.Rename), ev.Has(fsnotify.Remove):
		// the new name of a rename arrives as a separate Create
		if w.acceptFile(ev.Name) {
			w.queue.Push(events.ChangeEvent{Kind: events.Renamed, Path: ev.Name, OldPath: ev.Name, Time: now})
		}
	}
}
