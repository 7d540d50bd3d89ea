// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package trigger lets other processes request a queue flush by dropping a
// signal file into a spool directory.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jeranaias/nelson-client/internal/util"
)

const (
	// SyncTag is the background sync tag. A spool file with this exact name
	// requests a flush.
	SyncTag = "sync-messages"

	// SignalSuffix marks any other spool file as a flush request.
	SignalSuffix = ".sync"

	// DefaultDebounce collapses bursts of signal files into one flush.
	DefaultDebounce = 250 * time.Millisecond

	// pollTick is how often pending signals are checked against the debounce.
	pollTick = 50 * time.Millisecond
)

// IsSignal reports whether a spool file name requests a flush.
func IsSignal(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return base == SyncTag || strings.HasSuffix(base, SignalSuffix)
}

// Signal drops a signal file into dir so a running client flushes its queue.
func Signal(dir string) (string, error) {
	name := strconv.FormatInt(time.Now().UnixNano(), 10) + SignalSuffix
	path := filepath.Join(dir, name)
	if err := util.AtomicWriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)), 0600); err != nil {
		return "", fmt.Errorf("failed to write sync signal: %w", err)
	}
	return path, nil
}

// =============================================================================
// WATCHER
// =============================================================================

// Watcher calls its handler when signal files appear in the spool directory.
// Each signal file is removed once handled.
type Watcher struct {
	dir      string
	handler  func()
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *log.Logger

	mu      sync.Mutex
	pending map[string]time.Time // signal path -> last event
}

// NewWatcher watches dir, creating it if needed.
func NewWatcher(dir string, handler func()) (*Watcher, error) {
	if handler == nil {
		return nil, errors.New("trigger: handler is required")
	}
	if err := util.EnsureDir(dir); err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return &Watcher{
		dir:      dir,
		handler:  handler,
		debounce: DefaultDebounce,
		watcher:  fw,
		pending:  make(map[string]time.Time),
	}, nil
}

// WithDebounce sets the debounce window.
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	w.debounce = d
	return w
}

// WithLogger sets the logger.
func (w *Watcher) WithLogger(l *log.Logger) *Watcher {
	w.logger = l
	return w
}

// Dir returns the spool directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Close stops watching. Run closes the watcher itself on return; Close is for
// a Watcher that never ran.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Run processes events until ctx is cancelled, then closes the watcher.
// Signal files left over from before the start are handled first.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	w.scanExisting()

	ticker := time.NewTicker(pollTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 && IsSignal(event.Name) {
				w.mu.Lock()
				w.pending[event.Name] = time.Now()
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logf("[trigger] watch error: %v", err)

		case <-ticker.C:
			w.firePending()
		}
	}
}

func (w *Watcher) scanExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logf("[trigger] failed to read spool: %v", err)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, entry := range entries {
		if !entry.IsDir() && IsSignal(entry.Name()) {
			// Zero time: due on the first tick
			w.pending[filepath.Join(w.dir, entry.Name())] = time.Time{}
		}
	}
}

// firePending removes settled signal files and calls the handler once for
// the whole batch.
func (w *Watcher) firePending() {
	now := time.Now()
	var due []string

	w.mu.Lock()
	for path, seen := range w.pending {
		if now.Sub(seen) >= w.debounce {
			due = append(due, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	if len(due) == 0 {
		return
	}
	for _, path := range due {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.logf("[trigger] failed to remove %s: %v", filepath.Base(path), err)
		}
	}
	w.logf("[trigger] sync requested (%d signal files)", len(due))
	w.handler()
}
