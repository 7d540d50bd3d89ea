// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/nelson-client/internal/model"
	"github.com/jeranaias/nelson-client/internal/queue"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// MaxAttempts is the retry ceiling. An action that fails this many times
	// is dropped and reported.
	MaxAttempts = 3

	// DefaultRatePerSecond paces replays so a long queue cannot burst the backend.
	DefaultRatePerSecond = 5

	// DefaultPollInterval is how often Run checks for leftover work.
	DefaultPollInterval = 5 * time.Second
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrFlushInProgress is returned by Flush when a pass is already running.
var ErrFlushInProgress = errors.New("sync already in progress")

// =============================================================================
// COLLABORATORS
// =============================================================================

// Replayer delivers queued actions. *engine.Engine implements it.
type Replayer interface {
	ReplaySend(ctx context.Context, p queue.SendMessagePayload) error
	ReplayDelete(ctx context.Context, conversationID string) error
	ReplaySettings(ctx context.Context, patch model.SettingsPatch) error
	MarkSyncFailed(p queue.SendMessagePayload)
}

// Queue is the durable action store. *queue.Store implements it.
type Queue interface {
	List(ctx context.Context) ([]queue.Action, error)
	Remove(ctx context.Context, id int64) error
	IncrementRetry(ctx context.Context, id int64) (int, error)
	Len(ctx context.Context) (int, error)
}

// Connectivity reports reachability. *connectivity.Monitor implements it.
type Connectivity interface {
	IsOnline() bool
}

// =============================================================================
// TYPES
// =============================================================================

// Notice reports an action dropped after exhausting its retries.
type Notice struct {
	ActionID int64
	Kind     queue.Kind
	Attempts int
	Err      error
}

// Report summarizes one pass.
type Report struct {
	Processed int  `json:"processed"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	Dropped   int  `json:"dropped"`
	Halted    bool `json:"halted"` // stopped early because connectivity was lost
}

// Options configures a Flusher.
type Options struct {
	// RatePerSecond paces replays. Zero means DefaultRatePerSecond.
	RatePerSecond float64

	// PollInterval for Run. Zero means DefaultPollInterval.
	PollInterval time.Duration

	// OnNotice is called for every dropped action.
	OnNotice func(Notice)

	// Logger for pass results. Nil uses the standard logger.
	Logger *log.Logger
}

// =============================================================================
// FLUSHER
// =============================================================================

// Flusher drains the offline queue in FIFO order. At most one pass runs at
// a time; triggers that arrive during a pass schedule exactly one more.
type Flusher struct {
	queue    Queue
	replayer Replayer
	conn     Connectivity
	limiter  *rate.Limiter
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	rerun   bool
	last    Report
}

// New creates a flusher.
func New(q Queue, r Replayer, c Connectivity, opts Options) *Flusher {
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = DefaultRatePerSecond
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Flusher{
		queue:    q,
		replayer: r,
		conn:     c,
		limiter:  rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (f *Flusher) logf(format string, args ...any) {
	if f.opts.Logger != nil {
		f.opts.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Running reports whether a pass is in progress.
func (f *Flusher) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// LastReport returns the result of the most recent pass.
func (f *Flusher) LastReport() Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// Trigger starts a pass in the background. If one is running, a single
// follow-up pass is scheduled instead. Safe to call from any goroutine,
// including connectivity callbacks.
func (f *Flusher) Trigger() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ctx.Err() != nil {
		return
	}
	if f.running {
		f.rerun = true
		return
	}
	f.running = true
	f.wg.Add(1)
	go f.loop()
}

func (f *Flusher) loop() {
	defer f.wg.Done()
	for {
		if _, err := f.pass(f.ctx); err != nil && f.ctx.Err() == nil {
			f.logf("[sync] pass failed: %v", err)
		}
		if !f.finish() {
			return
		}
	}
}

// finish ends a pass. It returns true when a rerun was requested, in which
// case the flusher stays marked running.
func (f *Flusher) finish() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rerun && f.ctx.Err() == nil {
		f.rerun = false
		return true
	}
	f.rerun = false
	f.running = false
	return false
}

// Flush runs one pass synchronously. It returns ErrFlushInProgress when a
// pass is already running.
func (f *Flusher) Flush(ctx context.Context) (Report, error) {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return Report{}, ErrFlushInProgress
	}
	f.running = true
	f.mu.Unlock()

	report, err := f.pass(ctx)
	if f.finish() {
		// A trigger arrived meanwhile: honor it in the background
		f.wg.Add(1)
		go f.loop()
	}
	return report, err
}

// Run triggers a pass every PollInterval while online with work queued,
// until ctx is cancelled.
func (f *Flusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !f.conn.IsOnline() {
				continue
			}
			n, err := f.queue.Len(ctx)
			if err != nil {
				f.logf("[sync] queue unreadable: %v", err)
				continue
			}
			if n > 0 {
				f.Trigger()
			}
		}
	}
}

// Close stops background passes and waits for them to return.
func (f *Flusher) Close() {
	f.cancel()
	f.wg.Wait()
}

// =============================================================================
// PASS
// =============================================================================

// pass processes the queue once, oldest first.
func (f *Flusher) pass(ctx context.Context) (Report, error) {
	var report Report
	defer func() {
		f.mu.Lock()
		f.last = report
		f.mu.Unlock()
	}()

	actions, err := f.queue.List(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list queue: %w", err)
	}
	if len(actions) == 0 {
		return report, nil
	}

	for _, action := range actions {
		if !f.conn.IsOnline() {
			report.Halted = true
			break
		}
		if err := f.limiter.Wait(ctx); err != nil {
			return report, err
		}

		report.Processed++
		err := f.replay(ctx, action)
		if err == nil {
			if rerr := f.queue.Remove(ctx, action.ID); rerr != nil && !errors.Is(rerr, queue.ErrNotFound) {
				return report, fmt.Errorf("failed to remove action %d: %w", action.ID, rerr)
			}
			report.Succeeded++
			continue
		}
		if ctx.Err() != nil {
			// Shutdown is not a failed attempt
			return report, ctx.Err()
		}

		report.Failed++
		if errors.Is(err, queue.ErrInvalidPayload) {
			f.drop(ctx, action, action.RetryCount, err)
			report.Dropped++
			continue
		}

		attempts, ierr := f.queue.IncrementRetry(ctx, action.ID)
		if ierr != nil {
			return report, fmt.Errorf("failed to record attempt for action %d: %w", action.ID, ierr)
		}
		f.logf("[sync] %s #%d failed (attempt %d/%d): %v", action.Kind, action.ID, attempts, MaxAttempts, err)
		if attempts >= MaxAttempts {
			f.drop(ctx, action, attempts, err)
			report.Dropped++
		}
		if model.IsConnectivity(err) {
			report.Halted = true
			break
		}
	}

	if report.Processed > 0 {
		f.logf("[sync] pass done: %d processed, %d ok, %d failed, %d dropped",
			report.Processed, report.Succeeded, report.Failed, report.Dropped)
	}
	return report, nil
}

// replay routes an action to its engine entry point.
func (f *Flusher) replay(ctx context.Context, action queue.Action) error {
	switch action.Kind {
	case queue.KindSendMessage:
		p, err := action.DecodeSendMessage()
		if err != nil {
			return err
		}
		return f.replayer.ReplaySend(ctx, p)
	case queue.KindDeleteConversation:
		p, err := action.DecodeDeleteConversation()
		if err != nil {
			return err
		}
		return f.replayer.ReplayDelete(ctx, p.ConversationID)
	case queue.KindUpdateSettings:
		p, err := action.DecodeSettings()
		if err != nil {
			return err
		}
		return f.replayer.ReplaySettings(ctx, p.Patch)
	default:
		return fmt.Errorf("%w: %q", queue.ErrInvalidPayload, action.Kind)
	}
}

// drop removes an action for good and reports it.
func (f *Flusher) drop(ctx context.Context, action queue.Action, attempts int, cause error) {
	if err := f.queue.Remove(ctx, action.ID); err != nil && !errors.Is(err, queue.ErrNotFound) {
		f.logf("[sync] failed to drop action %d: %v", action.ID, err)
	}
	if action.Kind == queue.KindSendMessage {
		if p, err := action.DecodeSendMessage(); err == nil {
			f.replayer.MarkSyncFailed(p)
		}
	}
	f.logf("[sync] dropped %s #%d after %d attempts", action.Kind, action.ID, attempts)
	if f.opts.OnNotice != nil {
		f.opts.OnNotice(Notice{
			ActionID: action.ID,
			Kind:     action.Kind,
			Attempts: attempts,
			Err:      fmt.Errorf("%w: %w", model.ErrSyncExhausted, cause),
		})
	}
}
