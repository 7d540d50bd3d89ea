// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"sync"
)

type tokenState int

const (
	tokenActive tokenState = iota
	tokenSettled
	tokenCancelled
)

// Token is a per-stream cancellation token. Every state mutation driven by a
// stream runs through Guard, so once Cancel returns no further mutation from
// that stream can happen.
type Token struct {
	mu    sync.Mutex
	state tokenState
	err   error
	done  chan struct{}
}

// NewToken creates an active token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Guard runs fn under the token lock if the token is still active.
// It reports whether fn ran.
func (t *Token) Guard(fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != tokenActive {
		return false
	}
	fn()
	return true
}

// Settle runs fn like Guard and then closes the token to cancellation, so
// the outcome fn records cannot be replaced by a late Cancel.
func (t *Token) Settle(fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != tokenActive {
		return false
	}
	fn()
	t.state = tokenSettled
	return true
}

// Cancel cancels an active token with reason. The first reason wins; later
// calls and calls after Settle return false.
func (t *Token) Cancel(reason error) bool {
	if reason == nil {
		reason = context.Canceled
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != tokenActive {
		return false
	}
	t.state = tokenCancelled
	t.err = reason
	close(t.done)
	return true
}

// Err returns the cancellation reason, or nil.
func (t *Token) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Cancelled reports whether Cancel won.
func (t *Token) Cancelled() bool {
	return t.Err() != nil
}

// Done is closed when the token is cancelled. It is never closed for a
// settled token.
func (t *Token) Done() <-chan struct{} {
	return t.done
}
