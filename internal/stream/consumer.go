// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream consumes the chat endpoint's SSE response.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/jeranaias/nelson-client/internal/model"
)

// STREAMING: Robust SSE parsing with timeout isolation

// =============================================================================
// CONSTANTS
// =============================================================================

// DefaultTimeout is the wall-clock bound on a whole stream, from request to
// final chunk.
const DefaultTimeout = 30 * time.Second

// doneMarker terminates the stream.
const doneMarker = "[DONE]"

// ErrStreamAborted is returned when the server reports an error mid-stream.
var ErrStreamAborted = errors.New("stream aborted by server")

// =============================================================================
// TYPES
// =============================================================================

// Opener issues the chat request and returns the response body.
// It must honor ctx: the consumer cancels it on timeout.
type Opener func(ctx context.Context) (io.ReadCloser, error)

// Sink receives stream updates. Calls are serialized and never happen after
// the stream is cancelled.
type Sink interface {
	// Append adds a content delta.
	Append(delta string)

	// SetCitations replaces the current citation set. Never called with an empty set.
	SetCitations(citations []model.Citation)
}

// Result is the terminal outcome of one stream.
type Result struct {
	Status    model.Status
	Content   string
	Citations []model.Citation
	Err       error

	delivered bool
}

// Delivered reports whether the request reached the server and a response
// began. A failure with Delivered false left no effect on the server.
func (r Result) Delivered() bool {
	return r.delivered
}

// StreamError preserves partial content received before a failure.
type StreamError struct {
	Partial string
	Err     error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error (partial content received: %d chars): %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// CONSUMER
// =============================================================================

// Consumer reads one chat stream at a time per Consume call.
type Consumer struct {
	// Timeout bounds the whole stream. Zero means DefaultTimeout.
	Timeout time.Duration

	// Logger receives skipped-chunk notices. Nil uses the standard logger.
	Logger *log.Logger
}

func (c *Consumer) timeout() time.Duration {
	if c == nil || c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c *Consumer) logf(format string, args ...any) {
	if c != nil && c.Logger != nil {
		c.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// streamState is mutated only inside token.Guard / token.Settle.
type streamState struct {
	content   strings.Builder
	citations []model.Citation
}

// Consume opens the stream and feeds it into sink until completion, failure,
// timeout or ctx cancellation. It always returns a terminal Result.
//
// The timer starts before open is called. On expiry the token is cancelled
// with model.ErrTimeout, the request context is cancelled, and Consume
// returns at once without waiting for the reader to notice.
func (c *Consumer) Consume(ctx context.Context, open Opener, sink Sink) Result {
	token := NewToken()
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timer := time.AfterFunc(c.timeout(), func() {
		if token.Cancel(model.ErrTimeout) {
			cancel()
		}
	})
	defer timer.Stop()

	var (
		state     streamState
		delivered atomic.Bool
		results   = make(chan Result, 1)
	)

	go func() {
		results <- c.run(reqCtx, token, open, sink, &state, &delivered)
	}()

	select {
	case r := <-results:
		return r
	case <-ctx.Done():
		if token.Cancel(ctx.Err()) {
			cancel()
		}
	case <-token.Done():
	}

	// The token may have been settled by the reader just before ctx fired
	if !token.Cancelled() {
		return <-results
	}
	return cancelledResult(token, &state, delivered.Load())
}

// run performs the request and reads events until the stream ends.
func (c *Consumer) run(ctx context.Context, token *Token, open Opener, sink Sink, state *streamState, delivered *atomic.Bool) Result {
	body, err := open(ctx)
	if err != nil {
		if token.Cancelled() {
			return cancelledResult(token, state, false)
		}
		return Result{Status: model.StatusFailed, Err: err}
	}
	defer body.Close()
	delivered.Store(true)

	reader := NewSSEReader(body)
	for {
		data, err := reader.ReadEvent()
		if err == io.EOF {
			// Completion without [DONE]
			break
		}
		if errors.Is(err, ErrLineTooLong) {
			c.logf("[stream] skipping oversized event: %v", err)
			continue
		}
		if err != nil {
			return c.fail(token, state, err)
		}

		done, err := c.handleEvent(token, data, sink, state)
		if err != nil {
			return c.fail(token, state, err)
		}
		if done {
			break
		}
	}

	var result Result
	settled := token.Settle(func() {
		result = Result{delivered: true, Content: state.content.String()}
		if strings.TrimSpace(result.Content) == "" {
			result.Status = model.StatusFailed
			result.Err = model.ErrEmptyResponse
			return
		}
		result.Status = model.StatusSent
		result.Citations = model.RankCitations(state.citations)
	})
	if !settled {
		return cancelledResult(token, state, true)
	}
	return result
}

// handleEvent applies one SSE event. It returns true when the stream ended.
func (c *Consumer) handleEvent(token *Token, data []byte, sink Sink, state *streamState) (bool, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return false, nil
	}
	if string(data) == doneMarker {
		return true, nil
	}
	if gjson.ValidBytes(data) {
		return false, c.applyChunk(token, data, sink, state)
	}

	// Several data lines without a blank separator: treat each as a chunk
	if bytes.IndexByte(data, '\n') >= 0 {
		for _, line := range bytes.Split(data, []byte("\n")) {
			done, err := c.handleEvent(token, line, sink, state)
			if done || err != nil {
				return done, err
			}
		}
		return false, nil
	}

	c.logf("[stream] skipping malformed chunk (%d bytes)", len(data))
	return false, nil
}

// applyChunk extracts content and citations from one JSON chunk.
func (c *Consumer) applyChunk(token *Token, data []byte, sink Sink, state *streamState) error {
	chunk := gjson.ParseBytes(data)

	if e := chunk.Get("error"); e.Exists() && e.String() != "" {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.String()
		}
		return fmt.Errorf("%w: %s", ErrStreamAborted, msg)
	}

	content := chunk.Get("content").String()

	var citations []model.Citation
	if raw := chunk.Get("citations"); raw.IsArray() && len(raw.Array()) > 0 {
		if err := json.Unmarshal([]byte(raw.Raw), &citations); err != nil {
			c.logf("[stream] skipping malformed citations: %v", err)
			citations = nil
		}
		for i := range citations {
			citations[i] = citations[i].Normalize()
		}
	}

	if content == "" && len(citations) == 0 {
		return nil
	}

	token.Guard(func() {
		if content != "" {
			state.content.WriteString(content)
			sink.Append(content)
		}
		if len(citations) > 0 {
			state.citations = citations
			sink.SetCitations(citations)
		}
	})
	return nil
}

// fail settles the stream as failed, keeping partial content.
func (c *Consumer) fail(token *Token, state *streamState, err error) Result {
	var result Result
	settled := token.Settle(func() {
		partial := state.content.String()
		result = Result{
			Status:    model.StatusFailed,
			Content:   partial,
			Citations: model.RankCitations(state.citations),
			Err:       &StreamError{Partial: partial, Err: err},
			delivered: true,
		}
	})
	if !settled {
		return cancelledResult(token, state, true)
	}
	return result
}

// cancelledResult builds the outcome of a cancelled token. Safe to call once
// the token is cancelled: no Guard can run afterwards.
func cancelledResult(token *Token, state *streamState, delivered bool) Result {
	content := state.content.String()
	return Result{
		Status:    model.StatusFailed,
		Content:   content,
		Citations: model.RankCitations(state.citations),
		Err:       token.Err(),
		delivered: delivered,
	}
}
