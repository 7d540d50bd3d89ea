// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

// Failure classes shared by the stream consumer, remote adapter, engine and
// sync flusher. Use errors.Is to classify.
var (
	// ErrOffline means there was no network path to the remote service.
	ErrOffline = errors.New("no network connection")

	// ErrTimeout means the stream did not finish within its time bound.
	ErrTimeout = errors.New("response timed out")

	// ErrEmptyResponse means the stream finished without any content.
	ErrEmptyResponse = errors.New("empty response")

	// ErrRateLimited means the remote service throttled the request.
	ErrRateLimited = errors.New("rate limited")

	// ErrSyncExhausted means a queued action failed past the retry ceiling.
	ErrSyncExhausted = errors.New("sync retries exhausted")
)

// Validation and lookup errors.
var (
	ErrEmptyContent         = errors.New("message content is empty")
	ErrContentTooLong       = errors.New("message content is too long")
	ErrTitleTooLong         = errors.New("title is too long")
	ErrInvalidMode          = errors.New("invalid mode")
	ErrInvalidRole          = errors.New("invalid role")
	ErrInvalidSetting       = errors.New("invalid setting")
	ErrModeLocked           = errors.New("mode cannot change once messages exist")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
)

// RateLimitError carries the server's Retry-After hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %v", e.RetryAfter)
	}
	return "rate limited"
}

// Is allows RateLimitError to be compared with ErrRateLimited.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// ServerError is a generic rejection from the remote service.
type ServerError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server error (HTTP %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server error (HTTP %d)", e.Status)
}

// IsConnectivity reports whether err means the request never reached the
// remote service. Stream timeouts and cancellations are not connectivity
// failures.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrOffline) {
		return true
	}
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// UserMessage maps an error to the text shown next to a failed message.
func UserMessage(err error) string {
	var serverErr *ServerError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "The response took too long. Please try again."
	case errors.Is(err, ErrEmptyResponse):
		return "No answer was received. Please try again."
	case errors.Is(err, ErrRateLimited):
		return "Too many requests. Please wait a moment and try again."
	case errors.Is(err, ErrSyncExhausted):
		return "This message could not be synced. Retry to send it again."
	case IsConnectivity(err):
		return "You're offline. Check your connection and try again."
	case errors.As(err, &serverErr):
		return fmt.Sprintf("The service could not answer (HTTP %d). Please try again.", serverErr.Status)
	default:
		return "Something went wrong: " + err.Error()
	}
}
