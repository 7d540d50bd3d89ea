// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Nelson"
	default:
		return string(r)
	}
}

// ParseRole converts a wire role into a Role.
// Only user and assistant roles exist.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// =============================================================================
// STATUS TYPE
// =============================================================================

// Status is the delivery state of a message.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// IsTerminal reports whether no further stream mutation is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single turn in a conversation.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	// Content
	Content   string     `json:"content"`
	Citations []Citation `json:"citations,omitempty"`

	// Delivery
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`

	// Streaming state (not persisted)
	// PERFORMANCE: strings.Builder avoids quadratic allocations during streaming
	IsStreaming   bool            `json:"-"`
	streamContent strings.Builder `json:"-"`
}

// NewMessage creates a new pending message with a generated ID.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        NewID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
		Status:    StatusPending,
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) *Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates an empty assistant placeholder that accepts
// stream tokens until it reaches a terminal status.
func NewAssistantMessage() *Message {
	msg := NewMessage(RoleAssistant, "")
	msg.IsStreaming = true
	return msg
}

// NewID returns a fresh client-generated identifier.
func NewID() string {
	return uuid.New().String()
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// AppendToken appends a token to a streaming message.
// Tokens arriving after a terminal status are ignored.
func (m *Message) AppendToken(token string) {
	if m.IsStreaming && !m.Status.IsTerminal() {
		m.streamContent.WriteString(token)
	}
}

// SetCitations replaces the current citation set. Empty sets are ignored so
// the latest non-empty set received wins.
func (m *Message) SetCitations(citations []Citation) {
	if len(citations) == 0 || m.Status.IsTerminal() {
		return
	}
	m.Citations = append([]Citation(nil), citations...)
}

// MarkSent moves the message to sent. Assistant messages get their final
// content and ranked citations.
func (m *Message) MarkSent() {
	m.finalizeStream()
	if len(m.Citations) > 0 {
		m.Citations = RankCitations(m.Citations)
	}
	m.Status = StatusSent
	m.Error = ""
}

// MarkFailed moves the message to failed, keeping any partial content.
func (m *Message) MarkFailed(reason string) {
	m.finalizeStream()
	m.Status = StatusFailed
	m.Error = reason
}

// finalizeStream merges streamed content into Content.
func (m *Message) finalizeStream() {
	if !m.IsStreaming {
		return
	}
	m.Content = m.streamContent.String()
	m.streamContent.Reset()
	m.IsStreaming = false
}

// GetDisplayContent returns the content to display (streaming or final).
func (m *Message) GetDisplayContent() string {
	if m.IsStreaming {
		return m.streamContent.String()
	}
	return m.Content
}

// Preview returns a truncated single-line preview of the message content.
func (m *Message) Preview(maxWidth int) string {
	return TruncateDisplay(OneLine(m.GetDisplayContent()), maxWidth)
}

// IsEmpty returns true if the message has no content.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0 && m.streamContent.Len() == 0
}

// Clone returns a deep copy safe to hand to readers. Streaming content is
// materialized into Content.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := &Message{
		ID:        m.ID,
		Role:      m.Role,
		Timestamp: m.Timestamp,
		Content:   m.GetDisplayContent(),
		Status:    m.Status,
		Error:     m.Error,
	}
	if len(m.Citations) > 0 {
		c.Citations = append([]Citation(nil), m.Citations...)
	}
	return c
}
