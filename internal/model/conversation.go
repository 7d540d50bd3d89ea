// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultTitle is used until the first user message names the conversation.
const DefaultTitle = "New Conversation"

// titlePreviewWidth is the display width of a derived title.
const titlePreviewWidth = 50

// =============================================================================
// MODE
// =============================================================================

// Mode selects the answering register for a conversation.
type Mode string

const (
	ModeAcademic Mode = "academic"
	ModeClinical Mode = "clinical"
)

// ParseMode converts a string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAcademic:
		return ModeAcademic, nil
	case ModeClinical:
		return ModeClinical, nil
	}
	return "", fmt.Errorf("%w: %q (want academic or clinical)", ErrInvalidMode, s)
}

// SyncStatus tracks whether a conversation snapshot matches the remote store.
type SyncStatus string

const (
	SyncSynced  SyncStatus = "synced"
	SyncPending SyncStatus = "pending"
	SyncFailed  SyncStatus = "failed"
)

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation holds a chat thread with its messages and metadata.
type Conversation struct {
	// Identity
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Title     string    `json:"title"`
	Mode      Mode      `json:"mode"`
	Pinned    bool      `json:"pinned"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Messages, in insertion (chronological) order
	Messages []*Message `json:"messages"`

	// SyncStatus is local bookkeeping only.
	SyncStatus SyncStatus `json:"sync_status"`
}

// NewConversation creates a conversation with a generated ID.
func NewConversation(owner string, mode Mode) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:         NewID(),
		Owner:      owner,
		Title:      DefaultTitle,
		Mode:       mode,
		CreatedAt:  now,
		UpdatedAt:  now,
		Messages:   make([]*Message, 0),
		SyncStatus: SyncPending,
	}
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// AddMessage appends a message to the conversation.
func (c *Conversation) AddMessage(msg *Message) {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now()
	c.updateTitle()
}

// AddUserMessage creates and adds a user message.
func (c *Conversation) AddUserMessage(content string) *Message {
	msg := NewUserMessage(content)
	c.AddMessage(msg)
	return msg
}

// AddAssistantMessage creates and adds a streaming assistant placeholder.
func (c *Conversation) AddAssistantMessage() *Message {
	msg := NewAssistantMessage()
	c.AddMessage(msg)
	return msg
}

// InsertMessage places msg by timestamp, after any message with an equal
// or earlier timestamp. Used when merging remote history.
func (c *Conversation) InsertMessage(msg *Message) {
	i := sort.Search(len(c.Messages), func(i int) bool {
		return c.Messages[i].Timestamp.After(msg.Timestamp)
	})
	c.Messages = append(c.Messages, nil)
	copy(c.Messages[i+1:], c.Messages[i:])
	c.Messages[i] = msg
	c.updateTitle()
}

// RemoveMessage removes a message by ID.
func (c *Conversation) RemoveMessage(id string) bool {
	for i, msg := range c.Messages {
		if msg.ID == id {
			c.Messages = append(c.Messages[:i], c.Messages[i+1:]...)
			c.UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

// GetMessageByID returns a message by its ID.
func (c *Conversation) GetMessageByID(id string) *Message {
	if i := c.IndexOf(id); i >= 0 {
		return c.Messages[i]
	}
	return nil
}

// IndexOf returns the position of the message, or -1.
func (c *Conversation) IndexOf(id string) int {
	for i, msg := range c.Messages {
		if msg.ID == id {
			return i
		}
	}
	return -1
}

// PrecedingUserMessage returns the closest user message before the message
// with the given ID.
func (c *Conversation) PrecedingUserMessage(id string) *Message {
	for i := c.IndexOf(id) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleUser {
			return c.Messages[i]
		}
	}
	return nil
}

// ReplyTo returns the assistant message directly following the user
// message with the given ID, if any.
func (c *Conversation) ReplyTo(userID string) *Message {
	i := c.IndexOf(userID)
	if i < 0 || i+1 >= len(c.Messages) {
		return nil
	}
	if next := c.Messages[i+1]; next.Role == RoleAssistant {
		return next
	}
	return nil
}

// GetLastMessage returns the most recent message, or nil if empty.
func (c *Conversation) GetLastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// MessageCount returns the number of messages.
func (c *Conversation) MessageCount() int {
	return len(c.Messages)
}

// IsEmpty returns true if there are no messages.
func (c *Conversation) IsEmpty() bool {
	return len(c.Messages) == 0
}

// HasPending reports whether any message still awaits delivery.
func (c *Conversation) HasPending() bool {
	for _, msg := range c.Messages {
		if msg.Status == StatusPending {
			return true
		}
	}
	return false
}

// =============================================================================
// METADATA
// =============================================================================

// SetMode changes the mode. Mode is immutable once messages exist.
func (c *Conversation) SetMode(mode Mode) error {
	if mode == c.Mode {
		return nil
	}
	if !c.IsEmpty() {
		return ErrModeLocked
	}
	c.Mode = mode
	c.UpdatedAt = time.Now()
	return nil
}

// SetTitle validates and sets the title.
func (c *Conversation) SetTitle(title string) error {
	title, err := ValidateTitle(title)
	if err != nil {
		return err
	}
	c.Title = title
	c.UpdatedAt = time.Now()
	return nil
}

// updateTitle derives the title from the first user message.
func (c *Conversation) updateTitle() {
	if c.Title != "" && c.Title != DefaultTitle {
		return
	}
	for _, msg := range c.Messages {
		if msg.Role == RoleUser && msg.Content != "" {
			c.Title = DeriveTitle(msg.Content)
			return
		}
	}
}

// DeriveTitle builds a conversation title from message content.
func DeriveTitle(content string) string {
	title := TruncateDisplay(OneLine(content), titlePreviewWidth)
	if title == "" {
		return DefaultTitle
	}
	return title
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Messages = make([]*Message, len(c.Messages))
	for i, msg := range c.Messages {
		clone.Messages[i] = msg.Clone()
	}
	return &clone
}

// ConversationMeta is the list-view summary of a conversation.
type ConversationMeta struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Mode         Mode       `json:"mode"`
	Pinned       bool       `json:"pinned"`
	UpdatedAt    time.Time  `json:"updated_at"`
	MessageCount int        `json:"message_count"`
	SyncStatus   SyncStatus `json:"sync_status"`
	Preview      string     `json:"preview"`
}

// GetMeta returns the list-view summary.
func (c *Conversation) GetMeta() ConversationMeta {
	meta := ConversationMeta{
		ID:           c.ID,
		Title:        c.Title,
		Mode:         c.Mode,
		Pinned:       c.Pinned,
		UpdatedAt:    c.UpdatedAt,
		MessageCount: len(c.Messages),
		SyncStatus:   c.SyncStatus,
	}
	for _, msg := range c.Messages {
		if msg.Role == RoleUser {
			meta.Preview = msg.Preview(80)
			break
		}
	}
	return meta
}
