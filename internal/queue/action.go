// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jeranaias/nelson-client/internal/model"
)

// =============================================================================
// ACTION KINDS
// =============================================================================

// Kind identifies the mutation a queued action replays.
type Kind string

const (
	KindSendMessage        Kind = "send_message"
	KindDeleteConversation Kind = "delete_conversation"
	KindUpdateSettings     Kind = "update_settings"
)

// Valid reports whether k is a known action kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSendMessage, KindDeleteConversation, KindUpdateSettings:
		return true
	}
	return false
}

// =============================================================================
// ACTION
// =============================================================================

// Action is one persisted unit of deferred work.
type Action struct {
	ID         int64           `json:"id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retry_count"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// =============================================================================
// PAYLOADS
// =============================================================================

// SendMessagePayload replays a user message that was written while offline.
// Title and Pinned let the remote conversation be upserted before the send.
type SendMessagePayload struct {
	ConversationID string     `json:"conversation_id"`
	MessageID      string     `json:"message_id"`
	Content        string     `json:"content"`
	Mode           model.Mode `json:"mode"`
	Title          string     `json:"title,omitempty"`
	Pinned         bool       `json:"pinned,omitempty"`
}

// DeleteConversationPayload replays a conversation deletion.
type DeleteConversationPayload struct {
	ConversationID string `json:"conversation_id"`
}

// SettingsPayload replays a partial settings update.
type SettingsPayload struct {
	Patch model.SettingsPatch `json:"patch"`
}

// DecodeSendMessage decodes a send_message payload.
func (a Action) DecodeSendMessage() (SendMessagePayload, error) {
	var p SendMessagePayload
	if err := a.decode(KindSendMessage, &p); err != nil {
		return p, err
	}
	if p.ConversationID == "" || p.Content == "" {
		return p, fmt.Errorf("%w: send_message %d missing conversation or content", ErrInvalidPayload, a.ID)
	}
	return p, nil
}

// DecodeDeleteConversation decodes a delete_conversation payload.
func (a Action) DecodeDeleteConversation() (DeleteConversationPayload, error) {
	var p DeleteConversationPayload
	if err := a.decode(KindDeleteConversation, &p); err != nil {
		return p, err
	}
	if p.ConversationID == "" {
		return p, fmt.Errorf("%w: delete_conversation %d missing conversation", ErrInvalidPayload, a.ID)
	}
	return p, nil
}

// DecodeSettings decodes an update_settings payload.
func (a Action) DecodeSettings() (SettingsPayload, error) {
	var p SettingsPayload
	err := a.decode(KindUpdateSettings, &p)
	return p, err
}

func (a Action) decode(want Kind, v any) error {
	if a.Kind != want {
		return fmt.Errorf("%w: action %d is %s, not %s", ErrInvalidPayload, a.ID, a.Kind, want)
	}
	if err := json.Unmarshal(a.Payload, v); err != nil {
		return fmt.Errorf("%w: action %d: %v", ErrInvalidPayload, a.ID, err)
	}
	return nil
}
