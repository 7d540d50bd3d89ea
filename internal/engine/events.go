// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"sort"

	"github.com/jeranaias/nelson-client/internal/model"
)

// EventKind names a state change observers can react to.
type EventKind string

const (
	EventMessageUpdated      EventKind = "message.updated"
	EventConversationUpdated EventKind = "conversation.updated"
	EventConversationDeleted EventKind = "conversation.deleted"
	EventSettingsUpdated     EventKind = "settings.updated"
	EventSyncFailed          EventKind = "sync.failed"
	EventConnectivity        EventKind = "connectivity.changed"
)

// Event describes one state change. Payload fields are copies.
type Event struct {
	Kind           EventKind               `json:"type"`
	ConversationID string                  `json:"conversation_id,omitempty"`
	Message        *model.Message          `json:"message,omitempty"`
	Conversation   *model.ConversationMeta `json:"conversation,omitempty"`
	Settings       *model.UserSettings     `json:"settings,omitempty"`
	Online         *bool                   `json:"online,omitempty"`

	// Sync failures
	ActionID int64  `json:"action_id,omitempty"`
	Action   string `json:"action,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}

func messageEvent(conv *model.Conversation, msg *model.Message) Event {
	return Event{Kind: EventMessageUpdated, ConversationID: conv.ID, Message: msg.Clone()}
}

func conversationEvent(conv *model.Conversation) Event {
	meta := conv.GetMeta()
	return Event{Kind: EventConversationUpdated, ConversationID: conv.ID, Conversation: &meta}
}

// Subscribe registers fn for every event and returns an unsubscribe func.
// Handlers run on the goroutine that caused the change, never under the
// engine lock, so they may call back into the engine.
func (e *Engine) Subscribe(fn func(Event)) func() {
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subMu.Unlock()

	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

// publish delivers events to subscribers in registration order.
func (e *Engine) publish(events ...Event) {
	if len(events) == 0 {
		return
	}
	e.subMu.RLock()
	ids := make([]int, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]func(Event), len(ids))
	for i, id := range ids {
		handlers[i] = e.subs[id]
	}
	e.subMu.RUnlock()

	for _, ev := range events {
		for _, fn := range handlers {
			fn(ev)
		}
	}
}

// NotifyConnectivity publishes a connectivity change.
func (e *Engine) NotifyConnectivity(online bool) {
	e.publish(Event{Kind: EventConnectivity, Online: &online})
}

// PublishSyncFailed publishes a queued action that was dropped after
// exhausting its retries.
func (e *Engine) PublishSyncFailed(actionID int64, kind string, attempts int, err error) {
	ev := Event{Kind: EventSyncFailed, ActionID: actionID, Action: kind, Attempts: attempts}
	if err != nil {
		ev.Error = err.Error()
	}
	e.publish(ev)
}
