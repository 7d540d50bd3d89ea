// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jeranaias/nelson-client/internal/model"
	"github.com/jeranaias/nelson-client/internal/queue"
)

// =============================================================================
// LIFECYCLE
// =============================================================================

// StartConversation creates an empty conversation, puts it at the top of
// the list and makes it active.
func (e *Engine) StartConversation(mode model.Mode) *model.Conversation {
	e.mu.Lock()
	if mode == "" {
		mode = e.opts.DefaultMode
	}
	conv := e.startLocked(mode)
	e.saveLocked(conv)
	events := []Event{conversationEvent(conv)}
	result := conv.Clone()
	e.mu.Unlock()
	e.publish(events...)
	return result
}

func (e *Engine) startLocked(mode model.Mode) *model.Conversation {
	conv := model.NewConversation(e.opts.Owner, mode)
	e.conversations = append([]*model.Conversation{conv}, e.conversations...)
	e.activeID = conv.ID
	return conv
}

// SetActive switches the active conversation.
func (e *Engine) SetActive(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.findLocked(id) == nil {
		return fmt.Errorf("%w: %s", model.ErrConversationNotFound, id)
	}
	e.activeID = id
	return nil
}

// SetMode sets the mode of the active conversation and of conversations
// started later. A conversation with messages keeps its mode and
// model.ErrModeLocked is returned.
func (e *Engine) SetMode(mode model.Mode) error {
	mode, err := model.ParseMode(string(mode))
	if err != nil {
		return err
	}
	e.mu.Lock()
	conv := e.findLocked(e.activeID)
	if conv == nil {
		e.opts.DefaultMode = mode
		e.mu.Unlock()
		return nil
	}
	if err := conv.SetMode(mode); err != nil {
		e.mu.Unlock()
		return err
	}
	e.opts.DefaultMode = mode
	e.saveLocked(conv)
	events := []Event{conversationEvent(conv)}
	e.mu.Unlock()
	e.publish(events...)
	return nil
}

// =============================================================================
// DELETE
// =============================================================================

// DeleteConversation removes a conversation locally at once and then
// remotely. A rejection restores it in place and is returned; a connectivity
// failure keeps it removed and queues the remote delete.
func (e *Engine) DeleteConversation(ctx context.Context, id string) error {
	var (
		removed   *model.Conversation
		position  int
		wasActive bool
	)

	op := Optimistic{
		Apply: func() error {
			e.mu.Lock()
			position = e.indexLocked(id)
			if position < 0 {
				e.mu.Unlock()
				return fmt.Errorf("%w: %s", model.ErrConversationNotFound, id)
			}
			removed = e.conversations[position]
			wasActive = e.activeID == id
			e.removeLocked(id)
			e.mu.Unlock()
			e.publish(Event{Kind: EventConversationDeleted, ConversationID: id})
			return nil
		},
		Confirm: func(ctx context.Context) error {
			if !e.conn.IsOnline() {
				return model.ErrOffline
			}
			err := e.remote.DeleteConversation(ctx, e.opts.Owner, id)
			e.conn.ReportResult(err)
			return err
		},
		Defer: func(ctx context.Context, _ error) error {
			_, err := e.queue.Enqueue(ctx, queue.KindDeleteConversation, queue.DeleteConversationPayload{ConversationID: id})
			return err
		},
		Rollback: func(err error) {
			e.mu.Lock()
			if position > len(e.conversations) {
				position = len(e.conversations)
			}
			e.conversations = append(e.conversations, nil)
			copy(e.conversations[position+1:], e.conversations[position:])
			e.conversations[position] = removed
			if wasActive {
				e.activeID = id
			}
			delete(e.deleted, id)
			e.saveLocked(removed)
			events := []Event{conversationEvent(removed)}
			e.mu.Unlock()
			e.logf("[engine] delete of %s rolled back: %v", id, err)
			e.publish(events...)
		},
	}
	if err := op.Run(ctx); err != nil {
		return err
	}
	e.purgeQueuedSends(ctx, id)
	return nil
}

// purgeQueuedSends drops queued sends for a deleted conversation so a later
// replay cannot recreate it.
func (e *Engine) purgeQueuedSends(ctx context.Context, id string) {
	n, err := e.queue.RemoveByConversation(ctx, id)
	if err != nil {
		e.logf("[engine] failed to purge queued sends for %s: %v", id, err)
		return
	}
	if n > 0 {
		e.logf("[engine] dropped %d queued sends for deleted conversation %s", n, id)
	}
}

// removeLocked drops a conversation from memory and disk.
func (e *Engine) removeLocked(id string) {
	if i := e.indexLocked(id); i >= 0 {
		e.conversations = append(e.conversations[:i], e.conversations[i+1:]...)
	}
	if e.activeID == id {
		e.activeID = ""
	}
	e.deleted[id] = true
	if err := e.snapshots.Delete(id); err != nil && !errors.Is(err, model.ErrConversationNotFound) {
		e.logf("[engine] failed to delete snapshot %s: %v", id, err)
	}
}

// ReplayDelete delivers a queued delete. A conversation that reappeared
// locally in the meantime is removed again.
func (e *Engine) ReplayDelete(ctx context.Context, id string) error {
	e.mu.Lock()
	present := e.findLocked(id) != nil
	if present {
		e.removeLocked(id)
	}
	e.deleted[id] = true
	e.mu.Unlock()
	if present {
		e.publish(Event{Kind: EventConversationDeleted, ConversationID: id})
	}

	err := e.remote.DeleteConversation(ctx, e.opts.Owner, id)
	e.conn.ReportResult(err)
	return err
}

// =============================================================================
// METADATA
// =============================================================================

// RenameConversation sets the title locally and remotely. A rejection
// restores the old title; offline the new title syncs with the next upsert.
func (e *Engine) RenameConversation(ctx context.Context, id, title string) error {
	title, err := model.ValidateTitle(title)
	if err != nil {
		return err
	}
	var previous string
	return e.updateMetadata(ctx, id,
		func(c *model.Conversation) { previous = c.Title; c.Title = title },
		func(c *model.Conversation) { c.Title = previous })
}

// PinConversation pins or unpins a conversation.
func (e *Engine) PinConversation(ctx context.Context, id string, pinned bool) error {
	var previous bool
	return e.updateMetadata(ctx, id,
		func(c *model.Conversation) { previous = c.Pinned; c.Pinned = pinned },
		func(c *model.Conversation) { c.Pinned = previous })
}

func (e *Engine) updateMetadata(ctx context.Context, id string, apply, undo func(*model.Conversation)) error {
	var snapshot *model.Conversation
	mutate := func(fn func(*model.Conversation), status model.SyncStatus) error {
		e.mu.Lock()
		conv := e.findLocked(id)
		if conv == nil {
			e.mu.Unlock()
			return fmt.Errorf("%w: %s", model.ErrConversationNotFound, id)
		}
		if fn != nil {
			fn(conv)
		}
		if status != "" {
			conv.SyncStatus = status
		}
		e.saveLocked(conv)
		snapshot = conv.Clone()
		events := []Event{conversationEvent(conv)}
		e.mu.Unlock()
		e.publish(events...)
		return nil
	}

	op := Optimistic{
		Apply: func() error { return mutate(apply, "") },
		Confirm: func(ctx context.Context) error {
			if !e.conn.IsOnline() {
				return model.ErrOffline
			}
			err := e.remote.UpsertConversation(ctx, snapshot)
			e.conn.ReportResult(err)
			return err
		},
		// No queue entry: metadata rides along with the next upsert
		Defer: func(context.Context, error) error {
			return mutate(nil, model.SyncPending)
		},
		Rollback: func(err error) {
			e.logf("[engine] update of %s rolled back: %v", id, err)
			mutate(undo, "")
		},
	}
	return op.Run(ctx)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// LoadConversations merges the remote conversation list into local state.
// Remote metadata wins for conversations known to both sides; local
// messages are kept, and local-only conversations are never dropped. On a
// connectivity error local state stays authoritative and the error is
// returned.
func (e *Engine) LoadConversations(ctx context.Context) error {
	remoteConvs, err := e.remote.ListConversations(ctx, e.opts.Owner)
	if err != nil {
		e.conn.ReportResult(err)
		return err
	}

	e.mu.Lock()
	local := make(map[string]*model.Conversation, len(e.conversations))
	for _, conv := range e.conversations {
		local[conv.ID] = conv
	}

	merged := make([]*model.Conversation, 0, len(e.conversations)+len(remoteConvs))
	var events []Event
	for _, rc := range remoteConvs {
		if e.deleted[rc.ID] {
			continue
		}
		if lc, ok := local[rc.ID]; ok {
			lc.Title = rc.Title
			lc.Pinned = rc.Pinned
			if rc.UpdatedAt.After(lc.UpdatedAt) {
				lc.UpdatedAt = rc.UpdatedAt
			}
			if !lc.HasPending() && lc.SyncStatus != model.SyncFailed {
				lc.SyncStatus = model.SyncSynced
			}
			delete(local, rc.ID)
			merged = append(merged, lc)
			e.saveLocked(lc)
			events = append(events, conversationEvent(lc))
			continue
		}
		if rc.Owner == "" {
			rc.Owner = e.opts.Owner
		}
		merged = append(merged, rc)
		e.saveLocked(rc)
		events = append(events, conversationEvent(rc))
	}
	for _, conv := range e.conversations {
		if _, localOnly := local[conv.ID]; localOnly {
			merged = append(merged, conv)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].UpdatedAt.After(merged[j].UpdatedAt)
	})
	e.conversations = merged
	e.mu.Unlock()
	e.publish(events...)
	return nil
}

// LoadConversationMessages merges remote messages into a conversation by id,
// in timestamp order. Local messages the backend does not have yet (pending,
// failed or unsynced) are kept.
func (e *Engine) LoadConversationMessages(ctx context.Context, id string) error {
	msgs, err := e.remote.ListMessages(ctx, id)
	if err != nil {
		e.conn.ReportResult(err)
		return err
	}

	e.mu.Lock()
	conv := e.findLocked(id)
	if conv == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", model.ErrConversationNotFound, id)
	}
	added := 0
	for _, m := range msgs {
		if conv.GetMessageByID(m.ID) != nil {
			continue
		}
		conv.InsertMessage(m)
		added++
	}
	if added == 0 {
		e.mu.Unlock()
		return nil
	}
	e.saveLocked(conv)
	events := []Event{conversationEvent(conv)}
	e.mu.Unlock()
	e.publish(events...)
	return nil
}
