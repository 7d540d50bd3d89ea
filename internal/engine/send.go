// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/jeranaias/nelson-client/internal/model"
	"github.com/jeranaias/nelson-client/internal/queue"
	"github.com/jeranaias/nelson-client/internal/remote"
	"github.com/jeranaias/nelson-client/internal/stream"
)

// =============================================================================
// SEND
// =============================================================================

// SendMessage sends content in the active conversation, starting one if
// needed. Only validation errors are returned; delivery failures end up on
// the returned message.
//
// Online, it streams the answer and returns a copy of the terminal assistant
// message. Offline, it queues the send and returns the pending user message.
func (e *Engine) SendMessage(ctx context.Context, content string) (*model.Message, error) {
	content, err := model.ValidateContent(content)
	if err != nil {
		return nil, err
	}
	online := e.conn.IsOnline()

	e.mu.Lock()
	conv := e.findLocked(e.activeID)
	var events []Event
	if conv == nil {
		conv = e.startLocked(e.opts.DefaultMode)
	}
	user := model.NewUserMessage(content)
	conv.AddMessage(user)
	e.touchLocked(conv)

	if !online {
		conv.SyncStatus = model.SyncPending
		// Enqueued under the lock so queue order matches message order
		_, qerr := e.queue.Enqueue(ctx, queue.KindSendMessage, sendPayload(conv, user))
		if qerr != nil {
			e.logf("[engine] failed to queue message: %v", qerr)
			user.MarkFailed(model.UserMessage(qerr))
		}
		e.saveLocked(conv)
		events = append(events, messageEvent(conv, user), conversationEvent(conv))
		result := user.Clone()
		e.mu.Unlock()
		e.publish(events...)
		return result, nil
	}

	user.MarkSent()
	e.saveLocked(conv)
	events = append(events, messageEvent(conv, user), conversationEvent(conv))
	convID, userID, mode := conv.ID, user.ID, conv.Mode
	e.mu.Unlock()
	e.publish(events...)

	reply, _ := e.dispatch(ctx, convID, userID, content, mode)
	return reply, nil
}

func sendPayload(conv *model.Conversation, user *model.Message) queue.SendMessagePayload {
	return queue.SendMessagePayload{
		ConversationID: conv.ID,
		MessageID:      user.ID,
		Content:        user.Content,
		Mode:           conv.Mode,
		Title:          conv.Title,
		Pinned:         conv.Pinned,
	}
}

// =============================================================================
// DISPATCH
// =============================================================================

// dispatch is the single code path for live and replayed sends: it adds the
// assistant placeholder, makes sure the conversation exists remotely, streams
// the answer into the placeholder and settles it.
func (e *Engine) dispatch(ctx context.Context, convID, userID, content string, mode model.Mode) (*model.Message, stream.Result) {
	e.mu.Lock()
	conv := e.findLocked(convID)
	if conv == nil {
		e.mu.Unlock()
		err := fmt.Errorf("%w: %s", model.ErrConversationNotFound, convID)
		return nil, stream.Result{Status: model.StatusFailed, Err: err}
	}
	reply := model.NewAssistantMessage()
	insertAfter(conv, userID, reply)
	e.saveLocked(conv)
	snapshot := conv.Clone()
	events := []Event{messageEvent(conv, reply)}
	e.mu.Unlock()
	e.publish(events...)

	// Client id is authoritative: upserting twice is harmless
	if err := e.remote.UpsertConversation(ctx, snapshot); err != nil {
		e.conn.ReportResult(err)
		res := stream.Result{Status: model.StatusFailed, Err: err}
		return e.settle(convID, reply.ID, res), res
	}

	open := func(ctx context.Context) (io.ReadCloser, error) {
		return e.remote.StreamChat(ctx, remote.ChatRequest{
			Message:        content,
			Mode:           mode,
			ConversationID: convID,
		})
	}
	res := e.consumer.Consume(ctx, open, &replySink{engine: e, convID: convID, msgID: reply.ID})
	if !res.Delivered() {
		e.conn.ReportResult(res.Err)
	}

	final := e.settle(convID, reply.ID, res)
	if res.Status == model.StatusSent {
		e.persistExchange(ctx, convID, userID, reply.ID)
	}
	return final, res
}

// settle moves the assistant message to its terminal state.
func (e *Engine) settle(convID, replyID string, res stream.Result) *model.Message {
	e.mu.Lock()
	conv := e.findLocked(convID)
	var msg *model.Message
	if conv != nil {
		msg = conv.GetMessageByID(replyID)
	}
	if msg == nil {
		// Deleted while streaming; report the outcome without storing it
		e.mu.Unlock()
		detached := model.NewAssistantMessage()
		detached.ID = replyID
		detached.AppendToken(res.Content)
		if res.Status == model.StatusSent {
			detached.SetCitations(res.Citations)
			detached.MarkSent()
		} else {
			detached.MarkFailed(model.UserMessage(res.Err))
		}
		return detached
	}

	if res.Status == model.StatusSent {
		msg.MarkSent()
	} else {
		msg.MarkFailed(model.UserMessage(res.Err))
		e.logf("[engine] answer failed in %s: %v", convID, res.Err)
	}
	e.saveLocked(conv)
	events := []Event{messageEvent(conv, msg), conversationEvent(conv)}
	result := msg.Clone()
	e.mu.Unlock()
	e.publish(events...)
	return result
}

// persistExchange appends the user and assistant messages remotely.
// Inserts ignore duplicates by id, so repeating this is harmless.
// Failures are logged only; the answer is already on screen.
func (e *Engine) persistExchange(ctx context.Context, convID, userID, replyID string) {
	e.mu.Lock()
	conv := e.findLocked(convID)
	if conv == nil {
		e.mu.Unlock()
		return
	}
	var msgs []*model.Message
	for _, id := range []string{userID, replyID} {
		if m := conv.GetMessageByID(id); m != nil {
			msgs = append(msgs, m.Clone())
		}
	}
	e.mu.Unlock()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	err := e.remote.InsertMessages(pctx, convID, msgs)

	e.mu.Lock()
	conv = e.findLocked(convID)
	if conv == nil {
		e.mu.Unlock()
		return
	}
	if err != nil {
		e.logf("[engine] failed to store messages for %s: %v", convID, err)
		e.conn.ReportResult(err)
		conv.SyncStatus = model.SyncPending
	} else if !conv.HasPending() {
		conv.SyncStatus = model.SyncSynced
	}
	e.saveLocked(conv)
	events := []Event{conversationEvent(conv)}
	e.mu.Unlock()
	e.publish(events...)
}

// replySink applies stream chunks to the assistant message.
type replySink struct {
	engine *Engine
	convID string
	msgID  string
}

func (s *replySink) Append(delta string) {
	s.update(func(msg *model.Message) { msg.AppendToken(delta) })
}

func (s *replySink) SetCitations(citations []model.Citation) {
	s.update(func(msg *model.Message) { msg.SetCitations(citations) })
}

func (s *replySink) update(fn func(msg *model.Message)) {
	e := s.engine
	e.mu.Lock()
	conv := e.findLocked(s.convID)
	if conv == nil {
		e.mu.Unlock()
		return
	}
	msg := conv.GetMessageByID(s.msgID)
	if msg == nil {
		e.mu.Unlock()
		return
	}
	fn(msg)
	ev := messageEvent(conv, msg)
	e.mu.Unlock()
	e.publish(ev)
}

// =============================================================================
// RETRY
// =============================================================================

// RetryMessage re-sends the user content behind a failed message. Messages
// that are not failed are left alone and (nil, nil) is returned.
//
// A failed assistant message is removed with its user message; a failed user
// message (sync exhausted) is removed with any reply. The content is then
// sent again as a new pair.
func (e *Engine) RetryMessage(ctx context.Context, messageID string) (*model.Message, error) {
	e.mu.Lock()
	var conv *model.Conversation
	var msg *model.Message
	for _, c := range e.conversations {
		if m := c.GetMessageByID(messageID); m != nil {
			conv, msg = c, m
			break
		}
	}
	if msg == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", model.ErrMessageNotFound, messageID)
	}
	if msg.Status != model.StatusFailed {
		e.mu.Unlock()
		return nil, nil
	}

	var content string
	switch msg.Role {
	case model.RoleAssistant:
		if user := conv.PrecedingUserMessage(msg.ID); user != nil {
			content = user.Content
			conv.RemoveMessage(user.ID)
		}
		conv.RemoveMessage(msg.ID)
	case model.RoleUser:
		content = msg.Content
		if reply := conv.ReplyTo(msg.ID); reply != nil {
			conv.RemoveMessage(reply.ID)
		}
		conv.RemoveMessage(msg.ID)
	}
	e.activeID = conv.ID
	e.saveLocked(conv)
	events := []Event{conversationEvent(conv)}
	e.mu.Unlock()
	e.publish(events...)

	if content == "" {
		return nil, fmt.Errorf("%w: no user message behind %s", model.ErrMessageNotFound, messageID)
	}
	return e.SendMessage(ctx, content)
}

// =============================================================================
// REPLAY
// =============================================================================

// ReplaySend delivers a queued send through the same dispatch as a live send.
// It returns an error only when the request did not reach the backend, so
// the caller keeps the action queued. An answer that timed out or came back
// empty counts as delivered: the assistant message shows the failure and
// can be retried.
func (e *Engine) ReplaySend(ctx context.Context, p queue.SendMessagePayload) error {
	e.mu.Lock()
	if e.deleted[p.ConversationID] {
		e.mu.Unlock()
		return nil
	}

	conv := e.findLocked(p.ConversationID)
	var events []Event
	if conv == nil {
		// Snapshot lost: rebuild the conversation from the payload
		conv = model.NewConversation(e.opts.Owner, p.Mode)
		conv.ID = p.ConversationID
		conv.Pinned = p.Pinned
		if p.Title != "" {
			conv.Title = p.Title
		}
		user := model.NewUserMessage(p.Content)
		if p.MessageID != "" {
			user.ID = p.MessageID
		}
		conv.AddMessage(user)
		e.conversations = append([]*model.Conversation{conv}, e.conversations...)
	}

	user := conv.GetMessageByID(p.MessageID)
	if user == nil && p.MessageID == "" {
		// Older payloads carry no message id; match the oldest pending copy
		for _, m := range conv.Messages {
			if m.Role == model.RoleUser && m.Status == model.StatusPending && m.Content == p.Content {
				user = m
				break
			}
		}
	}
	if user == nil {
		// Removed locally (retried or deleted); nothing left to deliver
		e.mu.Unlock()
		return nil
	}
	if reply := conv.ReplyTo(user.ID); reply != nil {
		if reply.Status == model.StatusSent {
			// Delivered before a crash cut the queue removal short
			e.mu.Unlock()
			return nil
		}
		conv.RemoveMessage(reply.ID)
	}

	user.MarkSent()
	e.saveLocked(conv)
	events = append(events, messageEvent(conv, user), conversationEvent(conv))
	convID, userID, content, mode := conv.ID, user.ID, user.Content, conv.Mode
	e.mu.Unlock()
	e.publish(events...)

	_, res := e.dispatch(ctx, convID, userID, content, mode)
	if res.Status == model.StatusSent || res.Delivered() {
		return nil
	}

	// Not delivered: the user message is still queued
	events = nil
	e.mu.Lock()
	if conv := e.findLocked(convID); conv != nil {
		if user := conv.GetMessageByID(userID); user != nil {
			user.Status = model.StatusPending
			conv.SyncStatus = model.SyncPending
			e.saveLocked(conv)
			events = []Event{messageEvent(conv, user)}
		}
	}
	e.mu.Unlock()
	e.publish(events...)
	return res.Err
}

// MarkSyncFailed fails the pending user message of a send that exhausted
// its retries, so it never stays pending.
func (e *Engine) MarkSyncFailed(p queue.SendMessagePayload) {
	e.mu.Lock()
	conv := e.findLocked(p.ConversationID)
	if conv == nil {
		e.mu.Unlock()
		return
	}
	user := conv.GetMessageByID(p.MessageID)
	if user == nil || user.Status == model.StatusSent {
		e.mu.Unlock()
		return
	}
	user.MarkFailed(model.UserMessage(model.ErrSyncExhausted))
	conv.SyncStatus = model.SyncFailed
	e.saveLocked(conv)
	events := []Event{messageEvent(conv, user), conversationEvent(conv)}
	e.mu.Unlock()
	e.publish(events...)
}
