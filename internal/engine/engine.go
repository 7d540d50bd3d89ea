// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/jeranaias/nelson-client/internal/model"
	"github.com/jeranaias/nelson-client/internal/queue"
	"github.com/jeranaias/nelson-client/internal/remote"
	"github.com/jeranaias/nelson-client/internal/stream"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Remote is the backend contract. *remote.Client implements it.
type Remote interface {
	StreamChat(ctx context.Context, req remote.ChatRequest) (io.ReadCloser, error)
	ListConversations(ctx context.Context, owner string) ([]*model.Conversation, error)
	UpsertConversation(ctx context.Context, conv *model.Conversation) error
	DeleteConversation(ctx context.Context, owner, id string) error
	ListMessages(ctx context.Context, conversationID string) ([]*model.Message, error)
	InsertMessages(ctx context.Context, conversationID string, msgs []*model.Message) error
	GetSettings(ctx context.Context, owner string) (*model.UserSettings, error)
	UpsertSettings(ctx context.Context, owner string, settings model.UserSettings) error
}

// Queue records actions that could not reach the backend. *queue.Store implements it.
type Queue interface {
	Enqueue(ctx context.Context, kind queue.Kind, payload any) (queue.Action, error)
	RemoveByConversation(ctx context.Context, conversationID string) (int, error)
}

// Snapshots is the local store. *storage.Store implements it.
type Snapshots interface {
	Save(conv *model.Conversation) error
	List() ([]*model.Conversation, error)
	Delete(id string) error
	SaveSettings(settings model.UserSettings) error
	LoadSettings() (model.UserSettings, error)
}

// Connectivity reports and receives reachability. *connectivity.Monitor implements it.
type Connectivity interface {
	IsOnline() bool
	ReportResult(err error)
}

// =============================================================================
// OPTIONS
// =============================================================================

const (
	// DefaultSettingsDebounce delays remote settings writes so bursts of
	// changes become one request.
	DefaultSettingsDebounce = time.Second

	// persistTimeout bounds best-effort writes made after a stream ends.
	persistTimeout = 10 * time.Second
)

// Options configures an Engine.
type Options struct {
	// Owner is the authenticated user id. Every conversation has exactly one.
	Owner string

	// DefaultMode is used when a send starts a conversation implicitly.
	DefaultMode model.Mode

	// StreamTimeout bounds each answer stream. Zero means stream.DefaultTimeout.
	StreamTimeout time.Duration

	// SettingsDebounce delays remote settings writes. Zero means DefaultSettingsDebounce.
	SettingsDebounce time.Duration

	// Logger for background failures. Nil uses the standard logger.
	Logger *log.Logger
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine is the single owner of conversation, message and settings state.
// Every mutation goes through a named operation and holds mu, so each
// operation is atomic with respect to the state it touches. Readers get
// deep copies.
type Engine struct {
	remote    Remote
	queue     Queue
	snapshots Snapshots
	conn      Connectivity
	consumer  *stream.Consumer
	opts      Options

	mu            sync.Mutex
	conversations []*model.Conversation // most recent first
	activeID      string
	deleted       map[string]bool // deleted this session; queued sends for them are skipped

	settings      model.UserSettings
	confirmed     model.UserSettings // last settings the backend accepted
	pendingPatch  model.SettingsPatch
	settingsTimer *time.Timer

	subMu   sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

// New creates an engine and loads local snapshots and settings.
func New(r Remote, q Queue, s Snapshots, c Connectivity, opts Options) (*Engine, error) {
	if r == nil || q == nil || s == nil || c == nil {
		return nil, errors.New("engine: remote, queue, snapshots and connectivity are required")
	}
	if opts.DefaultMode == "" {
		opts.DefaultMode = model.ModeAcademic
	}
	if opts.SettingsDebounce <= 0 {
		opts.SettingsDebounce = DefaultSettingsDebounce
	}

	e := &Engine{
		remote:    r,
		queue:     q,
		snapshots: s,
		conn:      c,
		consumer:  &stream.Consumer{Timeout: opts.StreamTimeout, Logger: opts.Logger},
		opts:      opts,
		deleted:   make(map[string]bool),
		subs:      make(map[int]func(Event)),
	}

	convs, err := s.List()
	if err != nil {
		return nil, fmt.Errorf("failed to load conversations: %w", err)
	}
	for _, conv := range convs {
		if recoverInterrupted(conv) {
			e.saveLocked(conv)
		}
	}
	e.conversations = convs

	settings, err := s.LoadSettings()
	if err != nil {
		e.logf("[engine] settings unreadable, using defaults: %v", err)
		settings = model.DefaultSettings()
	}
	e.settings = settings
	e.confirmed = settings

	return e, nil
}

// recoverInterrupted fails assistant messages left pending by a crash
// mid-stream. Pending user messages stay pending: they are still queued.
func recoverInterrupted(conv *model.Conversation) bool {
	changed := false
	for _, msg := range conv.Messages {
		if msg.Role == model.RoleAssistant && msg.Status == model.StatusPending {
			msg.MarkFailed("The answer was interrupted. Please try again.")
			changed = true
		}
	}
	return changed
}

// Owner returns the user id the engine acts for.
func (e *Engine) Owner() string {
	return e.opts.Owner
}

// =============================================================================
// READERS
// =============================================================================

// Conversations returns copies of all conversations, most recent first.
func (e *Engine) Conversations() []*model.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*model.Conversation, len(e.conversations))
	for i, conv := range e.conversations {
		out[i] = conv.Clone()
	}
	return out
}

// Conversation returns a copy of one conversation.
func (e *Engine) Conversation(id string) (*model.Conversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	conv := e.findLocked(id)
	if conv == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrConversationNotFound, id)
	}
	return conv.Clone(), nil
}

// Active returns a copy of the active conversation, or nil.
func (e *Engine) Active() *model.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.findLocked(e.activeID).Clone()
}

// ActiveID returns the active conversation id, or "".
func (e *Engine) ActiveID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeID
}

// =============================================================================
// HELPERS
// =============================================================================

// findLocked returns the live conversation for id, or nil.
func (e *Engine) findLocked(id string) *model.Conversation {
	if id == "" {
		return nil
	}
	for _, conv := range e.conversations {
		if conv.ID == id {
			return conv
		}
	}
	return nil
}

func (e *Engine) indexLocked(id string) int {
	for i, conv := range e.conversations {
		if conv.ID == id {
			return i
		}
	}
	return -1
}

// touchLocked moves conv to the front of the list.
func (e *Engine) touchLocked(conv *model.Conversation) {
	i := e.indexLocked(conv.ID)
	if i <= 0 {
		return
	}
	copy(e.conversations[1:i+1], e.conversations[:i])
	e.conversations[0] = conv
}

// saveLocked writes the snapshot. Failures are logged: memory stays
// authoritative for this session.
func (e *Engine) saveLocked(conv *model.Conversation) {
	if err := e.snapshots.Save(conv); err != nil {
		e.logf("[engine] failed to save conversation %s: %v", conv.ID, err)
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.opts.Logger != nil {
		e.opts.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// insertAfter places msg directly after the message with id afterID, or at
// the end when afterID is not found.
func insertAfter(conv *model.Conversation, afterID string, msg *model.Message) {
	i := conv.IndexOf(afterID)
	if i < 0 || i == len(conv.Messages)-1 {
		conv.AddMessage(msg)
		return
	}
	conv.Messages = append(conv.Messages, nil)
	copy(conv.Messages[i+2:], conv.Messages[i+1:])
	conv.Messages[i+1] = msg
	conv.UpdatedAt = time.Now()
}
