// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/nelson-client/internal/model"
	"github.com/jeranaias/nelson-client/internal/queue"
	"github.com/jeranaias/nelson-client/internal/remote"
)

// =============================================================================
// FAKE REMOTE
// =============================================================================

type fakeRemote struct {
	mu sync.Mutex

	stream func(ctx context.Context, req remote.ChatRequest) (io.ReadCloser, error)

	conversations map[string]*model.Conversation
	messages      map[string][]*model.Message
	settings      *model.UserSettings

	upsertErr   error
	deleteErr   error
	insertErr   error
	settingsErr error

	chatRequests    []remote.ChatRequest
	upserts         int
	deletes         []string
	settingsUpserts []model.UserSettings
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string][]*model.Message),
		stream:        answer("Hello", " there"),
	}
}

// answer streams the given content deltas and [DONE].
func answer(deltas ...string) func(context.Context, remote.ChatRequest) (io.ReadCloser, error) {
	return func(context.Context, remote.ChatRequest) (io.ReadCloser, error) {
		var b strings.Builder
		for _, d := range deltas {
			payload, _ := json.Marshal(map[string]string{"content": d})
			b.WriteString("data: " + string(payload) + "\n\n")
		}
		b.WriteString("data: [DONE]\n\n")
		return io.NopCloser(strings.NewReader(b.String())), nil
	}
}

func failing(err error) func(context.Context, remote.ChatRequest) (io.ReadCloser, error) {
	return func(context.Context, remote.ChatRequest) (io.ReadCloser, error) {
		return nil, err
	}
}

// hanging returns a body that never produces data until the request is cancelled.
func hanging() func(context.Context, remote.ChatRequest) (io.ReadCloser, error) {
	return func(ctx context.Context, _ remote.ChatRequest) (io.ReadCloser, error) {
		return &ctxBody{ctx: ctx}, nil
	}
}

type ctxBody struct{ ctx context.Context }

func (b *ctxBody) Read([]byte) (int, error) {
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}

func (b *ctxBody) Close() error { return nil }

func (f *fakeRemote) StreamChat(ctx context.Context, req remote.ChatRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.chatRequests = append(f.chatRequests, req)
	fn := f.stream
	f.mu.Unlock()
	return fn(ctx, req)
}

func (f *fakeRemote) ListConversations(_ context.Context, owner string) ([]*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Conversation
	for _, c := range f.conversations {
		if c.Owner == owner {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (f *fakeRemote) UpsertConversation(_ context.Context, conv *model.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if f.upsertErr != nil {
		return f.upsertErr
	}
	meta := conv.Clone()
	meta.Messages = nil
	f.conversations[conv.ID] = meta
	return nil
}

func (f *fakeRemote) DeleteConversation(_ context.Context, _, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.conversations, id)
	delete(f.messages, id)
	return nil
}

func (f *fakeRemote) ListMessages(_ context.Context, conversationID string) ([]*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Message
	for _, m := range f.messages[conversationID] {
		out = append(out, m.Clone())
	}
	return out, nil
}

func (f *fakeRemote) InsertMessages(_ context.Context, conversationID string, msgs []*model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	existing := make(map[string]bool)
	for _, m := range f.messages[conversationID] {
		existing[m.ID] = true
	}
	for _, m := range msgs {
		if !existing[m.ID] {
			f.messages[conversationID] = append(f.messages[conversationID], m.Clone())
		}
	}
	return nil
}

func (f *fakeRemote) GetSettings(context.Context, string) (*model.UserSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settings == nil {
		return nil, nil
	}
	s := *f.settings
	return &s, nil
}

func (f *fakeRemote) UpsertSettings(_ context.Context, _ string, settings model.UserSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settingsUpserts = append(f.settingsUpserts, settings)
	if f.settingsErr != nil {
		return f.settingsErr
	}
	f.settings = &settings
	return nil
}

func (f *fakeRemote) storedMessages(convID string) []*model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.Message(nil), f.messages[convID]...)
}

func (f *fakeRemote) settingsUpsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.settingsUpserts)
}

// =============================================================================
// FAKE QUEUE
// =============================================================================

type fakeQueue struct {
	mu      sync.Mutex
	actions []queue.Action
	nextID  int64
	err     error
}

func (q *fakeQueue) Enqueue(_ context.Context, kind queue.Kind, payload any) (queue.Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return queue.Action{}, q.err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return queue.Action{}, err
	}
	q.nextID++
	a := queue.Action{ID: q.nextID, Kind: kind, Payload: data, EnqueuedAt: time.Now()}
	q.actions = append(q.actions, a)
	return a, nil
}

func (q *fakeQueue) RemoveByConversation(_ context.Context, conversationID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.actions[:0]
	removed := 0
	for _, a := range q.actions {
		if a.Kind == queue.KindSendMessage {
			if p, err := a.DecodeSendMessage(); err == nil && p.ConversationID == conversationID {
				removed++
				continue
			}
		}
		kept = append(kept, a)
	}
	q.actions = kept
	return removed, nil
}

func (q *fakeQueue) list() []queue.Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Action(nil), q.actions...)
}

// =============================================================================
// FAKE SNAPSHOTS
// =============================================================================

type fakeSnapshots struct {
	mu       sync.Mutex
	convs    map[string]*model.Conversation
	settings *model.UserSettings
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{convs: make(map[string]*model.Conversation)}
}

func (s *fakeSnapshots) Save(conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.ID] = conv.Clone()
	return nil
}

func (s *fakeSnapshots) List() ([]*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *fakeSnapshots) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, id)
	return nil
}

func (s *fakeSnapshots) SaveSettings(settings model.UserSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = &settings
	return nil
}

func (s *fakeSnapshots) LoadSettings() (model.UserSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		return model.DefaultSettings(), nil
	}
	return *s.settings, nil
}

func (s *fakeSnapshots) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.convs[id]
	return ok
}

// =============================================================================
// FAKE CONNECTIVITY
// =============================================================================

type fakeConn struct {
	online atomic.Bool
}

func newFakeConn(online bool) *fakeConn {
	c := &fakeConn{}
	c.online.Store(online)
	return c
}

func (c *fakeConn) IsOnline() bool { return c.online.Load() }

func (c *fakeConn) ReportResult(err error) {
	if model.IsConnectivity(err) {
		c.online.Store(false)
	}
}

// =============================================================================
// HARNESS
// =============================================================================

type harness struct {
	engine    *Engine
	remote    *fakeRemote
	queue     *fakeQueue
	snapshots *fakeSnapshots
	conn      *fakeConn

	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()
	return newHarnessWith(t, online, newFakeSnapshots(), Options{})
}

func newHarnessWith(t *testing.T, online bool, snaps *fakeSnapshots, opts Options) *harness {
	t.Helper()
	return buildHarness(t, online, snaps, &fakeQueue{}, opts)
}

// restart builds a second engine over the same queue and snapshots, with a
// fresh remote and no in-memory state carried over.
func (h *harness) restart(t *testing.T, online bool) *harness {
	t.Helper()
	return buildHarness(t, online, h.snapshots, h.queue, Options{})
}

func buildHarness(t *testing.T, online bool, snaps *fakeSnapshots, q *fakeQueue, opts Options) *harness {
	t.Helper()
	h := &harness{
		remote:    newFakeRemote(),
		queue:     q,
		snapshots: snaps,
		conn:      newFakeConn(online),
	}
	if opts.Owner == "" {
		opts.Owner = "user-1"
	}
	if opts.StreamTimeout == 0 {
		opts.StreamTimeout = 2 * time.Second
	}
	if opts.SettingsDebounce == 0 {
		opts.SettingsDebounce = time.Hour
	}
	opts.Logger = log.New(io.Discard, "", 0)

	e, err := New(h.remote, h.queue, h.snapshots, h.conn, opts)
	require.NoError(t, err)
	h.engine = e
	e.Subscribe(func(ev Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})
	return h
}

func (h *harness) eventKinds() []EventKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	kinds := make([]EventKind, len(h.events))
	for i, ev := range h.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func (h *harness) sendPayload(t *testing.T, i int) queue.SendMessagePayload {
	t.Helper()
	actions := h.queue.list()
	require.Greater(t, len(actions), i)
	p, err := actions[i].DecodeSendMessage()
	require.NoError(t, err)
	return p
}
