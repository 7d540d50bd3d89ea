// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/nelson-client/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "anon-key").
		WithToken("user-token").
		WithLogger(log.New(io.Discard, "", 0))
}

// =============================================================================
// STREAMING TESTS
// =============================================================================

func TestStreamChat_RequestShape(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, chatPath, r.URL.Path)
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Fever in a 2-month-old", body["message"])
		assert.Equal(t, "clinical", body["mode"])
		assert.Equal(t, "conv-1", body["conversationId"])

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"content\":\"hi\"}\n\ndata: [DONE]\n\n")
	})

	body, err := c.StreamChat(context.Background(), ChatRequest{
		Message:        "Fever in a 2-month-old",
		Mode:           model.ModeClinical,
		ConversationID: "conv-1",
	})
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[DONE]")
}

func TestStreamChat_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header map[string]string
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "rate limited with retry-after",
			status: http.StatusTooManyRequests,
			header: map[string]string{"Retry-After": "7"},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, model.ErrRateLimited)
				var rl *model.RateLimitError
				require.True(t, errors.As(err, &rl))
				assert.Equal(t, 7*time.Second, rl.RetryAfter)
			},
		},
		{
			name:   "server error with json message",
			status: http.StatusInternalServerError,
			body:   `{"error":"Message is required"}`,
			check: func(t *testing.T, err error) {
				var se *model.ServerError
				require.True(t, errors.As(err, &se))
				assert.Equal(t, 500, se.Status)
				assert.Equal(t, "Message is required", se.Message)
				assert.False(t, model.IsConnectivity(err))
			},
		},
		{
			name:   "unauthorized plain text",
			status: http.StatusUnauthorized,
			body:   "nope",
			check: func(t *testing.T, err error) {
				var se *model.ServerError
				require.True(t, errors.As(err, &se))
				assert.Equal(t, 401, se.Status)
				assert.Equal(t, "nope", se.Message)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			_, err := c.StreamChat(context.Background(), ChatRequest{Message: "q", Mode: model.ModeAcademic})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestStreamChat_TransportErrorIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, "k").WithLogger(log.New(io.Discard, "", 0))
	_, err := c.StreamChat(context.Background(), ChatRequest{Message: "q"})
	assert.ErrorIs(t, err, model.ErrOffline)
	assert.True(t, model.IsConnectivity(err))
}

func TestStreamChat_CancelledIsNotOffline(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.StreamChat(ctx, ChatRequest{Message: "q"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, model.IsConnectivity(err))
}

func TestStreamChat_NotConfigured(t *testing.T) {
	_, err := NewClient("", "").StreamChat(context.Background(), ChatRequest{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

// =============================================================================
// TABLE TESTS
// =============================================================================

func TestUpsertConversation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, conversationsPath, r.URL.Path)
		assert.Equal(t, "id", r.URL.Query().Get("on_conflict"))
		assert.Contains(t, r.Header.Get("Prefer"), "resolution=merge-duplicates")

		var row conversationRow
		require.NoError(t, json.NewDecoder(r.Body).Decode(&row))
		assert.Equal(t, "user-1", row.UserSub)
		assert.Equal(t, model.ModeClinical, row.Mode)
		w.WriteHeader(http.StatusCreated)
	})

	conv := model.NewConversation("user-1", model.ModeClinical)
	require.NoError(t, c.UpsertConversation(context.Background(), conv))
}

func TestDeleteConversation(t *testing.T) {
	var gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		gotQuery = r.URL.RawQuery
		if r.URL.Query().Get("id") == "eq.missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("id") == "eq.forbidden" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	ctx := context.Background()

	require.NoError(t, c.DeleteConversation(ctx, "user-1", "conv-1"))
	assert.Contains(t, gotQuery, "user_sub=eq.user-1")
	assert.NoError(t, c.DeleteConversation(ctx, "user-1", "missing"), "404 counts as deleted")

	var se *model.ServerError
	require.True(t, errors.As(c.DeleteConversation(ctx, "user-1", "forbidden"), &se))
	assert.Equal(t, 403, se.Status)
}

func TestListConversations(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "eq.user-1", r.URL.Query().Get("user_sub"))
		io.WriteString(w, `[
			{"id":"a","user_sub":"user-1","title":"Fever","mode":"clinical","pinned":true,
			 "created_at":"2025-01-01T00:00:00Z","updated_at":"2025-01-02T00:00:00Z"},
			{"id":"b","user_sub":"user-1","title":"Rash","mode":"bogus",
			 "created_at":"2025-01-01T00:00:00Z","updated_at":"2025-01-01T00:00:00Z"}
		]`)
	})

	convs, err := c.ListConversations(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "Fever", convs[0].Title)
	assert.True(t, convs[0].Pinned)
	assert.Equal(t, model.SyncSynced, convs[0].SyncStatus)
	assert.Equal(t, model.ModeAcademic, convs[1].Mode, "unknown modes fall back to academic")
}

func TestInsertAndListMessages(t *testing.T) {
	var inserted []messageRow
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, messagesPath, r.URL.Path)
		switch r.Method {
		case http.MethodPost:
			assert.Contains(t, r.Header.Get("Prefer"), "resolution=ignore-duplicates")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&inserted))
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			io.WriteString(w, `[
				{"id":"m1","conversation_id":"c","role":"user","content":"q","created_at":"2025-01-01T00:00:00Z"},
				{"id":"m0","conversation_id":"c","role":"system","content":"x","created_at":"2025-01-01T00:00:00Z"},
				{"id":"m2","conversation_id":"c","role":"assistant","content":"a",
				 "citations":[{"chapter_title":"A","similarity":0.2},{"chapter_title":"B","similarity":1.4}],
				 "created_at":"2025-01-01T00:00:01Z"}
			]`)
		}
	})
	ctx := context.Background()

	user := model.NewUserMessage("q")
	require.NoError(t, c.InsertMessages(ctx, "c", []*model.Message{user}))
	require.Len(t, inserted, 1)
	assert.Equal(t, user.ID, inserted[0].ID)
	assert.Equal(t, "c", inserted[0].ConversationID)

	msgs, err := c.ListMessages(ctx, "c")
	require.NoError(t, err)
	require.Len(t, msgs, 2, "non chat roles are skipped")
	assert.Equal(t, model.StatusSent, msgs[1].Status)
	require.Len(t, msgs[1].Citations, 2)
	assert.Equal(t, "B", msgs[1].Citations[0].ChapterTitle)
	assert.Equal(t, 1.0, msgs[1].Citations[0].Similarity, "similarity is clamped")
}

func TestSettings(t *testing.T) {
	var stored map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if r.URL.Query().Get("user_sub") == "eq.new-user" {
				io.WriteString(w, `[]`)
				return
			}
			io.WriteString(w, `[{"user_sub":"u","theme":"dark"}]`)
		case http.MethodPost:
			assert.Equal(t, "user_sub", r.URL.Query().Get("on_conflict"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&stored))
			w.WriteHeader(http.StatusCreated)
		}
	})
	ctx := context.Background()

	s, err := c.GetSettings(ctx, "new-user")
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = c.GetSettings(ctx, "u")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "dark", s.Theme)
	assert.Equal(t, "medium", s.FontSize, "missing columns keep defaults")

	require.NoError(t, c.UpsertSettings(ctx, "u", *s))
	assert.Equal(t, "u", stored["user_sub"])
	assert.Equal(t, "dark", stored["theme"])
}

func TestReadResponse_TooLarge(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "[")
		io.WriteString(w, strings.Repeat(" ", MaxResponseSize+1))
		io.WriteString(w, "]")
	})
	_, err := c.ListConversations(context.Background(), "u")
	assert.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
	future := time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)
	assert.InDelta(t, float64(10*time.Second), float64(parseRetryAfter(future)), float64(2*time.Second))
}
