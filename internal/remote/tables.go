// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/jeranaias/nelson-client/internal/model"
)

// Prefer headers. The client-generated id is the primary key everywhere, so
// replaying a write is either a merge (conversations, settings) or a no-op
// (messages).
const (
	preferMerge  = "resolution=merge-duplicates,return=minimal"
	preferIgnore = "resolution=ignore-duplicates,return=minimal"
)

// =============================================================================
// ROW TYPES
// =============================================================================

type conversationRow struct {
	ID        string     `json:"id"`
	UserSub   string     `json:"user_sub"`
	Title     string     `json:"title"`
	Mode      model.Mode `json:"mode"`
	Pinned    bool       `json:"pinned"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type messageRow struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	Role           string           `json:"role"`
	Content        string           `json:"content"`
	Citations      []model.Citation `json:"citations"`
	CreatedAt      time.Time        `json:"created_at"`
}

type settingsRow struct {
	UserSub string `json:"user_sub"`
	model.UserSettings
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// ListConversations returns the owner's conversations without messages,
// most recently updated first.
func (c *Client) ListConversations(ctx context.Context, owner string) ([]*model.Conversation, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("user_sub", "eq."+owner)
	q.Set("order", "updated_at.desc")

	data, _, err := c.do(ctx, http.MethodGet, conversationsPath, q, nil, "")
	if err != nil {
		return nil, err
	}
	var rows []conversationRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse conversations: %w", err)
	}

	convs := make([]*model.Conversation, 0, len(rows))
	for _, row := range rows {
		mode, err := model.ParseMode(string(row.Mode))
		if err != nil {
			mode = model.ModeAcademic
		}
		convs = append(convs, &model.Conversation{
			ID:         row.ID,
			Owner:      row.UserSub,
			Title:      row.Title,
			Mode:       mode,
			Pinned:     row.Pinned,
			CreatedAt:  row.CreatedAt,
			UpdatedAt:  row.UpdatedAt,
			Messages:   []*model.Message{},
			SyncStatus: model.SyncSynced,
		})
	}
	return convs, nil
}

// UpsertConversation creates or updates the conversation keyed by its client id.
func (c *Client) UpsertConversation(ctx context.Context, conv *model.Conversation) error {
	row := conversationRow{
		ID:        conv.ID,
		UserSub:   conv.Owner,
		Title:     conv.Title,
		Mode:      conv.Mode,
		Pinned:    conv.Pinned,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	}
	q := url.Values{}
	q.Set("on_conflict", "id")
	_, _, err := c.do(ctx, http.MethodPost, conversationsPath, q, row, preferMerge)
	return err
}

// DeleteConversation removes the owner's conversation. A missing row is success.
func (c *Client) DeleteConversation(ctx context.Context, owner, id string) error {
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("user_sub", "eq."+owner)
	_, status, err := c.do(ctx, http.MethodDelete, conversationsPath, q, nil, "return=minimal")
	if status == http.StatusNotFound {
		return nil
	}
	return err
}

// =============================================================================
// MESSAGES
// =============================================================================

// ListMessages returns the conversation's persisted messages, oldest first.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]*model.Message, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("conversation_id", "eq."+conversationID)
	q.Set("order", "created_at.asc")

	data, _, err := c.do(ctx, http.MethodGet, messagesPath, q, nil, "")
	if err != nil {
		return nil, err
	}
	var rows []messageRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse messages: %w", err)
	}

	msgs := make([]*model.Message, 0, len(rows))
	for _, row := range rows {
		role, err := model.ParseRole(row.Role)
		if err != nil {
			// Only user and assistant turns are part of the conversation
			continue
		}
		citations := make([]model.Citation, 0, len(row.Citations))
		for _, cit := range row.Citations {
			citations = append(citations, cit.Normalize())
		}
		msgs = append(msgs, &model.Message{
			ID:        row.ID,
			Role:      role,
			Content:   row.Content,
			Citations: model.RankCitations(citations),
			Timestamp: row.CreatedAt,
			Status:    model.StatusSent,
		})
	}
	return msgs, nil
}

// InsertMessages appends messages. Rows whose id already exists are skipped,
// so a replayed insert never duplicates.
func (c *Client) InsertMessages(ctx context.Context, conversationID string, msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	rows := make([]messageRow, 0, len(msgs))
	for _, m := range msgs {
		citations := m.Citations
		if citations == nil {
			citations = []model.Citation{}
		}
		rows = append(rows, messageRow{
			ID:             m.ID,
			ConversationID: conversationID,
			Role:           string(m.Role),
			Content:        m.Content,
			Citations:      citations,
			CreatedAt:      m.Timestamp,
		})
	}
	q := url.Values{}
	q.Set("on_conflict", "id")
	_, _, err := c.do(ctx, http.MethodPost, messagesPath, q, rows, preferIgnore)
	return err
}

// =============================================================================
// SETTINGS
// =============================================================================

// GetSettings returns the owner's settings, or nil when none are stored.
func (c *Client) GetSettings(ctx context.Context, owner string) (*model.UserSettings, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("user_sub", "eq."+owner)
	q.Set("limit", "1")

	data, _, err := c.do(ctx, http.MethodGet, settingsPath, q, nil, "")
	if err != nil {
		return nil, err
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	// Columns missing from the row keep their defaults
	settings := model.DefaultSettings()
	if err := json.Unmarshal(rows[0], &settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	return &settings, nil
}

// UpsertSettings writes the owner's full settings record.
func (c *Client) UpsertSettings(ctx context.Context, owner string, settings model.UserSettings) error {
	if owner == "" {
		return errors.New("settings owner is empty")
	}
	q := url.Values{}
	q.Set("on_conflict", "user_sub")
	_, _, err := c.do(ctx, http.MethodPost, settingsPath, q, settingsRow{UserSub: owner, UserSettings: settings}, preferMerge)
	return err
}
