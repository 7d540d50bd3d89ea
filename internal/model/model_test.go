// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// CITATION TESTS
// =============================================================================

func TestRankCitations_TopThreeDescending(t *testing.T) {
	in := []Citation{
		{ChapterTitle: "a", Similarity: 0.42},
		{ChapterTitle: "b", Similarity: 0.91},
		{ChapterTitle: "c", Similarity: 0.67},
		{ChapterTitle: "d", Similarity: 0.10},
	}

	got := RankCitations(in)

	require.Len(t, got, 3)
	assert.Equal(t, []float64{0.91, 0.67, 0.42}, []float64{got[0].Similarity, got[1].Similarity, got[2].Similarity})
	// input untouched
	assert.Equal(t, 0.42, in[0].Similarity)
}

func TestRankCitations_StableAndShort(t *testing.T) {
	in := []Citation{
		{ChapterTitle: "first", Similarity: 0.5},
		{ChapterTitle: "second", Similarity: 0.5},
	}
	got := RankCitations(in)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].ChapterTitle)
	assert.Equal(t, "second", got[1].ChapterTitle)

	assert.Empty(t, RankCitations(nil))
}

func TestCitation_NormalizeAndString(t *testing.T) {
	page := 1123
	c := Citation{ChapterTitle: " Fever ", SectionTitle: "Neonatal sepsis", PageNumber: &page, Similarity: 1.4}.Normalize()

	assert.Equal(t, 1.0, c.Similarity)
	assert.Equal(t, "Fever (Neonatal sepsis), p. 1123 [100%]", c.String())

	neg := Citation{ChapterTitle: "x", Similarity: -0.2}.Normalize()
	assert.Equal(t, 0.0, neg.Similarity)
}

// =============================================================================
// MESSAGE TESTS
// =============================================================================

func TestMessage_StreamingLifecycle(t *testing.T) {
	msg := NewAssistantMessage()
	require.Equal(t, StatusPending, msg.Status)
	require.True(t, msg.IsEmpty())

	msg.AppendToken("Hello")
	msg.AppendToken(" there")
	assert.Equal(t, "Hello there", msg.GetDisplayContent())
	assert.Equal(t, "", msg.Content, "content is only merged on finalize")

	msg.SetCitations([]Citation{{ChapterTitle: "a", Similarity: 0.2}})
	msg.SetCitations(nil)
	require.Len(t, msg.Citations, 1, "empty citation sets must not clear the latest set")

	msg.MarkSent()
	assert.Equal(t, StatusSent, msg.Status)
	assert.Equal(t, "Hello there", msg.Content)
	assert.False(t, msg.IsStreaming)

	msg.AppendToken("late")
	msg.SetCitations([]Citation{{ChapterTitle: "late", Similarity: 1}})
	assert.Equal(t, "Hello there", msg.GetDisplayContent())
	assert.Equal(t, "a", msg.Citations[0].ChapterTitle)
}

func TestMessage_MarkFailedKeepsPartial(t *testing.T) {
	msg := NewAssistantMessage()
	msg.AppendToken("Partial answer")
	msg.MarkFailed("boom")

	assert.Equal(t, StatusFailed, msg.Status)
	assert.Equal(t, "Partial answer", msg.Content)
	assert.Equal(t, "boom", msg.Error)
}

func TestMessage_CloneIsIndependent(t *testing.T) {
	msg := NewAssistantMessage()
	msg.AppendToken("streaming")
	msg.SetCitations([]Citation{{ChapterTitle: "a", Similarity: 0.3}})

	clone := msg.Clone()
	assert.Equal(t, "streaming", clone.Content)
	assert.False(t, clone.IsStreaming)

	clone.Citations[0].ChapterTitle = "changed"
	assert.Equal(t, "a", msg.Citations[0].ChapterTitle)

	var nilMsg *Message
	assert.Nil(t, nilMsg.Clone())
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("Assistant")
	require.NoError(t, err)
	assert.Equal(t, RoleAssistant, r)

	_, err = ParseRole("system")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

// =============================================================================
// CONVERSATION TESTS
// =============================================================================

func TestConversation_TitleDerivedFromFirstUserMessage(t *testing.T) {
	conv := NewConversation("owner", ModeClinical)
	assert.Equal(t, DefaultTitle, conv.Title)

	conv.AddUserMessage("Fever in a\n2-month-old")
	assert.Equal(t, "Fever in a 2-month-old", conv.Title)

	conv.AddUserMessage("second question")
	assert.Equal(t, "Fever in a 2-month-old", conv.Title)

	long := NewConversation("owner", ModeAcademic)
	long.AddUserMessage(strings.Repeat("x", 80))
	assert.Equal(t, 50, len(long.Title))
	assert.True(t, strings.HasSuffix(long.Title, "..."))
}

func TestConversation_ModeLockedOnceMessagesExist(t *testing.T) {
	conv := NewConversation("owner", ModeAcademic)
	require.NoError(t, conv.SetMode(ModeClinical))
	assert.Equal(t, ModeClinical, conv.Mode)

	conv.AddUserMessage("hi")
	assert.ErrorIs(t, conv.SetMode(ModeAcademic), ErrModeLocked)
	assert.NoError(t, conv.SetMode(ModeClinical), "same mode is not a change")
}

func TestConversation_Navigation(t *testing.T) {
	conv := NewConversation("owner", ModeAcademic)
	u1 := conv.AddUserMessage("one")
	a1 := conv.AddAssistantMessage()
	u2 := conv.AddUserMessage("two")

	assert.Equal(t, a1, conv.ReplyTo(u1.ID))
	assert.Nil(t, conv.ReplyTo(u2.ID))
	assert.Equal(t, u1, conv.PrecedingUserMessage(a1.ID))
	assert.Equal(t, 2, conv.IndexOf(u2.ID))
	assert.True(t, conv.HasPending())

	require.True(t, conv.RemoveMessage(a1.ID))
	assert.False(t, conv.RemoveMessage(a1.ID))
	assert.Nil(t, conv.GetMessageByID(a1.ID))
}

func TestConversation_InsertMessageByTimestamp(t *testing.T) {
	conv := NewConversation("owner", ModeAcademic)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	for i, offset := range []int{0, 20} {
		m := NewUserMessage(fmt.Sprintf("m%d", i))
		m.Timestamp = base.Add(time.Duration(offset) * time.Second)
		conv.AddMessage(m)
	}
	mid := NewMessage(RoleAssistant, "middle")
	mid.Timestamp = base.Add(10 * time.Second)
	conv.InsertMessage(mid)

	require.Len(t, conv.Messages, 3)
	assert.Equal(t, "middle", conv.Messages[1].Content)
}

func TestConversation_CloneDeep(t *testing.T) {
	conv := NewConversation("owner", ModeAcademic)
	conv.AddUserMessage("hello")

	clone := conv.Clone()
	clone.Messages[0].Content = "changed"
	clone.Title = "other"

	assert.Equal(t, "hello", conv.Messages[0].Content)
	assert.NotEqual(t, conv.Title, clone.Title)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"academic", ModeAcademic, false},
		{" Clinical ", ModeClinical, false},
		{"casual", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseMode(tc.in)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

// =============================================================================
// VALIDATION TESTS
// =============================================================================

func TestValidateContent(t *testing.T) {
	got, err := ValidateContent("  dosing for amoxicillin \n")
	require.NoError(t, err)
	assert.Equal(t, "dosing for amoxicillin", got)

	_, err = ValidateContent(" \t\n ")
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = ValidateContent(strings.Repeat("é", MaxContentLength))
	assert.NoError(t, err, "limit counts characters, not bytes")

	_, err = ValidateContent(strings.Repeat("a", MaxContentLength+1))
	assert.ErrorIs(t, err, ErrContentTooLong)
}

func TestValidateTitle(t *testing.T) {
	got, err := ValidateTitle("  ")
	require.NoError(t, err)
	assert.Equal(t, DefaultTitle, got)

	_, err = ValidateTitle(strings.Repeat("t", MaxTitleLength+1))
	assert.ErrorIs(t, err, ErrTitleTooLong)
}

func TestTruncateDisplay(t *testing.T) {
	assert.Equal(t, "short", TruncateDisplay("short", 10))
	assert.Equal(t, "abcdefg...", TruncateDisplay("abcdefghijklmnop", 10))
	assert.Equal(t, "", TruncateDisplay("abc", 0))
	// wide characters take two cells each
	assert.LessOrEqual(t, len([]rune(TruncateDisplay("小児科の発熱について", 8))), 5)
}

// =============================================================================
// ERROR TAXONOMY TESTS
// =============================================================================

func TestUserMessage_DistinctClasses(t *testing.T) {
	timeout := UserMessage(ErrTimeout)
	empty := UserMessage(ErrEmptyResponse)
	limited := UserMessage(&RateLimitError{RetryAfter: time.Second})

	assert.NotEqual(t, timeout, empty)
	assert.NotEqual(t, timeout, limited)
	assert.NotEqual(t, empty, limited)
	assert.Contains(t, limited, "Too many requests")
	assert.Contains(t, UserMessage(&ServerError{Status: 502}), "502")
	assert.Equal(t, "", UserMessage(nil))
}

func TestIsConnectivity(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"offline sentinel", fmt.Errorf("send: %w", ErrOffline), true},
		{"dial error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"dns error", &net.DNSError{Err: "no such host", Name: "example.invalid"}, true},
		{"server error", &ServerError{Status: 500}, false},
		{"rate limited", ErrRateLimited, false},
		{"stream timeout", ErrTimeout, false},
		{"context deadline", context.DeadlineExceeded, false},
		{"plain error", errors.New("parse failure"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsConnectivity(tc.err))
		})
	}
}

func TestRateLimitError_Is(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &RateLimitError{RetryAfter: 2 * time.Second})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Contains(t, err.Error(), "2s")
}

// =============================================================================
// SETTINGS TESTS
// =============================================================================

func TestSettings_ApplyAndMerge(t *testing.T) {
	dark, large := "dark", "large"
	off := false

	first := SettingsPatch{Theme: &dark}
	second := SettingsPatch{FontSize: &large, Notifications: &off}
	merged := first.Merge(second)

	s := DefaultSettings().Apply(merged)
	assert.Equal(t, "dark", s.Theme)
	assert.Equal(t, "large", s.FontSize)
	assert.False(t, s.Notifications)
	assert.Equal(t, "balanced", s.AIStyle)
	assert.True(t, SettingsPatch{}.IsEmpty())
	assert.False(t, merged.IsEmpty())
}

func TestParseTheme(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"light", "light", false},
		{"Dark", "dark", false},
		{"system", "system", false},
		{"auto", "system", false},
		{"neon", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTheme(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSetting)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	p, err := ParseSettingsPatch("theme", "auto")
	require.NoError(t, err)
	require.NotNil(t, p.Theme)
	assert.Equal(t, "system", *p.Theme)
}

func TestParseSettingsPatch(t *testing.T) {
	p, err := ParseSettingsPatch("analytics", "on")
	require.NoError(t, err)
	require.NotNil(t, p.ShareAnalytics)
	assert.True(t, *p.ShareAnalytics)

	_, err = ParseSettingsPatch("theme", "neon")
	assert.ErrorIs(t, err, ErrInvalidSetting)

	_, err = ParseSettingsPatch("notifications", "maybe")
	assert.ErrorIs(t, err, ErrInvalidSetting)

	_, err = ParseSettingsPatch("volume", "11")
	assert.ErrorIs(t, err, ErrInvalidSetting)
}
