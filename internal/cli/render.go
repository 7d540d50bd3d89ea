// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// render.go - Rendering of answers, citations and conversation lists.

package cli

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"

	"github.com/jeranaias/nelson-client/internal/model"
)

// =============================================================================
// MARKDOWN
// =============================================================================

var (
	markdownOnce     sync.Once
	markdownRenderer *glamour.TermRenderer
)

// renderMarkdown renders markdown for the terminal. The original content
// is returned when the renderer is unavailable or fails.
func renderMarkdown(content string) string {
	markdownOnce.Do(func() {
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(TextWidth()),
		)
		if err == nil {
			markdownRenderer = r
		}
	})
	if markdownRenderer == nil {
		return content
	}
	rendered, err := markdownRenderer.Render(content)
	if err != nil {
		return content
	}
	return rendered
}

// useMarkdown reports whether answers are rendered as markdown: only on a
// TTY, and only when ui.markdown is on.
func useMarkdown(enabled bool) bool {
	return enabled && IsStdoutTTY()
}

// =============================================================================
// ANSWERS
// =============================================================================

// RenderCitations renders the ranked source list of an answer, wrapped and
// indented under a "Sources" heading. Returns "" when there are none.
func RenderCitations(citations []model.Citation, width int) string {
	if len(citations) == 0 {
		return ""
	}
	if width <= 0 {
		width = TextWidth()
	}

	var b strings.Builder
	b.WriteString(SectionStyle.Render("Sources"))
	b.WriteString("\n")
	for i, c := range citations {
		line := fmt.Sprintf("%d. %s", i+1, formatCitation(c))
		wrapped := wordwrap.String(line, width-4)
		b.WriteString(CitationStyle.Render(indent.String(wrapped, 2)))
		b.WriteString("\n")
	}
	return b.String()
}

// formatCitation renders "Chapter > Section, p. N (87%)".
func formatCitation(c model.Citation) string {
	var b strings.Builder
	b.WriteString(c.ChapterTitle)
	if c.SectionTitle != "" {
		b.WriteString(" > ")
		b.WriteString(c.SectionTitle)
	}
	if c.PageNumber != nil {
		fmt.Fprintf(&b, ", p. %d", *c.PageNumber)
	}
	fmt.Fprintf(&b, " (%.0f%%)", c.Similarity*100)
	return b.String()
}

// RenderAnswer renders a terminal assistant message: content (markdown when
// enabled), citations, and a failure line when the reply failed.
func RenderAnswer(msg *model.Message, markdown bool) string {
	var b strings.Builder
	content := msg.Content
	if content != "" {
		if markdown {
			b.WriteString(renderMarkdown(content))
		} else {
			b.WriteString(WrapText(content, 0))
			b.WriteString("\n")
		}
	}
	if cites := RenderCitations(msg.Citations, 0); cites != "" {
		b.WriteString("\n")
		b.WriteString(cites)
	}
	if msg.Status == model.StatusFailed {
		b.WriteString(ErrorStyle.Render("[Failed]"))
		b.WriteString(" ")
		b.WriteString(msg.Error)
		b.WriteString(DimStyle.Render("  (/retry to send again)"))
		b.WriteString("\n")
	}
	return b.String()
}

// =============================================================================
// CONVERSATION LIST
// =============================================================================

const (
	listTitleWidth = 40
	listIndexWidth = 4
)

// RenderConversationList renders one line per conversation, newest first,
// marking the active one.
func RenderConversationList(convs []*model.Conversation, activeID string) string {
	if len(convs) == 0 {
		return DimStyle.Render("No conversations yet.") + "\n"
	}

	var b strings.Builder
	for i, conv := range convs {
		marker := " "
		if conv.ID == activeID {
			marker = "*"
		}
		title := model.TruncateDisplay(conv.Title, listTitleWidth)
		if conv.Pinned {
			title = "^ " + model.TruncateDisplay(conv.Title, listTitleWidth-2)
		}
		fmt.Fprintf(&b, "%s %s %s %s %s %s\n",
			marker,
			runewidth.FillLeft(fmt.Sprintf("%d.", i+1), listIndexWidth),
			runewidth.FillRight(title, listTitleWidth),
			DimStyle.Render(runewidth.FillRight(string(conv.Mode), 9)),
			DimStyle.Render(fmt.Sprintf("%3d msgs", conv.MessageCount())),
			renderSyncStatus(conv.SyncStatus),
		)
	}
	return b.String()
}

func renderSyncStatus(s model.SyncStatus) string {
	if s == model.SyncSynced || s == "" {
		return ""
	}
	return RenderStatus(string(s))
}

// RenderTranscript renders every message of a conversation.
func RenderTranscript(conv *model.Conversation, markdown bool) string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render(conv.Title))
	b.WriteString(DimStyle.Render(fmt.Sprintf("  (%s)", conv.Mode)))
	b.WriteString("\n\n")
	for _, msg := range conv.Messages {
		switch msg.Role {
		case model.RoleUser:
			b.WriteString(UserStyle.Render(msg.Role.DisplayName() + ":"))
			b.WriteString(" ")
			b.WriteString(msg.Content)
			if msg.Status != model.StatusSent {
				b.WriteString(" ")
				b.WriteString(RenderStatus(string(msg.Status)))
			}
			b.WriteString("\n")
		case model.RoleAssistant:
			b.WriteString(AssistantStyle.Render(msg.Role.DisplayName() + ":"))
			b.WriteString("\n")
			b.WriteString(RenderAnswer(msg, markdown))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// formatAge renders a duration since t in coarse units.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
