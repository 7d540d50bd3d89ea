// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"
	"golang.org/x/text/unicode/norm"
)

const (
	// MaxContentLength is the maximum user message length in characters.
	MaxContentLength = 2000

	// MaxTitleLength is the maximum conversation title length in characters.
	MaxTitleLength = 100
)

// ValidateContent normalizes user input (NFC, trimmed) and checks bounds.
func ValidateContent(content string) (string, error) {
	content = strings.TrimSpace(norm.NFC.String(content))
	if content == "" {
		return "", ErrEmptyContent
	}
	if n := utf8.RuneCountInString(content); n > MaxContentLength {
		return "", fmt.Errorf("%w: %d characters (max %d)", ErrContentTooLong, n, MaxContentLength)
	}
	return content, nil
}

// ValidateTitle normalizes a title and checks its length.
func ValidateTitle(title string) (string, error) {
	title = strings.TrimSpace(norm.NFC.String(title))
	if title == "" {
		return DefaultTitle, nil
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return "", fmt.Errorf("%w: max %d characters", ErrTitleTooLong, MaxTitleLength)
	}
	return title, nil
}

// OneLine collapses all whitespace runs (including newlines) to single spaces.
func OneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// TruncateDisplay truncates s to maxWidth terminal cells, appending "..."
// when cut. Wide (CJK) characters count as two cells.
func TruncateDisplay(s string, maxWidth int) string {
	if maxWidth <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= maxWidth {
		return s
	}
	if maxWidth <= 3 {
		return runewidth.Truncate(s, maxWidth, "")
	}
	return runewidth.Truncate(s, maxWidth, "...")
}
