// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"strings"
	"time"
)

// UserSettings is the owner-scoped preference record.
type UserSettings struct {
	Theme           string    `json:"theme"`
	FontSize        string    `json:"font_size"`
	AIStyle         string    `json:"ai_style"`
	ShowDisclaimers bool      `json:"show_disclaimers"`
	Notifications   bool      `json:"notifications"`
	ShareAnalytics  bool      `json:"share_analytics"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DefaultSettings returns the settings a new user starts with.
func DefaultSettings() UserSettings {
	return UserSettings{
		Theme:           "light",
		FontSize:        "medium",
		AIStyle:         "balanced",
		ShowDisclaimers: true,
		Notifications:   true,
		ShareAnalytics:  false,
	}
}

var (
	validThemes    = map[string]bool{"light": true, "dark": true, "system": true}
	validFontSizes = map[string]bool{"small": true, "medium": true, "large": true}
	validAIStyles  = map[string]bool{"concise": true, "balanced": true, "detailed": true}
)

// ParseTheme normalizes a theme name. "auto" is read as "system".
func ParseTheme(s string) (string, error) {
	theme := strings.ToLower(strings.TrimSpace(s))
	if theme == "auto" {
		theme = "system"
	}
	if !validThemes[theme] {
		return "", fmt.Errorf("%w: theme %q", ErrInvalidSetting, s)
	}
	return theme, nil
}

// SettingsPatch is a partial settings update. Nil fields are left alone.
type SettingsPatch struct {
	Theme           *string `json:"theme,omitempty"`
	FontSize        *string `json:"font_size,omitempty"`
	AIStyle         *string `json:"ai_style,omitempty"`
	ShowDisclaimers *bool   `json:"show_disclaimers,omitempty"`
	Notifications   *bool   `json:"notifications,omitempty"`
	ShareAnalytics  *bool   `json:"share_analytics,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p SettingsPatch) IsEmpty() bool {
	return p.Theme == nil && p.FontSize == nil && p.AIStyle == nil &&
		p.ShowDisclaimers == nil && p.Notifications == nil && p.ShareAnalytics == nil
}

// Validate checks enumerated fields.
func (p SettingsPatch) Validate() error {
	if p.Theme != nil && !validThemes[*p.Theme] {
		return fmt.Errorf("%w: theme %q", ErrInvalidSetting, *p.Theme)
	}
	if p.FontSize != nil && !validFontSizes[*p.FontSize] {
		return fmt.Errorf("%w: font size %q", ErrInvalidSetting, *p.FontSize)
	}
	if p.AIStyle != nil && !validAIStyles[*p.AIStyle] {
		return fmt.Errorf("%w: ai style %q", ErrInvalidSetting, *p.AIStyle)
	}
	return nil
}

// Merge folds a later patch over this one (last write wins per field).
func (p SettingsPatch) Merge(later SettingsPatch) SettingsPatch {
	if later.Theme != nil {
		p.Theme = later.Theme
	}
	if later.FontSize != nil {
		p.FontSize = later.FontSize
	}
	if later.AIStyle != nil {
		p.AIStyle = later.AIStyle
	}
	if later.ShowDisclaimers != nil {
		p.ShowDisclaimers = later.ShowDisclaimers
	}
	if later.Notifications != nil {
		p.Notifications = later.Notifications
	}
	if later.ShareAnalytics != nil {
		p.ShareAnalytics = later.ShareAnalytics
	}
	return p
}

// Apply returns s with the patch applied.
func (s UserSettings) Apply(p SettingsPatch) UserSettings {
	if p.Theme != nil {
		s.Theme = *p.Theme
	}
	if p.FontSize != nil {
		s.FontSize = *p.FontSize
	}
	if p.AIStyle != nil {
		s.AIStyle = *p.AIStyle
	}
	if p.ShowDisclaimers != nil {
		s.ShowDisclaimers = *p.ShowDisclaimers
	}
	if p.Notifications != nil {
		s.Notifications = *p.Notifications
	}
	if p.ShareAnalytics != nil {
		s.ShareAnalytics = *p.ShareAnalytics
	}
	return s
}

// ParseSettingsPatch builds a patch from a key and a textual value, as typed
// in the REPL (e.g. "theme", "dark").
func ParseSettingsPatch(key, value string) (SettingsPatch, error) {
	var p SettingsPatch
	parseBool := func() (*bool, error) {
		switch value {
		case "true", "on", "yes", "1":
			b := true
			return &b, nil
		case "false", "off", "no", "0":
			b := false
			return &b, nil
		}
		return nil, fmt.Errorf("%w: %s expects on/off, got %q", ErrInvalidSetting, key, value)
	}
	var err error
	switch key {
	case "theme":
		var theme string
		if theme, err = ParseTheme(value); err == nil {
			p.Theme = &theme
		}
	case "font_size", "fontsize", "font-size":
		p.FontSize = &value
	case "ai_style", "aistyle", "ai-style":
		p.AIStyle = &value
	case "show_disclaimers", "disclaimers":
		p.ShowDisclaimers, err = parseBool()
	case "notifications":
		p.Notifications, err = parseBool()
	case "share_analytics", "analytics":
		p.ShareAnalytics, err = parseBool()
	default:
		return p, fmt.Errorf("%w: unknown key %q", ErrInvalidSetting, key)
	}
	if err != nil {
		return p, err
	}
	return p, p.Validate()
}
