// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"time"

	"github.com/jeranaias/nelson-client/internal/model"
	"github.com/jeranaias/nelson-client/internal/queue"
)

// =============================================================================
// SETTINGS
// =============================================================================

// Settings returns the current settings.
func (e *Engine) Settings() model.UserSettings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// UpdateSettings applies patch locally at once and schedules the remote
// write. Changes arriving within the debounce window are sent together.
func (e *Engine) UpdateSettings(patch model.SettingsPatch) (model.UserSettings, error) {
	if err := patch.Validate(); err != nil {
		return e.Settings(), err
	}
	if patch.IsEmpty() {
		return e.Settings(), nil
	}

	e.mu.Lock()
	e.settings = e.settings.Apply(patch)
	e.settings.UpdatedAt = time.Now()
	e.saveSettingsLocked()
	e.pendingPatch = e.pendingPatch.Merge(patch)
	if e.settingsTimer != nil {
		e.settingsTimer.Stop()
	}
	e.settingsTimer = time.AfterFunc(e.opts.SettingsDebounce, e.flushSettingsAsync)
	current := e.settings
	e.mu.Unlock()

	e.publish(settingsEvent(current))
	return current, nil
}

func (e *Engine) flushSettingsAsync() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.FlushSettings(ctx); err != nil {
		e.logf("[engine] settings not saved remotely: %v", err)
	}
}

// FlushSettings sends any debounced settings change now. Offline, the
// accumulated patch is queued; a rejection restores the last settings the
// backend accepted (with any newer local changes on top) and is returned.
func (e *Engine) FlushSettings(ctx context.Context) error {
	e.mu.Lock()
	if e.settingsTimer != nil {
		e.settingsTimer.Stop()
		e.settingsTimer = nil
	}
	patch := e.pendingPatch
	if patch.IsEmpty() {
		e.mu.Unlock()
		return nil
	}
	e.pendingPatch = model.SettingsPatch{}
	target := e.settings
	e.mu.Unlock()

	op := Optimistic{
		Confirm: func(ctx context.Context) error {
			if !e.conn.IsOnline() {
				return model.ErrOffline
			}
			err := e.remote.UpsertSettings(ctx, e.opts.Owner, target)
			e.conn.ReportResult(err)
			if err == nil {
				e.mu.Lock()
				e.confirmed = target
				e.mu.Unlock()
			}
			return err
		},
		Defer: func(ctx context.Context, _ error) error {
			_, err := e.queue.Enqueue(ctx, queue.KindUpdateSettings, queue.SettingsPayload{Patch: patch})
			return err
		},
		Rollback: func(err error) {
			e.mu.Lock()
			e.settings = e.confirmed.Apply(e.pendingPatch)
			e.saveSettingsLocked()
			current := e.settings
			e.mu.Unlock()
			e.logf("[engine] settings change rolled back: %v", err)
			e.publish(settingsEvent(current))
		},
	}
	return op.Run(ctx)
}

// ReplaySettings delivers a queued settings patch. The patch is re-applied
// under any newer pending change, so settings refreshed from the backend in
// the meantime do not lose it.
func (e *Engine) ReplaySettings(ctx context.Context, patch model.SettingsPatch) error {
	e.mu.Lock()
	e.settings = e.settings.Apply(patch).Apply(e.pendingPatch)
	e.saveSettingsLocked()
	target := e.settings
	e.mu.Unlock()

	err := e.remote.UpsertSettings(ctx, e.opts.Owner, target)
	e.conn.ReportResult(err)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.confirmed = target
	e.mu.Unlock()
	e.publish(settingsEvent(target))
	return nil
}

// LoadSettings refreshes settings from the backend. Pending local changes
// stay on top of the remote values. A missing remote row keeps local
// settings.
func (e *Engine) LoadSettings(ctx context.Context) error {
	remoteSettings, err := e.remote.GetSettings(ctx, e.opts.Owner)
	if err != nil {
		e.conn.ReportResult(err)
		return err
	}
	if remoteSettings == nil {
		return nil
	}

	e.mu.Lock()
	e.confirmed = *remoteSettings
	e.settings = remoteSettings.Apply(e.pendingPatch)
	e.saveSettingsLocked()
	current := e.settings
	e.mu.Unlock()
	e.publish(settingsEvent(current))
	return nil
}

// Close flushes pending settings and stops the debounce timer.
func (e *Engine) Close(ctx context.Context) error {
	return e.FlushSettings(ctx)
}

func (e *Engine) saveSettingsLocked() {
	if err := e.snapshots.SaveSettings(e.settings); err != nil {
		e.logf("[engine] failed to save settings: %v", err)
	}
}

func settingsEvent(s model.UserSettings) Event {
	return Event{Kind: EventSettingsUpdated, Settings: &s}
}
