// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/nelson-client/internal/connectivity"
	"github.com/jeranaias/nelson-client/internal/model"
)

// isolate points the config directory at a temp dir and clears overrides.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("NELSON_DATA_DIR", dir)
	for _, k := range []string{
		"NELSON_API_URL", "NELSON_ANON_KEY", "NELSON_ACCESS_TOKEN", "NELSON_USER_ID",
		"NELSON_OFFLINE", "NELSON_STORAGE_KEY", "NELSON_STREAM_TIMEOUT",
	} {
		t.Setenv(k, "")
	}
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

// =============================================================================
// DEFAULTS
// =============================================================================

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, model.ModeAcademic, cfg.Mode())
	assert.Equal(t, 2*time.Minute, cfg.StreamTimeout())
	assert.Equal(t, time.Second, cfg.SettingsDebounce())
	assert.Equal(t, 250*time.Millisecond, cfg.TriggerDebounce())
}

func TestLoad_NoFilesUsesDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)
	assert.Empty(t, cfg.Remote.URL)
}

// =============================================================================
// FILE FORMATS
// =============================================================================

func TestLoad_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"toml", "config.toml", "[remote]\nurl = \"https://example.supabase.co/\"\n[ui]\ndefault_mode = \"clinical\"\n"},
		{"json", "config.json", `{"remote":{"url":"https://example.supabase.co/"},"ui":{"default_mode":"clinical"}}`},
		{"yaml", "config.yaml", "remote:\n  url: https://example.supabase.co/\nui:\n  default_mode: clinical\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolate(t)
			writeFile(t, filepath.Join(dir, tt.file), tt.content)

			cfg, err := Load()
			require.NoError(t, err)
			assert.Equal(t, "https://example.supabase.co", cfg.Remote.URL, "trailing slash trimmed")
			assert.Equal(t, model.ModeClinical, cfg.Mode())
			// Unset sections keep their defaults
			assert.Equal(t, 5.0, cfg.Sync.RatePerSecond)
			assert.True(t, cfg.UI.Markdown)
		})
	}
}

func TestLoad_TOMLWinsOverJSON(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, "config.toml"), "[server]\naddr = \"127.0.0.1:9000\"\n")
	writeFile(t, filepath.Join(dir, "config.json"), `{"server":{"addr":"127.0.0.1:9001"}}`)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
}

func TestLoad_BrokenFileFallsBack(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, "config.toml"), "[remote\nurl=")

	cfg, err := Load()
	require.Error(t, err, "load error is reported")
	require.NotNil(t, cfg, "defaults are still returned")
	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)
}

func TestLoad_InvalidValuesRejected(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, "config.toml"), "[ui]\ntheme = \"neon\"\n")

	_, err := Load()
	require.Error(t, err)

	var verrs ValidateErrors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, "ui.theme", verrs[0].Field)
}

func TestLoadFromPath_ByExtension(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yml")
	writeFile(t, path, "stream:\n  timeout_secs: 45\n")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.StreamTimeout())
}

func TestLoadTOML_FixesPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("version = \"1\"\n"), 0644))

	require.NoError(t, LoadTOML(Default(), path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestSaveTOML_RoundTrip(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.Remote.URL = "https://example.supabase.co"
	cfg.Auth.UserID = "user-1"
	cfg.Sync.PollIntervalSecs = 9
	require.NoError(t, SaveTOML(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# nelson configuration file"))

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Remote.URL, loaded.Remote.URL)
	assert.Equal(t, "user-1", loaded.Auth.UserID)
	assert.Equal(t, 9*time.Second, loaded.PollInterval())
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

func TestApplyEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("NELSON_API_URL", "https://env.example.co")
	t.Setenv("NELSON_ACCESS_TOKEN", "tok")
	t.Setenv("NELSON_USER_ID", "u-env")
	t.Setenv("NELSON_OFFLINE", "true")
	t.Setenv("NELSON_STORAGE_KEY", "hunter2")
	t.Setenv("NELSON_STREAM_TIMEOUT", "60")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.co", cfg.Remote.URL)
	assert.Equal(t, "tok", cfg.Auth.AccessToken)
	assert.Equal(t, "u-env", cfg.Auth.UserID)
	assert.True(t, cfg.Connectivity.ForceOffline)
	assert.True(t, cfg.Storage.Encrypt)
	assert.Equal(t, "hunter2", cfg.Storage.Passphrase)
	assert.Equal(t, time.Minute, cfg.StreamTimeout())
}

func TestPaths_UseDataDir(t *testing.T) {
	dir := isolate(t)
	cfg, err := Load()
	require.NoError(t, err)

	paths, err := cfg.Paths()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "queue.db"), paths.Queue)
	assert.Equal(t, filepath.Join(dir, "conversations"), paths.Conversations)
	assert.Equal(t, filepath.Join(dir, "spool"), paths.Spool)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad url scheme", func(c *Config) { c.Remote.URL = "ftp://x" }, "remote.url"},
		{"url without host", func(c *Config) { c.Remote.URL = "https://" }, "remote.url"},
		{"file url", func(c *Config) { c.Remote.URL = "file:///etc/passwd" }, "remote.url"},
		{"stream timeout too short", func(c *Config) { c.Stream.TimeoutSecs = 1 }, "stream.timeout_secs"},
		{"zero rate", func(c *Config) { c.Sync.RatePerSecond = 0 }, "sync.rate_per_second"},
		{"encrypt without passphrase", func(c *Config) { c.Storage.Encrypt = true }, "storage.passphrase"},
		{"bad mode", func(c *Config) { c.UI.DefaultMode = "casual" }, "ui.default_mode"},
		{"bad theme", func(c *Config) { c.UI.Theme = "neon" }, "ui.theme"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			var verrs ValidateErrors
			require.True(t, errors.As(err, &verrs))
			assert.Equal(t, tt.field, verrs[0].Field)
		})
	}
}

func TestTheme_SharesSettingsVocabulary(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "system", cfg.UI.Theme)

	for _, theme := range []string{"light", "dark", "system"} {
		cfg.UI.Theme = theme
		assert.NoError(t, cfg.Validate(), theme)
		_, err := model.ParseSettingsPatch("theme", theme)
		assert.NoError(t, err, theme)
	}

	cfg.UI.Theme = "Auto"
	require.NoError(t, cfg.Validate())
	cfg.SetDefaults()
	assert.Equal(t, "system", cfg.UI.Theme)
}

func TestValidate_RemoteURLReason(t *testing.T) {
	cfg := Default()
	cfg.Remote.URL = "data:text/plain,hi"

	var verrs ValidateErrors
	require.True(t, errors.As(cfg.Validate(), &verrs))
	assert.Equal(t, connectivity.ErrInvalidURLScheme.Error(), verrs[0].Message)

	cfg.Remote.URL = "http://127.0.0.1:54321"
	assert.NoError(t, cfg.Validate())
}

// =============================================================================
// GET/SET
// =============================================================================

func TestGetSet(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Set("sync.poll_interval_secs", "12"))
	v, err := cfg.Get("sync.poll_interval_secs")
	require.NoError(t, err)
	assert.Equal(t, 12, v)

	require.NoError(t, cfg.Set("connectivity.force_offline", "yes"))
	assert.True(t, cfg.Connectivity.ForceOffline)

	require.NoError(t, cfg.Set("ui.default_mode", "clinical"))
	assert.Equal(t, model.ModeClinical, cfg.Mode())

	_, err = cfg.Get("nope.field")
	assert.Error(t, err)
	assert.Error(t, cfg.Set("sync.rate_per_second", "fast"))
	assert.Error(t, cfg.Set("sync", "x"))
}

func TestString_RedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.Auth.AccessToken = "secret-token"
	cfg.Storage.Passphrase = "secret-pass"
	out := cfg.String()
	assert.NotContains(t, out, "secret-token")
	assert.NotContains(t, out, "secret-pass")
	assert.Contains(t, out, "[REDACTED]")
	assert.Equal(t, "secret-token", cfg.Auth.AccessToken, "original untouched")
}

// =============================================================================
// GLOBAL
// =============================================================================

// TestConfig_ConcurrentAccess checks Global and SetGlobal under -race.
func TestConfig_ConcurrentAccess(t *testing.T) {
	isolate(t)
	ResetGlobalForTesting()
	defer ResetGlobalForTesting()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			SetGlobal(Default())
		}()
		go func() {
			defer wg.Done()
			if Global() == nil {
				t.Error("Global() returned nil")
			}
		}()
	}
	wg.Wait()
}
