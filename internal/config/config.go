// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/jeranaias/nelson-client/internal/connectivity"
	"github.com/jeranaias/nelson-client/internal/model"
	"github.com/jeranaias/nelson-client/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete nelson configuration.
type Config struct {
	Version string `toml:"version" json:"version" yaml:"version"`

	Remote       RemoteConfig       `toml:"remote" json:"remote" yaml:"remote"`
	Auth         AuthConfig         `toml:"auth" json:"auth" yaml:"auth"`
	Stream       StreamConfig       `toml:"stream" json:"stream" yaml:"stream"`
	Sync         SyncConfig         `toml:"sync" json:"sync" yaml:"sync"`
	Connectivity ConnectivityConfig `toml:"connectivity" json:"connectivity" yaml:"connectivity"`
	Storage      StorageConfig      `toml:"storage" json:"storage" yaml:"storage"`
	Server       ServerConfig       `toml:"server" json:"server" yaml:"server"`
	UI           UIConfig           `toml:"ui" json:"ui" yaml:"ui"`
}

// RemoteConfig points at the hosted backend.
type RemoteConfig struct {
	// URL is the project base URL. Empty keeps the client offline.
	URL string `toml:"url" json:"url" yaml:"url"`
	// AnonKey is sent as the apikey header.
	AnonKey string `toml:"anon_key" json:"anon_key" yaml:"anon_key"`
	// TimeoutSecs bounds non-streaming requests.
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs" yaml:"timeout_secs"`
}

// AuthConfig carries the signed-in session. Sign-in itself happens elsewhere.
type AuthConfig struct {
	AccessToken string `toml:"access_token" json:"access_token" yaml:"access_token"`
	UserID      string `toml:"user_id" json:"user_id" yaml:"user_id"`
}

// StreamConfig tunes answer streaming.
type StreamConfig struct {
	// TimeoutSecs bounds a whole answer stream.
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs" yaml:"timeout_secs"`
}

// SyncConfig tunes the queue flusher and settings writes.
type SyncConfig struct {
	// RatePerSecond paces replayed actions.
	RatePerSecond float64 `toml:"rate_per_second" json:"rate_per_second" yaml:"rate_per_second"`
	// PollIntervalSecs is how often a non-empty queue is retried while online.
	PollIntervalSecs int `toml:"poll_interval_secs" json:"poll_interval_secs" yaml:"poll_interval_secs"`
	// SettingsDebounceMs delays remote settings writes.
	SettingsDebounceMs int `toml:"settings_debounce_ms" json:"settings_debounce_ms" yaml:"settings_debounce_ms"`
	// TriggerDebounceMs coalesces spool-directory sync signals.
	TriggerDebounceMs int `toml:"trigger_debounce_ms" json:"trigger_debounce_ms" yaml:"trigger_debounce_ms"`
}

// ConnectivityConfig tunes reachability detection.
type ConnectivityConfig struct {
	// ProbeIntervalSecs is the health probe period. Zero disables probing.
	ProbeIntervalSecs int `toml:"probe_interval_secs" json:"probe_interval_secs" yaml:"probe_interval_secs"`
	// ForceOffline starts the client offline regardless of the network.
	ForceOffline bool `toml:"force_offline" json:"force_offline" yaml:"force_offline"`
}

// StorageConfig locates local state.
type StorageConfig struct {
	// DataDir holds the queue, snapshots, spool and history. Empty means ~/.nelson.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`
	// Encrypt seals conversation snapshots with a key derived from Passphrase.
	Encrypt bool `toml:"encrypt" json:"encrypt" yaml:"encrypt"`
	// Passphrase for snapshot encryption. Prefer NELSON_STORAGE_KEY.
	Passphrase string `toml:"passphrase" json:"passphrase" yaml:"passphrase"`
}

// ServerConfig configures the local control server.
type ServerConfig struct {
	Enabled     bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Addr        string `toml:"addr" json:"addr" yaml:"addr"`
	AuthToken   string `toml:"auth_token" json:"auth_token" yaml:"auth_token"`
	AllowRemote bool   `toml:"allow_remote" json:"allow_remote" yaml:"allow_remote"`
}

// UIConfig contains terminal presentation settings.
type UIConfig struct {
	// Theme: "light", "dark" or "system", the same names as the synced
	// settings. "auto" is read as "system".
	Theme string `toml:"theme" json:"theme" yaml:"theme"`
	// Markdown renders answers with glamour.
	Markdown bool `toml:"markdown" json:"markdown" yaml:"markdown"`
	// DefaultMode for new conversations: "academic" or "clinical"
	DefaultMode string `toml:"default_mode" json:"default_mode" yaml:"default_mode"`
	// Verbose sends logs to stderr instead of the log file.
	Verbose bool `toml:"verbose" json:"verbose" yaml:"verbose"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version: "1",
		Remote: RemoteConfig{
			TimeoutSecs: 30,
		},
		Stream: StreamConfig{
			TimeoutSecs: 120,
		},
		Sync: SyncConfig{
			RatePerSecond:      5,
			PollIntervalSecs:   5,
			SettingsDebounceMs: 1000,
			TriggerDebounceMs:  250,
		},
		Connectivity: ConnectivityConfig{
			ProbeIntervalSecs: 15,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8788",
		},
		UI: UIConfig{
			Theme:       "system",
			Markdown:    true,
			DefaultMode: string(model.ModeAcademic),
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the nelson directory. NELSON_DATA_DIR overrides it.
func ConfigDir() (string, error) {
	if dir := os.Getenv("NELSON_DATA_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".nelson"), nil
}

func configPath(name string) (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) { return configPath("config.toml") }

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) { return configPath("config.json") }

// ConfigPathYAML returns the path to the YAML config file.
func ConfigPathYAML() (string, error) { return configPath("config.yaml") }

// ensureSecurePermissions checks and fixes permissions on config files.
// SECURITY: Config files hold tokens, so they must be 0600.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// DataDir returns the resolved data directory.
func (c *Config) DataDir() (string, error) {
	if c.Storage.DataDir != "" {
		return expandHome(c.Storage.DataDir)
	}
	return ConfigDir()
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// Paths lists the files and directories under the data directory.
type Paths struct {
	Root          string
	Queue         string
	Conversations string
	Salt          string
	Spool         string
	History       string
	Log           string
}

// Paths resolves the local layout.
func (c *Config) Paths() (Paths, error) {
	root, err := c.DataDir()
	if err != nil {
		return Paths{}, err
	}
	return Paths{
		Root:          root,
		Queue:         filepath.Join(root, "queue.db"),
		Conversations: filepath.Join(root, "conversations"),
		Salt:          filepath.Join(root, "salt"),
		Spool:         filepath.Join(root, "spool"),
		History:       filepath.Join(root, "chat_history"),
		Log:           filepath.Join(root, "nelson.log"),
	}, nil
}

// =============================================================================
// DURATIONS
// =============================================================================

func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSecs) * time.Second
}

func (c *Config) StreamTimeout() time.Duration {
	return time.Duration(c.Stream.TimeoutSecs) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Sync.PollIntervalSecs) * time.Second
}

func (c *Config) SettingsDebounce() time.Duration {
	return time.Duration(c.Sync.SettingsDebounceMs) * time.Millisecond
}

func (c *Config) TriggerDebounce() time.Duration {
	return time.Duration(c.Sync.TriggerDebounceMs) * time.Millisecond
}

func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Connectivity.ProbeIntervalSecs) * time.Second
}

// Mode returns the configured default conversation mode.
func (c *Config) Mode() model.Mode {
	if m, err := model.ParseMode(c.UI.DefaultMode); err == nil {
		return m
	}
	return model.ModeAcademic
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the data directory.
// Tries TOML, then JSON, then YAML, and falls back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	var loadErr error

	loaders := []struct {
		path func() (string, error)
		load func(*Config, string) error
	}{
		{ConfigPathTOML, LoadTOML},
		{ConfigPathJSON, LoadJSON},
		{ConfigPathYAML, LoadYAML},
	}
	for _, l := range loaders {
		path, err := l.path()
		if err != nil {
			continue
		}
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}
		cfg := Default()
		if err := l.load(cfg, path); err != nil {
			loadErr = fmt.Errorf("failed to load %s: %w", filepath.Base(path), err)
			continue
		}
		return finish(cfg)
	}

	cfg, err := finish(Default())
	if err != nil {
		return nil, err
	}
	// Defaults, with any load error for informational purposes
	return cfg, loadErr
}

// finish applies env overrides, defaults and validation.
func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func warnPermissions(path string) {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
}

// LoadTOML loads configuration from a TOML file.
func LoadTOML(cfg *Config, path string) error {
	warnPermissions(path)
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadJSON loads configuration from a JSON file.
func LoadJSON(cfg *Config, path string) error {
	warnPermissions(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// LoadYAML loads configuration from a YAML file.
func LoadYAML(cfg *Config, path string) error {
	warnPermissions(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read YAML file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode YAML file: %w", err)
	}
	return nil
}

// LoadFromPath loads configuration from a specific file, choosing the
// decoder by extension (TOML by default).
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = LoadJSON(cfg, path)
	case ".yaml", ".yml":
		err = LoadYAML(cfg, path)
	default:
		err = LoadTOML(cfg, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	return finish(cfg)
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
// RELIABILITY: Atomic write with fsync prevents a torn config on crash
// SECURITY: Written 0600 (owner read/write only)
func SaveTOML(cfg *Config, path string) error {
	var buf strings.Builder
	buf.WriteString("# nelson configuration file\n")
	buf.WriteString("# Generated by nelson - edit with care\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, []byte(buf.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Remote.URL != "" {
		if err := connectivity.ValidateURL(c.Remote.URL); err != nil {
			errs = append(errs, ValidationError{Field: "remote.url", Message: err.Error()})
		}
	}
	if c.Remote.TimeoutSecs < 1 || c.Remote.TimeoutSecs > 600 {
		errs = append(errs, ValidationError{
			Field:   "remote.timeout_secs",
			Message: fmt.Sprintf("must be 1-600, got %d", c.Remote.TimeoutSecs),
		})
	}
	if c.Stream.TimeoutSecs < 5 || c.Stream.TimeoutSecs > 1800 {
		errs = append(errs, ValidationError{
			Field:   "stream.timeout_secs",
			Message: fmt.Sprintf("must be 5-1800, got %d", c.Stream.TimeoutSecs),
		})
	}
	if c.Sync.RatePerSecond <= 0 {
		errs = append(errs, ValidationError{Field: "sync.rate_per_second", Message: "must be positive"})
	}
	if c.Sync.PollIntervalSecs < 1 {
		errs = append(errs, ValidationError{Field: "sync.poll_interval_secs", Message: "must be at least 1"})
	}
	if c.Sync.SettingsDebounceMs < 0 {
		errs = append(errs, ValidationError{Field: "sync.settings_debounce_ms", Message: "cannot be negative"})
	}
	if c.Sync.TriggerDebounceMs < 0 {
		errs = append(errs, ValidationError{Field: "sync.trigger_debounce_ms", Message: "cannot be negative"})
	}
	if c.Connectivity.ProbeIntervalSecs < 0 {
		errs = append(errs, ValidationError{Field: "connectivity.probe_interval_secs", Message: "cannot be negative"})
	}

	// SECURITY: an enabled cipher without a passphrase would write plaintext
	if c.Storage.Encrypt && c.Storage.Passphrase == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.passphrase",
			Message: "required when storage.encrypt is set (or set NELSON_STORAGE_KEY)",
		})
	}

	if c.Server.Addr == "" {
		errs = append(errs, ValidationError{Field: "server.addr", Message: "cannot be empty"})
	}

	if _, err := model.ParseTheme(c.UI.Theme); err != nil {
		errs = append(errs, ValidationError{
			Field:   "ui.theme",
			Message: fmt.Sprintf("invalid theme '%s', must be one of: light, dark, system", c.UI.Theme),
		})
	}
	if _, err := model.ParseMode(c.UI.DefaultMode); err != nil {
		errs = append(errs, ValidationError{
			Field:   "ui.default_mode",
			Message: fmt.Sprintf("invalid mode '%s', must be one of: academic, clinical", c.UI.DefaultMode),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults fills zero-value fields from Default.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Version == "" {
		c.Version = defaults.Version
	}
	if c.Remote.TimeoutSecs == 0 {
		c.Remote.TimeoutSecs = defaults.Remote.TimeoutSecs
	}
	if c.Stream.TimeoutSecs == 0 {
		c.Stream.TimeoutSecs = defaults.Stream.TimeoutSecs
	}
	if c.Sync.RatePerSecond == 0 {
		c.Sync.RatePerSecond = defaults.Sync.RatePerSecond
	}
	if c.Sync.PollIntervalSecs == 0 {
		c.Sync.PollIntervalSecs = defaults.Sync.PollIntervalSecs
	}
	if c.Sync.SettingsDebounceMs == 0 {
		c.Sync.SettingsDebounceMs = defaults.Sync.SettingsDebounceMs
	}
	if c.Sync.TriggerDebounceMs == 0 {
		c.Sync.TriggerDebounceMs = defaults.Sync.TriggerDebounceMs
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if c.UI.Theme == "" {
		c.UI.Theme = defaults.UI.Theme
	}
	if theme, err := model.ParseTheme(c.UI.Theme); err == nil {
		c.UI.Theme = theme
	}
	if c.UI.DefaultMode == "" {
		c.UI.DefaultMode = defaults.UI.DefaultMode
	}
	c.Remote.URL = strings.TrimRight(c.Remote.URL, "/")
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - NELSON_API_URL: overrides remote.url
//   - NELSON_ANON_KEY: overrides remote.anon_key
//   - NELSON_ACCESS_TOKEN: overrides auth.access_token
//   - NELSON_USER_ID: overrides auth.user_id
//   - NELSON_OFFLINE: "1" or "true" forces offline
//   - NELSON_DATA_DIR: overrides storage.data_dir
//   - NELSON_STORAGE_KEY: sets storage.passphrase and enables encryption
//   - NELSON_STREAM_TIMEOUT: overrides stream.timeout_secs
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("NELSON_API_URL"); v != "" {
		c.Remote.URL = v
	}
	if v := os.Getenv("NELSON_ANON_KEY"); v != "" {
		c.Remote.AnonKey = v
	}
	if v := os.Getenv("NELSON_ACCESS_TOKEN"); v != "" {
		c.Auth.AccessToken = v
	}
	if v := os.Getenv("NELSON_USER_ID"); v != "" {
		c.Auth.UserID = v
	}
	if v := os.Getenv("NELSON_OFFLINE"); v != "" {
		c.Connectivity.ForceOffline = parseBool(v)
	}
	if v := os.Getenv("NELSON_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("NELSON_STORAGE_KEY"); v != "" {
		c.Storage.Passphrase = v
		c.Storage.Encrypt = true
	}
	if v := os.Getenv("NELSON_STREAM_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.Stream.TimeoutSecs = secs
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "1" || s == "true" || s == "yes"
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g., "sync.rate_per_second").
func (c *Config) Get(key string) (any, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation. String values are
// converted to the field type.
func (c *Config) Set(key string, value any) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if key == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		fieldName := normalizeFieldName(part)
		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, fieldName)
		})
		if !field.IsValid() {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// normalizeFieldName converts a snake_case or kebab-case name to its Go field equivalent.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})
	var result strings.Builder
	for _, part := range parts {
		result.WriteString(strings.ToUpper(part[:1]))
		result.WriteString(strings.ToLower(part[1:]))
	}
	return result.String()
}

func setFieldValue(field reflect.Value, value any) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %w", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %w", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			field.SetBool(parseBool(strVal))
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String returns the config as JSON with secrets redacted.
func (c *Config) String() string {
	safe := c.Clone()
	for _, s := range []*string{&safe.Remote.AnonKey, &safe.Auth.AccessToken, &safe.Storage.Passphrase, &safe.Server.AuthToken} {
		if *s != "" {
			*s = "[REDACTED]"
		}
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance.
// Loads configuration on first access. Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
		}
		if cfg == nil {
			cfg = Default()
		}
		globalConfigMu.Lock()
		globalConfig = cfg
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigOnce.Do(func() {})
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state for testing.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
