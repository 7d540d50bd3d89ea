// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for nelson.
//
// Supports TOML, JSON and YAML configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - RemoteConfig, AuthConfig: Backend location and signed-in session
//   - SyncConfig, ConnectivityConfig: Flusher pacing and reachability probing
//   - StorageConfig: Data directory and snapshot encryption
//   - Paths: Resolved local file layout
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (NELSON_*)
//   - ~/.nelson/config.toml
//   - ~/.nelson/config.json
//   - ~/.nelson/config.yaml
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	paths, _ := cfg.Paths()
//	store, err := queue.Open(paths.Queue)
package config
