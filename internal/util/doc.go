// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides file helpers shared by the local stores.
//
// # Key Functions
//
//   - AtomicWriteFile: Crash-safe file writing with fsync and rename
//   - EnsureDir: Owner-only directory creation
//
// # Usage
//
//	err := util.AtomicWriteFile(path, data, 0600)
package util
