// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides local conversation snapshots and settings.
//
// Snapshots are the offline read path: the engine reloads them at startup
// and keeps them current after every state change, so pending messages
// survive a restart alongside the action queue.
//
// # Key Types
//
//   - Store: Atomic JSON snapshots plus the settings record
//   - Cipher: Optional AES-256-GCM encryption at rest
//
// # Usage
//
//	store, err := storage.NewStore(dataDir)
//	err = store.Save(conv)
//	convs, err := store.List() // most recent first
//
// Enable encryption:
//
//	salt, _ := storage.LoadOrCreateSalt(filepath.Join(dataDir, "salt"))
//	c, _ := storage.NewCipher(passphrase, salt)
//	store.WithCipher(c)
//
// # Storage Location
//
// Conversations are stored in ~/.nelson/conversations/ as JSON files.
package storage
