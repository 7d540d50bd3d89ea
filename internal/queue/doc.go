// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package queue provides the durable offline action queue.
//
// Actions recorded while the client is offline are persisted in a SQLite
// database (pure Go driver) and drained in enqueue order by the sync
// flusher once connectivity returns.
//
// # Key Types
//
//   - Store: SQLite-backed FIFO with retry bookkeeping
//   - Action: A queued mutation with its JSON payload
//   - Kind: send_message, delete_conversation, update_settings
//
// # Usage
//
//	q, err := queue.Open(filepath.Join(dataDir, "queue.db"))
//	if err != nil {
//	    return err
//	}
//	defer q.Close()
//
//	q.Enqueue(ctx, queue.KindDeleteConversation,
//	    queue.DeleteConversationPayload{ConversationID: id})
//
//	actions, _ := q.List(ctx) // oldest first
package queue
