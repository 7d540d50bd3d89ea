// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine owns conversation and message state for the chat client.
//
// Every state change goes through a named Engine operation that holds the
// engine lock, so message transitions (pending to sent or failed) are
// atomic. Remote mutations follow an optimistic two-phase commit: the local
// change is applied first, confirmed remotely, deferred to the offline
// queue on connectivity failure, and rolled back on rejection.
//
// # Key Types
//
//   - Engine: Conversations, messages, settings and the event feed
//   - Optimistic: Apply / Confirm / Defer / Rollback helper
//   - Event: State change notification for the REPL and the event socket
//
// # Usage
//
//	eng, err := engine.New(remoteClient, queueStore, snapshots, monitor, engine.Options{
//	    Owner: userID,
//	})
//	if err != nil {
//	    return err
//	}
//	unsubscribe := eng.Subscribe(func(ev engine.Event) { render(ev) })
//	defer unsubscribe()
//
//	reply, err := eng.SendMessage(ctx, "Fever thresholds in a 2 month old?")
//
// The sync flusher drives the Replay* methods to deliver queued actions.
package engine
