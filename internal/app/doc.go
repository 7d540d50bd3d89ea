// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package app wires the client's components together and runs their
// background loops.
//
// New builds the graph from a config: queue store, snapshot store (with
// optional encryption), remote client, connectivity monitor and prober,
// engine, flusher, spool watcher and, when enabled, the control server.
// Run starts the loops under one errgroup; Close flushes pending settings
// and releases files.
//
// Reconnect handling is wired here: the monitor's online transition
// triggers the flusher, dropped actions become engine sync-failure events,
// and engine events are forwarded to control server clients.
package app
