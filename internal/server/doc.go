// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the local control API of a running client.
//
// Other local processes (a browser page, a script, `nelson sync`) use it to
// inspect the offline queue, request a flush and follow engine events.
//
// # Endpoints
//
//   - GET  /health     - Liveness
//   - GET  /v1/status  - Connectivity, queue length, sync state
//   - GET  /v1/queue   - Queued actions (no payloads)
//   - POST /v1/sync    - {"type":"SYNC_MESSAGES"} requests a flush
//   - GET  /v1/events  - Event socket (websocket), {type, payload} frames
//
// # Security
//
//   - Loopback listen address and peers unless AllowRemote is set
//   - Optional bearer token with constant-time comparison
//   - Websocket origin restricted to loopback pages
//   - Rate limiting on sync requests
//
// # Usage
//
//	srv, err := server.New(server.Config{}, queueStore, flusher, monitor)
//	if err != nil {
//		return err
//	}
//	eng.Subscribe(srv.Publish)
//	return srv.Run(ctx)
package server
