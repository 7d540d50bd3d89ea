// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package connectivity tracks whether the remote service is reachable.
//
// The Monitor is edge-triggered: subscribers hear about real transitions
// only. The offline to online edge is what starts a queue flush.
//
// # Key Types
//
//   - Monitor: Online state, forced-offline pin, subscriptions
//   - Prober: Periodic HEAD check of the health URL
//
// # Usage
//
//	mon := connectivity.NewMonitor(true)
//	mon.OnOnline(flusher.Trigger)
//
//	prober := connectivity.NewProber(mon, healthURL, 15*time.Second)
//	go prober.Run(ctx)
package connectivity
