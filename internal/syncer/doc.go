// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package syncer drains the offline action queue once connectivity returns.
//
// A Flusher replays actions oldest first through the engine, removes each
// one on success and counts failed attempts. After MaxAttempts failures the
// action is dropped and a Notice is emitted. Passes are single-flight.
//
// # Usage
//
//	f := syncer.New(queueStore, eng, monitor, syncer.Options{
//	    OnNotice: func(n syncer.Notice) { log.Printf("dropped %s", n.Kind) },
//	})
//	monitor.OnOnline(f.Trigger)
//	go f.Run(ctx)
//	defer f.Close()
package syncer
