// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package remote implements the chat backend's HTTP contract.
//
// # Endpoints
//
//   - POST /functions/v1/nelson-chat: streaming answer (SSE)
//   - /rest/v1/nelson_conversations: conversation metadata, upsert by id
//   - /rest/v1/nelson_messages: append-only messages, insert ignoring duplicates
//   - /rest/v1/nelson_user_settings: one settings row per user
//
// # Error Classification
//
// Transport failures wrap model.ErrOffline, HTTP 429 becomes
// *model.RateLimitError, and any other error status becomes
// *model.ServerError. Caller cancellation is returned unchanged.
//
// # Usage
//
//	client := remote.NewClient(baseURL, anonKey).
//	    WithToken(accessToken).
//	    WithTimeout(15 * time.Second)
//
//	body, err := client.StreamChat(ctx, remote.ChatRequest{
//	    Message: "Fever in a 2-month-old",
//	    Mode:    model.ModeClinical,
//	})
package remote
