// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations, messages,
// citations and user settings, plus the error taxonomy shared by the engine.
//
// # Key Types
//
//   - Conversation: Ordered thread of messages under one owner and one mode
//   - Message: Single user or assistant turn with status and citations
//   - Citation: Reference to a source passage with a similarity score
//   - UserSettings: Owner-scoped preferences, merged last-write-wins
//   - Mode: Conversation mode (academic, clinical)
//   - Status: Message status (pending, sent, failed)
//
// # Usage
//
// Create a conversation and add a message:
//
//	conv := model.NewConversation("user-123", model.ModeClinical)
//	msg := conv.AddUserMessage("Fever in a 2-month-old")
//	msg.MarkSent()
//
// Classify a failure for display:
//
//	if errors.Is(err, model.ErrTimeout) {
//	    fmt.Println(model.UserMessage(err))
//	}
package model
