// Copyright (C) 2025 CivicStack
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dialog manages per-user conversation history for the assistant.
//
// Each user has at most one Context: an ordered, append-only sequence of
// messages that is trimmed from the oldest end to honor the configured
// message-count and token-budget caps. All state is process-lifetime only;
// there is no persistence.
package dialog

import (
	"time"
	"unicode/utf8"
)

// Role identifies the author of a dialog message.
type Role string

const (
	// RoleUser marks a message written by the end user.
	RoleUser Role = "user"

	// RoleAssistant marks a generated reply.
	RoleAssistant Role = "assistant"
)

// Message is one immutable turn of a conversation.
//
// # Description
//
// A Message is created once when appended to a Context and never mutated
// afterwards. TokenCost is an estimate used only to bound context size, not
// a precise language-model token count.
//
// # Fields
//
//   - Role: Author of the message (user or assistant).
//   - Content: The message text.
//   - CreatedAt: When the message was appended.
//   - TokenCost: Estimated token cost, always >= 1.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	TokenCost int       `json:"token_cost"`
}

// Context is the bounded conversation history retained for one user.
//
// # Description
//
// Contexts are owned exclusively by the Store. Values returned from Store
// methods are snapshot copies; mutating them has no effect on stored state.
//
// # Invariants
//
//   - TotalTokens equals the sum of TokenCost over Messages.
//   - After any Store mutation completes, len(Messages) never exceeds the
//     configured message cap, and TotalTokens never exceeds the token budget
//     unless a single message alone exceeds it.
type Context struct {
	UserID      string
	Messages    []Message
	TotalTokens int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EstimateTokens returns the estimated token cost of text.
//
// The heuristic is one token per four characters, counted in runes so that
// non-ASCII scripts are not over-charged, with a floor of one token. This is
// deliberately cheap; the budget it feeds is approximate by design.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text) / 4
	if n < 1 {
		return 1
	}
	return n
}
