// Copyright (C) 2025 CivicStack
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dialog

import (
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Configuration
// =============================================================================

// StoreConfig holds the per-user history limits enforced by the Store.
//
// # Fields
//
//   - MaxHistoryMessages: Cap on retained turns per user. Default: 20.
//   - ContextWindowTokens: Cap on summed estimated token cost per user.
//     Default: 4000.
type StoreConfig struct {
	MaxHistoryMessages  int
	ContextWindowTokens int
}

// DefaultStoreConfig returns sensible default store limits.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxHistoryMessages:  20,
		ContextWindowTokens: 4000,
	}
}

func applyStoreDefaults(cfg StoreConfig) StoreConfig {
	defaults := DefaultStoreConfig()
	if cfg.MaxHistoryMessages < 1 {
		cfg.MaxHistoryMessages = defaults.MaxHistoryMessages
	}
	if cfg.ContextWindowTokens < 1 {
		cfg.ContextWindowTokens = defaults.ContextWindowTokens
	}
	return cfg
}

// =============================================================================
// Store
// =============================================================================

// Store holds one bounded Context per user id.
//
// # Description
//
// Store is the single piece of mutable shared state in the assistant. It
// serializes mutations per user while keeping different users' operations
// independent: a short registry lock guards the user map, and each user's
// history carries its own mutex held for the full append/trim path.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Mutations for the same user are
// serialized; mutations for different users do not block each other beyond
// the map lookup.
type Store struct {
	cfg StoreConfig

	mu      sync.RWMutex
	entries map[string]*entry
}

// entry is the mutable per-user state. Its mutex serializes append, trim,
// clear, and sweep eviction for one user. The evicted flag marks entries
// removed from the registry while another goroutine still holds a pointer;
// writers that observe it re-enter the registry instead of mutating a
// dropped history.
type entry struct {
	mu      sync.Mutex
	evicted bool
	ctx     Context
}

// NewStore creates a Store with the given limits. Zero or negative limits
// fall back to DefaultStoreConfig values.
func NewStore(cfg StoreConfig) *Store {
	return &Store{
		cfg:     applyStoreDefaults(cfg),
		entries: make(map[string]*entry),
	}
}

// =============================================================================
// Public API
// =============================================================================

// AddUserMessage appends a user-authored message to the user's context,
// creating the context on first contact, and returns the resulting snapshot
// after trimming.
func (s *Store) AddUserMessage(userID, text string) Context {
	return s.AddMessage(userID, RoleUser, text)
}

// AddMessage appends a message with the given role to the user's context.
//
// # Description
//
// Looks up or creates the context for userID, appends a message whose token
// cost is EstimateTokens(text), updates TotalTokens and UpdatedAt, then trims
// the history (see trimLocked). The returned Context is a snapshot copy.
//
// # Inputs
//
//   - userID: The user whose context receives the message.
//   - role: RoleUser or RoleAssistant.
//   - text: The message content.
//
// # Outputs
//
//   - Context: Snapshot of the context after the append and trim completed.
func (s *Store) AddMessage(userID string, role Role, text string) Context {
	msg := Message{
		Role:      role,
		Content:   text,
		CreatedAt: time.Now(),
		TokenCost: EstimateTokens(text),
	}

	for {
		e := s.getOrCreate(userID)
		e.mu.Lock()
		if e.evicted {
			// Lost a race with the sweeper or Clear; the registry no longer
			// holds this entry. Start over with a fresh one.
			e.mu.Unlock()
			continue
		}
		e.ctx.Messages = append(e.ctx.Messages, msg)
		e.ctx.TotalTokens += msg.TokenCost
		e.ctx.UpdatedAt = time.Now()
		s.trimLocked(&e.ctx)
		snapshot := cloneContext(e.ctx)
		e.mu.Unlock()

		slog.Debug("Appended dialog message",
			"userId", userID,
			"role", string(role),
			"totalTokens", snapshot.TotalTokens,
			"messages", len(snapshot.Messages),
		)
		return snapshot
	}
}

// Get returns a snapshot of the user's context. It never creates one; the
// second return value reports whether a context exists.
func (s *Store) Get(userID string) (Context, bool) {
	s.mu.RLock()
	e, ok := s.entries[userID]
	s.mu.RUnlock()
	if !ok {
		return Context{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return Context{}, false
	}
	return cloneContext(e.ctx), true
}

// Clear removes the user's context entirely. Clearing an absent user is a
// no-op; Clear is idempotent.
func (s *Store) Clear(userID string) {
	s.mu.Lock()
	e, ok := s.entries[userID]
	if ok {
		delete(s.entries, userID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	e.evicted = true
	e.mu.Unlock()
	slog.Info("Cleared dialog context", "userId", userID)
}

// Len reports the number of live contexts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// SweepIdle removes every context whose UpdatedAt is older than cutoff and
// returns the number removed.
//
// # Description
//
// Candidates are collected under the registry read lock, then each is
// re-checked under its own mutex before removal so an in-flight append for
// the same user cannot race with its eviction: either the append lands first
// and refreshes UpdatedAt (the entry survives), or the eviction wins and the
// append re-creates a fresh context.
func (s *Store) SweepIdle(cutoff time.Time) int {
	s.mu.RLock()
	candidates := make([]string, 0)
	for userID, e := range s.entries {
		e.mu.Lock()
		idle := e.ctx.UpdatedAt.Before(cutoff)
		e.mu.Unlock()
		if idle {
			candidates = append(candidates, userID)
		}
	}
	s.mu.RUnlock()

	removed := 0
	for _, userID := range candidates {
		s.mu.Lock()
		e, ok := s.entries[userID]
		if !ok {
			s.mu.Unlock()
			continue
		}
		e.mu.Lock()
		if e.ctx.UpdatedAt.Before(cutoff) {
			e.evicted = true
			delete(s.entries, userID)
			removed++
		}
		e.mu.Unlock()
		s.mu.Unlock()
	}

	if removed > 0 {
		slog.Info("Swept idle dialog contexts", "removed", removed)
	}
	return removed
}

// =============================================================================
// Internal
// =============================================================================

// getOrCreate returns the live entry for userID, creating it if absent.
func (s *Store) getOrCreate(userID string) *entry {
	s.mu.RLock()
	e, ok := s.entries[userID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[userID]; ok {
		return e
	}
	now := time.Now()
	e = &entry{
		ctx: Context{
			UserID:    userID,
			Messages:  make([]Message, 0, 8),
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	s.entries[userID] = e
	slog.Debug("Created dialog context", "userId", userID)
	return e
}

// trimLocked enforces the history limits on ctx. Caller holds the entry lock.
//
// First the message-count cap evicts from the oldest end, then the token
// budget does the same, but never below one message, so the most recent
// turn survives even when it alone exceeds the budget.
func (s *Store) trimLocked(ctx *Context) {
	for len(ctx.Messages) > s.cfg.MaxHistoryMessages {
		ctx.TotalTokens -= ctx.Messages[0].TokenCost
		ctx.Messages = ctx.Messages[1:]
	}
	for ctx.TotalTokens > s.cfg.ContextWindowTokens && len(ctx.Messages) > 1 {
		ctx.TotalTokens -= ctx.Messages[0].TokenCost
		ctx.Messages = ctx.Messages[1:]
	}
}

// cloneContext copies ctx including its message slice so callers never alias
// store-owned memory.
func cloneContext(ctx Context) Context {
	out := ctx
	out.Messages = make([]Message, len(ctx.Messages))
	copy(out.Messages, ctx.Messages)
	return out
}
