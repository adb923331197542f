// Copyright (C) 2025 CivicStack
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dialog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Expiry Sweeper
// =============================================================================

// SweeperConfig holds configuration for the background expiry sweeper.
//
// # Fields
//
//   - Interval: How often to run a sweep. Default: 5 minutes.
//   - IdleTimeout: Idle age after which a context becomes eligible for
//     eviction. Default: 30 minutes.
type SweeperConfig struct {
	Interval    time.Duration
	IdleTimeout time.Duration
}

// DefaultSweeperConfig returns the default sweep schedule.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:    5 * time.Minute,
		IdleTimeout: 30 * time.Minute,
	}
}

// Sweeper periodically evicts idle dialog contexts from a Store.
//
// # Description
//
// Sweeper runs a long-lived background goroutine on a fixed schedule using
// the ticker + done channel pattern. Eviction is advisory housekeeping: a
// context may be used once more after becoming eligible if the sweep has not
// yet run. A failure in one sweep iteration is logged and does not stop
// future iterations.
//
// # Thread Safety
//
// All public methods are thread-safe.
type Sweeper struct {
	store  *Store
	config SweeperConfig

	mu      sync.Mutex
	done    chan struct{}
	running bool
}

// NewSweeper creates a sweeper over the given store. Zero config fields fall
// back to DefaultSweeperConfig values.
//
// # Examples
//
//	sweeper := dialog.NewSweeper(store, dialog.DefaultSweeperConfig())
//	if err := sweeper.Start(ctx); err != nil {
//	    return err
//	}
//	defer sweeper.Stop()
func NewSweeper(store *Store, config SweeperConfig) *Sweeper {
	defaults := DefaultSweeperConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	return &Sweeper{
		store:  store,
		config: config,
		done:   make(chan struct{}),
	}
}

// Start begins the background sweep loop.
//
// # Outputs
//
//   - error: Non-nil if the sweeper is already running.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper is already running")
	}
	s.running = true
	s.done = make(chan struct{}) // Reset done channel for potential restart
	s.mu.Unlock()

	slog.Info("Dialog expiry sweeper starting",
		"interval", s.config.Interval.String(),
		"idle_timeout", s.config.IdleTimeout.String(),
	)

	go s.runLoop(ctx)
	return nil
}

// Stop signals the sweep loop to exit. Safe to call multiple times.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil // Already stopped
	}

	slog.Info("Dialog expiry sweeper stopping")
	close(s.done)
	s.running = false
	return nil
}

// RunNow performs a single sweep immediately, outside the schedule, and
// returns the number of contexts evicted. Useful for tests and manual
// invocation.
func (s *Sweeper) RunNow() int {
	return s.store.SweepIdle(time.Now().Add(-s.config.IdleTimeout))
}

// runLoop is the sweeper goroutine. It runs until stopped or the context is
// cancelled.
func (s *Sweeper) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Dialog expiry sweeper stopped (context cancelled)")
			return
		case <-s.done:
			slog.Info("Dialog expiry sweeper stopped (stop requested)")
			return
		case <-ticker.C:
			s.executeSweep()
		}
	}
}

// executeSweep runs one sweep iteration with fault isolation. A panic here
// is contained so one bad iteration cannot kill the loop.
func (s *Sweeper) executeSweep() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dialog sweep iteration failed", "panic", r)
		}
	}()

	removed := s.RunNow()
	if removed > 0 {
		slog.Info("Dialog sweep completed", "evicted", removed)
	} else {
		slog.Debug("Dialog sweep completed (no idle contexts)")
	}
}
