// Copyright (C) 2025 CivicStack
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package toxicity screens incoming messages before they reach the
// retrieval and generation stages. Detection is rule based: a fixed set
// of compiled category patterns plus an operator-configurable list of
// blocked phrases. It is intentionally cheap so it can run on every
// request without a model call.
package toxicity

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"strings"
	"sync"

	"github.com/civicstack/cityassist/services/assistant/pipeline"
)

// =============================================================================
// Configuration
// =============================================================================

// FilterConfig tunes the rule-based screen.
type FilterConfig struct {
	// BlockedPhrases are matched as case-insensitive substrings in
	// addition to the built-in category patterns.
	BlockedPhrases []string

	// SafeResponses are returned to blocked users in rotation. When
	// empty the built-in set is used.
	SafeResponses []string
}

// DefaultFilterConfig returns the configuration used when the operator
// supplies none.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		BlockedPhrases: nil,
		SafeResponses:  nil,
	}
}

func applyFilterDefaults(cfg *FilterConfig) {
	if len(cfg.SafeResponses) == 0 {
		cfg.SafeResponses = []string{
			"I'm sorry, I can't respond to that message.",
			"Let's keep the conversation about city services.",
			"I'm here to help with official municipal information.",
		}
	}
}

// =============================================================================
// Filter
// =============================================================================

// categoryPatterns are the built-in detectors, keyed by category name.
// The category name is reported in the verdict reason so operators can
// see which rule fired without logging the message itself.
var categoryPatterns = map[string]*regexp.Regexp{
	"insults":   regexp.MustCompile(`(?i)\b(idiot|moron|stupid|dumbass|loser)\b`),
	"profanity": regexp.MustCompile(`(?i)\b(fuck\w*|shit\w*|bitch\w*|asshole)\b`),
	"threats":   regexp.MustCompile(`(?i)\b(kill you|hurt you|beat you|burn down|blow up)\b`),
	"extremism": regexp.MustCompile(`(?i)\b(terrorism|terrorist attack)\b`),
}

// matchWeight converts a match count into a confidence score. The score
// saturates at 1.0.
const matchWeight = 0.3

// Filter is a rule-based implementation of pipeline.ToxicityChecker.
//
// # Thread Safety
//
// Safe for concurrent use. The pattern table is immutable after
// construction; the response rotation uses its own locked source.
type Filter struct {
	blockedPhrases []string
	safeResponses  []string

	mu  sync.Mutex
	rng *rand.Rand
}

var _ pipeline.ToxicityChecker = (*Filter)(nil)

// NewFilter builds a Filter from cfg, applying defaults for any unset
// fields.
func NewFilter(cfg FilterConfig) *Filter {
	applyFilterDefaults(&cfg)

	phrases := make([]string, 0, len(cfg.BlockedPhrases))
	for _, p := range cfg.BlockedPhrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			phrases = append(phrases, p)
		}
	}

	return &Filter{
		blockedPhrases: phrases,
		safeResponses:  cfg.SafeResponses,
		rng:            rand.New(rand.NewSource(rand.Int63())),
	}
}

// Analyze screens text against the category patterns and the blocked
// phrase list.
//
// # Outputs
//
//   - pipeline.ToxicityVerdict: IsToxic is true when any rule matched.
//     Confidence grows with the number of distinct matches and
//     saturates at 1.0. SafeResponse is always populated so callers
//     can reply without a second lookup.
//   - error: always nil; the signature carries it for implementations
//     backed by remote classifiers.
func (f *Filter) Analyze(ctx context.Context, text string) (pipeline.ToxicityVerdict, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.ToxicityVerdict{}, err
	}

	lowered := strings.ToLower(text)
	matches := f.matchCategories(lowered)
	matches = append(matches, f.matchPhrases(lowered)...)

	verdict := pipeline.ToxicityVerdict{
		IsToxic:      len(matches) > 0,
		Confidence:   confidence(len(matches)),
		Reason:       "text is safe",
		SafeResponse: f.pickSafeResponse(),
	}
	if verdict.IsToxic {
		verdict.Reason = fmt.Sprintf("inappropriate content detected: %s", strings.Join(matches, ", "))
		slog.Warn("Message blocked by toxicity filter",
			"matches", len(matches),
			"confidence", verdict.Confidence)
	}
	return verdict, nil
}

func (f *Filter) matchCategories(lowered string) []string {
	var matches []string
	for name, pattern := range categoryPatterns {
		if pattern.MatchString(lowered) {
			matches = append(matches, name)
		}
	}
	return matches
}

func (f *Filter) matchPhrases(lowered string) []string {
	var matches []string
	for _, phrase := range f.blockedPhrases {
		if strings.Contains(lowered, phrase) {
			matches = append(matches, "phrase: "+phrase)
		}
	}
	return matches
}

func (f *Filter) pickSafeResponse() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.safeResponses[f.rng.Intn(len(f.safeResponses))]
}

func confidence(matchCount int) float64 {
	c := float64(matchCount) * matchWeight
	if c > 1.0 {
		return 1.0
	}
	return c
}
