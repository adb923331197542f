// Copyright (C) 2025 CivicStack
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"

	"github.com/civicstack/cityassist/services/assistant/dialog"
)

// =============================================================================
// Capability Adapter Contracts
// =============================================================================

// ToxicityVerdict is the result of analyzing one piece of user text.
//
// # Fields
//
//   - IsToxic: Whether the text should be blocked.
//   - Confidence: Heuristic confidence in [0, 1].
//   - Reason: Human-readable reason for the verdict.
//   - SafeResponse: Canned reply shown instead of a generated answer when
//     IsToxic is true.
type ToxicityVerdict struct {
	IsToxic      bool
	Confidence   float64
	Reason       string
	SafeResponse string
}

// ToxicityChecker is the content-safety gate the pipeline consults before
// any other step.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ToxicityChecker interface {
	// Analyze inspects raw user text and returns a verdict. An error means
	// the checker itself failed, not that the text is toxic.
	Analyze(ctx context.Context, text string) (ToxicityVerdict, error)
}

// Snippet is one retrieved supporting document chunk with provenance.
type Snippet struct {
	Content  string
	SourceID string
	Score    float64
	Metadata map[string]string
}

// KnowledgeRetriever finds supporting material for a query.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type KnowledgeRetriever interface {
	// Search returns up to limit snippets ordered by relevance. The dialog
	// context lets implementations bias retrieval toward the conversation.
	Search(ctx context.Context, query string, dctx dialog.Context, limit int) ([]Snippet, error)
}

// Generation is the output of the response generator.
type Generation struct {
	Text     string
	Metadata map[string]string
}

// ResponseGenerator produces the assistant's reply from the query, retrieved
// snippets, and dialog context.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ResponseGenerator interface {
	Generate(ctx context.Context, query string, snippets []Snippet, dctx dialog.Context) (Generation, error)
}
