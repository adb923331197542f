// Copyright (C) 2025 CivicStack
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/civicstack/cityassist/services/assistant/dialog"
)

// Mock capability adapters for lightweight mode and tests. They stand in
// for the real toxicity model, vector store, and LLM while those services
// are developed independently; the pipeline cannot tell the difference.

// Compile-time interface compliance checks.
var (
	_ ToxicityChecker    = (*MockToxicityChecker)(nil)
	_ KnowledgeRetriever = (*MockRetriever)(nil)
	_ ResponseGenerator  = (*MockGenerator)(nil)
)

// =============================================================================
// Mock Toxicity Checker
// =============================================================================

// MockToxicityChecker reports every text as safe.
type MockToxicityChecker struct{}

// NewMockToxicityChecker creates a checker that never blocks.
func NewMockToxicityChecker() *MockToxicityChecker {
	return &MockToxicityChecker{}
}

// Analyze implements ToxicityChecker.
func (m *MockToxicityChecker) Analyze(_ context.Context, _ string) (ToxicityVerdict, error) {
	return ToxicityVerdict{
		IsToxic:    false,
		Confidence: 0.0,
		Reason:     "text is safe",
	}, nil
}

// =============================================================================
// Mock Knowledge Retriever
// =============================================================================

// mockDocument is one canned knowledge-base entry.
type mockDocument struct {
	content  string
	keywords []string
	sourceID string
	docType  string
}

// MockRetriever matches queries against a small canned set of municipal
// service documents by keyword. When nothing matches it returns a leading
// slice of the corpus so the generator always has some material.
type MockRetriever struct {
	docs []mockDocument
}

// NewMockRetriever creates a retriever over the built-in document set.
func NewMockRetriever() *MockRetriever {
	return &MockRetriever{docs: mockDocuments()}
}

// Search implements KnowledgeRetriever.
func (m *MockRetriever) Search(ctx context.Context, query string, _ dialog.Context, limit int) ([]Snippet, error) {
	// Simulate an I/O-bound backend so deadline behavior is realistic.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}

	queryLower := strings.ToLower(query)
	matched := make([]mockDocument, 0, limit)
	for _, doc := range m.docs {
		for _, kw := range doc.keywords {
			if strings.Contains(queryLower, kw) {
				matched = append(matched, doc)
				break
			}
		}
	}
	if len(matched) == 0 {
		matched = m.docs
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}

	snippets := make([]Snippet, 0, len(matched))
	for i, doc := range matched {
		snippets = append(snippets, Snippet{
			Content:  doc.content,
			SourceID: doc.sourceID,
			Score:    1.0 - float64(i)*0.1,
			Metadata: map[string]string{"type": doc.docType, "search_strategy": "mock"},
		})
	}
	return snippets, nil
}

func mockDocuments() []mockDocument {
	return []mockDocument{
		{
			content:  "To obtain a passport, visit a city service center with an application, your birth certificate, and a 3x4 photo.",
			keywords: []string{"passport", "document", "id"},
			sourceID: "city_portal/passports",
			docType:  "passport_info",
		},
		{
			content:  "Housing utility subsidies are available when household income falls below the regional minimum. Income statements are required.",
			keywords: []string{"subsidy", "housing", "utility", "income"},
			sourceID: "city_portal/subsidies",
			docType:  "subsidy_info",
		},
		{
			content:  "Register a newborn at the civil registry office within one month of birth. Bring both parents' identification.",
			keywords: []string{"newborn", "birth", "registry", "register"},
			sourceID: "city_portal/civil_registry",
			docType:  "registry_info",
		},
		{
			content:  "Parking permits for residents are issued online through the city portal. Processing takes up to five working days.",
			keywords: []string{"parking", "permit", "car"},
			sourceID: "city_portal/parking",
			docType:  "parking_info",
		},
	}
}

// =============================================================================
// Mock Response Generator
// =============================================================================

// MockGenerator produces a canned reply keyed on the query, echoing the
// first retrieved snippet when one is available.
type MockGenerator struct{}

// NewMockGenerator creates the canned generator.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{}
}

// Generate implements ResponseGenerator.
func (m *MockGenerator) Generate(ctx context.Context, query string, snippets []Snippet, _ dialog.Context) (Generation, error) {
	// Simulate model latency.
	select {
	case <-ctx.Done():
		return Generation{}, ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}

	queryLower := strings.ToLower(query)
	text := "I can help you with questions about municipal services."
	switch {
	case strings.Contains(queryLower, "passport"):
		text = "To get a passport, visit your nearest city service center with the required documents."
	case strings.Contains(queryLower, "subsidy"):
		text = "Information about housing utility subsidies is available on the city services portal."
	case len(snippets) > 0:
		text = "Here is what I found: " + snippets[0].Content
	}

	return Generation{
		Text: text,
		Metadata: map[string]string{
			"model":       "mock",
			"tokens_used": "50",
		},
	}, nil
}
