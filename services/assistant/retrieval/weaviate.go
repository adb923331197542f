// Copyright (C) 2025 CivicStack
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval finds knowledge-base documents relevant to a user
// query. The Weaviate implementation runs BM25 keyword search over the
// CityDocument class; no embedding service is required.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/civicstack/cityassist/services/assistant/dialog"
	"github.com/civicstack/cityassist/services/assistant/pipeline"
)

var tracer = otel.Tracer("cityassist.assistant.retrieval")

// DocumentClassName is the Weaviate class holding the municipal
// knowledge base.
const DocumentClassName = "CityDocument"

// =============================================================================
// Client Construction
// =============================================================================

// NewClient builds a Weaviate client from a service URL.
//
// # Inputs
//
//   - rawURL: e.g. "http://weaviate:8080". Quotes and whitespace are
//     trimmed in case the deployment passes them literally.
//
// # Outputs
//
//   - *weaviate.Client: nil when rawURL is empty or unusable; callers
//     treat nil as lightweight mode and fall back to the mock
//     retriever.
func NewClient(rawURL string) *weaviate.Client {
	rawURL = strings.Trim(rawURL, "\"' ")
	if rawURL == "" || !strings.Contains(rawURL, "http") {
		slog.Info("Knowledge base URL not set. Running in lightweight mode.")
		return nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		slog.Warn("Knowledge base URL is invalid. Running in lightweight mode.",
			"url", rawURL, "error", err)
		return nil
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		slog.Error("Failed to create Weaviate client", "error", err)
		return nil
	}
	return client
}

// =============================================================================
// Retriever
// =============================================================================

// WeaviateRetriever implements pipeline.KnowledgeRetriever with BM25
// keyword search against the CityDocument class.
//
// # Thread Safety
//
// Safe for concurrent use. The underlying Weaviate client handles
// connection pooling.
type WeaviateRetriever struct {
	client *weaviate.Client
}

var _ pipeline.KnowledgeRetriever = (*WeaviateRetriever)(nil)

// NewWeaviateRetriever wraps an existing client. The client must be
// non-nil; use NewClient to construct one.
func NewWeaviateRetriever(client *weaviate.Client) (*WeaviateRetriever, error) {
	if client == nil {
		return nil, fmt.Errorf("weaviate client is required")
	}
	return &WeaviateRetriever{client: client}, nil
}

// Search runs a BM25 query and returns up to limit snippets, best
// match first.
//
// # Outputs
//
//   - []pipeline.Snippet: empty when nothing matched; SourceID carries
//     the document's provenance for citation.
//   - error: non-nil on transport or query failure. Callers decide
//     whether a failed search degrades or aborts the request.
func (r *WeaviateRetriever) Search(ctx context.Context, query string, dctx dialog.Context, limit int) ([]pipeline.Snippet, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("retrieval.class", DocumentClassName),
		attribute.Int("retrieval.limit", limit),
	)

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
		{Name: "category"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "score"},
		}},
	}

	result, err := r.client.GraphQL().Get().
		WithClassName(DocumentClassName).
		WithFields(fields...).
		WithBM25(r.client.GraphQL().Bm25ArgBuilder().WithQuery(query)).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		slog.Error("Knowledge base search failed", "error", err)
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search error: %s", result.Errors[0].Message)
	}

	data := make(map[string]interface{}, len(result.Data))
	for k, v := range result.Data {
		data[k] = v
	}
	snippets := parseSearchResults(data)
	slog.Debug("Knowledge base search completed", "query_len", len(query), "results", len(snippets))
	return snippets, nil
}

// parseSearchResults walks the GraphQL response shape
// Data["Get"][DocumentClassName] and converts each object to a Snippet.
// Malformed entries are skipped.
func parseSearchResults(data map[string]interface{}) []pipeline.Snippet {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return []pipeline.Snippet{}
	}
	objects, ok := get[DocumentClassName].([]interface{})
	if !ok {
		return []pipeline.Snippet{}
	}

	snippets := make([]pipeline.Snippet, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		sn := pipeline.Snippet{
			Content:  getString(m, "content"),
			SourceID: getString(m, "source"),
			Score:    getScore(m),
		}
		if category := getString(m, "category"); category != "" {
			sn.Metadata = map[string]string{"category": category}
		}
		snippets = append(snippets, sn)
	}
	return snippets
}

// getString safely extracts a string from a result object.
func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// getScore reads the BM25 score from the _additional block. Weaviate
// returns it as a string.
func getScore(m map[string]interface{}) float64 {
	additional, ok := m["_additional"].(map[string]interface{})
	if !ok {
		return 0
	}
	switch v := additional["score"].(type) {
	case float64:
		return v
	case string:
		var score float64
		if _, err := fmt.Sscanf(v, "%g", &score); err == nil {
			return score
		}
	}
	return 0
}
