// Copyright (C) 2025 CivicStack
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package generator produces assistant replies from retrieved knowledge
// and the user's recent dialog. The OpenAI implementation works against
// any OpenAI-compatible endpoint, including local gateways, so operators
// can swap the model without a code change.
package generator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/civicstack/cityassist/services/assistant/dialog"
	"github.com/civicstack/cityassist/services/assistant/pipeline"
	openai "github.com/sashabaranov/go-openai"
)

// =============================================================================
// Configuration
// =============================================================================

// systemPrompt anchors the model in the municipal-services persona and
// instructs it to stay within the provided documents.
const systemPrompt = "You are CityAssist, an assistant for municipal services. " +
	"Answer using only the reference documents provided. If the documents " +
	"do not cover the question, say so and suggest contacting the service " +
	"center. Be concise and factual."

// historyTurns is how many recent dialog messages are replayed to the
// model for conversational continuity.
const historyTurns = 6

// OpenAIConfig configures the OpenAI-backed generator.
type OpenAIConfig struct {
	// APIKey authenticates against the endpoint. When empty the
	// OPENAI_API_KEY environment variable is consulted.
	APIKey string

	// Model names the chat model, e.g. "gpt-4o-mini".
	Model string

	// BaseURL overrides the API endpoint for OpenAI-compatible
	// gateways. Empty means the official OpenAI endpoint.
	BaseURL string

	// Temperature for sampling. Zero keeps the provider default.
	Temperature float32
}

func applyOpenAIDefaults(cfg *OpenAIConfig) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
		slog.Warn("Generator model not set, defaulting to gpt-4o-mini")
	}
}

// =============================================================================
// Generator
// =============================================================================

// OpenAIGenerator implements pipeline.ResponseGenerator on top of the
// OpenAI chat completion API.
type OpenAIGenerator struct {
	client      *openai.Client
	model       string
	temperature float32
}

var _ pipeline.ResponseGenerator = (*OpenAIGenerator)(nil)

// NewOpenAIGenerator builds a generator from cfg.
//
// # Outputs
//
//   - *OpenAIGenerator: ready to serve Generate calls.
//   - error: non-nil when no API key is available.
func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	applyOpenAIDefaults(&cfg)
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key not configured")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	slog.Info("Initializing OpenAI generator", "model", cfg.Model, "baseUrl", cfg.BaseURL)
	return &OpenAIGenerator{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}, nil
}

// Generate produces a reply grounded in snippets, replaying the tail of
// the user's dialog for continuity.
func (g *OpenAIGenerator) Generate(ctx context.Context, query string, snippets []pipeline.Snippet, dctx dialog.Context) (pipeline.Generation, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    buildMessages(query, snippets, dctx),
		Temperature: g.temperature,
	})
	if err != nil {
		slog.Error("Chat completion failed", "error", err)
		return pipeline.Generation{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return pipeline.Generation{}, fmt.Errorf("chat completion returned no choices")
	}

	return pipeline.Generation{
		Text: resp.Choices[0].Message.Content,
		Metadata: map[string]string{
			"model":       g.model,
			"tokens_used": strconv.Itoa(resp.Usage.TotalTokens),
		},
	}, nil
}

// buildMessages assembles the chat transcript sent to the model: the
// persona, the reference block, the recent dialog tail, then the query.
func buildMessages(query string, snippets []pipeline.Snippet, dctx dialog.Context) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, historyTurns+3)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})

	if ref := formatSnippets(snippets); ref != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: ref,
		})
	}

	// Replay recent turns, excluding the current query which the store
	// has already recorded.
	history := dctx.Messages
	if len(history) > 0 && history[len(history)-1].Content == query {
		history = history[:len(history)-1]
	}
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Role == dialog.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	return append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: query,
	})
}

// formatSnippets renders retrieved documents as a numbered reference
// block for the system context.
func formatSnippets(snippets []pipeline.Snippet) string {
	if len(snippets) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Reference documents:\n")
	for i, sn := range snippets {
		fmt.Fprintf(&b, "[%d] (%s) %s\n", i+1, sn.SourceID, sn.Content)
	}
	return b.String()
}
