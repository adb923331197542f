// Copyright (C) 2025 CivicStack
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package generator

import (
	"strings"
	"testing"
	"time"

	"github.com/civicstack/cityassist/services/assistant/dialog"
	"github.com/civicstack/cityassist/services/assistant/pipeline"
	openai "github.com/sashabaranov/go-openai"
)

func msg(role dialog.Role, content string) dialog.Message {
	return dialog.Message{Role: role, Content: content, CreatedAt: time.Now()}
}

func TestBuildMessages_Structure(t *testing.T) {
	snippets := []pipeline.Snippet{
		{Content: "Passports are issued at the service center.", SourceID: "kb/passports"},
	}
	dctx := dialog.Context{
		UserID: "user-1",
		Messages: []dialog.Message{
			msg(dialog.RoleUser, "hello"),
			msg(dialog.RoleAssistant, "hi, how can I help?"),
			msg(dialog.RoleUser, "where do I get a passport?"),
		},
	}

	messages := buildMessages("where do I get a passport?", snippets, dctx)

	if messages[0].Role != openai.ChatMessageRoleSystem {
		t.Fatalf("first message must be the persona, got role %q", messages[0].Role)
	}
	if messages[1].Role != openai.ChatMessageRoleSystem ||
		!strings.Contains(messages[1].Content, "kb/passports") {
		t.Errorf("second message must be the reference block, got %+v", messages[1])
	}

	last := messages[len(messages)-1]
	if last.Role != openai.ChatMessageRoleUser || last.Content != "where do I get a passport?" {
		t.Errorf("query must be last, got %+v", last)
	}

	// The current query was already appended to the stored dialog; the
	// replayed history must not duplicate it.
	var queryCount int
	for _, m := range messages {
		if m.Content == "where do I get a passport?" {
			queryCount++
		}
	}
	if queryCount != 1 {
		t.Errorf("query appears %d times, want 1", queryCount)
	}
}

func TestBuildMessages_TruncatesHistory(t *testing.T) {
	var history []dialog.Message
	for i := 0; i < 20; i++ {
		history = append(history, msg(dialog.RoleUser, "old question"))
		history = append(history, msg(dialog.RoleAssistant, "old answer"))
	}
	dctx := dialog.Context{UserID: "user-1", Messages: history}

	messages := buildMessages("new question", nil, dctx)

	// Persona + at most historyTurns replayed + the query. No reference
	// block because there are no snippets.
	want := 1 + historyTurns + 1
	if len(messages) != want {
		t.Errorf("got %d messages, want %d", len(messages), want)
	}
}

func TestBuildMessages_EmptyDialog(t *testing.T) {
	messages := buildMessages("first contact", nil, dialog.Context{UserID: "user-1"})

	if len(messages) != 2 {
		t.Fatalf("got %d messages, want persona plus query", len(messages))
	}
	if messages[1].Content != "first contact" {
		t.Errorf("unexpected query message %+v", messages[1])
	}
}

func TestFormatSnippets(t *testing.T) {
	if formatSnippets(nil) != "" {
		t.Error("no snippets must yield an empty reference block")
	}

	block := formatSnippets([]pipeline.Snippet{
		{Content: "doc one", SourceID: "kb/one"},
		{Content: "doc two", SourceID: "kb/two"},
	})
	for _, want := range []string{"[1] (kb/one) doc one", "[2] (kb/two) doc two"} {
		if !strings.Contains(block, want) {
			t.Errorf("reference block missing %q:\n%s", want, block)
		}
	}
}

func TestNewOpenAIGenerator_RequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	if _, err := NewOpenAIGenerator(OpenAIConfig{}); err == nil {
		t.Error("expected error when no API key is configured")
	}

	g, err := NewOpenAIGenerator(OpenAIConfig{APIKey: "test-key", Model: "test-model"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.model != "test-model" {
		t.Errorf("model not threaded through, got %q", g.model)
	}
}
