// Copyright (C) 2025 CivicStack
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package assistant

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicstack/cityassist/services/assistant/handlers"
	"github.com/civicstack/cityassist/services/assistant/pipeline"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestNew_DefaultsToMockBackends(t *testing.T) {
	svc, err := New(DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, svc.Router())
	require.NotNil(t, svc.Pipeline())
}

func TestNew_RejectsUnknownBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GeneratorBackend = "quantum"

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestNew_OpenAIBackendNeedsKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfg := DefaultConfig()
	cfg.GeneratorBackend = "openai"

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestService_EndToEndChat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxResponseTime = 5 * time.Second
	svc, err := New(cfg)
	require.NoError(t, err)

	body, _ := json.Marshal(handlers.ChatRequest{
		UserID: "resident-1",
		Query:  "How do I apply for a housing subsidy?",
	})
	req := httptest.NewRequest("POST", "/v1/chat", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp handlers.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, pipeline.StatusSuccess, resp.Status)
	assert.NotEmpty(t, resp.Response)
	assert.NotEmpty(t, resp.ContextUsed)

	// The dialog endpoint sees the stored exchange.
	req = httptest.NewRequest("GET", "/v1/dialogs/resident-1", nil)
	w = httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var dresp handlers.DialogResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dresp))
	assert.Len(t, dresp.Messages, 2)
}

func TestService_BlockedPhraseConfigReachesFilter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlockedPhrases = []string{"shut this office down"}
	svc, err := New(cfg)
	require.NoError(t, err)

	res, err := svc.Pipeline().Process(t.Context(), "resident-2", "I will shut this office down")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusToxicDetected, res.Status)
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	applyConfigDefaults(&cfg)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "mock", cfg.GeneratorBackend)
	assert.Positive(t, cfg.MaxHistoryMessages)
	assert.Positive(t, cfg.ContextWindowTokens)
	assert.Positive(t, cfg.SessionTimeout)
	assert.Positive(t, cfg.SweepInterval)
	assert.Positive(t, cfg.MaxResponseTime)
	assert.Positive(t, cfg.RetrievalLimit)
}
