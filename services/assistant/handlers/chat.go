// Copyright (C) 2025 CivicStack
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the HTTP layer of the assistant service.
// Handlers validate input, delegate to the pipeline or the dialog
// store, and translate results to JSON. They never contain domain
// logic of their own.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/civicstack/cityassist/services/assistant/dialog"
	"github.com/civicstack/cityassist/services/assistant/metrics"
	"github.com/civicstack/cityassist/services/assistant/pipeline"
)

var chatTracer = otel.Tracer("cityassist.assistant.handlers")

// =============================================================================
// Request Validation
// =============================================================================

// MaxQueryBytes caps a single chat query. The limit is a byte count,
// not a rune count, to bound memory on hostile payloads.
const MaxQueryBytes = 32 * 1024

var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxQueryBytes
}

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
	Query  string `json:"query" validate:"required,maxbytes"`
}

// ChatResponse mirrors pipeline.Result with a request ID for audit
// correlation.
type ChatResponse struct {
	RequestID      string            `json:"request_id"`
	Status         pipeline.Status   `json:"status"`
	Response       string            `json:"response"`
	ContextUsed    []string          `json:"context_used"`
	ProcessingTime float64           `json:"processing_time_seconds"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// =============================================================================
// Handlers
// =============================================================================

// HandleChat runs a query through the pipeline and returns the terminal
// result. Every outcome the pipeline produces maps to HTTP 200; only
// malformed requests and pipeline preconditions are HTTP errors.
func HandleChat(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleChat")
		defer span.End()

		var req ChatRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := chatValidate.Struct(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		requestID := uuid.NewString()
		slog.Info("Chat request accepted", "requestId", requestID, "userId", req.UserID)

		result, err := p.Process(ctx, req.UserID, req.Query)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Pipeline rejected request", "requestId", requestID, "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service not ready"})
			return
		}

		c.JSON(http.StatusOK, ChatResponse{
			RequestID:      requestID,
			Status:         result.Status,
			Response:       result.Response,
			ContextUsed:    result.ContextUsed,
			ProcessingTime: result.ProcessingTime.Seconds(),
			Metadata:       result.Metadata,
		})
	}
}

// HandleHealth reports service liveness plus the aggregate request
// statistics from the metrics collector.
func HandleHealth(collector *metrics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := collector.HealthReport()
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"time":    time.Now().UTC().Format(time.RFC3339),
			"metrics": report,
		})
	}
}

// DialogResponse is the body of GET /v1/dialogs/:userId.
type DialogResponse struct {
	UserID      string           `json:"user_id"`
	Messages    []dialog.Message `json:"messages"`
	TotalTokens int              `json:"total_tokens"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// HandleGetDialog returns the stored dialog context for a user, or 404
// when the user has no active dialog.
func HandleGetDialog(store *dialog.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("userId")
		dctx, ok := store.Get(userID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no dialog for user"})
			return
		}
		c.JSON(http.StatusOK, DialogResponse{
			UserID:      dctx.UserID,
			Messages:    dctx.Messages,
			TotalTokens: dctx.TotalTokens,
			UpdatedAt:   dctx.UpdatedAt,
		})
	}
}

// HandleClearDialog drops a user's dialog context. Clearing an absent
// dialog is not an error; the operation is idempotent.
func HandleClearDialog(store *dialog.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("userId")
		store.Clear(userID)
		slog.Info("Dialog cleared", "userId", userID)
		c.JSON(http.StatusOK, gin.H{"status": "cleared"})
	}
}
