// Copyright (C) 2025 CivicStack
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline implements the request-orchestration pipeline at the core
// of the assistant.
//
// A single user query flows through five ordered steps: toxicity check,
// dialog update, retrieval, generation, and reply persistence. Each step can
// short-circuit to a terminal status, and the whole sequence runs under one
// deadline. Every exit path is a Result; the pipeline never raises a fault
// to its caller once constructed.
//
// The pipeline owns no persistent state. It borrows the dialog store, the
// metrics collector, and the capability adapters supplied at construction
// time, so mock and production adapters are interchangeable.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/civicstack/cityassist/services/assistant/dialog"
	"github.com/civicstack/cityassist/services/assistant/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("cityassist.assistant.pipeline")

// ErrNotInitialized is returned when Process is called on a pipeline that
// was not built with New. This signals programmer misuse, not a runtime
// condition; it is deliberately distinct from the four terminal statuses.
var ErrNotInitialized = errors.New("pipeline: not initialized, construct with New before calling Process")

// metadataToxicityReason is the metadata key carrying the checker's reason
// on a toxic block.
const metadataToxicityReason = "toxicity_reason"

// =============================================================================
// Configuration
// =============================================================================

// Config holds pipeline tunables.
//
// # Fields
//
//   - MaxResponseTime: Deadline for the full five-step sequence.
//     Default: 30 seconds.
//   - RetrievalLimit: Number of snippets requested from the retriever.
//     Default: 4.
type Config struct {
	MaxResponseTime time.Duration
	RetrievalLimit  int
}

// DefaultConfig returns the default pipeline tunables.
func DefaultConfig() Config {
	return Config{
		MaxResponseTime: 30 * time.Second,
		RetrievalLimit:  4,
	}
}

func applyConfigDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.MaxResponseTime <= 0 {
		cfg.MaxResponseTime = defaults.MaxResponseTime
	}
	if cfg.RetrievalLimit <= 0 {
		cfg.RetrievalLimit = defaults.RetrievalLimit
	}
	return cfg
}

// Deps bundles the collaborators the pipeline borrows. All fields are
// required.
type Deps struct {
	Toxicity  ToxicityChecker
	Dialogs   *dialog.Store
	Retriever KnowledgeRetriever
	Generator ResponseGenerator
	Metrics   *metrics.Collector
}

// =============================================================================
// Pipeline
// =============================================================================

// Pipeline sequences one user query through the five processing steps.
//
// # Thread Safety
//
// Safe for concurrent use. Calls for different users never block each other;
// calls for the same user serialize only inside the dialog store.
type Pipeline struct {
	cfg   Config
	deps  Deps
	ready bool
}

// New constructs a Pipeline after validating that every collaborator is
// present. Construction is the readiness gate: a pipeline that New returned
// accepts calls, anything else does not.
//
// # Outputs
//
//   - *Pipeline: Ready for Process calls.
//   - error: Non-nil if any dependency is missing.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Toxicity == nil {
		return nil, fmt.Errorf("pipeline: toxicity checker is required")
	}
	if deps.Dialogs == nil {
		return nil, fmt.Errorf("pipeline: dialog store is required")
	}
	if deps.Retriever == nil {
		return nil, fmt.Errorf("pipeline: knowledge retriever is required")
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("pipeline: response generator is required")
	}
	if deps.Metrics == nil {
		return nil, fmt.Errorf("pipeline: metrics collector is required")
	}
	return &Pipeline{
		cfg:   applyConfigDefaults(cfg),
		deps:  deps,
		ready: true,
	}, nil
}

// Process runs one user query through the pipeline.
//
// # Description
//
// Executes the five steps strictly in order under a single deadline:
//
//  1. Toxicity check: a toxic verdict terminates with StatusToxicDetected
//     and the checker's safe response; the query is not appended to dialog.
//  2. Dialog update: the query joins the user's context, which may trim.
//  3. Retrieval: supporting snippets with provenance ids.
//  4. Generation: the reply text and generator metadata.
//  5. Persist reply: the reply joins the context as an assistant message.
//
// Exceeding the deadline yields StatusTimeout with a fixed apology and no
// partial metadata. Any other failure yields StatusError with a fixed
// apology; the originating error text is kept in ErrorMessage for operators
// only. The metrics collector observes every terminal outcome.
//
// # Inputs
//
//   - ctx: Caller context; the configured deadline is layered on top.
//   - userID: The user whose dialog context receives this turn.
//   - query: Raw user text.
//
// # Outputs
//
//   - Result: Always populated with exactly one terminal status.
//   - error: Non-nil only for ErrNotInitialized (programmer misuse).
func (p *Pipeline) Process(ctx context.Context, userID, query string) (Result, error) {
	if p == nil || !p.ready {
		return Result{}, ErrNotInitialized
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.MaxResponseTime)
	defer cancel()

	ctx, span := tracer.Start(ctx, "Pipeline.Process")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	res := p.run(ctx, userID, query, start)

	span.SetAttributes(
		attribute.String("result.status", string(res.Status)),
		attribute.Int64("result.processing_ms", res.ProcessingTime.Milliseconds()),
	)
	if res.Status == StatusError || res.Status == StatusTimeout {
		span.SetStatus(codes.Error, string(res.Status))
	}

	p.deps.Metrics.Record(
		res.Status == StatusSuccess,
		res.Status == StatusToxicDetected,
		res.ProcessingTime,
	)
	return res, nil
}

// run executes the step sequence and converts every failure mode into a
// terminal Result. A panic in an adapter is contained here so the caller
// never sees a fault.
func (p *Pipeline) run(ctx context.Context, userID, query string, start time.Time) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Pipeline step panicked", "userId", userID, "panic", r)
			res = p.failure(ctx, start, fmt.Errorf("step panic: %v", r))
		}
	}()

	// Step 1: toxicity gate.
	verdict, err := p.deps.Toxicity.Analyze(ctx, query)
	if err != nil {
		return p.failure(ctx, start, fmt.Errorf("toxicity check failed: %w", err))
	}
	if verdict.IsToxic {
		slog.Warn("Blocked toxic query",
			"userId", userID,
			"reason", verdict.Reason,
			"confidence", verdict.Confidence,
		)
		return Result{
			Status:         StatusToxicDetected,
			Response:       verdict.SafeResponse,
			ContextUsed:    []string{},
			ProcessingTime: time.Since(start),
			Metadata:       map[string]string{metadataToxicityReason: verdict.Reason},
		}
	}

	// Step 2: dialog update.
	dctx := p.deps.Dialogs.AddUserMessage(userID, query)
	if err := ctx.Err(); err != nil {
		return p.failure(ctx, start, err)
	}

	// Step 3: retrieval.
	snippets, err := p.deps.Retriever.Search(ctx, query, dctx, p.cfg.RetrievalLimit)
	if err != nil {
		return p.failure(ctx, start, fmt.Errorf("retrieval failed: %w", err))
	}

	// Step 4: generation.
	gen, err := p.deps.Generator.Generate(ctx, query, snippets, dctx)
	if err != nil {
		return p.failure(ctx, start, fmt.Errorf("generation failed: %w", err))
	}

	// Step 5: persist the reply.
	p.deps.Dialogs.AddMessage(userID, dialog.RoleAssistant, gen.Text)

	sources := make([]string, 0, len(snippets))
	for _, sn := range snippets {
		sources = append(sources, sn.SourceID)
	}

	md := make(map[string]string, len(gen.Metadata)+1)
	for k, v := range gen.Metadata {
		md[k] = v
	}
	md["retrieved_snippets"] = fmt.Sprintf("%d", len(snippets))

	return Result{
		Status:         StatusSuccess,
		Response:       gen.Text,
		ContextUsed:    sources,
		ProcessingTime: time.Since(start),
		Metadata:       md,
	}
}

// failure maps an error to the TIMEOUT or ERROR terminal state. Only the
// pipeline's own deadline produces TIMEOUT; an adapter deadline inside the
// budget is an ordinary error.
func (p *Pipeline) failure(ctx context.Context, start time.Time, err error) Result {
	elapsed := time.Since(start)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		slog.Warn("Pipeline deadline exceeded", "elapsed", elapsed, "cause", err)
		return Result{
			Status:         StatusTimeout,
			Response:       timeoutResponse,
			ContextUsed:    []string{},
			ProcessingTime: elapsed,
		}
	}

	slog.Error("Pipeline request failed", "error", err)
	return Result{
		Status:         StatusError,
		Response:       errorResponse,
		ContextUsed:    []string{},
		ProcessingTime: elapsed,
		ErrorMessage:   err.Error(),
	}
}
