// Copyright (C) 2025 CivicStack
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/civicstack/cityassist/services/assistant/dialog"
	"github.com/civicstack/cityassist/services/assistant/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Doubles
// =============================================================================

type checkerFunc func(ctx context.Context, text string) (ToxicityVerdict, error)

func (f checkerFunc) Analyze(ctx context.Context, text string) (ToxicityVerdict, error) {
	return f(ctx, text)
}

type retrieverFunc func(ctx context.Context, query string, dctx dialog.Context, limit int) ([]Snippet, error)

func (f retrieverFunc) Search(ctx context.Context, query string, dctx dialog.Context, limit int) ([]Snippet, error) {
	return f(ctx, query, dctx, limit)
}

type generatorFunc func(ctx context.Context, query string, snippets []Snippet, dctx dialog.Context) (Generation, error)

func (f generatorFunc) Generate(ctx context.Context, query string, snippets []Snippet, dctx dialog.Context) (Generation, error) {
	return f(ctx, query, snippets, dctx)
}

// testDeps returns working mock-backed dependencies plus the store and
// collector for assertions.
func testDeps() (Deps, *dialog.Store, *metrics.Collector) {
	store := dialog.NewStore(dialog.DefaultStoreConfig())
	collector := metrics.NewCollector(nil)
	return Deps{
		Toxicity:  NewMockToxicityChecker(),
		Dialogs:   store,
		Retriever: NewMockRetriever(),
		Generator: NewMockGenerator(),
		Metrics:   collector,
	}, store, collector
}

func mustPipeline(t *testing.T, cfg Config, deps Deps) *Pipeline {
	t.Helper()
	p, err := New(cfg, deps)
	require.NoError(t, err)
	return p
}

// =============================================================================
// Construction and Preconditions
// =============================================================================

func TestNew_RequiresAllDeps(t *testing.T) {
	deps, _, _ := testDeps()

	cases := []struct {
		name   string
		mutate func(*Deps)
	}{
		{"toxicity", func(d *Deps) { d.Toxicity = nil }},
		{"dialogs", func(d *Deps) { d.Dialogs = nil }},
		{"retriever", func(d *Deps) { d.Retriever = nil }},
		{"generator", func(d *Deps) { d.Generator = nil }},
		{"metrics", func(d *Deps) { d.Metrics = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			broken := deps
			tc.mutate(&broken)
			_, err := New(DefaultConfig(), broken)
			assert.Error(t, err)
		})
	}
}

func TestProcess_BeforeInitializationIsPreconditionError(t *testing.T) {
	var uninitialized Pipeline

	_, err := uninitialized.Process(context.Background(), "user-1", "hi")

	require.ErrorIs(t, err, ErrNotInitialized)

	var nilPipeline *Pipeline
	_, err = nilPipeline.Process(context.Background(), "user-1", "hi")
	require.ErrorIs(t, err, ErrNotInitialized)
}

// =============================================================================
// Happy Path
// =============================================================================

func TestProcess_FreshUserShortMessage(t *testing.T) {
	deps, store, _ := testDeps()
	p := mustPipeline(t, DefaultConfig(), deps)

	res, err := p.Process(context.Background(), "user-1", "Hi")

	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.NotEmpty(t, res.Response)
	assert.Empty(t, res.ErrorMessage)

	// User turn plus assistant reply were both persisted.
	ctx, ok := store.Get("user-1")
	require.True(t, ok)
	require.Len(t, ctx.Messages, 2)
	assert.Equal(t, dialog.RoleUser, ctx.Messages[0].Role)
	assert.Equal(t, "Hi", ctx.Messages[0].Content)
	assert.Equal(t, dialog.RoleAssistant, ctx.Messages[1].Role)
	assert.Equal(t, res.Response, ctx.Messages[1].Content)
}

func TestProcess_SuccessCarriesProvenanceAndMetadata(t *testing.T) {
	deps, _, _ := testDeps()
	deps.Retriever = retrieverFunc(func(_ context.Context, _ string, _ dialog.Context, _ int) ([]Snippet, error) {
		return []Snippet{
			{Content: "doc one", SourceID: "kb/one", Score: 0.9},
			{Content: "doc two", SourceID: "kb/two", Score: 0.8},
		}, nil
	})
	p := mustPipeline(t, DefaultConfig(), deps)

	res, err := p.Process(context.Background(), "user-1", "how do I get a passport")

	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, []string{"kb/one", "kb/two"}, res.ContextUsed)
	assert.Equal(t, "mock", res.Metadata["model"])
	assert.Equal(t, "2", res.Metadata["retrieved_snippets"])
}

// =============================================================================
// Toxic Block
// =============================================================================

func TestProcess_ToxicShortCircuits(t *testing.T) {
	deps, store, _ := testDeps()
	deps.Toxicity = checkerFunc(func(_ context.Context, _ string) (ToxicityVerdict, error) {
		return ToxicityVerdict{
			IsToxic:      true,
			Confidence:   0.9,
			Reason:       "blocked phrase",
			SafeResponse: "I cannot respond to that message.",
		}, nil
	})
	p := mustPipeline(t, DefaultConfig(), deps)

	res, err := p.Process(context.Background(), "user-1", "something hostile")

	require.NoError(t, err)
	assert.Equal(t, StatusToxicDetected, res.Status)
	assert.Equal(t, "I cannot respond to that message.", res.Response)
	assert.Equal(t, []string{}, res.ContextUsed)
	assert.Equal(t, "blocked phrase", res.Metadata["toxicity_reason"])

	// The blocked query never reaches the dialog store.
	_, ok := store.Get("user-1")
	assert.False(t, ok)
}

// =============================================================================
// Timeout
// =============================================================================

func TestProcess_GeneratorStallYieldsTimeout(t *testing.T) {
	deps, store, _ := testDeps()
	deps.Generator = generatorFunc(func(ctx context.Context, _ string, _ []Snippet, _ dialog.Context) (Generation, error) {
		<-ctx.Done() // Stall until the pipeline deadline cancels us.
		return Generation{}, ctx.Err()
	})
	p := mustPipeline(t, Config{MaxResponseTime: time.Second}, deps)

	start := time.Now()
	res, err := p.Process(context.Background(), "user-1", "slow question")
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, res.Status)
	assert.Equal(t, timeoutResponse, res.Response)
	assert.Nil(t, res.Metadata, "timeout must not carry partial metadata")
	// Bounded margin around the 1s budget.
	assert.Less(t, elapsed, 2*time.Second)
	assert.GreaterOrEqual(t, elapsed, time.Second)

	// The user's message was persisted in step 2, the reply never was.
	ctx, ok := store.Get("user-1")
	require.True(t, ok)
	require.Len(t, ctx.Messages, 1)
	assert.Equal(t, dialog.RoleUser, ctx.Messages[0].Role)
}

func TestProcess_AdapterDeadlineInsideBudgetIsError(t *testing.T) {
	deps, _, _ := testDeps()
	deps.Retriever = retrieverFunc(func(_ context.Context, _ string, _ dialog.Context, _ int) ([]Snippet, error) {
		// The adapter's own internal deadline fired; the pipeline budget
		// has plenty left, so this is an ordinary failure.
		return nil, context.DeadlineExceeded
	})
	p := mustPipeline(t, Config{MaxResponseTime: 10 * time.Second}, deps)

	res, err := p.Process(context.Background(), "user-1", "question")

	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
}

// =============================================================================
// Errors and Fault Containment
// =============================================================================

func TestProcess_AdapterErrorYieldsErrorStatus(t *testing.T) {
	deps, _, _ := testDeps()
	deps.Retriever = retrieverFunc(func(_ context.Context, _ string, _ dialog.Context, _ int) ([]Snippet, error) {
		return nil, errors.New("vector store unreachable")
	})
	p := mustPipeline(t, DefaultConfig(), deps)

	res, err := p.Process(context.Background(), "user-1", "question")

	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, errorResponse, res.Response, "raw adapter error must not reach the user")
	assert.Contains(t, res.ErrorMessage, "vector store unreachable")
}

func TestProcess_PanickingAdapterIsContained(t *testing.T) {
	deps, _, _ := testDeps()
	deps.Generator = generatorFunc(func(_ context.Context, _ string, _ []Snippet, _ dialog.Context) (Generation, error) {
		panic("generator blew up")
	})
	p := mustPipeline(t, DefaultConfig(), deps)

	res, err := p.Process(context.Background(), "user-1", "question")

	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.ErrorMessage, "generator blew up")
}

func TestProcess_StatusExhaustiveness(t *testing.T) {
	// Every configured failure mode still resolves to one of the four
	// terminal statuses, never a fault.
	deps, _, _ := testDeps()
	brokenChecker := checkerFunc(func(_ context.Context, _ string) (ToxicityVerdict, error) {
		return ToxicityVerdict{}, errors.New("classifier offline")
	})

	valid := map[Status]bool{
		StatusSuccess:       true,
		StatusError:         true,
		StatusToxicDetected: true,
		StatusTimeout:       true,
	}

	variants := []Deps{deps}
	errored := deps
	errored.Toxicity = brokenChecker
	variants = append(variants, errored)

	for i, d := range variants {
		p := mustPipeline(t, DefaultConfig(), d)
		res, err := p.Process(context.Background(), fmt.Sprintf("user-%d", i), "hello")
		require.NoError(t, err)
		assert.True(t, valid[res.Status], "unexpected status %q", res.Status)
	}
}

// =============================================================================
// Metrics Observation
// =============================================================================

func TestProcess_RecordsMetricsForEveryOutcome(t *testing.T) {
	deps, _, collector := testDeps()
	toxic := checkerFunc(func(_ context.Context, text string) (ToxicityVerdict, error) {
		if text == "toxic" {
			return ToxicityVerdict{IsToxic: true, Reason: "test", SafeResponse: "no"}, nil
		}
		return ToxicityVerdict{}, nil
	})
	deps.Toxicity = toxic
	failing := retrieverFunc(func(_ context.Context, _ string, _ dialog.Context, _ int) ([]Snippet, error) {
		return nil, errors.New("boom")
	})

	p := mustPipeline(t, DefaultConfig(), deps)
	for i := 0; i < 8; i++ {
		_, err := p.Process(context.Background(), "user-1", "fine question")
		require.NoError(t, err)
	}
	_, err := p.Process(context.Background(), "user-1", "toxic")
	require.NoError(t, err)

	brokenDeps := deps
	brokenDeps.Retriever = failing
	pBroken := mustPipeline(t, DefaultConfig(), brokenDeps)
	_, err = pBroken.Process(context.Background(), "user-1", "fails")
	require.NoError(t, err)

	report := collector.HealthReport()
	assert.Equal(t, int64(10), report.TotalRequests)
	assert.Equal(t, int64(1), report.ToxicBlocks)
	assert.InDelta(t, 80.0, report.SuccessRatePercent, 0.01)
}
