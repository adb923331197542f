// Copyright (C) 2025 CivicStack
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package assistant wires the dialog store, metrics, toxicity filter,
// retrieval, and generation into one runnable HTTP service.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/civicstack/cityassist/services/assistant/dialog"
	"github.com/civicstack/cityassist/services/assistant/generator"
	"github.com/civicstack/cityassist/services/assistant/metrics"
	"github.com/civicstack/cityassist/services/assistant/pipeline"
	"github.com/civicstack/cityassist/services/assistant/retrieval"
	"github.com/civicstack/cityassist/services/assistant/routes"
	"github.com/civicstack/cityassist/services/assistant/toxicity"
)

const serviceName = "cityassist-assistant"

// =============================================================================
// Configuration
// =============================================================================

// Config assembles every tunable of the assistant service. Zero values
// fall back to defaults via applyConfigDefaults.
type Config struct {
	// Port the HTTP server listens on.
	Port string

	// GeneratorBackend selects the reply generator: "mock" or "openai".
	GeneratorBackend string

	// WeaviateURL points at the knowledge base. Empty or invalid runs
	// the service in lightweight mode with the built-in mock corpus.
	WeaviateURL string

	// OTelEndpoint is the OTLP gRPC collector address. Empty disables
	// trace export.
	OTelEndpoint string

	// EnableMetrics exposes Prometheus metrics on /metrics and mirrors
	// pipeline outcomes into them.
	EnableMetrics bool

	// BlockedPhrases extend the toxicity filter's built-in patterns.
	BlockedPhrases []string

	MaxHistoryMessages  int
	ContextWindowTokens int
	SessionTimeout      time.Duration
	SweepInterval       time.Duration
	MaxResponseTime     time.Duration
	RetrievalLimit      int

	// OpenAI settings, used when GeneratorBackend is "openai".
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
}

// DefaultConfig returns the configuration used when the operator
// supplies nothing.
func DefaultConfig() Config {
	return Config{
		Port:             "8080",
		GeneratorBackend: "mock",
	}
}

func applyConfigDefaults(cfg *Config) {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.GeneratorBackend == "" {
		cfg.GeneratorBackend = "mock"
	}
	if cfg.MaxHistoryMessages <= 0 {
		cfg.MaxHistoryMessages = dialog.DefaultStoreConfig().MaxHistoryMessages
	}
	if cfg.ContextWindowTokens <= 0 {
		cfg.ContextWindowTokens = dialog.DefaultStoreConfig().ContextWindowTokens
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = dialog.DefaultSweeperConfig().IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = dialog.DefaultSweeperConfig().Interval
	}
	if cfg.MaxResponseTime <= 0 {
		cfg.MaxResponseTime = pipeline.DefaultConfig().MaxResponseTime
	}
	if cfg.RetrievalLimit <= 0 {
		cfg.RetrievalLimit = pipeline.DefaultConfig().RetrievalLimit
	}
}

// =============================================================================
// Service
// =============================================================================

// Service is the assembled assistant: HTTP surface, pipeline, dialog
// store, and background sweeper.
type Service struct {
	cfg       Config
	router    *gin.Engine
	store     *dialog.Store
	sweeper   *dialog.Sweeper
	pipeline  *pipeline.Pipeline
	collector *metrics.Collector
	cleanup   func(context.Context)
}

// New builds a Service from cfg.
//
// # Description
//
// Dependency selection is driven entirely by configuration: the
// knowledge retriever falls back to the built-in mock corpus when no
// Weaviate URL is usable, and the generator backend defaults to mock
// so the service runs end to end with no external systems.
//
// # Outputs
//
//   - *Service: ready for Run.
//   - error: non-nil when a configured backend cannot be constructed,
//     e.g. the openai backend without an API key.
func New(cfg Config) (*Service, error) {
	applyConfigDefaults(&cfg)

	cleanup := func(context.Context) {}
	if cfg.OTelEndpoint != "" {
		var err error
		cleanup, err = initTracer(cfg.OTelEndpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to setup the OTLP tracer: %w", err)
		}
	}

	var prom *metrics.PipelineMetrics
	if cfg.EnableMetrics {
		prom = metrics.InitMetrics()
	}
	collector := metrics.NewCollector(prom)

	store := dialog.NewStore(dialog.StoreConfig{
		MaxHistoryMessages:  cfg.MaxHistoryMessages,
		ContextWindowTokens: cfg.ContextWindowTokens,
	})
	sweeper := dialog.NewSweeper(store, dialog.SweeperConfig{
		Interval:    cfg.SweepInterval,
		IdleTimeout: cfg.SessionTimeout,
	})

	checker := toxicity.NewFilter(toxicity.FilterConfig{
		BlockedPhrases: cfg.BlockedPhrases,
	})

	retriever, err := buildRetriever(cfg)
	if err != nil {
		return nil, err
	}
	gen, err := buildGenerator(cfg)
	if err != nil {
		return nil, err
	}

	p, err := pipeline.New(pipeline.Config{
		MaxResponseTime: cfg.MaxResponseTime,
		RetrievalLimit:  cfg.RetrievalLimit,
	}, pipeline.Deps{
		Toxicity:  checker,
		Dialogs:   store,
		Retriever: retriever,
		Generator: gen,
		Metrics:   collector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to assemble pipeline: %w", err)
	}

	router := gin.Default()
	router.Use(otelgin.Middleware(serviceName))
	routes.SetupRoutes(router, p, store, collector)

	return &Service{
		cfg:       cfg,
		router:    router,
		store:     store,
		sweeper:   sweeper,
		pipeline:  p,
		collector: collector,
		cleanup:   cleanup,
	}, nil
}

// Router exposes the gin engine, mainly for tests.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// Pipeline exposes the assembled pipeline, mainly for tests.
func (s *Service) Pipeline() *pipeline.Pipeline {
	return s.pipeline
}

// Run serves HTTP and runs the idle-dialog sweeper until ctx is
// cancelled, then shuts both down.
func (s *Service) Run(ctx context.Context) error {
	if err := s.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dialog sweeper: %w", err)
	}
	defer s.sweeper.Stop()
	defer s.cleanup(context.Background())

	srv := &http.Server{
		Addr:    ":" + s.cfg.Port,
		Handler: s.router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting the assistant server", "port", s.cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// =============================================================================
// Dependency Construction
// =============================================================================

func buildRetriever(cfg Config) (pipeline.KnowledgeRetriever, error) {
	if client := retrieval.NewClient(cfg.WeaviateURL); client != nil {
		slog.Info("Using Weaviate knowledge base", "url", cfg.WeaviateURL)
		return retrieval.NewWeaviateRetriever(client)
	}
	slog.Info("Using built-in mock knowledge base")
	return pipeline.NewMockRetriever(), nil
}

func buildGenerator(cfg Config) (pipeline.ResponseGenerator, error) {
	switch cfg.GeneratorBackend {
	case "openai":
		slog.Info("Using OpenAI generator backend")
		return generator.NewOpenAIGenerator(generator.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
		})
	case "mock":
		slog.Info("Using mock generator backend")
		return pipeline.NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unknown generator backend %q", cfg.GeneratorBackend)
	}
}

// =============================================================================
// Tracing
// =============================================================================

// initTracer configures the global OTLP trace exporter and returns a
// shutdown function.
func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}
