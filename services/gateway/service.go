// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway assembles the local inference gateway: history store,
// audit sink, knowledge store, provider registry, streaming pipeline, and
// the gin HTTP surface.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianGateway/services/gateway/audit"
	"github.com/AleutianAI/AleutianGateway/services/gateway/handlers"
	"github.com/AleutianAI/AleutianGateway/services/gateway/history"
	"github.com/AleutianAI/AleutianGateway/services/gateway/observability"
	"github.com/AleutianAI/AleutianGateway/services/gateway/pipeline"
	"github.com/AleutianAI/AleutianGateway/services/gateway/providers"
	"github.com/AleutianAI/AleutianGateway/services/gateway/retrieval"
	"github.com/AleutianAI/AleutianGateway/services/gateway/routes"
)

// Config is the gateway service configuration.
type Config struct {
	// DataDir holds the SQLite databases and the vector store. Must be an
	// existing writable directory.
	DataDir string

	// BindHost and BindPort form the listen address.
	BindHost string
	BindPort int

	// OllamaURL points at the proxied Ollama daemon.
	OllamaURL string

	// OpenAICompatURL optionally adds an OpenAI-compatible backend (LM
	// Studio, vLLM) to discovery.
	OpenAICompatURL string

	// LlamafileDir optionally adds a llamafile directory to discovery.
	LlamafileDir string

	// OTelEndpoint is the OTLP gRPC collector, used when TraceHTTP is set.
	OTelEndpoint string

	// TraceHTTP enables otelgin tracing and the OTLP exporter.
	TraceHTTP bool

	// ForceOllamaRAG applies the simple retrieval policy to chats that
	// carry no retrieval label.
	ForceOllamaRAG bool
}

// Service is one assembled gateway instance.
//
// # Thread Safety
//
// Construct with New, then call Run from a single goroutine. The HTTP
// handlers themselves are safe for concurrent requests.
type Service struct {
	config    Config
	store     *history.Store
	sink      *audit.Sink
	knowledge *retrieval.KnowledgeStore
	registry  *providers.Registry
	router    *gin.Engine

	tracerCleanup func(context.Context)
}

// New builds the service: opens the stores, discovers providers, and wires
// the HTTP surface.
//
// # Description
//
// Provider discovery is best-effort; an unreachable backend is skipped,
// not fatal. The Ollama provider is constructed regardless so the proxy
// surface can answer (with 502s) before the daemon comes up.
//
// # Outputs
//
//   - *Service: ready to Run
//   - error: non-nil when the data directory is unusable or a store fails
//     to open
func New(ctx context.Context, cfg Config) (*Service, error) {
	cfg = applyConfigDefaults(cfg)
	if err := checkDataDir(cfg.DataDir); err != nil {
		return nil, err
	}

	store, err := history.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	sink, err := audit.Open(cfg.DataDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	knowledge, err := retrieval.Open(cfg.DataDir, cfg.OllamaURL)
	if err != nil {
		store.Close()
		sink.Close()
		return nil, fmt.Errorf("open knowledge store: %w", err)
	}

	ollama, err := providers.NewOllama("ollama", cfg.OllamaURL)
	if err != nil {
		store.Close()
		sink.Close()
		return nil, err
	}
	candidates := []providers.Provider{ollama}
	if cfg.OpenAICompatURL != "" {
		compat, err := providers.NewOpenAICompat("openai-compat", cfg.OpenAICompatURL)
		if err != nil {
			slog.Warn("OpenAI-compatible backend misconfigured, skipping",
				"url", cfg.OpenAICompatURL, "error", err)
		} else {
			candidates = append(candidates, compat)
		}
	}
	if cfg.LlamafileDir != "" {
		lf, err := providers.NewLlamafile("llamafile", cfg.LlamafileDir)
		if err != nil {
			slog.Warn("Llamafile directory unusable, skipping",
				"dir", cfg.LlamafileDir, "error", err)
		} else {
			candidates = append(candidates, lf)
		}
	}

	registry := providers.NewRegistry()
	if err := providers.Discover(ctx, registry, store, candidates); err != nil {
		store.Close()
		sink.Close()
		return nil, fmt.Errorf("provider discovery: %w", err)
	}
	if _, lookupErr := registry.ByLabel("ollama"); lookupErr != nil {
		// The proxy surface forwards to Ollama either way; register it so
		// model resolution works once the daemon appears.
		registry.Register(ollama)
		slog.Warn("Ollama daemon not reachable at startup", "url", cfg.OllamaURL)
	}

	s := &Service{
		config:    cfg,
		store:     store,
		sink:      sink,
		knowledge: knowledge,
		registry:  registry,
	}

	if cfg.TraceHTTP {
		cleanup, err := initTracer(ctx, cfg.OTelEndpoint)
		if err != nil {
			slog.Warn("Tracing disabled, OTLP exporter setup failed", "error", err)
		} else {
			s.tracerCleanup = cleanup
		}
	}

	gw := &handlers.Gateway{
		Pipeline: &pipeline.Pipeline{
			Store:     store,
			Registry:  registry,
			Knowledge: knowledge,
			Metrics:   observability.DefaultMetrics(),
			ForceRAG:  cfg.ForceOllamaRAG,
		},
		Store:    store,
		Registry: registry,
		Ollama:   ollama,
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	routes.SetupRoutes(s.router, gw, sink, cfg.TraceHTTP && s.tracerCleanup != nil)
	return s, nil
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
//
// In-flight streams get ten seconds to finish; inference that outlives the
// window keeps running on detached contexts and commits to history, only
// the HTTP responses are cut off.
func (s *Service) Run(ctx context.Context) error {
	defer s.cleanup()

	addr := net.JoinHostPort(s.config.BindHost, strconv.Itoa(s.config.BindPort))
	srv := &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway listening", "addr", addr, "data_dir", s.config.DataDir)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Router returns the underlying gin engine for integration tests.
func (s *Service) Router() *gin.Engine {
	return s.router
}

func (s *Service) cleanup() {
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
	if err := s.sink.Close(); err != nil {
		slog.Warn("Audit store close error", "error", err)
	}
	if err := s.store.Close(); err != nil {
		slog.Warn("History store close error", "error", err)
	}
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.BindHost == "" {
		cfg.BindHost = "127.0.0.1"
	}
	if cfg.BindPort == 0 {
		cfg.BindPort = 12310
	}
	if cfg.OllamaURL == "" {
		cfg.OllamaURL = providers.DefaultOllamaURL
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "localhost:4317"
	}
	return cfg
}

// checkDataDir verifies the data directory exists, is a directory, and is
// writable. Creating it is deliberately left to the operator; a typo in
// --data-dir should not silently spawn an empty database tree.
func checkDataDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("data directory not set")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("data directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data directory %s is not a directory", dir)
	}
	probe := filepath.Join(dir, ".writecheck")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return fmt.Errorf("data directory %s is not writable: %w", dir, err)
	}
	os.Remove(probe)
	return nil
}

// initTracer sets up the OTLP trace exporter against the collector.
func initTracer(ctx context.Context, endpoint string) (func(context.Context), error) {
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("create gRPC connection: %w", err)
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("aleutian-gateway")))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
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
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("OTLP exporter shutdown failed", "error", err)
		}
	}, nil
}
