// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command gateway starts the AleutianGateway local inference gateway.
//
// The gateway sits between chat clients and a local Ollama daemon,
// recording conversation history, augmenting prompts with retrieval, and
// streaming replies with keep-alives.
//
// # Usage
//
//	# Build
//	go build -o gateway ./cmd/gateway
//
//	# Run against a stock Ollama daemon
//	mkdir -p ~/.aleutian/gateway
//	./gateway --data-dir ~/.aleutian/gateway
//
//	# With a config file
//	./gateway --config gateway.yaml
//
// Flags override config file values; the config file overrides built-in
// defaults.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianGateway/pkg/logging"
	"github.com/AleutianAI/AleutianGateway/services/gateway"
)

// fileConfig mirrors the optional YAML config file.
type fileConfig struct {
	DataDir         string `yaml:"data_dir"`
	BindHost        string `yaml:"bind_host"`
	BindPort        int    `yaml:"bind_port"`
	OllamaURL       string `yaml:"ollama_url"`
	OpenAICompatURL string `yaml:"openai_compat_url"`
	LlamafileDir    string `yaml:"llamafile_dir"`
	OTelEndpoint    string `yaml:"otel_endpoint"`
	TraceHTTP       bool   `yaml:"trace_http"`
	ForceOllamaRAG  bool   `yaml:"force_ollama_rag"`
	LogLevel        string `yaml:"log_level"`
	LogDir          string `yaml:"log_dir"`
	LogJSON         bool   `yaml:"log_json"`
}

type flags struct {
	configPath     string
	dataDir        string
	bindHost       string
	bindPort       int
	ollamaURL      string
	openAICompat   string
	llamafileDir   string
	otelEndpoint   string
	traceHTTP      bool
	forceOllamaRAG bool
	logLevel       string
	logDir         string
	logJSON        bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "gateway",
		Short:         "Local-first Ollama gateway with history, retrieval, and audit",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, &f)
		},
	}

	cmd.Flags().StringVar(&f.configPath, "config", "", "optional YAML config file")
	cmd.Flags().StringVar(&f.dataDir, "data-dir", "", "existing writable directory for databases (required)")
	cmd.Flags().StringVar(&f.bindHost, "bind-host", "127.0.0.1", "listen host")
	cmd.Flags().IntVar(&f.bindPort, "bind-port", 12310, "listen port")
	cmd.Flags().StringVar(&f.ollamaURL, "ollama-url", "http://localhost:11434", "Ollama daemon URL")
	cmd.Flags().StringVar(&f.openAICompat, "openai-compat-url", "", "optional OpenAI-compatible backend URL")
	cmd.Flags().StringVar(&f.llamafileDir, "llamafile-dir", "", "optional llamafile directory")
	cmd.Flags().StringVar(&f.otelEndpoint, "otel-endpoint", "localhost:4317", "OTLP gRPC collector endpoint")
	cmd.Flags().BoolVar(&f.traceHTTP, "trace-http", false, "enable OpenTelemetry HTTP tracing")
	cmd.Flags().BoolVar(&f.forceOllamaRAG, "force-ollama-rag", false, "apply retrieval to chats without a retrieval label")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&f.logDir, "log-dir", "", "optional directory for JSON log files")
	cmd.Flags().BoolVar(&f.logJSON, "log-json", false, "emit JSON logs on stderr")
	return cmd
}

func run(cmd *cobra.Command, f *flags) error {
	if f.configPath != "" {
		if err := mergeConfigFile(cmd, f); err != nil {
			return err
		}
	}

	logger, err := logging.Init(logging.Config{
		Level:   f.logLevel,
		LogDir:  f.logDir,
		Service: "gateway",
		JSON:    f.logJSON,
	})
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := gateway.New(ctx, gateway.Config{
		DataDir:         f.dataDir,
		BindHost:        f.bindHost,
		BindPort:        f.bindPort,
		OllamaURL:       f.ollamaURL,
		OpenAICompatURL: f.openAICompat,
		LlamafileDir:    f.llamafileDir,
		OTelEndpoint:    f.otelEndpoint,
		TraceHTTP:       f.traceHTTP,
		ForceOllamaRAG:  f.forceOllamaRAG,
	})
	if err != nil {
		return err
	}

	if err := svc.Run(ctx); err != nil {
		return err
	}
	slog.Info("Gateway stopped")
	return nil
}

// mergeConfigFile loads the YAML config and fills in every value the user
// did not set explicitly on the command line.
func mergeConfigFile(cmd *cobra.Command, f *flags) error {
	data, err := os.ReadFile(f.configPath)
	if err != nil {
		return fmt.Errorf("read config %s: %w", f.configPath, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", f.configPath, err)
	}

	set := cmd.Flags().Changed
	if !set("data-dir") && fc.DataDir != "" {
		f.dataDir = fc.DataDir
	}
	if !set("bind-host") && fc.BindHost != "" {
		f.bindHost = fc.BindHost
	}
	if !set("bind-port") && fc.BindPort != 0 {
		f.bindPort = fc.BindPort
	}
	if !set("ollama-url") && fc.OllamaURL != "" {
		f.ollamaURL = fc.OllamaURL
	}
	if !set("openai-compat-url") && fc.OpenAICompatURL != "" {
		f.openAICompat = fc.OpenAICompatURL
	}
	if !set("llamafile-dir") && fc.LlamafileDir != "" {
		f.llamafileDir = fc.LlamafileDir
	}
	if !set("otel-endpoint") && fc.OTelEndpoint != "" {
		f.otelEndpoint = fc.OTelEndpoint
	}
	if !set("trace-http") {
		f.traceHTTP = f.traceHTTP || fc.TraceHTTP
	}
	if !set("force-ollama-rag") {
		f.forceOllamaRAG = f.forceOllamaRAG || fc.ForceOllamaRAG
	}
	if !set("log-level") && fc.LogLevel != "" {
		f.logLevel = fc.LogLevel
	}
	if !set("log-dir") && fc.LogDir != "" {
		f.logDir = fc.LogDir
	}
	if !set("log-json") {
		f.logJSON = f.logJSON || fc.LogJSON
	}
	return nil
}
