// Copyright (C) 2025 CivicStack
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/civicstack/cityassist/cmd/cityassist/config"
	"github.com/civicstack/cityassist/pkg/logging"
	"github.com/civicstack/cityassist/services/assistant"
)

var (
	flagPort    string
	flagBackend string

	rootCmd = &cobra.Command{
		Use:   "cityassist",
		Short: "CityAssist municipal services assistant",
		Long:  "CityAssist answers residents' questions about municipal services using a knowledge base and a language model.",
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
)

func init() {
	serveCmd.Flags().StringVar(&flagPort, "port", "", "override the configured listen port")
	serveCmd.Flags().StringVar(&flagBackend, "backend", "", "override the configured generator backend (mock, openai)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func runServe() error {
	if err := config.Load(); err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(config.Global.Logging.Level),
		LogDir:  config.Global.Logging.LogDir,
		Service: "assistant",
		JSON:    config.Global.Logging.JSON,
	})
	if err != nil {
		return err
	}
	defer logger.Close()
	logger.SetAsDefault()

	cfg := serviceConfig(config.Global)

	if flagPort != "" {
		cfg.Port = flagPort
	}
	if flagBackend != "" {
		cfg.GeneratorBackend = flagBackend
	}

	svc, err := assistant.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("CityAssist starting", "port", cfg.Port, "backend", cfg.GeneratorBackend)
	return svc.Run(ctx)
}

// serviceConfig maps the on-disk configuration to the service config.
func serviceConfig(c config.CityAssistConfig) assistant.Config {
	return assistant.Config{
		Port:                c.Server.Port,
		GeneratorBackend:    c.ModelBackend.Type,
		WeaviateURL:         c.Knowledge.WeaviateURL,
		OTelEndpoint:        c.Observability.OTelEndpoint,
		EnableMetrics:       c.Observability.EnableMetrics,
		BlockedPhrases:      c.Toxicity.BlockedPhrases,
		MaxHistoryMessages:  c.Dialog.MaxHistoryMessages,
		ContextWindowTokens: c.Dialog.ContextWindowTokens,
		SessionTimeout:      time.Duration(c.Dialog.SessionTimeoutMinutes) * time.Minute,
		SweepInterval:       time.Duration(c.Dialog.SweepIntervalMinutes) * time.Minute,
		MaxResponseTime:     time.Duration(c.Pipeline.MaxResponseTimeSeconds) * time.Second,
		RetrievalLimit:      c.Pipeline.RetrievalLimit,
		OpenAIAPIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:         c.ModelBackend.Model,
		OpenAIBaseURL:       c.ModelBackend.BaseURL,
	}
}
