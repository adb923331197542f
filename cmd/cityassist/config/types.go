// Copyright (C) 2025 CivicStack
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

// CityAssistConfig is the on-disk configuration for the assistant
// service, read from ~/.cityassist/cityassist.yaml.
type CityAssistConfig struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Dialog: per-user conversation history limits
	Dialog DialogConfig `yaml:"dialog"`

	// Pipeline: request processing limits
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Toxicity: extra phrases blocked on top of the built-in rules
	Toxicity ToxicityConfig `yaml:"toxicity"`

	// ModelBackend: decides how replies are generated
	ModelBackend BackendConfig `yaml:"model_backend"`

	// Knowledge: where the document knowledge base lives
	Knowledge KnowledgeConfig `yaml:"knowledge"`

	// Observability: tracing and metrics toggles
	Observability ObservabilityConfig `yaml:"observability"`

	// Logging: output level and optional log file location
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Port string `yaml:"port"` // e.g. "8080"
}

type DialogConfig struct {
	MaxHistoryMessages    int `yaml:"max_history_messages"`   // e.g. 20
	ContextWindowTokens   int `yaml:"context_window_tokens"`  // e.g. 4000
	SessionTimeoutMinutes int `yaml:"session_timeout_minutes"` // e.g. 30
	SweepIntervalMinutes  int `yaml:"sweep_interval_minutes"`  // e.g. 5
}

type PipelineConfig struct {
	MaxResponseTimeSeconds int `yaml:"max_response_time_seconds"` // e.g. 30
	RetrievalLimit         int `yaml:"retrieval_limit"`           // e.g. 4
}

type ToxicityConfig struct {
	BlockedPhrases []string `yaml:"blocked_phrases"`
}

type BackendConfig struct {
	// Type can be "mock" or "openai".
	Type    string `yaml:"type"`
	Model   string `yaml:"model,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
}

type KnowledgeConfig struct {
	WeaviateURL string `yaml:"weaviate_url,omitempty"`
}

type ObservabilityConfig struct {
	OTelEndpoint  string `yaml:"otel_endpoint,omitempty"`
	EnableMetrics bool   `yaml:"enable_metrics"`
}

type LoggingConfig struct {
	// Level can be "debug", "info", "warn", or "error".
	Level string `yaml:"level"`
	// LogDir enables file logging when set, e.g. "~/.cityassist/logs".
	LogDir string `yaml:"log_dir,omitempty"`
	// JSON selects JSON output on stderr.
	JSON bool `yaml:"json"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() CityAssistConfig {
	return CityAssistConfig{
		Server: ServerConfig{Port: "8080"},
		Dialog: DialogConfig{
			MaxHistoryMessages:    20,
			ContextWindowTokens:   4000,
			SessionTimeoutMinutes: 30,
			SweepIntervalMinutes:  5,
		},
		Pipeline: PipelineConfig{
			MaxResponseTimeSeconds: 30,
			RetrievalLimit:         4,
		},
		ModelBackend: BackendConfig{Type: "mock"},
		Observability: ObservabilityConfig{
			EnableMetrics: true,
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  true,
		},
	}
}
