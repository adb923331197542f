// Copyright (C) 2025 CivicStack
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func tempPathFn(t *testing.T) (func() (string, error), string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cityassist.yaml")
	return func() (string, error) { return path, nil }, path
}

func TestLoadInternal_CreatesDefaultOnFirstRun(t *testing.T) {
	pathFn, path := tempPathFn(t)
	Global = CityAssistConfig{}

	if err := loadInternal(pathFn); err != nil {
		t.Fatalf("loadInternal failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config was not written: %v", err)
	}

	if Global.Server.Port != "8080" {
		t.Errorf("unexpected default port %q", Global.Server.Port)
	}
	if Global.Dialog.MaxHistoryMessages != 20 {
		t.Errorf("unexpected default history cap %d", Global.Dialog.MaxHistoryMessages)
	}
	if Global.ModelBackend.Type != "mock" {
		t.Errorf("unexpected default backend %q", Global.ModelBackend.Type)
	}
}

func TestLoadInternal_ReadsExistingConfig(t *testing.T) {
	pathFn, path := tempPathFn(t)
	Global = CityAssistConfig{}

	custom := DefaultConfig()
	custom.Server.Port = "9191"
	custom.Toxicity.BlockedPhrases = []string{"phrase one", "phrase two"}
	custom.Knowledge.WeaviateURL = "http://weaviate:8080"
	data, err := yaml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := loadInternal(pathFn); err != nil {
		t.Fatalf("loadInternal failed: %v", err)
	}
	if Global.Server.Port != "9191" {
		t.Errorf("port not read from file, got %q", Global.Server.Port)
	}
	if len(Global.Toxicity.BlockedPhrases) != 2 {
		t.Errorf("blocked phrases not read, got %v", Global.Toxicity.BlockedPhrases)
	}
	if Global.Knowledge.WeaviateURL != "http://weaviate:8080" {
		t.Errorf("weaviate url not read, got %q", Global.Knowledge.WeaviateURL)
	}
}

func TestLoadInternal_RejectsMalformedYAML(t *testing.T) {
	pathFn, path := tempPathFn(t)
	if err := os.WriteFile(path, []byte("server: [not a mapping"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := loadInternal(pathFn); err == nil {
		t.Error("expected error for malformed yaml")
	}
}
