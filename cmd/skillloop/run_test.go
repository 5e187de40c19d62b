// Copyright 2026 © The Skillloop Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/skillloop/skillloop/pkg/config"
	"github.com/skillloop/skillloop/pkg/sandbox"
)

func TestNewCaller(t *testing.T) {
	for _, provider := range []string{"openai", "anthropic"} {
		caller, err := newCaller(config.LLMConfig{Provider: provider, APIKey: "test"})
		if err != nil {
			t.Fatalf("newCaller(%s): %v", provider, err)
		}
		if caller == nil {
			t.Fatalf("newCaller(%s) returned nil", provider)
		}
	}

	if _, err := newCaller(config.LLMConfig{Provider: "ollama"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestNewEngine(t *testing.T) {
	engine, err := newEngine(config.SandboxConfig{Engine: "docker", Image: "python:3.12-slim"})
	if err != nil {
		t.Fatal(err)
	}
	if engine == nil || engine.Name() != "docker" {
		t.Errorf("engine = %v, want docker", engine)
	}

	engine, err = newEngine(config.SandboxConfig{Engine: "none"})
	if err != nil {
		t.Fatal(err)
	}
	if engine != nil {
		t.Errorf("engine = %v, want nil for none", engine)
	}

	if _, err := newEngine(config.SandboxConfig{Engine: "firecracker"}); err == nil {
		t.Error("expected error for unknown engine")
	}
}

func TestResolvePromptFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.txt")
	if err := os.WriteFile(path, []byte("make a chart"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := resolvePrompt("", path)
	if err != nil {
		t.Fatal(err)
	}
	if got != "make a chart" {
		t.Errorf("prompt = %q", got)
	}

	if got, _ := resolvePrompt("inline wins", path); got != "inline wins" {
		t.Errorf("prompt = %q, want inline flag to win", got)
	}
}

func TestWriteFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	files := []sandbox.GeneratedFile{
		{Name: "chart.png", Content: []byte{0x89, 'P', 'N', 'G'}},
		{Name: "nested/data.csv", Content: []byte("a,b\n")},
	}
	if err := writeFiles(dir, files); err != nil {
		t.Fatal(err)
	}

	// Paths are flattened to their base name.
	for _, name := range []string{"chart.png", "data.csv"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}
