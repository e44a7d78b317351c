package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestra.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "services:\n  - key: demo.chat\n    recipe: [defaults.base]\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("expected memory storage default, got %s", cfg.Storage.Driver)
	}
	if cfg.Dispatch.DefaultMode != "sync" || cfg.Dispatch.DefaultBackend != "memory" {
		t.Fatalf("unexpected dispatch defaults: %+v", cfg.Dispatch)
	}
	if cfg.Dispatch.Workers != 2 || cfg.Dispatch.MaxRetries != 3 {
		t.Fatalf("unexpected worker defaults: %+v", cfg.Dispatch)
	}
	if cfg.Outbox.RelayInterval() != 2*time.Second {
		t.Fatalf("unexpected relay interval: %v", cfg.Outbox.RelayInterval())
	}
}

func TestLoadParsesServices(t *testing.T) {
	path := writeConfig(t, `
dispatch:
  default_mode: async
  queue:
    driver: redis
    redis:
      address: 127.0.0.1:6379
services:
  - key: demo.chat
    recipe: [defaults.base, task.goal]
    model: gpt-4o-mini
    timeout_seconds: 30
    schema:
      strict: true
      fields:
        answer:
          type: string
          presence: always
    dispatch:
      require_enqueue: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.Services) != 1 {
		t.Fatalf("expected one service, got %d", len(cfg.Services))
	}
	svc := cfg.Services[0]
	if svc.Key != "demo.chat" || svc.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected service: %+v", svc)
	}
	if svc.Timeout() != 30*time.Second {
		t.Fatalf("unexpected timeout: %v", svc.Timeout())
	}
	if svc.Schema == nil || !svc.Schema.Strict {
		t.Fatalf("expected strict schema, got %+v", svc.Schema)
	}
	if field, ok := svc.Schema.Fields["answer"]; !ok || field.Type != "string" || field.Presence != "always" {
		t.Fatalf("unexpected schema field: %+v", svc.Schema.Fields)
	}
	if !svc.Dispatch.RequireEnqueue {
		t.Fatalf("expected require_enqueue to be set")
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"unknown storage driver", "storage:\n  driver: cassandra\n"},
		{"mysql without dsn", "storage:\n  driver: mysql\n"},
		{"redis without address", "dispatch:\n  queue:\n    driver: redis\n"},
		{"service without recipe", "services:\n  - key: demo.chat\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			if _, err := Load(path); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}

func TestOpenAIResolveAPIKey(t *testing.T) {
	t.Setenv("ORCHESTRA_TEST_KEY", "from-env")

	cfg := OpenAIConfig{APIKeyEnv: "ORCHESTRA_TEST_KEY"}
	if got := cfg.ResolveAPIKey(); got != "from-env" {
		t.Fatalf("expected key from env, got %q", got)
	}
	cfg.APIKey = "inline"
	if got := cfg.ResolveAPIKey(); got != "inline" {
		t.Fatalf("inline key should win, got %q", got)
	}
}
