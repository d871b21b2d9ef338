package logging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureRequestIDKeepsExisting(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx, id := EnsureRequestID(ctx)
	if id != "req-1" || RequestIDFromContext(ctx) != "req-1" {
		t.Fatalf("EnsureRequestID replaced an existing id: %q", id)
	}
}

func TestEnsureRequestIDGenerates(t *testing.T) {
	_, id := EnsureRequestID(context.Background())
	if len(id) != 36 {
		t.Fatalf("generated id %q is not a uuid", id)
	}
}

func TestLoggerFromContext(t *testing.T) {
	if LoggerFromContext(context.Background()) != nil {
		t.Fatalf("expected nil logger on bare context")
	}
	ctx := ContextWithLogger(context.Background(), nil)
	if LoggerFromContext(ctx) == nil {
		t.Fatalf("ContextWithLogger(nil) should store a noop logger")
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "viewer.log")
	log := New(Config{Level: "debug", Format: "json", File: path})
	log.Info(context.Background(), "hello", String("k", "v"), Err(errors.New("boom")))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	for _, want := range []string{`"msg":"hello"`, `"k":"v"`, `"error":"boom"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output %q missing %s", out, want)
		}
	}
}

func TestApplyEnvOverridesSetValues(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "")
	t.Setenv("LOG_FILE", "/tmp/viewer.log")

	cfg := ApplyEnv(Config{Level: "info", Format: "json"})
	if cfg.Level != "debug" || cfg.Format != "json" || cfg.File != "/tmp/viewer.log" {
		t.Fatalf("ApplyEnv = %+v", cfg)
	}
}

func TestFloatAndBoolFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fields.log")
	t.Setenv("LOG_FILE", path)
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "info")
	log := NewFromEnv()
	log.Info(context.Background(), "fields", Float("speed", 2.5), Bool("playing", true))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	for _, want := range []string{`"speed":2.5`, `"playing":true`} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("log output %q missing %s", data, want)
		}
	}
}
