package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestJSONLoggerCarriesRunIDAndRank(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Level: "debug", Format: "json", Output: &buf})

	ctx, id := EnsureRunID(context.Background())
	ctx, log := ForRank(ctx, base, 2)
	log.Debug(ctx, "bond broken", Tag("atom1", int64(5)), Tag("atom2", int64(9)))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if rec["msg"] != "bond broken" {
		t.Fatalf("msg = %v, want bond broken", rec["msg"])
	}
	if rec["run_id"] != id {
		t.Fatalf("run_id = %v, want %s", rec["run_id"], id)
	}
	if rec["rank"] != float64(2) {
		t.Fatalf("rank = %v, want 2", rec["rank"])
	}
	if rec["atom1"] != float64(5) || rec["atom2"] != float64(9) {
		t.Fatalf("atoms = %v/%v, want 5/9", rec["atom1"], rec["atom2"])
	}
	if LoggerFromContext(ctx) == nil {
		t.Fatalf("LoggerFromContext returned nil after ForRank")
	}
}

func TestEnsureRunIDIsStable(t *testing.T) {
	ctx, id := EnsureRunID(context.Background())
	if id == "" {
		t.Fatalf("EnsureRunID returned empty id")
	}
	_, again := EnsureRunID(ctx)
	if again != id {
		t.Fatalf("EnsureRunID = %s on second call, want %s", again, id)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})
	log.Info(context.Background(), "dropped")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %q", buf.String())
	}
	if log.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("debug enabled at warn level")
	}
	if Noop().Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("noop logger reports enabled")
	}
}

func TestNewFromEnvPrefersBondchangeVariables(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("BONDCHANGE_LOG_LEVEL", "debug")
	log := NewFromEnv()
	if !log.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("BONDCHANGE_LOG_LEVEL=debug did not enable debug")
	}
}
