package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"liuproxy_fleet/internal/shared/types"
)

// captureGlobal points the global logger at a buffer for the test's lifetime.
func captureGlobal(t *testing.T, level zerolog.Level) *bytes.Buffer {
	t.Helper()
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })

	buf := &bytes.Buffer{}
	log.Logger = zerolog.New(buf).Level(level)
	return buf
}

func TestEventWrappers(t *testing.T) {
	buf := captureGlobal(t, zerolog.DebugLevel)

	Debug().Str("url", "wss://remote.example/").Int("heartbeat_secs", 20).Err(errors.New("boom")).Msgf("settings %d", 1)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["level"] != "debug" || entry["message"] != "settings 1" {
		t.Errorf("unexpected entry: %v", entry)
	}
	if entry["url"] != "wss://remote.example/" || entry["heartbeat_secs"] != float64(20) || entry["error"] != "boom" {
		t.Errorf("missing fields: %v", entry)
	}
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	buf := captureGlobal(t, zerolog.InfoLevel)

	Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected debug output to be suppressed, got %q", buf.String())
	}
}

func TestWithComponent(t *testing.T) {
	buf := captureGlobal(t, zerolog.InfoLevel)

	l := WithComponent("Supervisor")
	l.Info().Msg("ready")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["component"] != "Supervisor" {
		t.Errorf("expected component field, got %v", entry)
	}
}

func TestInit_UnknownLevelFallsBackToInfo(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })

	if err := Init(types.LogConf{Level: "chatty", JSON: true}); err != nil {
		t.Fatalf("Init() returned an error: %v", err)
	}
	if got := log.Logger.GetLevel(); got != zerolog.InfoLevel {
		t.Errorf("expected info level, got %s", got)
	}
}
