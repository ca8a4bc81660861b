package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"quizcast/internal/config"
)

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(config.LoggingConfig{Level: "warn"}, &buf)

	logger.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}

	logger.Warn().Str("component", "test").Msg("shown")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if line["message"] != "shown" || line["component"] != "test" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestParseLevelFallsBack(t *testing.T) {
	if got := parseLevel("nonsense", zerolog.InfoLevel); got != zerolog.InfoLevel {
		t.Fatalf("expected fallback level, got %v", got)
	}
	if got := parseLevel(" DEBUG ", zerolog.InfoLevel); got != zerolog.DebugLevel {
		t.Fatalf("expected debug, got %v", got)
	}
}
