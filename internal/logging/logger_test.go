package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		" error ": zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
		"off":     zerolog.Disabled,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestInitAndCtx(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Output: &buf})
	defer Init(Config{Level: "info"})

	ctx := ContextWithRequestID(context.Background(), "req-1")
	Ctx(ctx).Info().Str("k", "v").Msg("hello")
	out := buf.String()
	if !strings.Contains(out, `"request_id":"req-1"`) || !strings.Contains(out, `"message":"hello"`) {
		t.Fatalf("unexpected log line: %s", out)
	}
	if RequestIDFromContext(context.Background()) != "" {
		t.Fatal("empty context should have no request id")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", Output: &buf})
	defer Init(Config{Level: "info"})

	Info().Msg("dropped")
	Warn().Msg("kept")
	if strings.Contains(buf.String(), "dropped") || !strings.Contains(buf.String(), "kept") {
		t.Fatalf("level filter not applied: %s", buf.String())
	}
}
