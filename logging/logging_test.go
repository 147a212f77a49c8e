package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{in: "debug", want: zerolog.DebugLevel},
		{in: " WARN ", want: zerolog.WarnLevel},
		{in: "warning", want: zerolog.WarnLevel},
		{in: "error", want: zerolog.ErrorLevel},
		{in: "bogus", want: zerolog.InfoLevel},
		{in: "", want: zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
				t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestComponentJSON(t *testing.T) {
	var buf bytes.Buffer
	log := Component(NewWriter(&buf, "info", false), "scheduler")
	log.Debug().Msg("hidden")
	log.Info().Str("region", "fra").Msg("started")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("output is not a single JSON line: %q", buf.String())
	}
	if entry["component"] != "scheduler" {
		t.Fatalf("component = %v, want scheduler", entry["component"])
	}
	if entry["message"] != "started" {
		t.Fatalf("message = %v, want started", entry["message"])
	}
}
