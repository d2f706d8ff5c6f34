package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"DEBUG":   zerolog.DebugLevel,
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"WARNING": zerolog.WarnLevel,
		"warn":    zerolog.WarnLevel,
		"ERROR":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggerEmitsStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, zerolog.DebugLevel)
	log.Info("stream state changed", LogFields{"stream_id": uint32(5), "to": "open"})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["message"] != "stream state changed" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["stream_id"] != float64(5) {
		t.Errorf("stream_id = %v", entry["stream_id"])
	}
	if entry["to"] != "open" {
		t.Errorf("to = %v", entry["to"])
	}
	if _, ok := entry["time"]; !ok {
		t.Error("no timestamp field")
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, zerolog.WarnLevel)
	log.Debug("hidden", nil)
	log.Info("also hidden", nil)
	if buf.Len() != 0 {
		t.Errorf("below-level entries were written: %q", buf.String())
	}
	log.Error("visible", nil)
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("error entry missing: %q", buf.String())
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	log := NewNop()
	log.Error("goes nowhere", LogFields{"k": "v"})
}
