package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf})

	log.With(String("scenario", "s1")).Info(context.Background(), "incident activated",
		String("incident_id", "a1"), Int("lanes", 3), Err(errors.New("boom")))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "incident activated" || rec["scenario"] != "s1" || rec["incident_id"] != "a1" {
		t.Fatalf("record = %v, missing fields", rec)
	}
	if rec["lanes"] != float64(3) || rec["error"] != "boom" {
		t.Fatalf("record = %v, want lanes=3 error=boom", rec)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})
	log.Info(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %q", buf.String())
	}
	log.Warn(context.Background(), "shown")
	if buf.Len() == 0 {
		t.Fatalf("warn not logged at warn level")
	}
}

func TestMessageIDIsStable(t *testing.T) {
	ctx, id := EnsureMessageID(context.Background())
	if id == "" {
		t.Fatalf("EnsureMessageID returned empty id")
	}
	ctx2, id2 := EnsureMessageID(ctx)
	if id2 != id || MessageIDFromContext(ctx2) != id {
		t.Fatalf("message id changed: %q -> %q", id, id2)
	}

	preset := ContextWithMessageID(context.Background(), "m-1")
	if _, got := EnsureMessageID(preset); got != "m-1" {
		t.Fatalf("EnsureMessageID = %q, want preset m-1", got)
	}
}

func TestLoggerFromContextFallback(t *testing.T) {
	if LoggerFromContext(context.Background(), nil) == nil {
		t.Fatalf("LoggerFromContext should never return nil")
	}
	l := Noop()
	ctx := ContextWithLogger(context.Background(), l)
	if LoggerFromContext(ctx, nil) != l {
		t.Fatalf("LoggerFromContext did not return stored logger")
	}
}

func TestContextMessageIDTagsRecords(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Format: "json", Output: &buf})
	ctx := ContextWithMessageID(context.Background(), "m-9")

	log.Info(ctx, "time advanced")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if rec["message_id"] != "m-9" {
		t.Fatalf("message_id = %v, want m-9", rec["message_id"])
	}

	buf.Reset()
	ctx, bound := WithMessageLogger(ctx, log)
	bound.Info(ctx, "bound")
	if n := bytes.Count(buf.Bytes(), []byte(`"message_id"`)); n != 1 {
		t.Fatalf("message_id written %d times: %q", n, buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"":        "INFO",
		"debug":   "DEBUG",
		"WARNING": "WARN",
		"error":   "ERROR",
		"debug-2": "DEBUG-2",
		"loud":    "INFO",
	}
	for in, want := range cases {
		if got := parseLevel(in).Level().String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
