package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestEmitWritesOneJSONLinePerCall(t *testing.T) {
	var buf bytes.Buffer
	l := New("info")
	l.SetOutput(&buf)

	l.Info(EventRequestStart, Fields{"request_id": "abc", "provider": "openai"})
	l.Info(EventRequestComplete, Fields{"request_id": "abc", "status": 200})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	for _, line := range lines {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		if _, ok := rec["timestamp"]; !ok {
			t.Fatalf("missing timestamp field in %q", line)
		}
		if _, ok := rec["level"]; !ok {
			t.Fatalf("missing level field in %q", line)
		}
	}
}

func TestEmitOmitsNilFields(t *testing.T) {
	var buf bytes.Buffer
	l := New("info")
	l.SetOutput(&buf)

	l.Info(EventShutdown, Fields{"reason": nil, "code": 0})

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, ok := rec["reason"]; ok {
		t.Fatalf("expected nil-valued field omitted, record was %v", rec)
	}
	if _, ok := rec["code"]; !ok {
		t.Fatalf("expected zero-valued non-nil field kept, record was %v", rec)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New("warn")
	l.SetOutput(&buf)

	l.Info(EventRequestStart, nil)
	if buf.Len() != 0 {
		t.Fatalf("expected info suppressed at warn level, got %q", buf.String())
	}

	l.Warn(EventRateLimited, nil)
	if buf.Len() == 0 {
		t.Fatalf("expected warn to be emitted at warn level")
	}
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := New("not-a-level")
	l.SetOutput(&buf)
	l.Info(EventStartup, nil)
	if buf.Len() == 0 {
		t.Fatalf("expected info level to be active after invalid level string")
	}
}
