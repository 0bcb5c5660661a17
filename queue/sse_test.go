package queue

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseSSEResult_LastFrameWins(t *testing.T) {
	body := strings.NewReader(
		"data: {\"step\": 1}\n" +
			"\n" +
			"data: {\"step\": 2}\n" +
			"\n" +
			"data: {\"status\": \"done\", \"answer\": 42}\n")

	got, err := ParseSSEResult(body)
	if err != nil {
		t.Fatalf("ParseSSEResult() error = %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(got, &out); err != nil {
		t.Fatalf("result is not valid JSON: %v", err)
	}
	if out["status"] != "done" {
		t.Errorf("expected last frame, got %s", got)
	}
}

func TestParseSSEResult_SkipsInvalidJSON(t *testing.T) {
	body := strings.NewReader(
		"data: {\"ok\": true}\n" +
			"data: not json at all\n" +
			"event: ping\n")

	got, err := ParseSSEResult(body)
	if err != nil {
		t.Fatalf("ParseSSEResult() error = %v", err)
	}
	if string(got) != `{"ok": true}` {
		t.Errorf("expected the parsed frame, got %s", got)
	}
}

func TestParseSSEResult_RawFallback(t *testing.T) {
	body := strings.NewReader("plain text response\nsecond line\n")

	got, err := ParseSSEResult(body)
	if err != nil {
		t.Fatalf("ParseSSEResult() error = %v", err)
	}
	var out map[string]string
	if err := json.Unmarshal(got, &out); err != nil {
		t.Fatalf("fallback is not valid JSON: %v", err)
	}
	if !strings.Contains(out["raw"], "plain text response") {
		t.Errorf("raw fallback missing body head: %q", out["raw"])
	}
}

func TestParseSSEResult_RawFallbackBounded(t *testing.T) {
	body := strings.NewReader(strings.Repeat("x", 5000))

	got, err := ParseSSEResult(body)
	if err != nil {
		t.Fatalf("ParseSSEResult() error = %v", err)
	}
	var out map[string]string
	if err := json.Unmarshal(got, &out); err != nil {
		t.Fatalf("fallback is not valid JSON: %v", err)
	}
	if len(out["raw"]) > rawCaptureBytes {
		t.Errorf("raw capture is %d bytes, cap is %d", len(out["raw"]), rawCaptureBytes)
	}
}

func TestParseSSEStream_OnFrameOrder(t *testing.T) {
	body := strings.NewReader(
		"data: {\"n\": 1}\n" +
			"data: {\"n\": 2}\n" +
			"data: {\"n\": 3}\n")

	var frames []string
	_, err := ParseSSEStream(body, func(frame json.RawMessage) {
		frames = append(frames, string(frame))
	})
	if err != nil {
		t.Fatalf("ParseSSEStream() error = %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if frames[0] != `{"n": 1}` || frames[2] != `{"n": 3}` {
		t.Errorf("frames out of order: %v", frames)
	}
}
