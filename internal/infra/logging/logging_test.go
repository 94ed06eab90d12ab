package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestWith_AttachesContextFields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithSubscriberID(ctx, "user-9")
	With(ctx, &base).Info().Msg("hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["trace_id"] != "trace-1" || rec["subscriber_id"] != "user-9" {
		t.Errorf("missing context fields: %v", rec)
	}
	if _, ok := rec["subscription_id"]; ok {
		t.Error("unset fields must not be logged")
	}
	if TraceID(ctx) != "trace-1" {
		t.Errorf("TraceID() = %q", TraceID(ctx))
	}
}

func TestRedact(t *testing.T) {
	if got := Redact("254712345678", false); got != "2547...78" {
		t.Errorf("unexpected redaction %q", got)
	}
	if got := Redact("short", false); got != "***" {
		t.Errorf("unexpected redaction %q", got)
	}
	if got := Redact("254712345678", true); got != "254712345678" {
		t.Errorf("dev mode must not redact, got %q", got)
	}
}
