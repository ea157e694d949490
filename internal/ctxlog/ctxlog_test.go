package ctxlog

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestFromContext_DefaultWhenMissing(t *testing.T) {
	if got := FromContext(context.Background()); got != slog.Default() {
		t.Error("expected slog.Default() for a bare context")
	}
}

func TestWith_AddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithLogger(context.Background(), logger)
	ctx = With(ctx, "unit", "compile")
	FromContext(ctx).Info("started")

	out := buf.String()
	if !strings.Contains(out, "unit=compile") || !strings.Contains(out, "msg=started") {
		t.Errorf("unexpected log output: %q", out)
	}
}
