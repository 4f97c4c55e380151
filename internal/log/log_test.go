package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/CZERTAINLY/RepoStats/internal/log"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(&buf, false)

	ctx := log.ContextAttrs(t.Context(), slog.String("job_id", "42"))
	child := log.ContextAttrs(ctx, slog.String("org", "octo"))
	logger.InfoContext(ctx, "parent")
	logger.With("k", "v").InfoContext(child, "child")
	logger.DebugContext(child, "hidden")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var parent, got map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &parent))
	require.Equal(t, "42", parent["job_id"])
	require.NotContains(t, parent, "org")

	require.NoError(t, json.Unmarshal(lines[1], &got))
	require.Equal(t, "42", got["job_id"])
	require.Equal(t, "octo", got["org"])
	require.Equal(t, "v", got["k"])
}

func TestTraceID(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(&buf, false)

	logger.InfoContext(t.Context(), "untraced")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02},
		SpanID:     trace.SpanID{0x03},
		TraceFlags: trace.FlagsSampled,
	})
	logger.InfoContext(trace.ContextWithSpanContext(t.Context(), sc), "traced")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var untraced, traced map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &untraced))
	require.NotContains(t, untraced, "trace_id")
	require.NoError(t, json.Unmarshal(lines[1], &traced))
	require.Equal(t, "01020000000000000000000000000000", traced["trace_id"])
}

func TestRedact(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(&buf, true)
	logger.Debug("validating", "token", "ghp_123", "GH_TOKEN", "ghp_456", "Authorization", "token ghp_789", "host", "github.com")

	out := buf.String()
	require.NotContains(t, out, "ghp_")
	require.Contains(t, out, `"host":"github.com"`)
	require.Contains(t, out, `"token":"[REDACTED]"`)
}

func TestOutput(t *testing.T) {
	t.Parallel()
	for _, dest := range []string{"", "stderr", "stdout", "discard"} {
		w, closeFn, err := log.Output(dest)
		require.NoError(t, err)
		require.NotNil(t, w)
		require.NoError(t, closeFn())
	}

	path := filepath.Join(t.TempDir(), "repostats.log")
	w, closeFn, err := log.Output(path)
	require.NoError(t, err)
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, closeFn())

	_, _, err = log.Output(filepath.Join(t.TempDir(), "missing", "x.log"))
	require.Error(t, err)
}
