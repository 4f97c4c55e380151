package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/CZERTAINLY/RepoStats/internal/api"
	"github.com/CZERTAINLY/RepoStats/internal/model"
	"github.com/stretchr/testify/require"
)

func TestTracing(t *testing.T) {
	t.Parallel()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() {
		require.NoError(t, tp.Shutdown(context.Background()))
	})

	srv, err := api.New(api.Options{
		Jobs:           newFakeJobs(completedJob()),
		Tokens:         fakeTokens{},
		Version:        "1.2.3",
		TracerProvider: tp,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	require.Equal(t, http.StatusOK, call(t, ts, http.MethodGet, "/api/status/done", "").status)
	require.Equal(t, http.StatusNotFound, call(t, ts, http.MethodGet, "/api/status/nope", "").status)

	var spans []sdktrace.ReadOnlySpan
	require.Eventually(t, func() bool {
		spans = recorder.Ended()
		return len(spans) == 2
	}, time.Second, 10*time.Millisecond)
	for i, want := range []int{http.StatusOK, http.StatusNotFound} {
		span := spans[i]
		require.Equal(t, "GET /api/status/{id}", span.Name())
		require.Equal(t, trace.SpanKindServer, span.SpanKind())
		require.Contains(t, span.Attributes(), attribute.Int("http.response.status_code", want))
		require.Contains(t, span.Attributes(), attribute.String("http.route", "/api/status/{id}"))
	}
}

func TestTracingDefaults(t *testing.T) {
	t.Parallel()
	_, err := api.New(api.Options{Jobs: newFakeJobs(), Tokens: fakeTokens{}, Limits: model.Limits{}})
	require.NoError(t, err)
}
