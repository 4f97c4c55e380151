package telemetry_test

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/CZERTAINLY/RepoStats/internal/model"
	"github.com/CZERTAINLY/RepoStats/internal/telemetry"
	"github.com/stretchr/testify/require"
)

func TestInitDisabled(t *testing.T) {
	t.Parallel()
	for _, cfg := range []*model.Telemetry{nil, {}} {
		p, shutdown, err := telemetry.Init(t.Context(), cfg, "test")
		require.NoError(t, err)
		require.IsType(t, noop.MeterProvider{}, p.Meter)
		require.IsType(t, tracenoop.TracerProvider{}, p.Tracer)
		shutdown(t.Context())
	}
}

func TestInit(t *testing.T) {
	t.Parallel()
	// the grpc exporter connects lazily, nothing listens there
	p, shutdown, err := telemetry.Init(t.Context(), &model.Telemetry{OTLPEndpoint: "127.0.0.1:4317", Insecure: true}, "test")
	require.NoError(t, err)
	require.IsType(t, &sdkmetric.MeterProvider{}, p.Meter)
	require.IsType(t, &sdktrace.TracerProvider{}, p.Tracer)
	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()
	shutdown(ctx)
}

func TestNewResource(t *testing.T) {
	t.Parallel()
	res := telemetry.NewResource("1.2.3")
	var names []string
	for _, kv := range res.Attributes() {
		names = append(names, string(kv.Key)+"="+kv.Value.AsString())
	}
	require.Contains(t, names, "service.name=repostats")
	require.Contains(t, names, "service.version=1.2.3")
}
