package telemetry

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"mkutano/internal/config"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	before := otel.GetTracerProvider()
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{ServiceName: "test"}, quietLogger)
	require.NoError(t, err)
	assert.Equal(t, before, otel.GetTracerProvider())
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupInstallsProvider(t *testing.T) {
	before := otel.GetTracerProvider()
	defer otel.SetTracerProvider(before)

	shutdown, err := Setup(context.Background(), config.TelemetryConfig{
		ServiceName:  "test",
		OTLPEndpoint: "http://127.0.0.1:4318",
		Insecure:     true,
	}, quietLogger)
	require.NoError(t, err)
	assert.NotEqual(t, before, otel.GetTracerProvider())

	_, span := otel.Tracer("test").Start(context.Background(), "noop")
	span.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// nothing listens on the endpoint; shutdown must still return
	_ = shutdown(ctx)
}
