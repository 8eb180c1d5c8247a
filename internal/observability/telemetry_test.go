package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "hermes-sync", "warn")
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, `"app":"hermes-sync"`)

	require.Equal(t, zerolog.InfoLevel, NewLogger(&buf, "x", "loud").GetLevel())
}

func TestLoggerWithTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	require.Equal(t, logger, LoggerWithTrace(context.Background(), logger))

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	traced := LoggerWithTrace(ctx, logger)
	traced.Info().Msg("traced")
	require.Contains(t, buf.String(), span.SpanContext().TraceID().String())
}

func TestStartWithoutExporters(t *testing.T) {
	shutdown, err := Start(context.Background(), Config{ServiceName: "hermes-sync"}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	RegisterRuntimeCollectors()
	RegisterRuntimeCollectors()
}
