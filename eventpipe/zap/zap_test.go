//go:build unit

package zap

import (
	"context"
	"errors"
	"testing"

	logpkg "github.com/LerianStudio/lib-eventpipe/eventpipe/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, observed := observer.New(level)

	return &Logger{logger: zap.New(core)}, observed
}

func TestLoggerNilReceiverFallsBackToNop(t *testing.T) {
	var nilLogger *Logger

	assert.NotPanics(t, func() {
		nilLogger.Log(context.Background(), logpkg.LevelInfo, "message")
		_ = nilLogger.With(logpkg.String("k", "v"))
	})
}

func TestLogMapsLevelsAndFields(t *testing.T) {
	logger, observed := newObservedLogger(zapcore.DebugLevel)

	logger.Log(context.Background(), logpkg.LevelWarn, "claim failed",
		logpkg.String(logpkg.KeyTopic, "events"),
		logpkg.Err(errors.New("boom")),
	)

	entries := observed.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "claim failed", entries[0].Message)

	ctxMap := entries[0].ContextMap()
	assert.Equal(t, "events", ctxMap[logpkg.KeyTopic])
	assert.Equal(t, "boom", ctxMap["error"])
}

func TestLogAppendsTraceIdentifiers(t *testing.T) {
	logger, observed := newObservedLogger(zapcore.DebugLevel)

	traceID, err := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	require.NoError(t, err)

	spanID, err := trace.SpanIDFromHex("0102030405060708")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger.Log(ctx, logpkg.LevelInfo, "published")

	ctxMap := observed.All()[0].ContextMap()
	assert.Equal(t, traceID.String(), ctxMap["trace_id"])
	assert.Equal(t, spanID.String(), ctxMap["span_id"])
}

func TestLogEscapesControlCharacters(t *testing.T) {
	logger, observed := newObservedLogger(zapcore.DebugLevel)

	logger.Log(context.Background(), logpkg.LevelInfo, "line\nforged", logpkg.String("k", "a\tb"))

	entry := observed.All()[0]
	assert.Equal(t, `line\nforged`, entry.Message)
	assert.Equal(t, `a\tb`, entry.ContextMap()["k"])
}

func TestEnabledFollowsCoreLevel(t *testing.T) {
	logger, _ := newObservedLogger(zapcore.InfoLevel)

	assert.True(t, logger.Enabled(logpkg.LevelError))
	assert.True(t, logger.Enabled(logpkg.LevelInfo))
	assert.False(t, logger.Enabled(logpkg.LevelDebug))
}

func TestWithAndWithGroup(t *testing.T) {
	logger, observed := newObservedLogger(zapcore.DebugLevel)

	child := logger.With(logpkg.String(logpkg.KeyConsumerGroup, "billing"))
	child.Log(context.Background(), logpkg.LevelInfo, "handled")

	assert.Equal(t, "billing", observed.All()[0].ContextMap()[logpkg.KeyConsumerGroup])

	grouped := logger.WithGroup("outbox")
	grouped.Log(context.Background(), logpkg.LevelInfo, "claimed", logpkg.Int("count", 2))

	nested, ok := observed.All()[1].ContextMap()["outbox"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, nested["count"])
}

func TestSyncHonoursCancelledContext(t *testing.T) {
	logger, _ := newObservedLogger(zapcore.DebugLevel)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, logger.Sync(ctx), context.Canceled)
	require.NoError(t, logger.Sync(context.Background()))
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Environment: EnvironmentLocal})
	require.Error(t, err)

	_, err = New(Config{Environment: "mars", OTelLibraryName: "eventpipe"})
	require.Error(t, err)

	_, err = New(Config{Environment: EnvironmentProduction, Level: "loud", OTelLibraryName: "eventpipe"})
	require.Error(t, err)
}

func TestNewResolvesLevelByEnvironment(t *testing.T) {
	logger, err := New(Config{Environment: EnvironmentLocal, OTelLibraryName: "eventpipe"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, logger.Level().Level())

	logger, err = New(Config{Environment: EnvironmentProduction, OTelLibraryName: "eventpipe"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, logger.Level().Level())

	logger, err = New(Config{Environment: EnvironmentProduction, Level: "warn", OTelLibraryName: "eventpipe"})
	require.NoError(t, err)
	assert.False(t, logger.Enabled(logpkg.LevelInfo))
}
