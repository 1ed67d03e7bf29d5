package eventpipe

import (
	"context"
	"strings"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type contextKey string

const trackingKey = contextKey("eventpipe_tracking")

const defaultTracerName = "eventpipe.default"

// Tracking is the bundle of request-scoped facilities attached to a context.
type Tracking struct {
	Logger        log.Logger
	Tracer        trace.Tracer
	CorrelationID string
}

func trackingFrom(ctx context.Context) Tracking {
	if ctx == nil {
		return Tracking{}
	}

	if values, ok := ctx.Value(trackingKey).(Tracking); ok {
		return values
	}

	return Tracking{}
}

// ContextWithLogger attaches logger to ctx.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	values := trackingFrom(ctx)
	values.Logger = logger

	return context.WithValue(ctx, trackingKey, values)
}

// ContextWithTracer attaches tracer to ctx.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	values := trackingFrom(ctx)
	values.Tracer = tracer

	return context.WithValue(ctx, trackingKey, values)
}

// ContextWithCorrelationID attaches the correlation id carried by events
// published or handled under ctx.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	values := trackingFrom(ctx)
	values.CorrelationID = strings.TrimSpace(correlationID)

	return context.WithValue(ctx, trackingKey, values)
}

// CorrelationIDFromContext returns the attached correlation id or "".
func CorrelationIDFromContext(ctx context.Context) string {
	return trackingFrom(ctx).CorrelationID
}

// NewLoggerFromContext returns the attached logger or a no-op logger.
//
//nolint:ireturn
func NewLoggerFromContext(ctx context.Context) log.Logger {
	if logger := trackingFrom(ctx).Logger; logger != nil {
		return logger
	}

	return log.NewNop()
}

// NewTrackingFromContext returns the logger, tracer and correlation id in ctx,
// substituting a no-op logger, the global tracer and a fresh UUID for
// missing values.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string) {
	values := trackingFrom(ctx)

	logger := values.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	tracer := values.Tracer
	if tracer == nil {
		tracer = otel.Tracer(defaultTracerName)
	}

	correlationID := values.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	return logger, tracer, correlationID
}
