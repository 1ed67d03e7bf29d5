package opentelemetry

import (
	"context"
	"maps"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InjectQueueTraceContext returns the W3C trace headers for the span in ctx,
// ready to be attached to a broker message.
func InjectQueueTraceContext(ctx context.Context) map[string]string {
	carrier := propagation.HeaderCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := make(map[string]string, len(carrier))

	for k, v := range carrier {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	return headers
}

// ExtractQueueTraceContext continues the trace carried in message headers.
func ExtractQueueTraceContext(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}

	carrier := propagation.HeaderCarrier{}
	for k, v := range headers {
		carrier.Set(k, v)
	}

	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MergeQueueHeaders returns a copy of base with the trace headers of ctx added.
func MergeQueueHeaders(ctx context.Context, base map[string]string) map[string]string {
	headers := make(map[string]string, len(base)+2)
	maps.Copy(headers, base)
	maps.Copy(headers, InjectQueueTraceContext(ctx))

	return headers
}

// ExtractTraceContextFromTable is ExtractQueueTraceContext for AMQP-style
// header tables; non-string values are ignored.
func ExtractTraceContextFromTable(ctx context.Context, table map[string]any) context.Context {
	if len(table) == 0 {
		return ctx
	}

	headers := make(map[string]string, len(table))

	for k, v := range table {
		if str, ok := v.(string); ok {
			headers[k] = str
		}
	}

	return ExtractQueueTraceContext(ctx, headers)
}
