package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const meterName = "eventpipe.runtime"

// RecoverAndLog recovers a panic and logs it with its stack trace. Use it in
// a defer where no context is available.
func RecoverAndLog(logger log.Logger, name string) {
	if r := recover(); r != nil {
		logPanicWithStack(context.Background(), logger, name, r, debug.Stack())
	}
}

// RecoverAndLogWithContext recovers a panic, logs it and records it on the
// panic counter, the span in ctx and the configured ErrorReporter.
//
//	defer runtime.RecoverAndLogWithContext(ctx, logger, "outbox", "processor.tick")
func RecoverAndLogWithContext(ctx context.Context, logger log.Logger, component, name string) {
	if r := recover(); r != nil {
		stack := debug.Stack()
		logPanicWithStack(ctx, logger, name, r, stack)
		recordPanicObservability(ctx, r, stack, component, name)
	}
}

// RecoverWithPolicyAndContext is RecoverAndLogWithContext followed by a
// re-panic when policy is CrashProcess.
func RecoverWithPolicyAndContext(ctx context.Context, logger log.Logger, component, name string, policy PanicPolicy) {
	if r := recover(); r != nil {
		stack := debug.Stack()
		logPanicWithStack(ctx, logger, name, r, stack)
		recordPanicObservability(ctx, r, stack, component, name)

		if policy == CrashProcess {
			panic(r)
		}
	}
}

// HandlePanicValue reports a panic value that the caller already recovered.
func HandlePanicValue(ctx context.Context, logger log.Logger, panicValue any, component, name string) {
	if panicValue == nil {
		return
	}

	stack := debug.Stack()
	logPanicWithStack(ctx, logger, name, panicValue, stack)
	recordPanicObservability(ctx, panicValue, stack, component, name)
}

func logPanicWithStack(ctx context.Context, logger log.Logger, name string, panicValue any, stack []byte) {
	if logger == nil {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("source", name),
		log.String("panic_value", formatPanicValue(panicValue)),
		log.String("stack_trace", string(stack)),
	)
}

func recordPanicObservability(ctx context.Context, panicValue any, stack []byte, component, name string) {
	if ctx == nil {
		ctx = context.Background()
	}

	recordPanicMetric(ctx, component, name)
	recordPanicSpanEvent(ctx, panicValue, component, name)
	reportPanicToErrorService(ctx, panicValue, stack, component, name)
}

func recordPanicMetric(ctx context.Context, component, name string) {
	counter, err := otel.GetMeterProvider().Meter(meterName).Int64Counter(
		"panic.recovered.total",
		metric.WithDescription("Total number of recovered panics"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return
	}

	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("goroutine_name", name),
	))
}

func recordPanicSpanEvent(ctx context.Context, panicValue any, component, name string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	value := formatPanicValue(panicValue)
	if IsProductionMode() {
		value = redactedPanicMsg
	}

	span.AddEvent("panic.recovered", trace.WithAttributes(
		attribute.String("panic.component", component),
		attribute.String("panic.goroutine_name", name),
		attribute.String("panic.value", value),
	))
}

func formatPanicValue(value any) string {
	if value == nil {
		return "<nil>"
	}

	switch val := value.(type) {
	case string:
		return val
	case error:
		return val.Error()
	default:
		return fmt.Sprintf("%v", value)
	}
}
