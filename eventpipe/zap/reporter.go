package zap

import (
	"context"
	"sort"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/runtime"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.uber.org/zap"
)

// ErrorReporter implements runtime.ErrorReporter by emitting recovered panics
// as error records on the OpenTelemetry log pipeline only. The console output
// of the regular Logger is not duplicated.
type ErrorReporter struct {
	logger *zap.Logger
}

var _ runtime.ErrorReporter = (*ErrorReporter)(nil)

// NewErrorReporter builds a reporter whose records are scoped to libraryName.
func NewErrorReporter(libraryName string, opts ...otelzap.Option) *ErrorReporter {
	return &ErrorReporter{logger: zap.New(otelzap.NewCore(libraryName, opts...))}
}

// CaptureException emits err with tags as attributes. The span context of
// ctx is attached by the bridge.
func (r *ErrorReporter) CaptureException(ctx context.Context, err error, tags map[string]string) {
	if r == nil || r.logger == nil || err == nil {
		return
	}

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	fields := make([]zap.Field, 0, len(keys)+2)
	for _, k := range keys {
		fields = append(fields, zap.String(k, tags[k]))
	}

	fields = append(fields, zap.Error(err))

	if ctx != nil {
		fields = append(fields, zap.Any("context", ctx))
	}

	r.logger.Error("exception captured", fields...)
}
