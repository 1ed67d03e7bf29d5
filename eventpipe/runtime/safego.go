package runtime

import (
	"context"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/log"
)

// SafeGo runs fn in a goroutine guarded by RecoverWithPolicyAndContext.
func SafeGo(logger log.Logger, name string, policy PanicPolicy, fn func()) {
	SafeGoWithContextAndComponent(context.Background(), logger, "eventpipe", name, policy, func(context.Context) {
		fn()
	})
}

// SafeGoWithContextAndComponent runs fn in a goroutine and reports panics
// under component and name.
func SafeGoWithContextAndComponent(
	ctx context.Context,
	logger log.Logger,
	component, name string,
	policy PanicPolicy,
	fn func(context.Context),
) {
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer RecoverWithPolicyAndContext(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}
