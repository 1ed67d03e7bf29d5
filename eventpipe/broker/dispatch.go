package broker

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/log"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/runtime"
)

// Invoke runs handler on delivery and settles whatever the handler left
// unsettled: ack on nil, nak with requeue on error or panic. It returns the
// handler error.
func Invoke(ctx context.Context, logger log.Logger, handler Handler, delivery Delivery) (err error) {
	if logger == nil {
		logger = log.NewNop()
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(ctx, logger, recovered, "broker", "handler")
			err = fmt.Errorf("handler panicked: %v", recovered)
		}

		if delivery.Settled() {
			return
		}

		var settleErr error
		if err == nil {
			settleErr = delivery.Ack(ctx)
		} else {
			settleErr = delivery.Nak(ctx, true)
		}

		if settleErr != nil {
			logger.Log(ctx, log.LevelWarn, "failed to settle delivery",
				log.String(log.KeyMessageID, delivery.MessageID()),
				log.String(log.KeyTopic, delivery.Topic()),
				log.Int(log.KeyPartition, delivery.Partition()),
				log.Err(settleErr),
			)
		}
	}()

	return handler(ctx, delivery)
}
