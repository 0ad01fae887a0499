package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const traceLogPrefix = "bus:trace"

// TracePipe logs every delivery with its consumer, message type, duration,
// and outcome. Install it before other pipes to time the consumer call
// alone, after them to time the whole chain.
type TracePipe struct{}

// Around implements Pipe.
func (TracePipe) Around(next Invocation) Invocation {
	return func(ctx context.Context, consumer any, msg any) error {
		start := time.Now()
		err := next(ctx, consumer, msg)
		if err != nil {
			slog.Debug(fmt.Sprintf("%s - %T consumed %T in %s: %v", traceLogPrefix, consumer, msg, time.Since(start), err))
		} else {
			slog.Debug(fmt.Sprintf("%s - %T consumed %T in %s", traceLogPrefix, consumer, msg, time.Since(start)))
		}
		return err
	}
}
