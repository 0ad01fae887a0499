package bus

import "context"

type contextKey int

const correlationIDKey contextKey = iota

// WithCorrelationID returns a context carrying the correlation id for a
// dispatch chain. The id survives the bus detaching consumer work from the
// caller's cancellation.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFrom returns the correlation id carried by ctx, or the empty
// string.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}
