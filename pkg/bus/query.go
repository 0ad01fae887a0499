package bus

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"
)

const queryLogPrefix = "bus:query"

// HandlerFunc answers requests of type Req with responses of type Resp.
type HandlerFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

type queryReg struct {
	respType reflect.Type
	fn       uintptr
	name     string
	call     func(ctx context.Context, req any) (any, error)
}

// RegisterHandler binds h as the single handler for request type Req.
// Re-registering the same function is a no-op; binding a different handler
// to an already-handled request type fails with ErrHandlerConflict.
func RegisterHandler[Req, Resp any](b *Bus, h HandlerFunc[Req, Resp]) error {
	reqType := typeOf[Req]()
	if h == nil {
		return fmt.Errorf("%s - nil handler for %s", queryLogPrefix, reqType)
	}
	ptr := reflect.ValueOf(h).Pointer()
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.handlers[reqType]; ok {
		if existing.fn == ptr {
			return nil
		}
		return fmt.Errorf("%s - %s already has a handler: %w", queryLogPrefix, reqType, ErrHandlerConflict)
	}
	b.handlers[reqType] = &queryReg{
		respType: typeOf[Resp](),
		fn:       ptr,
		name:     fmt.Sprintf("%s handler", reqType),
		call: func(ctx context.Context, req any) (any, error) {
			return h(ctx, req.(Req))
		},
	}
	return nil
}

// Send dispatches req to its registered handler and waits for the response.
// Exactly one handler answers a request type; with none registered the call
// fails with ErrNoHandler. When ctx or the call timeout expires first, Send
// returns the context error and the handler keeps running detached, its
// eventual outcome logged and joinable via Quiesce. Cancellation does not
// reach the handler body.
func Send[Req, Resp any](ctx context.Context, b *Bus, req Req, opts ...CallOption) (Resp, error) {
	var zero Resp
	if b.closed.Load() {
		return zero, ErrClosed
	}
	o := callOptions{timeout: b.config.DefaultQueryTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	reqType := typeOf[Req]()
	b.mu.RLock()
	reg, ok := b.handlers[reqType]
	b.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("%s - no handler for %s: %w", queryLogPrefix, reqType, ErrNoHandler)
	}
	if respType := typeOf[Resp](); !reg.respType.AssignableTo(respType) {
		return zero, fmt.Errorf("%s - handler for %s answers %s, not %s", queryLogPrefix, reqType, reg.respType, respType)
	}

	waitCtx := ctx
	cancel := func() {}
	if o.timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, o.timeout)
	}
	defer cancel()

	handlerCtx := context.WithoutCancel(ctx)

	type result struct {
		resp any
		err  error
	}
	ch := make(chan result, 1)
	var abandoned atomic.Bool
	b.work.add()
	go func() {
		defer b.work.done()
		resp, err := func() (resp any, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%s - %s panicked: %v", queryLogPrefix, reg.name, r)
				}
			}()
			return reg.call(handlerCtx, req)
		}()
		if abandoned.Load() {
			if err != nil {
				slog.Error(fmt.Sprintf("%s - %s failed after caller stopped waiting: %v", queryLogPrefix, reg.name, err))
			} else {
				slog.Debug(fmt.Sprintf("%s - %s completed after caller stopped waiting", queryLogPrefix, reg.name))
			}
			return
		}
		ch <- result{resp: resp, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return zero, r.err
		}
		if r.resp == nil {
			return zero, nil
		}
		resp, ok := r.resp.(Resp)
		if !ok {
			return zero, fmt.Errorf("%s - %s returned %T", queryLogPrefix, reg.name, r.resp)
		}
		return resp, nil
	case <-waitCtx.Done():
		abandoned.Store(true)
		return zero, waitCtx.Err()
	}
}
