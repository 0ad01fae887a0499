package bus

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

const publishLogPrefix = "bus:publish"

// CallOption adjusts a single Publish or Send call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout bounds the caller's wait on a Publish or Send call. The bound
// never interrupts dispatched work: a publish fan-out keeps running after it
// expires, and a query handler runs to completion with its result discarded.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// Publish delivers msg to every consumer whose registered message type it is
// assignable to, each on its own goroutine, and waits for the fan-out to
// finish. A consumer error or panic is logged and reported to the observer
// without affecting other consumers or the caller. When ctx or the call
// timeout expires first, Publish returns the context error while remaining
// consumer work continues detached; Quiesce joins it.
func (b *Bus) Publish(ctx context.Context, msg any, opts ...CallOption) error {
	if msg == nil {
		return fmt.Errorf("%s - nil message", publishLogPrefix)
	}
	if b.closed.Load() {
		return ErrClosed
	}
	o := callOptions{timeout: b.config.DefaultPublishTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	msgType := reflect.TypeOf(msg)
	b.mu.RLock()
	var regs []*registration
	for _, reg := range b.subs {
		if msgType.AssignableTo(reg.msgType) {
			regs = append(regs, reg)
		}
	}
	filters := make([]Filter, len(b.filters))
	copy(filters, b.filters)
	pipes := make([]Pipe, len(b.pipes))
	copy(pipes, b.pipes)
	b.mu.RUnlock()

	if len(regs) == 0 {
		return nil
	}

	waitCtx := ctx
	cancel := func() {}
	if o.timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, o.timeout)
	}
	defer cancel()

	// Consumers never see the caller's wait bound; their context keeps the
	// caller's values but not its cancellation.
	consumeCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, reg := range regs {
		consumer := reg.instance
		if reg.resolve != nil {
			var err error
			consumer, err = reg.resolve()
			if err != nil {
				slog.Error(fmt.Sprintf("%s - %v", publishLogPrefix, err))
				b.observer.Observe(Event{
					Kind:          EventResolveFailed,
					Consumer:      reg.name,
					Message:       fmt.Sprintf("%T", msg),
					CorrelationID: CorrelationIDFrom(ctx),
					Err:           err,
				})
				continue
			}
		}
		if !allowAll(filters, consumer, msg) {
			slog.Debug(fmt.Sprintf("%s - delivery of %T to %s suppressed by filter", publishLogPrefix, msg, reg.name))
			b.observer.Observe(Event{
				Kind:          EventFiltered,
				Consumer:      reg.name,
				Message:       fmt.Sprintf("%T", msg),
				CorrelationID: CorrelationIDFrom(ctx),
			})
			continue
		}
		inv := composePipes(pipes, reg.call)
		wg.Add(1)
		b.work.add()
		go func(reg *registration, consumer any) {
			defer wg.Done()
			defer b.work.done()
			b.invoke(consumeCtx, inv, reg, consumer, msg)
		}(reg, consumer)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-waitCtx.Done():
		return waitCtx.Err()
	}
}

// invoke runs one delivery inside the isolation boundary. The active check
// resolves unsubscribe races in favor of not delivering.
func (b *Bus) invoke(ctx context.Context, inv Invocation, reg *registration, consumer any, msg any) {
	if !reg.active.Load() {
		return
	}
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s - consumer %s panicked: %v", publishLogPrefix, reg.name, r)
			}
		}()
		return inv(ctx, consumer, msg)
	}()
	ev := Event{
		Kind:          EventDelivered,
		Consumer:      reg.name,
		Message:       fmt.Sprintf("%T", msg),
		CorrelationID: CorrelationIDFrom(ctx),
		Duration:      time.Since(start),
	}
	if err != nil {
		ev.Kind = EventFailed
		ev.Err = err
		slog.Error(fmt.Sprintf("%s - consumer %s failed on %T: %v", publishLogPrefix, reg.name, msg, err))
	}
	b.observer.Observe(ev)
}

func allowAll(filters []Filter, consumer any, msg any) bool {
	for _, f := range filters {
		if !f.Allow(consumer, msg) {
			return false
		}
	}
	return true
}

func composePipes(pipes []Pipe, base Invocation) Invocation {
	inv := base
	for _, p := range pipes {
		inv = p.Around(inv)
	}
	return inv
}
