// Package bus implements the in-process message bus: publish/subscribe
// fan-out with per-consumer failure isolation, typed request/response
// dispatch, consumer filters, and message pipes.
package bus

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds bus configuration.
type Config struct {
	// DefaultPublishTimeout bounds the caller's wait on Publish when the
	// call itself does not pass WithTimeout. Zero waits for the fan-out to
	// complete.
	DefaultPublishTimeout time.Duration
	// DefaultQueryTimeout bounds Send calls that do not pass WithTimeout.
	// Zero leaves only the caller's context as the bound.
	DefaultQueryTimeout time.Duration
}

// DefaultConfig returns the default bus configuration: unbounded waits,
// bounded only by the caller's context.
func DefaultConfig() Config {
	return Config{}
}

// Bus routes published messages to subscribed consumers and requests to
// their single registered handler. All methods are safe for concurrent use.
type Bus struct {
	config   Config
	resolver Resolver
	observer Observer

	mu       sync.RWMutex
	subs     []*registration
	typeRegs map[typePair]*registration
	handlers map[reflect.Type]*queryReg
	filters  []Filter
	pipes    []Pipe

	closed atomic.Bool
	work   *workTracker
}

// NewBusParams groups the dependencies for NewBus.
type NewBusParams struct {
	Config Config
	// Resolver produces consumer instances for type registrations. Defaults
	// to zero-value construction via reflection.
	Resolver Resolver
	// Observer receives delivery outcomes. Defaults to NoOpObserver.
	Observer Observer
}

// NewBus creates a new Bus instance.
func NewBus(params NewBusParams) *Bus {
	resolver := params.Resolver
	if resolver == nil {
		resolver = DefaultResolver
	}
	observer := params.Observer
	if observer == nil {
		observer = &NoOpObserver{}
	}
	return &Bus{
		config:   params.Config,
		resolver: resolver,
		observer: observer,
		typeRegs: make(map[typePair]*registration),
		handlers: make(map[reflect.Type]*queryReg),
		work:     newWorkTracker(),
	}
}

// Close marks the bus closed. Later Publish and Send calls are rejected with
// ErrClosed; work already dispatched keeps running and remains joinable via
// Quiesce.
func (b *Bus) Close() {
	b.closed.Store(true)
}

// Quiesce blocks until every consumer invocation and query handler started
// before the call has finished, including work that outlived its caller's
// wait, or until ctx expires.
func (b *Bus) Quiesce(ctx context.Context) error {
	return b.work.wait(ctx)
}

// workTracker counts in-flight dispatch work so it can be joined without
// racing WaitGroup reuse across concurrent publishes.
type workTracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func newWorkTracker() *workTracker {
	t := &workTracker{idle: make(chan struct{})}
	close(t.idle)
	return t
}

func (t *workTracker) add() {
	t.mu.Lock()
	if t.n == 0 {
		t.idle = make(chan struct{})
	}
	t.n++
	t.mu.Unlock()
}

func (t *workTracker) done() {
	t.mu.Lock()
	t.n--
	if t.n == 0 {
		close(t.idle)
	}
	t.mu.Unlock()
}

func (t *workTracker) wait(ctx context.Context) error {
	t.mu.Lock()
	ch := t.idle
	t.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
