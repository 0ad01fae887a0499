package bus

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"
)

const consumerLogPrefix = "bus:consumer"

// Consumer handles messages of type T delivered through the bus. T may be a
// concrete type or an interface; a published message reaches every consumer
// whose registered type it is assignable to.
type Consumer[T any] interface {
	Consume(ctx context.Context, msg T) error
}

// Resolver produces a consumer instance for a type registered with
// RegisterConsumerType. It is the narrow seam for dependency injection; the
// bus never asks it for anything beyond instance construction.
type Resolver func(t reflect.Type) (any, error)

// DefaultResolver constructs zero-value instances: new(T) for pointer types,
// the zero value for struct types.
func DefaultResolver(t reflect.Type) (any, error) {
	switch t.Kind() {
	case reflect.Pointer:
		if t.Elem().Kind() == reflect.Struct {
			return reflect.New(t.Elem()).Interface(), nil
		}
	case reflect.Struct:
		return reflect.New(t).Elem().Interface(), nil
	}
	return nil, fmt.Errorf("%s - no default construction for %s", consumerLogPrefix, t)
}

type typePair struct {
	msg      reflect.Type
	consumer reflect.Type
}

// registration is one delivery target: either a subscribed instance or a
// type mapping resolved per publish. The active flag gates new invocations
// after Unsubscribe; deliveries already executing are not interrupted.
type registration struct {
	msgType  reflect.Type
	name     string
	instance any
	resolve  func() (any, error)
	active   atomic.Bool
	call     func(ctx context.Context, consumer any, msg any) error
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Subscribe registers a consumer instance for messages of type T. Instances
// must be comparable (in practice, pointers). Subscribing the same instance
// for the same message type twice keeps a single registration.
func Subscribe[T any](b *Bus, c Consumer[T]) {
	if c == nil {
		return
	}
	msgType := typeOf[T]()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, reg := range b.subs {
		if reg.instance != nil && reg.instance == c && reg.msgType == msgType {
			return
		}
	}
	reg := &registration{
		msgType:  msgType,
		name:     fmt.Sprintf("%T", c),
		instance: c,
		call: func(ctx context.Context, consumer any, msg any) error {
			return consumer.(Consumer[T]).Consume(ctx, msg.(T))
		},
	}
	reg.active.Store(true)
	b.subs = append(b.subs, reg)
}

// Unsubscribe removes every subscription held by the consumer instance.
// Once it returns, no new delivery to that instance starts, even for
// publishes already in flight; a Consume call already executing runs to
// completion.
func (b *Bus) Unsubscribe(c any) {
	if c == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := make([]*registration, 0, len(b.subs))
	for _, reg := range b.subs {
		if reg.instance != nil && reg.instance == c {
			reg.active.Store(false)
			continue
		}
		kept = append(kept, reg)
	}
	b.subs = kept
}

// RegisterConsumerType maps message type T to consumer type C. Every
// delivery resolves a fresh C through the bus resolver, so C carries no
// state between messages. Registering the same pair repeatedly, from any
// number of goroutines, keeps a single registration.
func RegisterConsumerType[T any, C Consumer[T]](b *Bus) {
	msgType := typeOf[T]()
	consumerType := typeOf[C]()
	key := typePair{msg: msgType, consumer: consumerType}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.typeRegs[key]; ok {
		return
	}
	resolver := b.resolver
	reg := &registration{
		msgType: msgType,
		name:    consumerType.String(),
		resolve: func() (any, error) {
			v, err := resolver(consumerType)
			if err != nil {
				return nil, fmt.Errorf("%s - resolve %s: %w", consumerLogPrefix, consumerType, err)
			}
			c, ok := v.(Consumer[T])
			if !ok {
				return nil, fmt.Errorf("%s - resolved %T does not consume %s", consumerLogPrefix, v, msgType)
			}
			return c, nil
		},
		call: func(ctx context.Context, consumer any, msg any) error {
			return consumer.(Consumer[T]).Consume(ctx, msg.(T))
		},
	}
	reg.active.Store(true)
	b.typeRegs[key] = reg
	b.subs = append(b.subs, reg)
}
