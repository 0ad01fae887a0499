package bus

// Filter gates delivery of a message to a consumer. Every registered filter
// must allow a (consumer, message) pair before the consumer is invoked;
// suppressed deliveries are skipped silently.
type Filter interface {
	Allow(consumer any, msg any) bool
}

// FilterFunc adapts a function to the Filter interface.
type FilterFunc func(consumer any, msg any) bool

// Allow calls f.
func (f FilterFunc) Allow(consumer any, msg any) bool {
	return f(consumer, msg)
}

// UseFilter appends f to the filter chain consulted on every delivery.
func (b *Bus) UseFilter(f Filter) {
	if f == nil {
		return
	}
	b.mu.Lock()
	b.filters = append(b.filters, f)
	b.mu.Unlock()
}
