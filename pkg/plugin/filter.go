package plugin

// Owned is implemented by consumers that belong to a plugin. Consumers
// without a plugin affiliation pass this filter unconditionally.
type Owned interface {
	PluginID() string
}

// Filter suppresses deliveries to consumers owned by disabled or unknown
// plugins and, while the registry's active switch is off, to every
// plugin-owned consumer. It satisfies the bus filter contract.
type Filter struct {
	registry *Registry
}

// NewFilter creates the delivery gate backed by reg.
func NewFilter(reg *Registry) *Filter {
	return &Filter{registry: reg}
}

// Allow reports whether the consumer may receive the message.
func (f *Filter) Allow(consumer any, _ any) bool {
	owned, ok := consumer.(Owned)
	if !ok {
		return true
	}
	if !f.registry.Active() {
		return false
	}
	return f.registry.Enabled(owned.PluginID())
}
