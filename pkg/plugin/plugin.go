// Package plugin tracks plugin registration and enablement, and gates
// message delivery to plugin-owned consumers.
package plugin

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
)

const logPrefix = "plugin:registry"

// Info describes one registered plugin.
type Info struct {
	ID      string
	Name    string
	Version string
	// Requires constrains the framework versions the plugin supports, in
	// semver range syntax (">= 1.2.0, < 2.0.0"). Empty accepts any.
	Requires string
	// Disabled marks the plugin as excluded from delivery. The zero value
	// registers a plugin enabled.
	Disabled bool
	// DisabledReason records why the registry disabled the plugin itself,
	// such as a failed compatibility check.
	DisabledReason string
}

// Registry is the authority on which plugins may receive messages. The
// active switch turns every plugin-owned consumer off at once without
// touching per-plugin state.
type Registry struct {
	frameworkVersion *semver.Version

	mu      sync.RWMutex
	plugins map[string]*Info
	active  atomic.Bool
}

// NewRegistryParams groups the dependencies for NewRegistry.
type NewRegistryParams struct {
	// FrameworkVersion is the running framework version checked against
	// each plugin's Requires range.
	FrameworkVersion string
}

// NewRegistry creates a plugin registry with the active switch on.
func NewRegistry(params NewRegistryParams) (*Registry, error) {
	raw := params.FrameworkVersion
	if raw == "" {
		raw = "0.0.0"
	}
	ver, err := semver.NewVersion(raw)
	if err != nil {
		return nil, fmt.Errorf("%s - framework version %q: %w", logPrefix, raw, err)
	}
	r := &Registry{
		frameworkVersion: ver,
		plugins:          make(map[string]*Info),
	}
	r.active.Store(true)
	return r, nil
}

// Register adds a plugin. A plugin whose Requires range rejects the running
// framework version is registered disabled with the reason recorded, not
// rejected. Re-registering an id fails.
func (r *Registry) Register(info Info) error {
	if info.ID == "" {
		return fmt.Errorf("%s - plugin id is required", logPrefix)
	}
	if info.Version != "" {
		if _, err := semver.NewVersion(info.Version); err != nil {
			return fmt.Errorf("%s - plugin %s version %q: %w", logPrefix, info.ID, info.Version, err)
		}
	}
	if info.Requires != "" {
		c, err := semver.NewConstraint(info.Requires)
		if err != nil {
			return fmt.Errorf("%s - plugin %s requires %q: %w", logPrefix, info.ID, info.Requires, err)
		}
		if !c.Check(r.frameworkVersion) {
			info.Disabled = true
			info.DisabledReason = fmt.Sprintf("requires framework %s, running %s", info.Requires, r.frameworkVersion)
			slog.Warn(fmt.Sprintf("%s - plugin %s registered disabled: %s", logPrefix, info.ID, info.DisabledReason))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[info.ID]; ok {
		return fmt.Errorf("%s - plugin %s already registered", logPrefix, info.ID)
	}
	stored := info
	r.plugins[info.ID] = &stored
	return nil
}

// SetEnabled flips one plugin's delivery eligibility. Unknown ids fail.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[id]
	if !ok {
		return fmt.Errorf("%s - unknown plugin %s", logPrefix, id)
	}
	p.Disabled = !enabled
	if enabled {
		p.DisabledReason = ""
	}
	return nil
}

// Enabled reports whether consumers owned by the plugin may receive
// messages, ignoring the active switch. Unknown plugins are disabled.
func (r *Registry) Enabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	return ok && !p.Disabled
}

// Get returns a copy of the plugin's info.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	if !ok {
		return Info{}, false
	}
	return *p, true
}

// List returns copies of every registered plugin, sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetActive flips the kill-switch gating all plugin-owned consumers.
func (r *Registry) SetActive(active bool) {
	r.active.Store(active)
	if !active {
		slog.Info(fmt.Sprintf("%s - plugin delivery switched off", logPrefix))
	}
}

// Active reports the kill-switch state.
func (r *Registry) Active() bool {
	return r.active.Load()
}
