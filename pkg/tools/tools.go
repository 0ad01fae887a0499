// Package tools maintains the registry of callable tools exposed over the
// protocol surface: registration, enablement, input schemas, and change
// notification hooks.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const logPrefix = "tools:registry"

// Content is one block of tool output.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextContent returns a text content block.
func TextContent(text string) Content {
	return Content{Type: "text", Text: text}
}

// Result is the outcome of a tool call. IsError marks a tool-level failure
// carried as a result payload, not as a protocol error.
type Result struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// TextResult builds a successful single-block text result.
func TextResult(text string) *Result {
	return &Result{Content: []Content{TextContent(text)}}
}

// ErrorResult builds a tool-level failure result.
func ErrorResult(text string) *Result {
	return &Result{Content: []Content{TextContent(text)}, IsError: true}
}

// Handler executes a tool call. The input is the decoded arguments value
// when the descriptor declares an InputType, otherwise the raw arguments
// object as json.RawMessage.
type Handler func(ctx context.Context, input any) (*Result, error)

// Descriptor describes one callable tool.
type Descriptor struct {
	Name        string
	Description string
	// InputSchema is the JSON schema advertised for the tool's arguments.
	// When present it is compiled at registration and enforced per call.
	InputSchema json.RawMessage
	// InputType, when non-nil, is the Go type the arguments are decoded
	// into before the handler runs.
	InputType reflect.Type
	// PluginID ties the tool's availability to a plugin's enablement.
	PluginID string
	// Disabled excludes the tool from listings; calling it yields a
	// tool-level error result.
	Disabled bool
	Handler  Handler
}

// Tool is a registered tool with its compiled schema.
type Tool struct {
	Descriptor
	schema *jsonschema.Schema
}

// ValidateArgs checks raw arguments against the tool's compiled schema.
// Tools without a schema accept anything. Absent arguments validate as an
// empty object so required properties are enforced.
func (t *Tool) ValidateArgs(raw json.RawMessage) error {
	if t.schema == nil {
		return nil
	}
	var v any = map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("%s - tool %s arguments are not valid JSON: %w", logPrefix, t.Name, err)
		}
	}
	if err := t.schema.Validate(v); err != nil {
		return fmt.Errorf("%s - tool %s arguments rejected: %w", logPrefix, t.Name, err)
	}
	return nil
}

// Registry is the concurrent table of registered tools.
type Registry struct {
	pluginGate func(pluginID string) bool

	mu       sync.RWMutex
	tools    map[string]*Tool
	onChange []func()
}

// NewRegistryParams groups the dependencies for NewRegistry.
type NewRegistryParams struct {
	// PluginGate reports whether a plugin's tools are currently available.
	// Nil treats every plugin as available.
	PluginGate func(pluginID string) bool
}

// NewRegistry creates an empty tool registry.
func NewRegistry(params NewRegistryParams) *Registry {
	gate := params.PluginGate
	if gate == nil {
		gate = func(string) bool { return true }
	}
	return &Registry{
		pluginGate: gate,
		tools:      make(map[string]*Tool),
	}
}

// Register adds a tool. Names are unique and the input schema, when
// present, must compile. Change hooks fire after a successful add.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("%s - tool name is required", logPrefix)
	}
	if d.Handler == nil {
		return fmt.Errorf("%s - tool %s has no handler", logPrefix, d.Name)
	}
	var schema *jsonschema.Schema
	if len(d.InputSchema) > 0 {
		s, err := compileSchema(d.Name, d.InputSchema)
		if err != nil {
			return fmt.Errorf("%s - tool %s input schema: %w", logPrefix, d.Name, err)
		}
		schema = s
	}

	r.mu.Lock()
	if _, ok := r.tools[d.Name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%s - tool %s already registered", logPrefix, d.Name)
	}
	r.tools[d.Name] = &Tool{Descriptor: d, schema: schema}
	hooks := r.snapshotHooks()
	r.mu.Unlock()

	fireHooks(hooks)
	return nil
}

// Lookup returns the registered tool by name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Enabled reports whether the named tool is currently callable: registered,
// not disabled, and not gated off by its plugin.
func (r *Registry) Enabled(name string) bool {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.enabled(t)
}

func (r *Registry) enabled(t *Tool) bool {
	if t.Disabled {
		return false
	}
	if t.PluginID != "" && !r.pluginGate(t.PluginID) {
		return false
	}
	return true
}

// List returns descriptor copies of every registered tool, sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Descriptor)
	}
	sortDescriptors(out)
	return out
}

// ListEnabled returns descriptor copies of the currently callable tools,
// sorted by name.
func (r *Registry) ListEnabled() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		if r.enabled(t) {
			out = append(out, t.Descriptor)
		}
	}
	sortDescriptors(out)
	return out
}

// SetEnabled flips one tool's availability and fires change hooks on a
// state change. Unknown names fail.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	t, ok := r.tools[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%s - unknown tool %s", logPrefix, name)
	}
	changed := t.Disabled == enabled
	t.Disabled = !enabled
	hooks := r.snapshotHooks()
	r.mu.Unlock()

	if changed {
		fireHooks(hooks)
	}
	return nil
}

// OnChange registers a hook fired whenever the set of callable tools may
// have changed. Hooks run synchronously on the mutating goroutine and must
// not call back into the registry's write methods.
func (r *Registry) OnChange(hook func()) {
	if hook == nil {
		return
	}
	r.mu.Lock()
	r.onChange = append(r.onChange, hook)
	r.mu.Unlock()
}

// NotifyChanged fires change hooks for availability changes the registry
// cannot see itself, such as a plugin being toggled.
func (r *Registry) NotifyChanged() {
	r.mu.RLock()
	hooks := r.snapshotHooks()
	r.mu.RUnlock()
	fireHooks(hooks)
}

func (r *Registry) snapshotHooks() []func() {
	hooks := make([]func(), len(r.onChange))
	copy(hooks, r.onChange)
	return hooks
}

func fireHooks(hooks []func()) {
	for _, h := range hooks {
		h()
	}
}

func sortDescriptors(ds []Descriptor) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].Name < ds[j].Name })
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("inline://%s.schema.json", name)
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}
