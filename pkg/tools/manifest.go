package tools

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

const manifestLogPrefix = "tools:manifest"

// Manifest declares the tools a server exposes at startup.
type Manifest struct {
	Name    string         `json:"name"`
	Version string         `json:"version"`
	Tools   []ManifestTool `json:"tools"`
}

// ManifestTool is one tool declaration in a manifest.
type ManifestTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Plugin      string          `json:"plugin,omitempty"`
	Disabled    bool            `json:"disabled,omitempty"`
}

// LoadManifest loads a tool manifest from file paths or environment.
// It tries paths in order: first any paths passed in, then APPCORE_TOOL_MANIFEST env, then defaults.
// So an explicit path (e.g. from "tools my.json") is tried before the env var.
func LoadManifest(paths ...string) (*Manifest, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv("APPCORE_TOOL_MANIFEST"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/tools.json", "tools.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse manifest file %s: %v", manifestLogPrefix, p, err))
			continue
		}

		slog.Info(fmt.Sprintf("%s - Loaded tool manifest from %s", manifestLogPrefix, p))
		return &m, nil
	}

	slog.Info(fmt.Sprintf("%s - Using default tool manifest", manifestLogPrefix))
	return DefaultManifest(), nil
}

// DefaultManifest returns the embedded fallback manifest carrying the
// built-in diagnostic tools.
func DefaultManifest() *Manifest {
	return &Manifest{
		Name:    "appcore-builtin",
		Version: "1.0.0",
		Tools: []ManifestTool{
			{
				Name:        "echo",
				Description: "Echo the provided payload back to the caller",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"payload":{"type":"string"}},"required":["payload"]}`),
			},
			{
				Name:        "server_info",
				Description: "Report the server name, version, and start time",
			},
		},
	}
}

// Validate checks a manifest for structural problems: missing or duplicate
// tool names and schemas that do not compile.
func (m *Manifest) Validate() error {
	if len(m.Tools) == 0 {
		return fmt.Errorf("%s - manifest declares no tools", manifestLogPrefix)
	}
	seen := make(map[string]bool, len(m.Tools))
	for i, t := range m.Tools {
		if t.Name == "" {
			return fmt.Errorf("%s - tool %d has no name", manifestLogPrefix, i)
		}
		if seen[t.Name] {
			return fmt.Errorf("%s - duplicate tool %s", manifestLogPrefix, t.Name)
		}
		seen[t.Name] = true
		if len(t.InputSchema) > 0 {
			if _, err := compileSchema(t.Name, t.InputSchema); err != nil {
				return fmt.Errorf("%s - tool %s input schema: %w", manifestLogPrefix, t.Name, err)
			}
		}
	}
	return nil
}

// Seed registers every manifest tool whose handler is present in handlers,
// keyed by tool name. Declarations without a handler are skipped with a
// warning so a manifest can name tools an optional plugin did not provide.
func Seed(reg *Registry, m *Manifest, handlers map[string]Handler) error {
	for _, t := range m.Tools {
		h, ok := handlers[t.Name]
		if !ok {
			slog.Warn(fmt.Sprintf("%s - no handler for tool %s, skipping", manifestLogPrefix, t.Name))
			continue
		}
		err := reg.Register(Descriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			PluginID:    t.Plugin,
			Disabled:    t.Disabled,
			Handler:     h,
		})
		if err != nil {
			return fmt.Errorf("%s - seed %s: %w", manifestLogPrefix, t.Name, err)
		}
	}
	return nil
}
