// Package main is the entrypoint for the appcore MCP server.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/openmesa/appcore/internal/config"
	"github.com/openmesa/appcore/internal/server"
	"github.com/openmesa/appcore/pkg/tools"
)

const usage = `Usage: appcore [command]
       appcore serve               Start the MCP server (stdio, HTTP, NATS per config).
       appcore tools [manifest]    List the tools a manifest declares.
       appcore validate [manifest] Check a manifest file; exits non-zero if invalid.
       appcore version             Print the server name, version, and protocol version.

Commands:
  serve               (default) Start the MCP server.
  tools [manifest]    List tool names, descriptions, plugin ties, and disabled flags.
  validate [manifest] Validate manifest structure and input schemas.
  version             Print name, version, and protocol version.

Environment: APPCORE_TOOL_MANIFEST, APPCORE_STDIO_ENABLED, APPCORE_HTTP_ENABLED, APPCORE_NATS_ENABLED, LOG_LEVEL. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "tools":
		manifestFile := ""
		if len(args) > 1 {
			manifestFile = args[1]
		}
		if err := runTools(manifestFile); err != nil {
			log.Fatalf("appcore tools: %v", err)
		}
		return
	case "validate":
		manifestFile := ""
		if len(args) > 1 {
			manifestFile = args[1]
		}
		if err := runValidate(manifestFile); err != nil {
			log.Fatalf("appcore validate: %v", err)
		}
		return
	case "version":
		if err := runVersion(); err != nil {
			log.Fatalf("appcore version: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
		break
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("appcore: %v", err)
	}
}

// loadManifest reads one explicit manifest file strictly, or falls back to
// the search-path load when no path is given.
func loadManifest(path string) (*tools.Manifest, error) {
	if path == "" {
		return tools.LoadManifest()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m tools.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}

func runTools(manifestFile string) error {
	m, err := loadManifest(manifestFile)
	if err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return err
	}
	fmt.Printf("Manifest %s %s (%d tools)\n", m.Name, m.Version, len(m.Tools))
	for _, t := range m.Tools {
		flags := ""
		if t.Plugin != "" {
			flags += fmt.Sprintf(" [plugin: %s]", t.Plugin)
		}
		if t.Disabled {
			flags += " [disabled]"
		}
		fmt.Printf("  %-20s %s%s\n", t.Name, t.Description, flags)
	}
	return nil
}

func runValidate(manifestFile string) error {
	m, err := loadManifest(manifestFile)
	if err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return err
	}
	fmt.Printf("Manifest %q is valid (%d tools).\n", m.Name, len(m.Tools))
	return nil
}

func runVersion() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Printf("%s %s (protocol %s)\n", cfg.ServerName, cfg.ServerVersion, cfg.ProtocolVersion)
	return nil
}
