package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openmesa/appcore/internal/config"
	"github.com/openmesa/appcore/pkg/tools"
)

const toolsLogPrefix = "server:tools"

// builtinToolHandlers maps the built-in manifest tool names to their
// implementations. Manifest-seeded handlers receive the raw JSON arguments.
func builtinToolHandlers(cfg *config.Config, startedAt time.Time) map[string]tools.Handler {
	return map[string]tools.Handler{
		"echo":        echoHandler(),
		"server_info": serverInfoHandler(cfg, startedAt),
	}
}

func echoHandler() tools.Handler {
	return func(_ context.Context, input any) (*tools.Result, error) {
		raw, _ := input.(json.RawMessage)
		var args struct {
			Payload string `json:"payload"`
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("%s - decode echo arguments: %w", toolsLogPrefix, err)
			}
		}
		return tools.TextResult(args.Payload), nil
	}
}

func serverInfoHandler(cfg *config.Config, startedAt time.Time) tools.Handler {
	transports := make([]string, 0, 3)
	if cfg.StdioEnabled {
		transports = append(transports, "stdio")
	}
	if cfg.HTTPEnabled {
		transports = append(transports, "http")
	}
	if cfg.NATSEnabled {
		transports = append(transports, "nats")
	}
	return func(context.Context, any) (*tools.Result, error) {
		info := map[string]any{
			"name":            cfg.ServerName,
			"version":         cfg.ServerVersion,
			"protocolVersion": cfg.ProtocolVersion,
			"startedAt":       startedAt.UTC().Format(time.RFC3339),
			"uptime":          time.Since(startedAt).Round(time.Second).String(),
			"transports":      transports,
		}
		data, err := json.Marshal(info)
		if err != nil {
			return nil, fmt.Errorf("%s - encode server info: %w", toolsLogPrefix, err)
		}
		return tools.TextResult(string(data)), nil
	}
}
