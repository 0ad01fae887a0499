// Package bridge connects the protocol surface to the tool registry: one
// bus query handler resolves, validates, and executes tool calls.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/openmesa/appcore/pkg/bus"
	"github.com/openmesa/appcore/pkg/tools"
)

const logPrefix = "bridge:bridge"

// ToolCallRequest asks for one tool execution. Arguments carry the raw
// JSON object from the caller. RequestID ties log lines back to the
// protocol request that initiated the call.
type ToolCallRequest struct {
	Name      string
	Arguments json.RawMessage
	RequestID string
}

// ToolCallResult carries the outcome back to the protocol surface. Tool
// failures of every kind arrive here with IsError set, never as Go errors.
type ToolCallResult struct {
	Content []tools.Content
	IsError bool
}

// Bridge executes tool calls against a registry. Unknown tools, disabled
// tools, rejected arguments, handler errors, and handler panics all come
// back as error-shaped results.
type Bridge struct {
	registry *tools.Registry
}

// NewBridgeParams groups the dependencies for NewBridge.
type NewBridgeParams struct {
	Registry *tools.Registry
}

// NewBridge creates a bridge backed by the tool registry.
func NewBridge(params NewBridgeParams) *Bridge {
	return &Bridge{registry: params.Registry}
}

// Attach registers the bridge as the single tool-call handler on b.
func (br *Bridge) Attach(b *bus.Bus) error {
	return bus.RegisterHandler(b, br.Handle)
}

// Handle answers one tool call.
func (br *Bridge) Handle(ctx context.Context, req ToolCallRequest) (ToolCallResult, error) {
	tool, ok := br.registry.Lookup(req.Name)
	if !ok {
		return toolError(fmt.Sprintf("Unknown tool: %s", req.Name)), nil
	}
	if !br.registry.Enabled(req.Name) {
		return toolError(fmt.Sprintf("Tool '%s' is disabled", req.Name)), nil
	}
	if err := tool.ValidateArgs(req.Arguments); err != nil {
		return toolError(fmt.Sprintf("Invalid arguments for tool '%s': %v", req.Name, err)), nil
	}
	input, err := decodeInput(tool, req.Arguments)
	if err != nil {
		return toolError(fmt.Sprintf("Invalid arguments for tool '%s': %v", req.Name, err)), nil
	}

	result, err := br.execute(ctx, tool, input)
	if err != nil {
		if req.RequestID != "" {
			slog.Error(fmt.Sprintf("%s - tool %s failed (request %s): %v", logPrefix, req.Name, req.RequestID, err))
		} else {
			slog.Error(fmt.Sprintf("%s - tool %s failed: %v", logPrefix, req.Name, err))
		}
		return toolError(err.Error()), nil
	}
	return fromResult(result), nil
}

// decodeInput prepares the handler input: the raw JSON when no input type
// is declared, otherwise a pointer to a freshly decoded value. encoding/json
// matches object keys to struct fields case-insensitively.
func decodeInput(tool *tools.Tool, raw json.RawMessage) (any, error) {
	if tool.InputType == nil {
		return raw, nil
	}
	base := tool.InputType
	if base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	v := reflect.New(base).Interface()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (br *Bridge) execute(ctx context.Context, tool *tools.Tool, input any) (result *tools.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", tool.Name, r)
		}
	}()
	return tool.Handler(ctx, input)
}

func toolError(text string) ToolCallResult {
	return ToolCallResult{
		Content: []tools.Content{tools.TextContent(text)},
		IsError: true,
	}
}

func fromResult(r *tools.Result) ToolCallResult {
	if r == nil || r.Content == nil {
		out := ToolCallResult{Content: []tools.Content{}}
		if r != nil {
			out.IsError = r.IsError
		}
		return out
	}
	return ToolCallResult{Content: r.Content, IsError: r.IsError}
}
