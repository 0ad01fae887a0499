package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openmesa/appcore/pkg/bridge"
	"github.com/openmesa/appcore/pkg/bus"
	"github.com/openmesa/appcore/pkg/tools"
)

const logPrefix = "mcp:server"

const (
	defaultProtocolVersion = "2025-06-18"
	defaultCallTimeout     = 30 * time.Second
)

// Transport is the message channel a server drives: newline-delimited
// JSON-RPC envelopes in both directions. ReadMessage returns io.EOF on a
// clean close.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	WriteNotification(ctx context.Context, data []byte) error
}

// Server drives the protocol state machine over one transport: read,
// dispatch, write, one request at a time. Tool execution crosses the bus
// as a query so the transport surface never touches tool code directly.
type Server struct {
	bus       *bus.Bus
	registry  *tools.Registry
	transport Transport

	info            PeerInfo
	protocolVersion string
	callTimeout     time.Duration

	initialized atomic.Bool
}

// NewServerParams groups the dependencies for NewServer.
type NewServerParams struct {
	Bus       *bus.Bus
	Registry  *tools.Registry
	Transport Transport
	// Info names this server in the initialize answer.
	Info PeerInfo
	// ProtocolVersion the server states regardless of the client's.
	ProtocolVersion string
	// CallTimeout bounds each tools/call dispatch.
	CallTimeout time.Duration
}

// NewServer creates a protocol server bound to one transport.
func NewServer(params NewServerParams) *Server {
	version := params.ProtocolVersion
	if version == "" {
		version = defaultProtocolVersion
	}
	timeout := params.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	info := params.Info
	if info.Name == "" {
		info.Name = "appcore"
	}
	return &Server{
		bus:             params.Bus,
		registry:        params.Registry,
		transport:       params.Transport,
		info:            info,
		protocolVersion: version,
		callTimeout:     timeout,
	}
}

// Run processes messages until ctx ends or the transport closes cleanly.
// Every request gets exactly one response; notifications get none. A
// malformed message produces a parse-error response and the loop keeps
// serving.
func (s *Server) Run(ctx context.Context) error {
	for {
		data, err := s.transport.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				slog.Info(fmt.Sprintf("%s - transport closed", logPrefix))
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%s - read: %w", logPrefix, err)
		}
		s.handleMessage(ctx, data)
	}
}

func (s *Server) handleMessage(ctx context.Context, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.write(ctx, errorResponse(nil, CodeParseError, fmt.Sprintf("parse error: %v", err)))
		return
	}
	if req.IsNotification() {
		s.handleNotification(req)
		return
	}
	s.write(ctx, s.dispatch(ctx, &req))
}

// handleNotification consumes client notifications. Nothing is ever
// written back, including for unknown notification methods.
func (s *Server) handleNotification(req Request) {
	switch req.Method {
	case MethodInitialized, MethodNotificationsInit:
		slog.Debug(fmt.Sprintf("%s - handshake complete", logPrefix))
	case MethodNotificationsCanceled:
		slog.Debug(fmt.Sprintf("%s - client cancelled a request", logPrefix))
	default:
		slog.Debug(fmt.Sprintf("%s - ignoring notification %s", logPrefix, req.Method))
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	ctx = bus.WithCorrelationID(ctx, uuid.NewString())
	slog.Debug(fmt.Sprintf("%s - method=%s id=%s", logPrefix, req.Method, string(req.ID)))

	switch req.Method {
	case MethodInitialize:
		return s.handleInitialize(req)
	case MethodInitialized:
		// Sent as a request by some clients; acknowledge with an empty
		// result.
		return resultResponse(req.ID, struct{}{})
	case MethodPing:
		return resultResponse(req.ID, struct{}{})
	case MethodToolsList:
		if !s.initialized.Load() {
			return errorResponse(req.ID, CodeInvalidRequest, "initialize must be called first")
		}
		return s.handleToolsList(req)
	case MethodToolsCall:
		if !s.initialized.Load() {
			return errorResponse(req.ID, CodeInvalidRequest, "initialize must be called first")
		}
		return s.handleToolsCall(ctx, req)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *Server) handleInitialize(req *Request) *Response {
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, CodeInvalidParams, fmt.Sprintf("invalid initialize params: %v", err))
		}
	}
	s.initialized.Store(true)
	if params.ClientInfo.Name != "" {
		slog.Info(fmt.Sprintf("%s - client %s %s connected, speaks protocol %s",
			logPrefix, params.ClientInfo.Name, params.ClientInfo.Version, params.ProtocolVersion))
	}
	return resultResponse(req.ID, InitializeResult{
		ProtocolVersion: s.protocolVersion,
		Capabilities: ServerCapabilities{
			Tools: &ToolsCapability{ListChanged: true},
		},
		ServerInfo: s.info,
	})
}

func (s *Server) handleToolsList(req *Request) *Response {
	if len(req.Params) > 0 {
		var params ToolsListParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, CodeInvalidParams, fmt.Sprintf("invalid tools/list params: %v", err))
		}
	}
	descriptors := s.registry.ListEnabled()
	list := make([]ToolDescription, 0, len(descriptors))
	for _, d := range descriptors {
		schema := d.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		list = append(list, ToolDescription{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: schema,
		})
	}
	return resultResponse(req.ID, ToolsListResult{Tools: list})
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params ToolsCallParams
	if len(req.Params) == 0 {
		return errorResponse(req.ID, CodeInvalidParams, "tools/call requires params")
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, fmt.Sprintf("invalid tools/call params: %v", err))
	}
	if params.Name == "" {
		return errorResponse(req.ID, CodeInvalidParams, "tools/call requires a tool name")
	}

	call := bridge.ToolCallRequest{Name: params.Name, Arguments: params.Arguments, RequestID: string(req.ID)}
	res, err := bus.Send[bridge.ToolCallRequest, bridge.ToolCallResult](ctx, s.bus, call, bus.WithTimeout(s.callTimeout))
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return resultResponse(req.ID, ToolsCallResult{
				Content: []tools.Content{tools.TextContent(fmt.Sprintf("Tool '%s' timed out after %s", params.Name, s.callTimeout))},
				IsError: true,
			})
		case errors.Is(err, context.Canceled):
			return errorResponse(req.ID, CodeInternalError, "request cancelled")
		case errors.Is(err, bus.ErrNoHandler):
			slog.Error(fmt.Sprintf("%s - tools/call with no bridge attached", logPrefix))
			return errorResponse(req.ID, CodeInternalError, "tool pipeline unavailable")
		default:
			return errorResponse(req.ID, CodeInternalError, err.Error())
		}
	}
	return resultResponse(req.ID, ToolsCallResult{Content: res.Content, IsError: res.IsError})
}

// NotifyToolsListChanged tells the client the set of callable tools
// changed.
func (s *Server) NotifyToolsListChanged(ctx context.Context) error {
	data, err := json.Marshal(Notification{JSONRPC: "2.0", Method: MethodToolsListChanged})
	if err != nil {
		return fmt.Errorf("%s - marshal notification: %w", logPrefix, err)
	}
	if err := s.transport.WriteNotification(ctx, data); err != nil {
		return fmt.Errorf("%s - notify tools list changed: %w", logPrefix, err)
	}
	return nil
}

func (s *Server) write(ctx context.Context, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - marshal response: %v", logPrefix, err))
		data, _ = json.Marshal(errorResponse(resp.ID, CodeInternalError, "response serialization failed"))
	}
	if err := s.transport.WriteMessage(ctx, data); err != nil {
		slog.Error(fmt.Sprintf("%s - write response: %v", logPrefix, err))
	}
}
