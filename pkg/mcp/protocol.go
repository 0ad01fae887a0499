// Package mcp implements the Model Context Protocol server surface over
// JSON-RPC 2.0: the wire types, the method state machine, and server-
// initiated notifications.
package mcp

import (
	"encoding/json"

	"github.com/openmesa/appcore/pkg/tools"
)

// JSON-RPC 2.0 standard error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Protocol method names.
const (
	MethodInitialize            = "initialize"
	MethodInitialized           = "initialized"
	MethodNotificationsInit     = "notifications/initialized"
	MethodPing                  = "ping"
	MethodToolsList             = "tools/list"
	MethodToolsCall             = "tools/call"
	MethodToolsListChanged      = "notifications/tools/list_changed"
	MethodNotificationsCanceled = "notifications/cancelled"
)

// Request is one incoming JSON-RPC request or notification. A message
// without an id is a notification and never receives a response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response is one outgoing JSON-RPC response. Exactly one of Result and
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the JSON-RPC error member.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Notification is a server-initiated message without an id.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// PeerInfo names one side of the session.
type PeerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the client's initialize payload. Client capabilities
// are accepted but not interpreted.
type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ClientInfo      PeerInfo        `json:"clientInfo"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
}

// InitializeResult is the server's initialize answer. The server always
// states its own protocol version.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      PeerInfo           `json:"serverInfo"`
}

// ServerCapabilities advertises what the server supports.
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability signals tool support and list-change notifications.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ToolsListParams is the tools/list payload. The cursor is accepted and
// ignored; every enabled tool fits in one page.
type ToolsListParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ToolDescription is one entry in a tools/list result.
type ToolDescription struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolsListResult is the tools/list answer.
type ToolsListResult struct {
	Tools      []ToolDescription `json:"tools"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

// ToolsCallParams is the tools/call payload.
type ToolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolsCallResult is the tools/call answer. IsError marks a tool-level
// failure delivered as a result, distinct from a JSON-RPC error.
type ToolsCallResult struct {
	Content []tools.Content `json:"content"`
	IsError bool            `json:"isError,omitempty"`
}

func resultResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string) *Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Response{JSONRPC: "2.0", ID: id, Error: &ErrorObject{Code: code, Message: message}}
}
