// Package tools implements the schema-typed tool surface agents call over
// the MCP (Model Context Protocol) JSON-RPC 2.0 transport. The gateway is
// the server side: it lists tools, validates arguments against the family's
// JSON schema, and dispatches into the queue, messaging, memento, and
// service-discovery subsystems.
package tools

import "encoding/json"

// --- JSON-RPC 2.0 wire types ---

// Request is an inbound JSON-RPC 2.0 request. The id is kept raw so number
// and string ids echo back unchanged.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification reports true when the request carries no id and expects no
// response.
func (r *Request) Notification() bool { return len(r.ID) == 0 }

// Response is an outbound JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError is the error field in a JSON-RPC 2.0 response.
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *ResponseError) Error() string { return e.Message }

// JSON-RPC 2.0 error codes used by the dispatcher.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// NewResult builds a success response for the request.
func NewResult(req *Request, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

// NewError builds an error response for the request.
func NewError(req *Request, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: req.ID, Error: &ResponseError{Code: code, Message: message}}
}

// --- MCP method types ---

// InitializeParams is the client's opening call.
type InitializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      ClientInfo `json:"clientInfo"`
}

// ClientInfo describes the connecting client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is our response to initialize.
type InitializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
	Capabilities    ServerCaps `json:"capabilities"`
}

// ServerInfo holds the gateway's name and version.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCaps advertises server-side MCP capabilities.
type ServerCaps struct {
	Tools *struct{} `json:"tools,omitempty"`
}

// ProtocolVersion is the MCP revision this server speaks.
const ProtocolVersion = "2024-11-05"

// ListToolsResult is returned by tools/list.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// Tool describes a single callable tool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// CallToolParams is sent to invoke a tool.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult holds the tool's output.
type CallToolResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ContentItem is a single piece of content returned by a tool.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// textResult wraps a JSON-encodable payload as a single text content item.
func textResult(payload any) (*CallToolResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &CallToolResult{Content: []ContentItem{{Type: "text", Text: string(data)}}}, nil
}

// errResult wraps an error as {via, error} so callers can tell gateway
// failures from upstream payloads.
func errResult(err error) *CallToolResult {
	data, _ := json.Marshal(map[string]string{"via": "agentgate", "error": err.Error()})
	return &CallToolResult{
		Content: []ContentItem{{Type: "text", Text: string(data)}},
		IsError: true,
	}
}
