// Package rpc provides the JSON-RPC message types and codec utilities
// for the querygate tool server.
package rpc

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Method names served by the tool server.
const (
	MethodToolsList = "tools/list"
	MethodToolsCall = "tools/call"
	MethodPing      = "ping"
)

// Message wraps a decoded JSON-RPC message with server metadata.
// It stores both the raw bytes and the decoded message so the pipeline can
// inspect parameters without re-parsing.
type Message struct {
	// Raw contains the original bytes of the message.
	Raw []byte

	// Decoded contains the parsed JSON-RPC message.
	// The concrete type is either *jsonrpc.Request or *jsonrpc.Response.
	Decoded jsonrpc.Message

	// Timestamp records when the message was received.
	Timestamp time.Time

	// ParsedParams contains the parsed params from a JSON-RPC request.
	// Set by ParseParams() for reuse; nil if not a request or parsing failed.
	ParsedParams map[string]interface{}
}

// IsRequest returns true if the message is a JSON-RPC request.
func (m *Message) IsRequest() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Request)
	return ok
}

// Method returns the method name if this is a request, empty string otherwise.
func (m *Message) Method() string {
	req := m.Request()
	if req == nil {
		return ""
	}
	return req.Method
}

// IsToolCall returns true if this is a tools/call request.
func (m *Message) IsToolCall() bool {
	return m.Method() == MethodToolsCall
}

// Request returns the underlying Request if this is a request message.
// Returns nil if this is not a request.
func (m *Message) Request() *jsonrpc.Request {
	if m.Decoded == nil {
		return nil
	}
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// ParseParams parses the request params and stores them in ParsedParams.
// Safe to call multiple times (no-op if already parsed).
// Returns the parsed params or nil if not a request or parsing fails.
func (m *Message) ParseParams() map[string]interface{} {
	if m.ParsedParams != nil {
		return m.ParsedParams
	}

	req := m.Request()
	if req == nil || req.Params == nil {
		return nil
	}

	var params map[string]interface{}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}

	m.ParsedParams = params
	return params
}

// ToolCallParams extracts the tool name and arguments from a tools/call request.
// Returns ("", nil) when the message is not a well-formed tool call.
func (m *Message) ToolCallParams() (string, map[string]interface{}) {
	req := m.Request()
	if req == nil || req.Params == nil {
		return "", nil
	}

	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return "", nil
	}
	return params.Name, params.Arguments
}

// RawID extracts the request ID from the raw message bytes as json.RawMessage.
// The SDK's jsonrpc.ID type does not round-trip through interface{}, so the ID
// is taken directly from the raw JSON to preserve its original form
// (number, string, or null). Returns nil if no ID is present.
func (m *Message) RawID() json.RawMessage {
	if m.Raw == nil {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &raw); err != nil {
		return nil
	}
	return raw["id"]
}
