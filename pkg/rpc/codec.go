package rpc

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// JSON-RPC 2.0 standard error codes.
const (
	// CodeParseError indicates invalid JSON was received.
	CodeParseError = -32700

	// CodeInvalidRequest indicates the JSON is not a valid Request object.
	CodeInvalidRequest = -32600

	// CodeMethodNotFound indicates the method does not exist.
	CodeMethodNotFound = -32601

	// CodeInvalidParams indicates invalid method parameters.
	CodeInvalidParams = -32602

	// CodeInternalError indicates an internal JSON-RPC error.
	CodeInternalError = -32603

	// CodeRequestDenied is the implementation-defined code for requests the
	// enforcement pipeline denied. The data field carries the stable category.
	CodeRequestDenied = -32040
)

// DecodeMessage deserializes JSON-RPC wire data and wraps it in a Message
// with the current timestamp. Delegates parsing to the MCP SDK.
func DecodeMessage(raw []byte) (*Message, error) {
	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, err
	}
	return &Message{
		Raw:       raw,
		Decoded:   decoded,
		Timestamp: time.Now(),
	}, nil
}

// NewResultResponse builds a JSON-RPC 2.0 success response with the given
// request ID (raw JSON form) and result payload.
func NewResultResponse(id json.RawMessage, result interface{}) ([]byte, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	resp := map[string]json.RawMessage{
		"jsonrpc": json.RawMessage(`"2.0"`),
		"result":  resultJSON,
	}
	if id != nil {
		resp["id"] = id
	} else {
		resp["id"] = json.RawMessage("null")
	}
	return json.Marshal(resp)
}

// NewErrorResponse builds a JSON-RPC 2.0 error response.
// id may be nil (encoded as null). category, when non-empty, is carried in
// error.data so clients can branch on the stable identifier without parsing
// the human-readable message.
func NewErrorResponse(id json.RawMessage, code int, message, category string) []byte {
	errObj := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if category != "" {
		errObj["data"] = map[string]string{"category": category}
	}
	resp := map[string]interface{}{
		"jsonrpc": "2.0",
		"error":   errObj,
		"id":      nil,
	}
	if id != nil {
		resp["id"] = id
	}
	b, _ := json.Marshal(resp)
	return b
}
