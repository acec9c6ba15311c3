package rpc

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// JSON-RPC error codes used by the session surface.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
	// CodeBadSession is returned for requests carrying an unknown or
	// missing session id (everything except the initial initialize).
	CodeBadSession = -32000
)

// DecodeMessage deserializes JSON-RPC wire data. It returns either a
// *jsonrpc.Request or *jsonrpc.Response. Delegates to the MCP SDK codec.
func DecodeMessage(data []byte) (jsonrpc.Message, error) {
	return jsonrpc.DecodeMessage(data)
}

// EncodeMessage serializes a JSON-RPC message to its wire format.
func EncodeMessage(msg jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(msg)
}

// WrapMessage decodes raw JSON-RPC bytes into a Message stamped with the
// current time. Returns an error when the bytes are not a JSON-RPC message.
func WrapMessage(raw []byte, sessionID string) (*Message, error) {
	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, err
	}
	return &Message{
		Raw:       raw,
		Decoded:   decoded,
		Timestamp: time.Now(),
		SessionID: sessionID,
	}, nil
}

// errorResponse is the wire shape of a JSON-RPC 2.0 error.
type errorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   errorField      `json:"error"`
}

type errorField struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// resultResponse is the wire shape of a JSON-RPC 2.0 success response.
type resultResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}

// NewErrorResponse builds a serialized JSON-RPC error response. The raw ID
// preserves the caller's original ID format (number, string, or null).
func NewErrorResponse(id json.RawMessage, code int, message string) []byte {
	if id == nil {
		id = json.RawMessage("null")
	}
	out, _ := json.Marshal(errorResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   errorField{Code: code, Message: message},
	})
	return out
}

// NewResultResponse builds a serialized JSON-RPC success response.
func NewResultResponse(id json.RawMessage, result any) ([]byte, error) {
	if id == nil {
		id = json.RawMessage("null")
	}
	return json.Marshal(resultResponse{JSONRPC: "2.0", ID: id, Result: result})
}
