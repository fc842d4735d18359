// Package rpc implements a bidirectional, stream-oriented JSON-RPC 2.0
// endpoint: it simultaneously dispatches inbound requests to registered
// handlers (acting as a server) and issues outbound requests whose
// results are correlated back to pending async.Task values (acting as a
// client) over the same pair of byte streams.
package rpc

import json "github.com/segmentio/encoding/json"

// Protocol error codes used by this system.
const (
	CodeParseError          = -32700
	CodeInvalidRequest      = -32600
	CodeMethodNotFound      = -32601
	CodeInvalidParams       = -32602
	CodeUncaughtException   = -32000
)

// Error is a JSON-RPC error object. It implements the standard error
// interface so handlers can return it directly; the endpoint renders it
// onto the wire verbatim (preserving Code), distinct from an uncaught Go
// error which is wrapped into CodeUncaughtException.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// NewError builds an explicit RPC error of the kind a handler raises to
// control its own response code, as opposed to an arbitrary Go error which
// becomes an uncaught exception on the wire.
func NewError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// request is the wire shape of a JSON-RPC request or notification
// (notification: ID omitted).
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id,omitempty"`
}

// response is the wire shape of a JSON-RPC response, success or error.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      any             `json:"id"`
}

// rawMessage is used to classify an inbound object before committing to a
// request or response decode.
type rawMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  *string         `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      *json.RawMessage `json:"id"`
	Result  *json.RawMessage `json:"result"`
	Error   *json.RawMessage `json:"error"`
}

func (m *rawMessage) isRequestShape() bool {
	return m.JSONRPC == "2.0" && m.Method != nil
}

func (m *rawMessage) isResponseShape() bool {
	return m.JSONRPC == "2.0" && (m.Result != nil || m.Error != nil)
}

func successResponse(id any, result any) *response {
	data, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, CodeUncaughtException, "uncaught exception", map[string]any{
			"name": "MarshalError", "message": err.Error(),
		})
	}
	return &response{JSONRPC: "2.0", Result: data, ID: id}
}

func errorResponse(id any, code int, message string, data any) *response {
	return &response{JSONRPC: "2.0", Error: &Error{Code: code, Message: message, Data: data}, ID: id}
}

func parseErrorResponse() *response {
	return errorResponse(nil, CodeParseError, "parse error", nil)
}

func invalidRequestResponse(id any) *response {
	return errorResponse(id, CodeInvalidRequest, "invalid request", nil)
}

func methodNotFoundResponse(id any) *response {
	return errorResponse(id, CodeMethodNotFound, "method not found", nil)
}

func invalidParamsResponse(id any) *response {
	return errorResponse(id, CodeInvalidParams, "invalid params", nil)
}
