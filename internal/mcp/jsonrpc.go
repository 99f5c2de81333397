package mcp

import (
	"encoding/json"
	"fmt"
)

// MCP sessions speak JSON-RPC 2.0. Three shapes cross the wire:
// requests carry an id and expect a response, notifications carry no id
// and get none, and responses answer a request by echoing its id with
// either a result or an error.
const jsonrpcVersion = "2.0"

// Request asks the server to run method and answer under the same ID.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest builds a request. params may be nil for methods that take
// no arguments.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response answers the request whose ID it carries. Result stays raw so
// each call site can decode the payload it expects; a well-formed
// response sets exactly one of Result and Error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a failed response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error satisfies the error interface so an in-protocol failure can
// flow through ordinary error returns and %w wrapping.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is a request with no ID and therefore no response. The
// initialized message after the handshake is the only one this client
// sends.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification builds a notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

// inbound is the decoded shape of one line read from a server's stdout.
// A line is either a response (ID set, Method empty) or a
// server-initiated request or notification (Method set). Dispatch
// switches on which fields are present so unexpected shapes are an
// explicit case, not a silent fallthrough.
type inbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}
