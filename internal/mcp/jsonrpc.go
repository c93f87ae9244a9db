package mcp

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 framing for the MCP wire protocol. Only the client
// side is implemented: we issue requests and notifications and decode
// responses; server-initiated requests are not supported.

const jsonrpcVersion = "2.0"

// Request is an outbound call that expects a matching Response. IDs
// are assigned sequentially per connection by the transport.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response carries either a raw result payload, left for the caller
// to decode against the method's schema, or an error object. A frame
// with both set is malformed; Error wins.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a response frame. It satisfies the
// error interface so call sites can return it directly.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is a fire-and-forget frame: no ID, and the server must
// not answer it.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}
