// Package protocol defines the JSON-RPC 2.0 wire format spoken between the
// gateway and runtime workers over stdio. Frames are single-line JSON
// documents separated by newlines. Request ids are string UUIDs; responses
// carry exactly one of result or error.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Version is the JSON-RPC version on every frame.
const Version = "2.0"

// Request is one RPC call, in either direction.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response answers exactly one request, matched by id.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object. It implements error so callers can
// surface it directly.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request with a fresh UUID id. Ids are never reused
// within a connection.
func NewRequest(method string, params any) *Request {
	return &Request{
		JSONRPC: Version,
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	}
}

// NewResponse builds a success response for id. The result is marshalled
// eagerly so an unencodable value fails here, not mid-write.
func NewResponse(id string, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response for id.
func NewErrorResponse(id string, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	}
}

// DecodeResult unmarshals a success response's result into out.
func (r *Response) DecodeResult(out any) error {
	if r.Error != nil {
		return r.Error
	}
	if len(r.Result) == 0 {
		return fmt.Errorf("response %s has no result", r.ID)
	}
	return json.Unmarshal(r.Result, out)
}

// ParseMessage parses one frame and classifies it as a request or a response.
// Exactly one of the returned pointers is non-nil on success.
//
// A frame is rejected when it is not a JSON object, the jsonrpc version is
// not "2.0", the id is missing or not a string, or it carries neither a
// method nor a result/error.
func ParseMessage(line []byte) (*Request, *Response, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(line, &probe); err != nil {
		return nil, nil, fmt.Errorf("frame is not a JSON object: %w", err)
	}
	var version string
	if raw, ok := probe["jsonrpc"]; ok {
		if err := json.Unmarshal(raw, &version); err != nil {
			return nil, nil, fmt.Errorf("jsonrpc version is not a string")
		}
	}
	if version != Version {
		return nil, nil, fmt.Errorf("unsupported jsonrpc version %q", version)
	}
	rawID, ok := probe["id"]
	if !ok {
		return nil, nil, fmt.Errorf("frame has no id")
	}
	var id string
	if err := json.Unmarshal(rawID, &id); err != nil {
		return nil, nil, fmt.Errorf("frame id is not a string")
	}

	if _, ok := probe["method"]; ok {
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, nil, fmt.Errorf("decode request: %w", err)
		}
		return &req, nil, nil
	}
	_, hasResult := probe["result"]
	_, hasError := probe["error"]
	if hasResult || hasError {
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, nil, fmt.Errorf("decode response: %w", err)
		}
		return nil, &resp, nil
	}
	return nil, nil, fmt.Errorf("frame is neither request nor response")
}
