package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseMessageRequests(t *testing.T) {
	line := []byte(`{"jsonrpc":"2.0","id":"abc-1","method":"storage.get","params":{"key":"cursor"}}`)
	req, resp, err := ParseMessage(line)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if resp != nil {
		t.Fatalf("ParseMessage() classified request as response")
	}
	if req.Method != MethodStorageGet {
		t.Errorf("method = %q, want %q", req.Method, MethodStorageGet)
	}
	if req.ID != "abc-1" {
		t.Errorf("id = %q, want %q", req.ID, "abc-1")
	}
}

func TestParseMessageResponses(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr bool
	}{
		{
			name: "result response",
			line: `{"jsonrpc":"2.0","id":"r1","result":{"status":"ok"}}`,
		},
		{
			name: "error response",
			line: `{"jsonrpc":"2.0","id":"r2","error":{"code":1003,"message":"timed out"}}`,
		},
		{
			name: "null result still counts as response",
			line: `{"jsonrpc":"2.0","id":"r3","result":null}`,
		},
		{
			name:    "neither method nor result",
			line:    `{"jsonrpc":"2.0","id":"r4"}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, resp, err := ParseMessage([]byte(tt.line))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseMessage() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseMessage() error = %v", err)
			}
			if req != nil || resp == nil {
				t.Fatalf("ParseMessage() req = %v, resp = %v, want response only", req, resp)
			}
		})
	}
}

func TestParseMessageRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{name: "not json", line: `not json at all`},
		{name: "array frame", line: `[1,2,3]`},
		{name: "string frame", line: `"hello"`},
		{name: "missing version", line: `{"id":"1","method":"health"}`},
		{name: "wrong version", line: `{"jsonrpc":"1.0","id":"1","method":"health"}`},
		{name: "missing id", line: `{"jsonrpc":"2.0","method":"health"}`},
		{name: "numeric id", line: `{"jsonrpc":"2.0","id":7,"method":"health"}`},
		{name: "null id", line: `{"jsonrpc":"2.0","id":null,"method":"health"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, resp, err := ParseMessage([]byte(tt.line))
			if err == nil {
				t.Fatalf("ParseMessage() = (%v, %v, nil), want error", req, resp)
			}
		})
	}
}

func TestNewRequestMintsUniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		req := NewRequest(MethodHealth, nil)
		if req.JSONRPC != Version {
			t.Fatalf("jsonrpc = %q, want %q", req.JSONRPC, Version)
		}
		if req.ID == "" {
			t.Fatal("request id is empty")
		}
		if seen[req.ID] {
			t.Fatalf("duplicate request id %q", req.ID)
		}
		seen[req.ID] = true
	}
}

func TestResponseRoundTrip(t *testing.T) {
	resp, err := NewResponse("42", StorageValueResult{Value: "cached"})
	if err != nil {
		t.Fatalf("NewResponse() error = %v", err)
	}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), `"error"`) {
		t.Errorf("success response carries error field: %s", data)
	}
	_, parsed, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	var result StorageValueResult
	if err := parsed.DecodeResult(&result); err != nil {
		t.Fatalf("DecodeResult() error = %v", err)
	}
	if result.Value != "cached" {
		t.Errorf("value = %v, want %q", result.Value, "cached")
	}
}

func TestDecodeResultSurfacesRPCError(t *testing.T) {
	resp := NewErrorResponse("9", CodeWorkerNotReady, "worker starting", nil)
	var out HealthResult
	err := resp.DecodeResult(&out)
	if err == nil {
		t.Fatal("DecodeResult() error = nil, want RPCError")
	}
	rpcErr, ok := err.(*RPCError)
	if !ok {
		t.Fatalf("DecodeResult() error type = %T, want *RPCError", err)
	}
	if rpcErr.Code != CodeWorkerNotReady {
		t.Errorf("code = %d, want %d", rpcErr.Code, CodeWorkerNotReady)
	}
}
