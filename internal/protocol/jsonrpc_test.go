package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseMessage_Response(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Response == nil {
		t.Fatal("expected a response, got notification")
	}
	if msg.Response.ID != 7 {
		t.Errorf("id = %d, want 7", msg.Response.ID)
	}
	if msg.Response.Error != nil {
		t.Errorf("unexpected error object: %v", msg.Response.Error)
	}
}

func TestParseMessage_ErrorResponse(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"jsonrpc":"2.0","id":3,"error":{"code":-32602,"message":"bad params"}}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Response == nil || msg.Response.Error == nil {
		t.Fatal("expected an error response")
	}
	if msg.Response.Error.Code != CodeInvalidParams {
		t.Errorf("code = %d, want %d", msg.Response.Error.Code, CodeInvalidParams)
	}
}

func TestParseMessage_Notification(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Notification == nil {
		t.Fatal("expected a notification")
	}
	if msg.Notification.Method != NotifyToolsChanged {
		t.Errorf("method = %q, want %q", msg.Notification.Method, NotifyToolsChanged)
	}
}

func TestParseMessage_Malformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "this is not json"},
		{"no id no method", `{"jsonrpc":"2.0","result":{}}`},
		{"empty object", `{}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tc.raw))
			var me *MalformedError
			if !errors.As(err, &me) {
				t.Errorf("ParseMessage(%q) = %v, want MalformedError", tc.raw, err)
			}
		})
	}
}

func TestRequest_RoundTrip(t *testing.T) {
	req := NewRequest(42, MethodToolsCall, CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"text": "hello"},
	})

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["jsonrpc"] != "2.0" {
		t.Errorf("jsonrpc = %v, want 2.0", decoded["jsonrpc"])
	}
	if decoded["method"] != MethodToolsCall {
		t.Errorf("method = %v, want %q", decoded["method"], MethodToolsCall)
	}
}

func TestIsValidation(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"validation error type", &ValidationError{Tool: "echo", Detail: "text is required"}, true},
		{"invalid params code", &RPCError{Code: CodeInvalidParams, Message: "bad"}, true},
		{"validation message", &RPCError{Code: -32000, Message: "schema validation failed"}, true},
		{"other rpc error", &RPCError{Code: -32601, Message: "method not found"}, false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsValidation(tc.err); got != tc.want {
				t.Errorf("IsValidation = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFlattenContent(t *testing.T) {
	got := FlattenContent([]ContentBlock{
		{Type: "text", Text: "line one"},
		{Type: "image"},
		{Type: "text", Text: "line two"},
	})
	want := "line one\n[image]\nline two"
	if got != want {
		t.Errorf("FlattenContent = %q, want %q", got, want)
	}
}
