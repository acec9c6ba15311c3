package rpc

import (
	"encoding/json"
	"testing"
)

func TestWrapMessageRequest(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"list_emails"}}`)
	m, err := WrapMessage(raw, "sess-1")
	if err != nil {
		t.Fatalf("WrapMessage: %v", err)
	}
	if !m.IsRequest() {
		t.Error("request not recognized")
	}
	if m.IsNotification() {
		t.Error("call with id misclassified as notification")
	}
	if !m.IsToolCall() {
		t.Error("tools/call not recognized")
	}
	if m.SessionID != "sess-1" {
		t.Errorf("SessionID = %q", m.SessionID)
	}
	params := m.ParseParams()
	if params["name"] != "list_emails" {
		t.Errorf("params = %v", params)
	}
	if string(m.RawID()) != "7" {
		t.Errorf("RawID = %s", m.RawID())
	}
}

func TestWrapMessageNotification(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	m, err := WrapMessage(raw, "")
	if err != nil {
		t.Fatalf("WrapMessage: %v", err)
	}
	if !m.IsNotification() {
		t.Error("id-less request not classified as notification")
	}
	if m.RawID() != nil {
		t.Errorf("RawID = %s, want nil", m.RawID())
	}
}

func TestWrapMessageRejectsGarbage(t *testing.T) {
	if _, err := WrapMessage([]byte(`{not json`), ""); err == nil {
		t.Error("malformed bytes accepted")
	}
}

func TestNewErrorResponse(t *testing.T) {
	out := NewErrorResponse(json.RawMessage(`"abc"`), CodeBadSession, "unknown or expired session")
	var decoded struct {
		JSONRPC string `json:"jsonrpc"`
		ID      string `json:"id"`
		Error   struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.JSONRPC != "2.0" || decoded.ID != "abc" {
		t.Errorf("envelope = %+v", decoded)
	}
	if decoded.Error.Code != -32000 {
		t.Errorf("code = %d, want -32000", decoded.Error.Code)
	}
}

func TestNewErrorResponseNullID(t *testing.T) {
	out := NewErrorResponse(nil, CodeParseError, "parse error")
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(decoded["id"]) != "null" {
		t.Errorf("id = %s, want null", decoded["id"])
	}
}

func TestNewResultResponse(t *testing.T) {
	out, err := NewResultResponse(json.RawMessage("3"), map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("NewResultResponse: %v", err)
	}
	var decoded struct {
		ID     int            `json:"id"`
		Result map[string]any `json:"result"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID != 3 || decoded.Result["ok"] != true {
		t.Errorf("response = %+v", decoded)
	}
}
