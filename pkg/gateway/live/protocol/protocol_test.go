package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/vango-go/voice-orchestrator/pkg/core/live"
)

func TestDecodeClientMessage_SetModeCaseInsensitive(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"set_mode","mode":"text"}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	sm, ok := msg.(ClientSetMode)
	if !ok {
		t.Fatalf("decoded type = %T, want ClientSetMode", msg)
	}
	if sm.Mode != live.ModeText {
		t.Fatalf("mode=%q", sm.Mode)
	}
}

func TestDecodeClientMessage_Table(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantType string
		wantCode string
		param    string
	}{
		{name: "toggle default", raw: `{"type":"toggle_voice"}`, wantType: "ClientToggleVoice"},
		{name: "toggle denied", raw: `{"type":"toggle_voice","microphone":"DENIED"}`, wantType: "ClientToggleVoice"},
		{name: "toggle bogus", raw: `{"type":"toggle_voice","microphone":"maybe"}`, wantCode: "unsupported", param: "microphone"},
		{name: "send text", raw: `{"type":"send_text","text":"hi"}`, wantType: "ClientSendText"},
		{name: "activity", raw: `{"type":"user_activity"}`, wantType: "ClientUserActivity"},
		{name: "audio", raw: `{"type":"audio","data_b64":"AAEC"}`, wantType: "ClientAudio"},
		{name: "audio empty", raw: `{"type":"audio"}`, wantCode: "bad_request", param: "data_b64"},
		{name: "audio not base64", raw: `{"type":"audio","data_b64":"@@@"}`, wantCode: "bad_request", param: "data_b64"},
		{name: "disconnect", raw: `{"type":"disconnect"}`, wantType: "ClientDisconnect"},
		{name: "webhook", raw: `{"type":"forward_webhook","text":"run"}`, wantType: "ClientForwardWebhook"},
		{name: "webhook empty", raw: `{"type":"forward_webhook","text":"  "}`, wantCode: "bad_request", param: "text"},
		{name: "bad mode", raw: `{"type":"set_mode","mode":"video"}`, wantCode: "unsupported", param: "mode"},
		{name: "missing type", raw: `{}`, wantCode: "bad_request", param: "type"},
		{name: "unknown type", raw: `{"type":"hello"}`, wantCode: "bad_request", param: "type"},
		{name: "not json", raw: `nope`, wantCode: "bad_request"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := DecodeClientMessage([]byte(tc.raw))
			if tc.wantCode != "" {
				decErr, ok := err.(*DecodeError)
				if !ok {
					t.Fatalf("err=%v (%T), want *DecodeError", err, err)
				}
				if decErr.Code != tc.wantCode || decErr.Param != tc.param {
					t.Fatalf("code=%q param=%q, want %q/%q", decErr.Code, decErr.Param, tc.wantCode, tc.param)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeClientMessage() error = %v", err)
			}
			got := typeName(msg)
			if got != tc.wantType {
				t.Fatalf("decoded %s, want %s", got, tc.wantType)
			}
		})
	}
}

func TestDecodeClientMessage_SendTextTooLong(t *testing.T) {
	raw, _ := json.Marshal(ClientSendText{Type: "send_text", Text: strings.Repeat("a", MaxTextBytes+1)})
	if _, err := DecodeClientMessage(raw); err == nil {
		t.Fatal("expected error")
	}
}

func TestServerState_FlattensSnapshot(t *testing.T) {
	b, err := json.Marshal(NewState(live.Snapshot{Mode: live.ModeVoice, ConnectionState: live.StateConnected}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "state" || got["mode"] != "VOICE" || got["connectionState"] != "CONNECTED" {
		t.Fatalf("frame=%s", b)
	}
}

func TestDecodeError_Error(t *testing.T) {
	if got := badRequest("x is required", "x").Error(); got != "x is required (x)" {
		t.Fatalf("Error()=%q", got)
	}
	var nilErr *DecodeError
	if nilErr.Error() != "" {
		t.Fatal("nil DecodeError should render empty")
	}
}

func typeName(v any) string {
	switch v.(type) {
	case ClientSetMode:
		return "ClientSetMode"
	case ClientToggleVoice:
		return "ClientToggleVoice"
	case ClientSendText:
		return "ClientSendText"
	case ClientUserActivity:
		return "ClientUserActivity"
	case ClientAudio:
		return "ClientAudio"
	case ClientDisconnect:
		return "ClientDisconnect"
	case ClientForwardWebhook:
		return "ClientForwardWebhook"
	default:
		return "unknown"
	}
}
