package protocol

import (
	"encoding/json"
	"testing"
)

// TestParseClientMessageNeverPanics feeds hostile inputs through the parser.
func TestParseClientMessageNeverPanics(t *testing.T) {
	inputs := []string{
		"",
		"not json",
		"null",
		"[]",
		"42",
		`"string"`,
		"{}",
		`{"type": null}`,
		`{"type": 7}`,
		`{"type": ""}`,
		`{"type": "no_such_type"}`,
		`{"content": "orphan"}`,
		string([]byte{0xff, 0xfe, 0x00}),
	}

	for _, raw := range inputs {
		msg, errPayload := ParseClientMessage([]byte(raw))
		if msg != nil {
			t.Errorf("Input %q: expected rejection, got %+v", raw, msg)
		}
		if errPayload == nil {
			t.Errorf("Input %q: expected an error payload", raw)
			continue
		}
		if errPayload.Message == "" {
			t.Errorf("Input %q: error payload has no message", raw)
		}
		if !errPayload.Recoverable {
			t.Errorf("Input %q: parse errors should be recoverable", raw)
		}
	}
}

// TestParseClientMessageValidation covers per-type field requirements.
func TestParseClientMessageValidation(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantType ClientMessageType
		wantCode ErrorCode // empty means expect success
	}{
		{"user message", `{"type":"user_message","content":"hi"}`, ClientUserMessage, ""},
		{"user message empty", `{"type":"user_message","content":""}`, "", ErrMissingRequiredField},
		{"user message whitespace", `{"type":"user_message","content":"  \n\t "}`, "", ErrMissingRequiredField},
		{"user message missing content", `{"type":"user_message"}`, "", ErrMissingRequiredField},
		{"leave", `{"type":"leave_session"}`, ClientLeaveSession, ""},
		{"ping", `{"type":"ping"}`, ClientPing, ""},
		{"enter rabbithole", `{"type":"enter_rabbithole","rabbitholeEventId":"rh-1","topic":"goroutines"}`, ClientEnterRabbithole, ""},
		{"enter rabbithole no id", `{"type":"enter_rabbithole","topic":"goroutines"}`, "", ErrMissingRequiredField},
		{"enter rabbithole no topic", `{"type":"enter_rabbithole","rabbitholeEventId":"rh-1"}`, "", ErrMissingRequiredField},
		{"exit rabbithole", `{"type":"exit_rabbithole"}`, ClientExitRabbithole, ""},
		{"decline rabbithole", `{"type":"decline_rabbithole"}`, ClientDeclineRabbithole, ""},
		{"dismiss overlay", `{"type":"dismiss_overlay"}`, ClientDismissOverlay, ""},
		{"renamed legacy type", `{"type":"end_session"}`, "", ErrUnknownMessageType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, errPayload := ParseClientMessage([]byte(tt.raw))
			if tt.wantCode == "" {
				if errPayload != nil {
					t.Fatalf("Expected success, got %+v", errPayload)
				}
				if msg.Type != tt.wantType {
					t.Errorf("Expected type %s, got %s", tt.wantType, msg.Type)
				}
			} else {
				if msg != nil {
					t.Fatalf("Expected rejection, got %+v", msg)
				}
				if errPayload.Code != tt.wantCode {
					t.Errorf("Expected code %s, got %s", tt.wantCode, errPayload.Code)
				}
			}
		})
	}
}

// TestSerializeRoundTrip encodes every server message variant and checks the
// decoded type tag and field values.
func TestSerializeRoundTrip(t *testing.T) {
	tests := []struct {
		msg        ServerMessage
		wantFields map[string]any
	}{
		{
			SessionStarted{SessionID: "s1", OpeningMessage: "Let's begin.", TotalPoints: 5, RecalledCount: 2},
			map[string]any{"sessionId": "s1", "openingMessage": "Let's begin.", "totalPoints": float64(5), "recalledCount": float64(2)},
		},
		{
			AssistantChunk{Content: "partial tex", ChunkIndex: 3},
			map[string]any{"content": "partial tex", "chunkIndex": float64(3)},
		},
		{
			AssistantComplete{FullContent: "the whole reply", TotalChunks: 4},
			map[string]any{"fullContent": "the whole reply", "totalChunks": float64(4)},
		},
		{
			PointRecalled{PointID: "p9", RecalledCount: 3, TotalPoints: 5},
			map[string]any{"pointId": "p9", "recalledCount": float64(3), "totalPoints": float64(5)},
		},
		{
			SessionComplete{Summary: "3 of 5 points recalled"},
			map[string]any{"summary": "3 of 5 points recalled"},
		},
		{
			SessionCompleteOverlay{RecalledCount: 5, TotalPoints: 5, SessionID: "s1", Message: "All recalled!", CanContinue: true},
			map[string]any{"recalledCount": float64(5), "totalPoints": float64(5), "sessionId": "s1", "message": "All recalled!", "canContinue": true},
		},
		{
			SessionPaused{SessionID: "s1", RecalledCount: 1, TotalPoints: 5},
			map[string]any{"sessionId": "s1", "recalledCount": float64(1), "totalPoints": float64(5)},
		},
		{
			RabbitholeDetected{Topic: "garbage collection", RabbitholeEventID: "rh-2"},
			map[string]any{"topic": "garbage collection", "rabbitholeEventId": "rh-2"},
		},
		{
			RabbitholeEntered{Topic: "garbage collection"},
			map[string]any{"topic": "garbage collection"},
		},
		{
			RabbitholeExited{Label: "garbage collection", PointsRecalledDuring: 1, CompletionPending: true},
			map[string]any{"label": "garbage collection", "pointsRecalledDuring": float64(1), "completionPending": true},
		},
		{
			ErrorMessage{Code: ErrSessionNotFound, Message: "Session not found", Recoverable: false},
			map[string]any{"code": "SESSION_NOT_FOUND", "message": "Session not found", "recoverable": false},
		},
		{
			Pong{Timestamp: 1700000000000},
			map[string]any{"timestamp": float64(1700000000000)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.msg.MessageType(), func(t *testing.T) {
			data, err := SerializeServerMessage(tt.msg)
			if err != nil {
				t.Fatalf("Serialize failed: %v", err)
			}

			var decoded map[string]any
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("Output is not valid JSON: %v", err)
			}

			if decoded["type"] != tt.msg.MessageType() {
				t.Errorf("Expected type %q, got %v", tt.msg.MessageType(), decoded["type"])
			}
			for k, want := range tt.wantFields {
				if got := decoded[k]; got != want {
					t.Errorf("Field %s: expected %v, got %v", k, want, got)
				}
			}
		})
	}
}

// TestSerializeDeterministic asserts byte-identical output for equal input.
func TestSerializeDeterministic(t *testing.T) {
	msg := SessionStarted{SessionID: "s1", OpeningMessage: "go", TotalPoints: 1}

	a, err := SerializeServerMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := SerializeServerMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Errorf("Serialization not deterministic:\n%s\n%s", a, b)
	}
}

// TestCloseCodes pins the reserved numeric values.
func TestCloseCodes(t *testing.T) {
	codes := map[int]int{
		CloseNormal:         1000,
		CloseEndedByClient:  4000,
		CloseAbandoned:      4001,
		CloseInvalidSession: 4002,
		CloseTooManyErrors:  4003,
		CloseServerShutdown: 4004,
		CloseIdleTimeout:    4005,
	}
	for got, want := range codes {
		if got != want {
			t.Errorf("Close code changed: got %d, want %d", got, want)
		}
	}

	seen := map[string]bool{}
	for code := range codes {
		reason := CloseReason(code)
		if reason == "" || reason == "closed" {
			t.Errorf("Code %d has no distinct reason", code)
		}
		if seen[reason] {
			t.Errorf("Duplicate close reason %q", reason)
		}
		seen[reason] = true
	}
}

// TestErrorDescriptions ensures every code carries a stable description.
func TestErrorDescriptions(t *testing.T) {
	codes := []ErrorCode{
		ErrInvalidSessionID, ErrSessionNotFound, ErrSessionNotActive,
		ErrMalformedMessage, ErrUnknownMessageType, ErrMissingRequiredField,
		ErrEngine, ErrLLM, ErrInternal,
	}
	for _, code := range codes {
		if code.Describe() == "" {
			t.Errorf("Code %s has no description", code)
		}
	}
}
