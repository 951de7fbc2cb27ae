package models

import (
	"encoding/json"
	"testing"
)

func TestDecodePayloadByType(t *testing.T) {
	raw, _ := json.Marshal(PromptPayload{
		ID:      "p1",
		Message: "How many matches?",
		Default: "5",
	})
	ev := Event{Seq: 3, Type: EventPrompt, Origin: OriginSystem, Payload: raw}

	decoded, err := ev.DecodePayload()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	prompt, ok := decoded.(*PromptPayload)
	if !ok {
		t.Fatalf("expected *PromptPayload, got %T", decoded)
	}
	if prompt.ID != "p1" || prompt.Default != "5" {
		t.Fatalf("unexpected payload: %#v", prompt)
	}
}

func TestDecodePayloadUnknownType(t *testing.T) {
	ev := Event{Type: EventType("mystery"), Payload: json.RawMessage(`{}`)}
	if _, err := ev.DecodePayload(); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestTerminalStatus(t *testing.T) {
	for _, s := range []string{StatusFinished, StatusFailed, StatusCancelled} {
		if !TerminalStatus(s) {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []string{StatusQueued, StatusStarted, StatusRunning, StatusCancelling, ""} {
		if TerminalStatus(s) {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
