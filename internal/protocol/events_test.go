package protocol

import (
	"errors"
	"testing"
)

func TestParseValidEvent(t *testing.T) {
	raw := []byte(`{"event":"speak-text","payload":{"text":"hello","task_type":"repeat"}}`)
	evt, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if evt.Name != EventSpeakText {
		t.Fatalf("Name = %q, want %q", evt.Name, EventSpeakText)
	}

	var msg SpeakText
	if err := DecodePayload(evt, &msg); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if msg.Text != "hello" || msg.TaskType != "repeat" {
		t.Fatalf("unexpected payload: %+v", msg)
	}
}

func TestParseRejectsMissingName(t *testing.T) {
	_, err := Parse([]byte(`{"payload":{}}`))
	if !errors.Is(err, ErrMissingName) {
		t.Fatalf("Parse() error = %v, want ErrMissingName", err)
	}
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	if _, err := Parse([]byte(`{"event":`)); err == nil {
		t.Fatalf("Parse() should fail on malformed JSON")
	}
}

func TestRouteOf(t *testing.T) {
	cases := []struct {
		name EventName
		want Scope
	}{
		{EventStartSession, ScopeOthers},
		{EventChangeSession, ScopeOthers},
		{EventStopVoice, ScopeOthers},
		{EventSpeakText, ScopeOthers},
		{EventSessionReady, ScopeAll},
		{EventSpeakingStopped, ScopeAll},
		{EventSessionChangeComplete, ScopeAll},
		{EventError, ScopeAll},
		{EventStateSync, ScopeStateSync},
		{EventAvatarState, ScopeNone},
		{EventName("made-up"), ScopeNone},
	}
	for _, tc := range cases {
		if got := RouteOf(tc.name); got != tc.want {
			t.Fatalf("RouteOf(%q) = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestDecodePayloadEmptyIsZeroValue(t *testing.T) {
	var msg SpeakText
	if err := DecodePayload(Event{Name: EventSpeakText}, &msg); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if msg.Text != "" {
		t.Fatalf("expected zero value, got %+v", msg)
	}
}
