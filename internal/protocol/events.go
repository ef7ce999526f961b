package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stagecast/stagecast/internal/state"
)

// EventName identifies relay event variants.
type EventName string

const (
	// Control -> presentation intents. Rebroadcast to every client except
	// the sender: the sender is a controller, not a renderer.
	EventStartSession  EventName = "start-session"
	EventStopSession   EventName = "stop-session"
	EventChangeSession EventName = "change-session"
	EventStartVoice    EventName = "start-voice"
	EventStopVoice     EventName = "stop-voice"
	EventSpeakText     EventName = "speak-text"

	// Presentation -> control confirmations. Rebroadcast to all clients
	// including the sender so every observer converges on the same view.
	EventSessionReady          EventName = "session-ready"
	EventSessionStopped        EventName = "session-stopped"
	EventSessionError          EventName = "session-error"
	EventVoiceStarted          EventName = "voice-started"
	EventVoiceStopped          EventName = "voice-stopped"
	EventTextSpoken            EventName = "text-spoken"
	EventSpeakingStarted       EventName = "speaking-started"
	EventSpeakingStopped       EventName = "speaking-stopped"
	EventSessionChangeStart    EventName = "session-change-start"
	EventSessionChangeComplete EventName = "session-change-complete"

	// Generic error surfaced to all clients.
	EventError EventName = "error"

	// Targeted state update: mutates the store and triggers a state push,
	// without rebroadcasting the sync itself.
	EventStateSync EventName = "state-sync"

	// Server -> client state push. Sent to a client on connect and to all
	// clients after a state-sync.
	EventAvatarState EventName = "avatar-state"
)

// Scope tells the relay how to rebroadcast a published event. Modeled as an
// explicit routing table rather than inferred from event name patterns.
type Scope int

const (
	// ScopeNone drops the event (unknown names, server-push-only names).
	ScopeNone Scope = iota
	// ScopeOthers rebroadcasts to every connected client except the sender.
	ScopeOthers
	// ScopeAll rebroadcasts to every connected client including the sender.
	ScopeAll
	// ScopeStateSync updates the store and pushes avatar-state to all.
	ScopeStateSync
)

var routes = map[EventName]Scope{
	EventStartSession:  ScopeOthers,
	EventStopSession:   ScopeOthers,
	EventChangeSession: ScopeOthers,
	EventStartVoice:    ScopeOthers,
	EventStopVoice:     ScopeOthers,
	EventSpeakText:     ScopeOthers,

	EventSessionReady:          ScopeAll,
	EventSessionStopped:        ScopeAll,
	EventSessionError:          ScopeAll,
	EventVoiceStarted:          ScopeAll,
	EventVoiceStopped:          ScopeAll,
	EventTextSpoken:            ScopeAll,
	EventSpeakingStarted:       ScopeAll,
	EventSpeakingStopped:       ScopeAll,
	EventSessionChangeStart:    ScopeAll,
	EventSessionChangeComplete: ScopeAll,
	EventError:                 ScopeAll,

	EventStateSync: ScopeStateSync,
}

// RouteOf resolves the rebroadcast scope for a published event.
func RouteOf(name EventName) Scope {
	return routes[name]
}

// Event is the wire envelope for every relay message.
type Event struct {
	Name    EventName       `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var ErrMissingName = errors.New("missing event name")

// Parse validates a raw websocket frame into an event envelope. Payloads are
// kept raw; handlers decode the variants they act on.
func Parse(raw []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return Event{}, fmt.Errorf("invalid event envelope: %w", err)
	}
	if evt.Name == "" {
		return Event{}, ErrMissingName
	}
	return evt, nil
}

// New builds an event with a marshalled payload. Marshal failures indicate a
// programming error (all payload types here are plain structs), so they panic
// rather than forcing error plumbing on every emit site.
func New(name EventName, payload any) Event {
	if payload == nil {
		return Event{Name: name}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("marshal %s payload: %v", name, err))
	}
	return Event{Name: name, Payload: raw}
}

// SessionConfig is the configuration carried by start-session, change-session
// and state-sync intents. Field names mirror the stored descriptor.
type SessionConfig struct {
	PersonaID       string                `json:"persona_id"`
	VoiceID         string                `json:"voice_id"`
	BehaviorPrompt  string                `json:"behavior_prompt,omitempty"`
	BackgroundRef   string                `json:"background_ref,omitempty"`
	QualityTier     state.QualityTier     `json:"quality_tier,omitempty"`
	AspectRatio     state.AspectRatio     `json:"aspect_ratio,omitempty"`
	InteractionMode state.InteractionMode `json:"interaction_mode,omitempty"`
}

// Descriptor converts the wire config into a store descriptor.
func (c SessionConfig) Descriptor() state.Descriptor {
	return state.Descriptor{
		PersonaID:       c.PersonaID,
		VoiceID:         c.VoiceID,
		BehaviorPrompt:  c.BehaviorPrompt,
		BackgroundRef:   c.BackgroundRef,
		QualityTier:     c.QualityTier,
		AspectRatio:     c.AspectRatio,
		InteractionMode: c.InteractionMode,
	}
}

type SpeakText struct {
	Text     string `json:"text"`
	TaskType string `json:"task_type,omitempty"`
}

type SessionReadyPayload struct {
	SessionID string `json:"session_id,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type ChangeCompletePayload struct {
	PersonaID string `json:"persona_id"`
	VoiceID   string `json:"voice_id"`
}

// DecodePayload unmarshals an event payload into out. A missing payload
// decodes to the zero value.
func DecodePayload(evt Event, out any) error {
	if len(evt.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(evt.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", evt.Name, err)
	}
	return nil
}
