package avatar

import (
	"context"

	"github.com/stagecast/stagecast/internal/state"
)

type EventType string

const (
	EventStreamReady  EventType = "stream_ready"
	EventStartTalking EventType = "start_talking"
	EventStopTalking  EventType = "stop_talking"
	EventUserStart    EventType = "user_start"
	EventUserStop     EventType = "user_stop"
	EventDisconnected EventType = "disconnected"
	EventError        EventType = "error"
)

// Event is a status notification from an active upstream session.
type Event struct {
	Type   EventType
	Code   string
	Detail string
}

// Session is a live upstream avatar session.
type Session interface {
	ID() string
	// Speak submits a synchronous speech task; it returns once the avatar
	// has finished vocalizing.
	Speak(ctx context.Context, text, taskType string) error
	StartVoiceChat(ctx context.Context) error
	CloseVoiceChat(ctx context.Context) error
	Events() <-chan Event
	// Close stops the upstream stream and releases the session.
	Close(ctx context.Context) error
}

// Provider is the external streaming-avatar service. The rendering transport
// (video, audio, lip-sync) is owned by the provider and out of scope here;
// only the request/response and event surface is modeled.
type Provider interface {
	// CreateToken issues a short-lived bearer token using the account API key.
	CreateToken(ctx context.Context) (string, error)
	// StartSession performs the session handshake with a bearer token and the
	// requested configuration.
	StartSession(ctx context.Context, token string, cfg state.Descriptor) (Session, error)
	// CloseSession force-terminates a session by id. Used for best-effort
	// cleanup of sessions this process no longer holds a handle for.
	CloseSession(ctx context.Context, token, sessionID string) error
	// ListSessions enumerates the sessions currently open on the account.
	ListSessions(ctx context.Context, token string) ([]string, error)
}
