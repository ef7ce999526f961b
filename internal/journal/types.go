package journal

import (
	"context"
	"time"
)

// EntryKind separates relayed events from lifecycle transitions.
type EntryKind string

const (
	KindEvent      EntryKind = "event"
	KindTransition EntryKind = "transition"
)

// Entry records one relayed event or lifecycle transition.
type Entry struct {
	ID        string    `json:"id"`
	Kind      EntryKind `json:"kind"`
	Name      string    `json:"name"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists and retrieves journal entries. Writes are advisory: callers
// log failures and move on, relaying never depends on the journal.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}
