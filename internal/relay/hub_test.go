package relay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stagecast/stagecast/internal/journal"
	"github.com/stagecast/stagecast/internal/observability"
	"github.com/stagecast/stagecast/internal/protocol"
	"github.com/stagecast/stagecast/internal/state"
	"github.com/stagecast/stagecast/internal/token"
)

type countingIssuer struct{ calls int }

func (c *countingIssuer) CreateToken(_ context.Context) (string, error) {
	c.calls++
	return "tok", nil
}

func newTestHub(t *testing.T, ns string) (*Hub, *countingIssuer, *state.Store, *token.Broker) {
	t.Helper()
	store := state.NewStore(state.Defaults{
		PersonaID:   "default-persona",
		VoiceID:     "default-voice",
		QualityTier: state.QualityHigh,
	})
	issuer := &countingIssuer{}
	metrics := observability.NewMetrics("test_relay_" + ns + time.Now().Format("150405000000000"))
	tokens := token.NewBroker(issuer, time.Minute, metrics)
	h := NewHub(store, tokens, journal.NewInMemoryStore(), metrics)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h, issuer, store, tokens
}

func recvEvent(t *testing.T, c *Client, want protocol.EventName) protocol.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-c.Events():
			if !ok {
				t.Fatalf("client channel closed while waiting for %q", want)
			}
			if evt.Name == want {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func expectNoEvent(t *testing.T, c *Client, name protocol.EventName) {
	t.Helper()
	select {
	case evt, ok := <-c.Events():
		if ok && evt.Name == name {
			t.Fatalf("received %q, expected it to be excluded", name)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAttachPushesCurrentState(t *testing.T) {
	h, _, store, _ := newTestHub(t, "attach")
	store.Set(state.Descriptor{PersonaID: "P1", VoiceID: "V1"})
	store.MarkReady(true)

	c := h.Attach("late-joiner")
	defer c.Close()

	evt := recvEvent(t, c, protocol.EventAvatarState)
	var d state.Descriptor
	if err := protocol.DecodePayload(evt, &d); err != nil {
		t.Fatalf("decode state push: %v", err)
	}
	if d.PersonaID != "P1" || !d.Ready {
		t.Fatalf("late joiner state = %+v, want P1/ready", d)
	}
}

func TestIntentExcludesSender(t *testing.T) {
	h, _, _, _ := newTestHub(t, "intent")
	control := h.Attach("control")
	view := h.Attach("view")
	defer control.Close()
	defer view.Close()
	recvEvent(t, control, protocol.EventAvatarState)
	recvEvent(t, view, protocol.EventAvatarState)

	control.Publish(protocol.New(protocol.EventStartVoice, nil))

	recvEvent(t, view, protocol.EventStartVoice)
	expectNoEvent(t, control, protocol.EventStartVoice)
}

func TestConfirmationIncludesSender(t *testing.T) {
	h, _, _, _ := newTestHub(t, "confirm")
	control := h.Attach("control")
	view := h.Attach("view")
	defer control.Close()
	defer view.Close()
	recvEvent(t, control, protocol.EventAvatarState)
	recvEvent(t, view, protocol.EventAvatarState)

	view.Publish(protocol.New(protocol.EventVoiceStarted, nil))

	recvEvent(t, control, protocol.EventVoiceStarted)
	recvEvent(t, view, protocol.EventVoiceStarted)
}

func TestStartSessionIntentUpdatesStore(t *testing.T) {
	h, _, store, _ := newTestHub(t, "start")
	control := h.Attach("control")
	defer control.Close()
	recvEvent(t, control, protocol.EventAvatarState)

	control.Publish(protocol.New(protocol.EventStartSession, protocol.SessionConfig{
		PersonaID: "P1", VoiceID: "V1", QualityTier: state.QualityHigh,
	}))

	waitFor(t, func() bool { return store.Get().PersonaID == "P1" })
	if store.Get().Ready {
		t.Fatalf("descriptor should not be ready while handshake is in flight")
	}
}

func TestSessionReadyRecordsUpstreamID(t *testing.T) {
	h, _, store, _ := newTestHub(t, "ready")
	view := h.Attach("view")
	defer view.Close()
	recvEvent(t, view, protocol.EventAvatarState)

	view.Publish(protocol.New(protocol.EventSessionReady, protocol.SessionReadyPayload{SessionID: "up-7"}))

	waitFor(t, func() bool { return store.Get().Ready })
	if got := store.Get().UpstreamSessionID; got != "up-7" {
		t.Fatalf("UpstreamSessionID = %q, want up-7", got)
	}
}

func TestStopSessionResetsStoreAndInvalidatesToken(t *testing.T) {
	h, issuer, store, tokens := newTestHub(t, "stop")
	if _, err := tokens.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	control := h.Attach("control")
	defer control.Close()
	recvEvent(t, control, protocol.EventAvatarState)

	control.Publish(protocol.New(protocol.EventStartSession, protocol.SessionConfig{PersonaID: "P1", VoiceID: "V1"}))
	waitFor(t, func() bool { return store.Get().PersonaID == "P1" })

	control.Publish(protocol.New(protocol.EventStopSession, nil))
	waitFor(t, func() bool { return store.Get().PersonaID == "default-persona" })

	if _, err := tokens.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if issuer.calls != 2 {
		t.Fatalf("issuer calls = %d, want 2 (cache invalidated on stop)", issuer.calls)
	}
}

func TestStateSyncPreservesReadinessAndPushesState(t *testing.T) {
	h, _, store, _ := newTestHub(t, "sync")
	view := h.Attach("view")
	control := h.Attach("control")
	defer view.Close()
	defer control.Close()
	recvEvent(t, view, protocol.EventAvatarState)
	recvEvent(t, control, protocol.EventAvatarState)

	store.Set(state.Descriptor{PersonaID: "P1", VoiceID: "V1"})
	store.MarkReady(true)
	store.SetUpstreamSessionID("up-1")

	view.Publish(protocol.New(protocol.EventStateSync, protocol.SessionConfig{PersonaID: "P2", VoiceID: "V2"}))

	evt := recvEvent(t, control, protocol.EventAvatarState)
	var d state.Descriptor
	if err := protocol.DecodePayload(evt, &d); err != nil {
		t.Fatalf("decode state push: %v", err)
	}
	if d.PersonaID != "P2" || !d.Ready || d.UpstreamSessionID != "up-1" {
		t.Fatalf("synced state = %+v, want P2 with readiness preserved", d)
	}
}

func TestUnknownEventIsDropped(t *testing.T) {
	h, _, _, _ := newTestHub(t, "unknown")
	a := h.Attach("a")
	b := h.Attach("b")
	defer a.Close()
	defer b.Close()
	recvEvent(t, a, protocol.EventAvatarState)
	recvEvent(t, b, protocol.EventAvatarState)

	a.Publish(protocol.Event{Name: "made-up"})
	expectNoEvent(t, b, "made-up")
}

func TestJournalRecordsEventsAndTransitions(t *testing.T) {
	store := state.NewStore(state.Defaults{PersonaID: "default-persona", VoiceID: "default-voice"})
	issuer := &countingIssuer{}
	metrics := observability.NewMetrics("test_relay_journal_" + time.Now().Format("150405000000000"))
	tokens := token.NewBroker(issuer, time.Minute, metrics)
	jstore := journal.NewInMemoryStore()
	h := NewHub(store, tokens, jstore, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	c := h.Attach("control")
	defer c.Close()
	recvEvent(t, c, protocol.EventAvatarState)

	c.Publish(protocol.New(protocol.EventSpeakText, protocol.SpeakText{Text: "mail jane@example.com"}))
	c.Publish(protocol.New(protocol.EventSessionReady, protocol.SessionReadyPayload{SessionID: "up-1"}))

	var entries []journal.Entry
	waitFor(t, func() bool {
		entries, _ = jstore.Recent(context.Background(), 10)
		return len(entries) >= 3
	})

	var sawTransition, sawRedacted bool
	for _, e := range entries {
		if e.Kind == journal.KindTransition && e.Name == string(protocol.EventSessionReady) {
			sawTransition = true
		}
		if e.Name == string(protocol.EventSpeakText) {
			if !strings.Contains(e.Detail, "[REDACTED_EMAIL]") || strings.Contains(e.Detail, "example.com") {
				t.Fatalf("speak-text detail not redacted: %s", e.Detail)
			}
			sawRedacted = true
		}
	}
	if !sawTransition {
		t.Fatalf("no transition entry for session-ready in %+v", entries)
	}
	if !sawRedacted {
		t.Fatalf("no speak-text event entry in %+v", entries)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}
