package relay

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagecast/stagecast/internal/journal"
	"github.com/stagecast/stagecast/internal/observability"
	"github.com/stagecast/stagecast/internal/protocol"
	"github.com/stagecast/stagecast/internal/redact"
	"github.com/stagecast/stagecast/internal/state"
	"github.com/stagecast/stagecast/internal/token"
)

const clientQueueSize = 64

// Client is one attached relay participant: a websocket connection or an
// in-process actor such as the presenter agent.
type Client struct {
	id    string
	label string
	hub   *Hub
	send  chan protocol.Event
	once  sync.Once
}

func (c *Client) ID() string { return c.id }

// Publish submits an event to the relay on behalf of this client.
func (c *Client) Publish(evt protocol.Event) {
	select {
	case c.hub.inbound <- inboundEvent{sender: c, evt: evt}:
	case <-c.hub.done:
	}
}

// Events is the stream of events rebroadcast to this client.
func (c *Client) Events() <-chan protocol.Event { return c.send }

// Close detaches the client from the hub.
func (c *Client) Close() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

type inboundEvent struct {
	sender *Client
	evt    protocol.Event
}

// Hub is the broadcast bus. All registration, unregistration and event
// handling runs on a single goroutine, which gives the descriptor
// single-writer semantics and keeps per-client queues race-free.
type Hub struct {
	store   *state.Store
	tokens  *token.Broker
	journal journal.Store
	metrics *observability.Metrics

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundEvent
	done       chan struct{}

	clients map[*Client]struct{}
}

func NewHub(store *state.Store, tokens *token.Broker, jstore journal.Store, metrics *observability.Metrics) *Hub {
	return &Hub{
		store:      store,
		tokens:     tokens,
		journal:    jstore,
		metrics:    metrics,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundEvent, 256),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
	}
}

// Attach registers a new client and immediately pushes the current descriptor
// to it: a late joiner gets current state, not historical events.
func (h *Hub) Attach(label string) *Client {
	c := &Client{
		id:    uuid.NewString(),
		label: label,
		hub:   h,
		send:  make(chan protocol.Event, clientQueueSize),
	}
	select {
	case h.register <- c:
	case <-h.done:
	}
	return c
}

// Run processes hub traffic until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.metrics.ConnectedClients.Set(float64(len(h.clients)))
			log.Printf("relay: client attached (%s, %s)", c.label, c.id)
			h.deliver(c, protocol.New(protocol.EventAvatarState, h.store.Get()))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
				h.metrics.ConnectedClients.Set(float64(len(h.clients)))
				// A departed client may leave a dangling upstream session;
				// force the next token fetch to hit upstream.
				h.tokens.Invalidate()
				log.Printf("relay: client detached (%s, %s)", c.label, c.id)
			}
		case in := <-h.inbound:
			h.handle(in.sender, in.evt)
		}
	}
}

func (h *Hub) handle(sender *Client, evt protocol.Event) {
	h.metrics.RelayEvents.WithLabelValues("inbound", string(evt.Name)).Inc()
	h.record(evt)

	switch protocol.RouteOf(evt.Name) {
	case protocol.ScopeOthers:
		h.applyIntent(evt)
		h.broadcastOthers(sender, evt)
	case protocol.ScopeAll:
		h.applyConfirmation(evt)
		h.recordTransition(evt)
		h.broadcastAll(evt)
	case protocol.ScopeStateSync:
		var cfg protocol.SessionConfig
		if err := protocol.DecodePayload(evt, &cfg); err != nil {
			log.Printf("relay: bad state-sync payload from %s: %v", sender.label, err)
			return
		}
		// Silent descriptor update: readiness is preserved and the sync is
		// not rebroadcast, only the resulting state.
		h.store.Sync(cfg.Descriptor())
		h.broadcastAll(protocol.New(protocol.EventAvatarState, h.store.Get()))
	default:
		log.Printf("relay: dropping unroutable event %q from %s", evt.Name, sender.label)
	}
}

// applyIntent mutates the store for intents the relay is authoritative for.
func (h *Hub) applyIntent(evt protocol.Event) {
	switch evt.Name {
	case protocol.EventStartSession, protocol.EventChangeSession:
		var cfg protocol.SessionConfig
		if err := protocol.DecodePayload(evt, &cfg); err != nil {
			log.Printf("relay: bad %s payload: %v", evt.Name, err)
			return
		}
		h.store.Set(cfg.Descriptor())
		if evt.Name == protocol.EventChangeSession {
			// Changing configuration retires the old credential.
			h.tokens.Invalidate()
		}
	case protocol.EventStopSession:
		h.store.Reset()
		h.tokens.Invalidate()
	}
}

func (h *Hub) applyConfirmation(evt protocol.Event) {
	switch evt.Name {
	case protocol.EventSessionReady:
		var payload protocol.SessionReadyPayload
		if err := protocol.DecodePayload(evt, &payload); err != nil {
			log.Printf("relay: bad session-ready payload: %v", err)
			return
		}
		if payload.SessionID != "" {
			h.store.SetUpstreamSessionID(payload.SessionID)
		}
		h.store.MarkReady(true)
	case protocol.EventSessionStopped, protocol.EventSessionError:
		h.store.MarkReady(false)
	}
}

// BroadcastAll delivers an event to every attached client, sender included.
func (h *Hub) broadcastAll(evt protocol.Event) {
	for c := range h.clients {
		h.deliver(c, evt)
	}
}

// BroadcastOthers delivers an event to every attached client except sender.
func (h *Hub) broadcastOthers(sender *Client, evt protocol.Event) {
	for c := range h.clients {
		if c == sender {
			continue
		}
		h.deliver(c, evt)
	}
}

func (h *Hub) deliver(c *Client, evt protocol.Event) {
	select {
	case c.send <- evt:
		h.metrics.RelayEvents.WithLabelValues("outbound", string(evt.Name)).Inc()
	default:
		// Never block the hub on a slow consumer: latest state wins over
		// guaranteed delivery.
		h.metrics.BroadcastDrops.WithLabelValues(string(evt.Name)).Inc()
	}
}

func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	c.once.Do(func() { close(c.send) })
}

func (h *Hub) record(evt protocol.Event) {
	// Spoken text may carry PII; the journal only ever sees the masked form.
	detail, _ := redact.PII(string(evt.Payload))
	h.append(journal.Entry{Kind: journal.KindEvent, Name: string(evt.Name), Detail: detail})
}

// recordTransition journals the lifecycle landmarks separately from the raw
// event stream, so an operator can reconstruct session history without
// replaying every relayed frame.
func (h *Hub) recordTransition(evt protocol.Event) {
	switch evt.Name {
	case protocol.EventSessionReady, protocol.EventSessionStopped, protocol.EventSessionError,
		protocol.EventSessionChangeStart, protocol.EventSessionChangeComplete:
		h.append(journal.Entry{Kind: journal.KindTransition, Name: string(evt.Name)})
	}
}

func (h *Hub) append(entry journal.Entry) {
	if h.journal == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.journal.Append(ctx, entry); err != nil {
			log.Printf("relay: journal append failed: %v", err)
		}
	}()
}
