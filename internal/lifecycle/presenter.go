package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/stagecast/stagecast/internal/avatar"
	"github.com/stagecast/stagecast/internal/observability"
	"github.com/stagecast/stagecast/internal/protocol"
	"github.com/stagecast/stagecast/internal/relay"
	"github.com/stagecast/stagecast/internal/state"
	"github.com/stagecast/stagecast/internal/token"
)

type PresenterConfig struct {
	// HandshakeTimeout bounds the upstream session handshake; on expiry the
	// machine moves to Error instead of hanging in Starting.
	HandshakeTimeout time.Duration
	// SettleInterval is the pause between tearing down an upstream session
	// and starting the next one, letting the provider release resources.
	SettleInterval time.Duration
}

func (c PresenterConfig) withDefaults() PresenterConfig {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.SettleInterval <= 0 {
		c.SettleInterval = 2 * time.Second
	}
	return c
}

// Presenter is the presentation-side controller. It attaches to the hub as a
// regular client, consumes control intents, executes the upstream provider
// handshake and emits the confirmation events every observer converges on.
// The rendering of the resulting media stream is outside this process.
type Presenter struct {
	hub      *relay.Hub
	provider avatar.Provider
	tokens   *token.Broker
	store    *state.Store
	machine  *Machine
	metrics  *observability.Metrics
	cfg      PresenterConfig

	mu             sync.Mutex
	session        avatar.Session
	lastUpstreamID string

	client *relay.Client
}

func NewPresenter(
	hub *relay.Hub,
	provider avatar.Provider,
	tokens *token.Broker,
	store *state.Store,
	metrics *observability.Metrics,
	cfg PresenterConfig,
) *Presenter {
	p := &Presenter{
		hub:      hub,
		provider: provider,
		tokens:   tokens,
		store:    store,
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
	}
	p.machine = NewMachine(func(s State) {
		metrics.LifecycleTransitions.WithLabelValues(string(s)).Inc()
	})
	return p
}

// Machine exposes the lifecycle machine for observation.
func (p *Presenter) Machine() *Machine { return p.machine }

// Run attaches to the hub and handles intents until ctx is cancelled.
func (p *Presenter) Run(ctx context.Context) {
	c := p.hub.Attach("presenter")
	p.mu.Lock()
	p.client = c
	p.mu.Unlock()
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			p.teardown(context.Background(), false)
			return
		case evt, ok := <-c.Events():
			if !ok {
				return
			}
			p.dispatch(ctx, evt)
		}
	}
}

func (p *Presenter) dispatch(ctx context.Context, evt protocol.Event) {
	switch evt.Name {
	case protocol.EventStartSession:
		go p.handleStart(ctx)
	case protocol.EventChangeSession:
		go p.handleChange(ctx)
	case protocol.EventStopSession:
		go p.handleStop(ctx)
	case protocol.EventStartVoice:
		go p.handleStartVoice(ctx)
	case protocol.EventStopVoice:
		go p.handleStopVoice(ctx)
	case protocol.EventSpeakText:
		var msg protocol.SpeakText
		if err := protocol.DecodePayload(evt, &msg); err != nil {
			p.emitError(fmt.Sprintf("invalid speak-text payload: %v", err))
			return
		}
		go p.handleSpeak(ctx, msg)
	}
}

func (p *Presenter) handleStart(ctx context.Context) {
	if err := p.machine.BeginStart(); err != nil {
		log.Printf("presenter: start ignored, transition in flight")
		return
	}
	p.startSequence(ctx, false)
}

func (p *Presenter) handleChange(ctx context.Context) {
	switch p.machine.State() {
	case StateReady:
		if err := p.machine.BeginChange(); err != nil {
			log.Printf("presenter: change ignored, transition in flight")
			return
		}
	case StateIdle, StateError:
		// No session to change; run a plain start with the new descriptor.
		if err := p.machine.BeginStart(); err != nil {
			log.Printf("presenter: change ignored, transition in flight")
			return
		}
		p.startSequence(ctx, true)
		return
	default:
		log.Printf("presenter: change ignored, transition in flight")
		return
	}

	p.publish(protocol.New(protocol.EventSessionChangeStart, nil))
	p.teardown(ctx, true)
	p.settle(ctx)
	p.startSequence(ctx, true)
}

func (p *Presenter) handleStop(ctx context.Context) {
	if err := p.machine.BeginStop(); err != nil {
		log.Printf("presenter: stop ignored in state %s", p.machine.State())
		return
	}
	p.teardown(ctx, true)
	p.machine.FinishStop()
	p.publish(protocol.New(protocol.EventSessionStopped, nil))
}

// startSequence runs the handshake: release any previous upstream session,
// acquire a token, create the new session and wait for the stream to come up.
// The machine is already in Starting or Changing when this runs.
func (p *Presenter) startSequence(ctx context.Context, asChange bool) {
	desc := p.store.Get()
	if strings.TrimSpace(desc.PersonaID) == "" || strings.TrimSpace(desc.VoiceID) == "" {
		p.fail("missing persona or voice id in session configuration")
		return
	}

	hctx, cancel := context.WithTimeout(ctx, p.cfg.HandshakeTimeout)
	defer cancel()

	// The provider enforces a per-account concurrency cap: a leaked previous
	// session can block ever reaching ready, so release it first.
	p.releasePrevious(hctx)

	tok, err := p.tokens.Acquire(hctx)
	if err != nil {
		p.countProviderError("create_token", err)
		p.fail(fmt.Sprintf("token acquisition failed: %v", err))
		return
	}

	started := time.Now()
	sess, err := p.provider.StartSession(hctx, tok, desc)
	if err != nil {
		p.countProviderError("new_session", err)
		p.fail(fmt.Sprintf("session handshake failed: %v", err))
		return
	}

	if err := p.awaitStreamReady(hctx, sess); err != nil {
		_ = sess.Close(context.Background())
		p.countProviderError("stream_ready", err)
		p.fail(err.Error())
		return
	}
	p.metrics.ObserveHandshakeLatency(time.Since(started))

	p.mu.Lock()
	p.session = sess
	p.lastUpstreamID = sess.ID()
	p.mu.Unlock()

	if !p.machine.MarkReady() {
		// A stop superseded the handshake while we were waiting on the
		// provider; release the session we no longer want and emit nothing.
		log.Printf("presenter: handshake superseded in state %s, releasing %s", p.machine.State(), sess.ID())
		p.mu.Lock()
		if p.session == sess {
			p.session = nil
			p.lastUpstreamID = ""
		}
		p.mu.Unlock()
		if err := sess.Close(context.Background()); err != nil {
			log.Printf("presenter: release superseded session: %v", err)
		}
		return
	}
	p.publish(protocol.New(protocol.EventSessionReady, protocol.SessionReadyPayload{SessionID: sess.ID()}))
	if asChange {
		p.publish(protocol.New(protocol.EventSessionChangeComplete, protocol.ChangeCompletePayload{
			PersonaID: desc.PersonaID,
			VoiceID:   desc.VoiceID,
		}))
	}

	go p.watchSession(ctx, sess)
}

func (p *Presenter) awaitStreamReady(ctx context.Context, sess avatar.Session) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("upstream handshake timed out")
		case evt, ok := <-sess.Events():
			if !ok {
				return fmt.Errorf("upstream session closed during handshake")
			}
			switch evt.Type {
			case avatar.EventStreamReady:
				return nil
			case avatar.EventError:
				return fmt.Errorf("upstream handshake failed: %s", evt.Detail)
			}
		}
	}
}

// watchSession forwards upstream talking notifications as speaking events
// until the session's event channel closes.
func (p *Presenter) watchSession(_ context.Context, sess avatar.Session) {
	for evt := range sess.Events() {
		switch evt.Type {
		case avatar.EventStartTalking:
			p.machine.SetSpeaking(true)
			p.publish(protocol.New(protocol.EventSpeakingStarted, nil))
		case avatar.EventStopTalking:
			p.machine.SetSpeaking(false)
			p.publish(protocol.New(protocol.EventSpeakingStopped, nil))
		case avatar.EventUserStart:
			p.publish(protocol.New(protocol.EventVoiceStarted, nil))
		case avatar.EventUserStop:
			p.publish(protocol.New(protocol.EventVoiceStopped, nil))
		case avatar.EventDisconnected:
			log.Printf("presenter: upstream stream disconnected")
		case avatar.EventError:
			p.emitError(fmt.Sprintf("upstream session error: %s", evt.Detail))
		}
	}
}

func (p *Presenter) handleStartVoice(ctx context.Context) {
	if err := p.machine.StartListening(); err != nil {
		log.Printf("presenter: start-voice ignored (state %s)", p.machine.State())
		return
	}

	sess := p.currentSession()
	if sess == nil {
		p.machine.StopListening()
		p.emitError("no active session for voice chat")
		return
	}
	if err := sess.StartVoiceChat(ctx); err != nil {
		p.machine.StopListening()
		p.countProviderError("start_voice", err)
		p.emitError(fmt.Sprintf("voice chat failed: %v", err))
		return
	}
	p.publish(protocol.New(protocol.EventVoiceStarted, nil))
}

func (p *Presenter) handleStopVoice(ctx context.Context) {
	if !p.machine.StopListening() {
		// Stop without an open voice sub-session is a benign no-op.
		return
	}
	if sess := p.currentSession(); sess != nil {
		if err := sess.CloseVoiceChat(ctx); err != nil {
			log.Printf("presenter: close voice chat failed: %v", err)
		}
	}
	p.publish(protocol.New(protocol.EventVoiceStopped, nil))
}

func (p *Presenter) handleSpeak(ctx context.Context, msg protocol.SpeakText) {
	if p.machine.State() != StateReady {
		p.emitError("no active session: start the avatar before sending text")
		return
	}
	if strings.TrimSpace(msg.Text) == "" {
		p.emitError("cannot speak empty text")
		return
	}

	sess := p.currentSession()
	if sess == nil {
		p.emitError("no active session: start the avatar before sending text")
		return
	}

	p.machine.SetProcessingTurn(true)
	defer p.machine.SetProcessingTurn(false)

	if err := sess.Speak(ctx, msg.Text, msg.TaskType); err != nil {
		p.countProviderError("speak_task", err)
		p.emitError(fmt.Sprintf("speech task failed: %v", err))
		return
	}
	p.publish(protocol.New(protocol.EventTextSpoken, nil))
}

// teardown closes the voice sub-session, stops the stream and force-releases
// the upstream session. Every step is best-effort: failures are logged and
// never block progression.
func (p *Presenter) teardown(ctx context.Context, emitVoiceStopped bool) {
	p.mu.Lock()
	sess := p.session
	prevID := p.lastUpstreamID
	p.session = nil
	p.lastUpstreamID = ""
	p.mu.Unlock()

	if p.machine.StopListening() {
		if sess != nil {
			if err := sess.CloseVoiceChat(ctx); err != nil {
				log.Printf("presenter: teardown close voice chat: %v", err)
			}
		}
		if emitVoiceStopped {
			p.publish(protocol.New(protocol.EventVoiceStopped, nil))
		}
	}

	if sess != nil {
		if err := sess.Close(ctx); err != nil {
			log.Printf("presenter: teardown stream stop: %v", err)
		}
		return
	}

	if prevID != "" {
		p.forceClose(ctx, prevID)
	}
}

// releasePrevious force-terminates whatever upstream session this presenter
// still knows about before a new handshake.
func (p *Presenter) releasePrevious(ctx context.Context) {
	p.mu.Lock()
	sess := p.session
	prevID := p.lastUpstreamID
	p.session = nil
	p.lastUpstreamID = ""
	p.mu.Unlock()

	if sess != nil {
		if err := sess.Close(ctx); err != nil {
			log.Printf("presenter: release previous session: %v", err)
		}
		return
	}
	if prevID != "" {
		p.forceClose(ctx, prevID)
	}
}

func (p *Presenter) forceClose(ctx context.Context, sessionID string) {
	tok, err := p.tokens.Acquire(ctx)
	if err != nil {
		log.Printf("presenter: force close %s skipped, no token: %v", sessionID, err)
		return
	}
	if err := p.provider.CloseSession(ctx, tok, sessionID); err != nil {
		log.Printf("presenter: force close %s failed: %v", sessionID, err)
	}
}

func (p *Presenter) settle(ctx context.Context) {
	select {
	case <-time.After(p.cfg.SettleInterval):
	case <-ctx.Done():
	}
}

func (p *Presenter) currentSession() avatar.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

func (p *Presenter) fail(message string) {
	if !p.machine.MarkError() {
		log.Printf("presenter: handshake failure superseded in state %s: %s", p.machine.State(), message)
		return
	}
	p.emitError(message)
}

func (p *Presenter) emitError(message string) {
	log.Printf("presenter: %s", message)
	p.publish(protocol.New(protocol.EventSessionError, protocol.ErrorPayload{Message: message}))
}

func (p *Presenter) publish(evt protocol.Event) {
	p.mu.Lock()
	c := p.client
	p.mu.Unlock()
	if c != nil {
		c.Publish(evt)
	}
}

func (p *Presenter) countProviderError(op string, err error) {
	if err == nil {
		return
	}
	code := "unavailable"
	if errors.Is(err, avatar.ErrAuth) {
		code = "auth"
	}
	p.metrics.ProviderErrors.WithLabelValues(op, code).Inc()
}
