package avatar

import (
	"context"
	"fmt"
	"sync"

	"github.com/stagecast/stagecast/internal/state"
)

// MockProvider is an in-memory provider used in tests and when no API key is
// configured. Failures are scriptable and every upstream call is counted.
type MockProvider struct {
	mu sync.Mutex

	TokenErr error
	StartErr error
	SpeakErr error

	// StartGate, when set, blocks StartSession until the channel is closed.
	// Lets tests hold a handshake open while issuing competing intents.
	StartGate chan struct{}

	tokenCalls int
	startCalls int
	closeCalls int
	listCalls  int

	open           map[string]bool
	maxConcurrent  int
	nextSessionSeq int
}

func NewMockProvider() *MockProvider {
	return &MockProvider{open: map[string]bool{}}
}

func (p *MockProvider) CreateToken(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenCalls++
	if p.TokenErr != nil {
		return "", p.TokenErr
	}
	return fmt.Sprintf("mock-token-%d", p.tokenCalls), nil
}

func (p *MockProvider) StartSession(ctx context.Context, _ string, cfg state.Descriptor) (Session, error) {
	p.mu.Lock()
	p.startCalls++
	gate := p.StartGate
	if p.StartErr != nil {
		err := p.StartErr
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSessionSeq++
	id := fmt.Sprintf("mock-session-%d", p.nextSessionSeq)
	p.open[id] = true
	if n := len(p.open); n > p.maxConcurrent {
		p.maxConcurrent = n
	}

	s := &mockSession{provider: p, id: id, persona: cfg.PersonaID, events: make(chan Event, 16)}
	s.events <- Event{Type: EventStreamReady}
	return s, nil
}

func (p *MockProvider) CloseSession(_ context.Context, _ string, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCalls++
	delete(p.open, sessionID)
	return nil
}

func (p *MockProvider) ListSessions(_ context.Context, _ string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listCalls++
	ids := make([]string, 0, len(p.open))
	for id := range p.open {
		ids = append(ids, id)
	}
	return ids, nil
}

func (p *MockProvider) TokenCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenCalls
}

func (p *MockProvider) StartCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startCalls
}

func (p *MockProvider) CloseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalls
}

func (p *MockProvider) OpenSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.open)
}

// MaxConcurrent reports the highest number of simultaneously open sessions
// observed, for asserting that restarts never overlap.
func (p *MockProvider) MaxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxConcurrent
}

type mockSession struct {
	provider *MockProvider
	id       string
	persona  string

	mu          sync.Mutex
	closed      bool
	voiceActive bool
	events      chan Event
}

func (s *mockSession) ID() string { return s.id }

func (s *mockSession) Speak(_ context.Context, text, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("speak: session closed")
	}
	if s.provider.SpeakErr != nil {
		return s.provider.SpeakErr
	}
	if text == "" {
		return fmt.Errorf("speak: empty text")
	}
	s.send(Event{Type: EventStartTalking})
	s.send(Event{Type: EventStopTalking})
	return nil
}

func (s *mockSession) StartVoiceChat(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("start voice chat: session closed")
	}
	if s.voiceActive {
		return fmt.Errorf("start voice chat: already active")
	}
	s.voiceActive = true
	return nil
}

func (s *mockSession) CloseVoiceChat(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voiceActive = false
	return nil
}

func (s *mockSession) Events() <-chan Event { return s.events }

func (s *mockSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.voiceActive = false
	s.mu.Unlock()

	_ = s.provider.CloseSession(ctx, "", s.id)
	close(s.events)
	return nil
}

func (s *mockSession) send(evt Event) {
	select {
	case s.events <- evt:
	default:
	}
}
