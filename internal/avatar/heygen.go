package avatar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/stagecast/stagecast/internal/reliability"
	"github.com/stagecast/stagecast/internal/state"
)

// ErrMalformed marks a 2xx upstream response whose body did not have the
// documented shape.
var ErrMalformed = errors.New("malformed upstream response")

type HeyGenConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// HeyGenProvider drives the HeyGen streaming-avatar HTTP API.
type HeyGenProvider struct {
	cfg    HeyGenConfig
	client *http.Client
}

func NewHeyGenProvider(cfg HeyGenConfig) *HeyGenProvider {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.heygen.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HeyGenProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// envelope is the common HeyGen response wrapper.
type envelope struct {
	Error json.RawMessage `json:"error"`
	Data  json.RawMessage `json:"data"`
}

func (p *HeyGenProvider) CreateToken(ctx context.Context) (string, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return "", fmt.Errorf("create token: missing api key: %w", ErrAuth)
	}

	env, err := p.callWithRetry(ctx, "create token", "/v1/streaming.create_token", nil, map[string]string{
		"x-api-key": p.cfg.APIKey,
	})
	if err != nil {
		return "", err
	}

	var data struct {
		Token string `json:"token"`
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return "", fmt.Errorf("create token: %w", ErrMalformed)
		}
	}
	if strings.TrimSpace(data.Token) == "" {
		return "", fmt.Errorf("create token: missing token field: %w", ErrMalformed)
	}
	return data.Token, nil
}

func (p *HeyGenProvider) StartSession(ctx context.Context, token string, cfg state.Descriptor) (Session, error) {
	body := map[string]any{
		"avatar_name": cfg.PersonaID,
		"voice": map[string]any{
			"voice_id": cfg.VoiceID,
			"rate":     1.0,
		},
		"quality": string(cfg.QualityTier),
	}
	if strings.TrimSpace(cfg.BehaviorPrompt) != "" {
		body["knowledge_base"] = cfg.BehaviorPrompt
	}
	if strings.TrimSpace(cfg.BackgroundRef) != "" {
		body["background"] = cfg.BackgroundRef
	}

	env, _, err := p.call(ctx, "new session", "/v1/streaming.new", body, bearer(token))
	if err != nil {
		return nil, err
	}

	var data struct {
		SessionID string `json:"session_id"`
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("new session: %w", ErrMalformed)
		}
	}
	if strings.TrimSpace(data.SessionID) == "" {
		return nil, fmt.Errorf("new session: missing session_id: %w", ErrMalformed)
	}

	if _, _, err := p.call(ctx, "start session", "/v1/streaming.start", map[string]any{
		"session_id": data.SessionID,
	}, bearer(token)); err != nil {
		return nil, err
	}

	s := &heygenSession{
		provider: p,
		token:    token,
		id:       data.SessionID,
		events:   make(chan Event, 16),
	}
	// The media transport is established by the rendering engine; from the
	// API side the stream is ready once streaming.start succeeds.
	s.emit(Event{Type: EventStreamReady})
	return s, nil
}

func (p *HeyGenProvider) CloseSession(ctx context.Context, token, sessionID string) error {
	_, err := p.callWithRetry(ctx, "stop session", "/v1/streaming.stop", map[string]any{
		"session_id": sessionID,
	}, bearer(token))
	return err
}

func (p *HeyGenProvider) ListSessions(ctx context.Context, token string) ([]string, error) {
	env, err := p.callWithRetry(ctx, "list sessions", "/v1/streaming.list", nil, bearer(token))
	if err != nil {
		return nil, err
	}

	var data struct {
		Sessions []struct {
			SessionID string `json:"session_id"`
		} `json:"sessions"`
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("list sessions: %w", ErrMalformed)
		}
	}
	ids := make([]string, 0, len(data.Sessions))
	for _, s := range data.Sessions {
		if s.SessionID != "" {
			ids = append(ids, s.SessionID)
		}
	}
	return ids, nil
}

const (
	retryLimit = 2
	retryBase  = 200 * time.Millisecond
	retryCap   = 2 * time.Second
)

// callWithRetry wraps call with a small retry budget for idempotent
// operations. Speak tasks and session creation go through call directly: a
// replay there would duplicate side effects.
func (p *HeyGenProvider) callWithRetry(ctx context.Context, op, path string, body any, headers map[string]string) (envelope, error) {
	for attempt := 0; ; attempt++ {
		env, status, err := p.call(ctx, op, path, body, headers)
		if err == nil {
			return env, nil
		}
		if attempt >= retryLimit || !reliability.Retryable(status) {
			return envelope{}, err
		}
		select {
		case <-time.After(reliability.Backoff(attempt, retryBase, retryCap)):
		case <-ctx.Done():
			return envelope{}, err
		}
	}
}

func (p *HeyGenProvider) call(ctx context.Context, op, path string, body any, headers map[string]string) (envelope, int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return envelope{}, 0, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, reader)
	if err != nil {
		return envelope{}, 0, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := p.client.Do(req)
	if err != nil {
		return envelope{}, 0, fmt.Errorf("%s: %v: %w", op, err, ErrUnavailable)
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return envelope{}, res.StatusCode, classifyStatus(op, res.StatusCode, strings.TrimSpace(string(raw)))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, res.StatusCode, fmt.Errorf("%s: %w", op, ErrMalformed)
	}
	if len(env.Error) > 0 && string(env.Error) != "null" {
		return envelope{}, res.StatusCode, fmt.Errorf("%s: upstream error: %s: %w", op, string(env.Error), ErrUnavailable)
	}
	return env, res.StatusCode, nil
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

type heygenSession struct {
	provider *HeyGenProvider
	token    string
	id       string

	mu          sync.Mutex
	closed      bool
	voiceActive bool

	closeOnce sync.Once
	events    chan Event
}

func (s *heygenSession) ID() string { return s.id }

func (s *heygenSession) Speak(ctx context.Context, text, taskType string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("speak: empty text")
	}
	if taskType == "" {
		taskType = "repeat"
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("speak: session closed")
	}
	s.mu.Unlock()

	s.emit(Event{Type: EventStartTalking})
	// task_mode sync: the call returns once the avatar finished vocalizing.
	_, _, err := s.provider.call(ctx, "speak task", "/v1/streaming.task", map[string]any{
		"session_id": s.id,
		"text":       text,
		"task_type":  taskType,
		"task_mode":  "sync",
	}, bearer(s.token))
	s.emit(Event{Type: EventStopTalking})
	return err
}

// StartVoiceChat opens the speech-recognition channel. The audio itself rides
// the media stream owned by the rendering engine; the API side only tracks
// the sub-session so duplicate opens are rejected.
func (s *heygenSession) StartVoiceChat(_ context.Context) error {
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

func (s *heygenSession) CloseVoiceChat(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voiceActive = false
	return nil
}

func (s *heygenSession) Events() <-chan Event { return s.events }

func (s *heygenSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.voiceActive = false
	s.mu.Unlock()

	err := s.provider.CloseSession(ctx, s.token, s.id)
	s.closeOnce.Do(func() { close(s.events) })
	return err
}

func (s *heygenSession) emit(evt Event) {
	// The send stays under the lock so it cannot race the channel close.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- evt:
	default:
		// Slow consumer; status events are advisory, drop rather than block.
	}
}
