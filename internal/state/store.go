package state

import (
	"strings"
	"sync"
)

// QualityTier selects the upstream rendering quality.
type QualityTier string

const (
	QualityLow    QualityTier = "low"
	QualityMedium QualityTier = "medium"
	QualityHigh   QualityTier = "high"
)

// AspectRatio selects the rendered stream geometry.
type AspectRatio string

const (
	Aspect16x9 AspectRatio = "16:9"
	Aspect9x16 AspectRatio = "9:16"
	Aspect1x1  AspectRatio = "1:1"
	Aspect4x3  AspectRatio = "4:3"
)

// InteractionMode selects how the avatar is driven.
type InteractionMode string

const (
	ModeVoiceStreaming InteractionMode = "voice-streaming"
	ModeText           InteractionMode = "text"
)

// Descriptor is the canonical record of the currently configured avatar
// session. Persona and voice identifiers are opaque upstream values and are
// passed through without semantic validation.
type Descriptor struct {
	PersonaID         string          `json:"persona_id"`
	VoiceID           string          `json:"voice_id"`
	BehaviorPrompt    string          `json:"behavior_prompt,omitempty"`
	BackgroundRef     string          `json:"background_ref,omitempty"`
	QualityTier       QualityTier     `json:"quality_tier"`
	AspectRatio       AspectRatio     `json:"aspect_ratio"`
	InteractionMode   InteractionMode `json:"interaction_mode"`
	Ready             bool            `json:"ready"`
	UpstreamSessionID string          `json:"upstream_session_id,omitempty"`
}

// Defaults describes the idle descriptor the store resets to.
type Defaults struct {
	PersonaID       string
	VoiceID         string
	QualityTier     QualityTier
	AspectRatio     AspectRatio
	InteractionMode InteractionMode
}

// Store owns the single process-wide descriptor. All access goes through
// the accessors; reads return copies so callers cannot mutate shared state.
type Store struct {
	mu       sync.RWMutex
	current  Descriptor
	defaults Defaults
}

func NewStore(defaults Defaults) *Store {
	s := &Store{defaults: defaults}
	s.current = s.idle()
	return s
}

func (s *Store) idle() Descriptor {
	return normalize(Descriptor{
		PersonaID: s.defaults.PersonaID,
		VoiceID:   s.defaults.VoiceID,
	}, s.defaults)
}

// Get returns the current descriptor by value.
func (s *Store) Get() Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Set fully replaces the descriptor. Unset enum fields take the configured
// defaults. Ready is always forced false: a replacement means a transition
// to a new configuration is in flight, and the upstream session id from the
// previous configuration is no longer valid.
func (s *Store) Set(next Descriptor) Descriptor {
	next = normalize(next, s.defaults)
	next.Ready = false
	next.UpstreamSessionID = ""

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = next
	return s.current
}

// Sync replaces configuration fields while preserving the readiness flag and
// upstream session id. Used when a presentation client resolves details
// locally without restarting the session.
func (s *Store) Sync(next Descriptor) Descriptor {
	next = normalize(next, s.defaults)

	s.mu.Lock()
	defer s.mu.Unlock()
	next.Ready = s.current.Ready
	next.UpstreamSessionID = s.current.UpstreamSessionID
	s.current = next
	return s.current
}

func (s *Store) MarkReady(ready bool) Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Ready = ready
	if !ready {
		s.current.UpstreamSessionID = ""
	}
	return s.current
}

func (s *Store) SetUpstreamSessionID(id string) Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.UpstreamSessionID = strings.TrimSpace(id)
	return s.current
}

// Reset returns the store to the idle default configuration.
func (s *Store) Reset() Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = s.idle()
	return s.current
}

func normalize(d Descriptor, defaults Defaults) Descriptor {
	d.PersonaID = strings.TrimSpace(d.PersonaID)
	d.VoiceID = strings.TrimSpace(d.VoiceID)

	switch d.QualityTier {
	case QualityLow, QualityMedium, QualityHigh:
	default:
		d.QualityTier = defaults.QualityTier
		if d.QualityTier == "" {
			d.QualityTier = QualityHigh
		}
	}
	switch d.AspectRatio {
	case Aspect16x9, Aspect9x16, Aspect1x1, Aspect4x3:
	default:
		d.AspectRatio = defaults.AspectRatio
		if d.AspectRatio == "" {
			d.AspectRatio = Aspect16x9
		}
	}
	switch d.InteractionMode {
	case ModeVoiceStreaming, ModeText:
	default:
		d.InteractionMode = defaults.InteractionMode
		if d.InteractionMode == "" {
			d.InteractionMode = ModeVoiceStreaming
		}
	}
	return d
}
