package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/stagecast/stagecast/internal/state"
)

// Config contains all runtime settings for the relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	HeyGenAPIKey     string
	HeyGenAPIBaseURL string
	HeyGenTimeout    time.Duration

	TokenCacheTTL        time.Duration
	HandshakeTimeout     time.Duration
	ChangeSettleInterval time.Duration

	DefaultPersonaID       string
	DefaultVoiceID         string
	DefaultQualityTier     state.QualityTier
	DefaultAspectRatio     state.AspectRatio
	DefaultInteractionMode state.InteractionMode

	PresenterEnabled bool

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "stagecast"),
		AllowAnyOrigin:   false,
		HeyGenAPIKey:     stringsTrimSpace("HEYGEN_API_KEY"),
		HeyGenAPIBaseURL: envOrDefault("HEYGEN_API_BASE_URL", "https://api.heygen.com"),
		// Default persona mirrors the public demo avatar so the relay works
		// out of the box against a fresh account.
		DefaultPersonaID:       envOrDefault("DEFAULT_PERSONA_ID", "Dexter_Doctor_Standing2_public"),
		DefaultVoiceID:         envOrDefault("DEFAULT_VOICE_ID", "7d51b57751f54a2c8ea646713cc2dd96"),
		DefaultQualityTier:     state.QualityTier(envOrDefault("DEFAULT_QUALITY_TIER", string(state.QualityHigh))),
		DefaultAspectRatio:     state.AspectRatio(envOrDefault("DEFAULT_ASPECT_RATIO", string(state.Aspect16x9))),
		DefaultInteractionMode: state.InteractionMode(envOrDefault("DEFAULT_INTERACTION_MODE", string(state.ModeVoiceStreaming))),
		PresenterEnabled:       true,
		DatabaseURL:            stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:        15 * time.Second,
		HeyGenTimeout:          30 * time.Second,
		// Upstream tokens live ~5 minutes; cache for less so a stale lease
		// never reaches the provider.
		TokenCacheTTL:        4 * time.Minute,
		HandshakeTimeout:     30 * time.Second,
		ChangeSettleInterval: 2 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HeyGenTimeout, err = durationFromEnv("HEYGEN_API_TIMEOUT", cfg.HeyGenTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TokenCacheTTL, err = durationFromEnv("TOKEN_CACHE_TTL", cfg.TokenCacheTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.HandshakeTimeout, err = durationFromEnv("HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ChangeSettleInterval, err = durationFromEnv("CHANGE_SETTLE_INTERVAL", cfg.ChangeSettleInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.PresenterEnabled, err = boolFromEnv("APP_PRESENTER_ENABLED", cfg.PresenterEnabled)
	if err != nil {
		return Config{}, err
	}

	if cfg.TokenCacheTTL <= 0 {
		return Config{}, fmt.Errorf("TOKEN_CACHE_TTL must be positive")
	}
	if cfg.HandshakeTimeout < time.Second {
		return Config{}, fmt.Errorf("HANDSHAKE_TIMEOUT must be at least 1s")
	}
	if cfg.ChangeSettleInterval < 0 {
		return Config{}, fmt.Errorf("CHANGE_SETTLE_INTERVAL must not be negative")
	}
	if strings.TrimSpace(cfg.DefaultPersonaID) == "" {
		return Config{}, fmt.Errorf("DEFAULT_PERSONA_ID must not be blank")
	}
	if strings.TrimSpace(cfg.DefaultVoiceID) == "" {
		return Config{}, fmt.Errorf("DEFAULT_VOICE_ID must not be blank")
	}

	return cfg, nil
}

// StateDefaults converts the configured defaults into store defaults.
func (c Config) StateDefaults() state.Defaults {
	return state.Defaults{
		PersonaID:       c.DefaultPersonaID,
		VoiceID:         c.DefaultVoiceID,
		QualityTier:     c.DefaultQualityTier,
		AspectRatio:     c.DefaultAspectRatio,
		InteractionMode: c.DefaultInteractionMode,
	}
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
