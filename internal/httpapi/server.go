package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/stagecast/stagecast/internal/avatar"
	"github.com/stagecast/stagecast/internal/config"
	"github.com/stagecast/stagecast/internal/journal"
	"github.com/stagecast/stagecast/internal/observability"
	"github.com/stagecast/stagecast/internal/relay"
	"github.com/stagecast/stagecast/internal/state"
	"github.com/stagecast/stagecast/internal/token"
)

type Server struct {
	cfg      config.Config
	hub      *relay.Hub
	store    *state.Store
	tokens   *token.Broker
	provider avatar.Provider
	journal  journal.Store
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, hub *relay.Hub, store *state.Store, tokens *token.Broker, provider avatar.Provider, jstore journal.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		hub:      hub,
		store:    store,
		tokens:   tokens,
		provider: provider,
		journal:  jstore,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin. This prevents other websites from driving the
				// session if the relay is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/api/get-token", s.handleGetToken)
	r.Post("/api/invalidate-token", s.handleInvalidateToken)
	r.Get("/api/avatar-state", s.handleAvatarState)
	r.Post("/api/force-close-session", s.handleForceClose)
	r.Post("/api/cleanup-sessions", s.handleCleanupSessions)
	r.Get("/api/journal", s.handleJournal)

	r.Get("/ws", s.handleRelayWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleGetToken hands a short-lived upstream credential to presentation
// clients so the relay's long-lived API key never leaves the server.
func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	tok, err := s.tokens.Acquire(r.Context())
	if err != nil {
		if errors.Is(err, avatar.ErrMalformed) {
			respondError(w, http.StatusInternalServerError, "upstream_malformed", err.Error())
			return
		}
		if errors.Is(err, avatar.ErrAuth) {
			respondError(w, http.StatusBadRequest, "upstream_auth", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "upstream_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"token": tok})
}

func (s *Server) handleInvalidateToken(w http.ResponseWriter, _ *http.Request) {
	s.tokens.Invalidate()
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleAvatarState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.store.Get())
}

type forceCloseRequest struct {
	SessionID string `json:"sessionId"`
}

// handleForceClose releases one upstream session by id. The operation is
// advisory: the caller cannot act on failure, so the response is success
// whether or not upstream accepted the close.
func (s *Server) handleForceClose(w http.ResponseWriter, r *http.Request) {
	var req forceCloseRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "sessionId is required")
		return
	}

	closed := s.closeUpstream(r.Context(), req.SessionID)
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"closed":  closed,
	})
}

// handleCleanupSessions lists every open upstream session and closes each
// one. Best-effort: a partial sweep still reports how far it got.
func (s *Server) handleCleanupSessions(w http.ResponseWriter, r *http.Request) {
	tok, err := s.tokens.Acquire(r.Context())
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"message": "token acquisition failed: " + err.Error(),
		})
		return
	}

	ids, err := s.provider.ListSessions(r.Context(), tok)
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"message": "session listing failed: " + err.Error(),
		})
		return
	}

	closed := 0
	for _, id := range ids {
		if err := s.provider.CloseSession(r.Context(), tok, id); err == nil {
			closed++
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "closed " + strconv.Itoa(closed) + " of " + strconv.Itoa(len(ids)) + " sessions",
	})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "journal_error", err.Error())
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) closeUpstream(ctx context.Context, sessionID string) bool {
	tok, err := s.tokens.Acquire(ctx)
	if err != nil {
		return false
	}
	return s.provider.CloseSession(ctx, tok, sessionID) == nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
