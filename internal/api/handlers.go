package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/referly/messenger/internal/auth"
	"github.com/referly/messenger/internal/chat"
	"github.com/referly/messenger/internal/directory"
)

// Authenticator resolves the platform identity of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.Identity, error)
}

// CredentialSource issues chat credentials.
type CredentialSource interface {
	GetChatSession(ctx context.Context, userID string) (chat.Credential, error)
}

// CounterpartSource lists eligible counterparts.
type CounterpartSource interface {
	ListEligibleCounterparts(ctx context.Context, viewerID string) ([]chat.User, error)
}

// Config wires a Handler.
type Config struct {
	Auth        Authenticator
	Credentials CredentialSource
	Directory   CounterpartSource
	Upgrade     http.HandlerFunc
	Metrics     http.Handler
	// Connections reports the number of open page WebSockets.
	Connections func() int
	StartedAt   time.Time
}

// Handler serves the HTTP routes.
type Handler struct {
	auth        Authenticator
	credentials CredentialSource
	directory   CounterpartSource
	upgrade     http.HandlerFunc
	metrics     http.Handler
	connections func() int
	startedAt   time.Time
}

// NewHandler creates a Handler.
func NewHandler(cfg Config) *Handler {
	h := &Handler{
		auth:        cfg.Auth,
		credentials: cfg.Credentials,
		directory:   cfg.Directory,
		upgrade:     cfg.Upgrade,
		metrics:     cfg.Metrics,
		connections: cfg.Connections,
		startedAt:   cfg.StartedAt,
	}
	if h.metrics == nil {
		h.metrics = http.NotFoundHandler()
	}
	if h.upgrade == nil {
		h.upgrade = func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "websocket unavailable", http.StatusServiceUnavailable)
		}
	}
	if h.connections == nil {
		h.connections = func() int { return 0 }
	}
	return h
}

type identityKey struct{}

// IdentityFrom returns the identity RequireIdentity stored on ctx.
func IdentityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(auth.Identity)
	return id, ok
}

// RequireIdentity rejects requests without a valid platform session.
func (h *Handler) RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.auth.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

// Health reports liveness, open connections and uptime.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: h.connections(),
		Uptime:      time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// ChatSession returns the caller's chat credential.
func (h *Handler) ChatSession(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	cred, err := h.credentials.GetChatSession(r.Context(), id.UserID)
	if err != nil {
		if errors.Is(err, directory.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "profile not found")
			return
		}
		log.Printf("[api] chat session for user=%s: %v", id.UserID, err)
		writeError(w, http.StatusInternalServerError, "could not issue chat session")
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

// Counterparts lists the users the caller may start conversations with.
func (h *Handler) Counterparts(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	users, err := h.directory.ListEligibleCounterparts(r.Context(), id.UserID)
	if err != nil {
		if errors.Is(err, directory.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "profile not found")
			return
		}
		log.Printf("[api] counterparts for user=%s: %v", id.UserID, err)
		writeError(w, http.StatusInternalServerError, "could not load directory")
		return
	}
	if users == nil {
		users = []chat.User{}
	}
	writeJSON(w, http.StatusOK, struct {
		Users []chat.User `json:"users"`
	}{users})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{message})
}
