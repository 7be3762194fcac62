package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/Wyydra/callrelay/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/callrelay/internal/core/domain"
	"github.com/Wyydra/callrelay/internal/core/port"
	"github.com/Wyydra/callrelay/internal/core/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

type Handler struct {
	Router    *service.Router
	Verifier  port.IdentityVerifier
	WSOptions ws.Options
	StaticDir string
}

func NewHandler(router *service.Router, verifier port.IdentityVerifier, opts ws.Options) *Handler {
	return &Handler{
		Router:    router,
		Verifier:  verifier,
		WSOptions: opts,
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Get("/ws", h.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.requireIdentity)
		r.Get("/users/{userID}/online", h.Presence)
	})

	if h.StaticDir != "" {
		fs := http.FileServer(http.Dir(h.StaticDir))
		r.Handle("/*", fs)
	}

	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"stats": h.Router.Stats(),
	})
}

func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	id := domain.UserID(chi.URLParam(r, "userID"))
	if who, ok := r.Context().Value(identityKey{}).(domain.Identity); ok {
		log.Debug().Str("user_id", who.ID.String()).Str("target", id.String()).Msg("Presence lookup")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": id,
		"online":  h.Router.Online(id),
	})
}

type identityKey struct{}

func (h *Handler) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := h.Verifier.Verify(r.Context(), credentialFromRequest(r))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// credentialFromRequest reads a bearer token from the Authorization header,
// falling back to the token query parameter browsers use for websockets.
func credentialFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Error writing response")
	}
}
