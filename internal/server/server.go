// Package server is the HTTP transport the spec treats as an external
// collaborator (spec §1): it parses requests, calls into authsm/grant/
// tokens/keystore, and renders their results as HTTP, including token
// introspection (spec §6). Grounded on dexidp/dex's server/server.go
// router construction (gorilla/mux path registration, gorilla/handlers
// CORS wrapping) and server/publickeyshandlers.go /
// server/userinfohandlers.go for individual handler shape.
package server

import (
	"log/slog"
	"net/http"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	healthhttp "github.com/AppsFlyer/go-sundheit/http"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gepbird/rauthy/internal/authsm"
	"github.com/gepbird/rauthy/internal/clientreg"
	"github.com/gepbird/rauthy/internal/grant"
	"github.com/gepbird/rauthy/internal/keystore"
	"github.com/gepbird/rauthy/internal/store"
	"github.com/gepbird/rauthy/internal/tokens"
	"github.com/gepbird/rauthy/internal/webauthn"
)

// Config is the set of collaborators and policy knobs the transport needs.
type Config struct {
	Issuer         string
	AllowedOrigins []string
	AllowedHeaders []string
}

// Server wires the HTTP transport to the authorization state machine, the
// grant dispatcher, and the token engine.
type Server struct {
	cfg Config

	sm             *authsm.SM
	grants         *grant.Dispatcher
	engine         *tokens.Engine
	keys           *keystore.Store
	sessions       *store.SessionStore
	webauthn       webauthn.Collaborator
	clientRegistry *clientreg.Registry
	logger         *slog.Logger
	health         gosundheit.Health
	now            func() time.Time
}

func New(
	cfg Config,
	sm *authsm.SM,
	grants *grant.Dispatcher,
	engine *tokens.Engine,
	keys *keystore.Store,
	sessions *store.SessionStore,
	wa webauthn.Collaborator,
	clients *clientreg.Registry,
	logger *slog.Logger,
) *Server {
	return &Server{
		cfg: cfg, sm: sm, grants: grants, engine: engine, keys: keys,
		sessions: sessions, webauthn: wa, clientRegistry: clients, logger: logger,
		health: gosundheit.New(),
		now:    time.Now,
	}
}

// RegisterHealthCheck adds a named liveness/readiness check, e.g. a
// database ping, surfaced at /healthz.
func (s *Server) RegisterHealthCheck(check gosundheit.Check, period time.Duration) error {
	return s.health.RegisterCheck(&gosundheit.Config{
		Check:           check,
		ExecutionPeriod: period,
	})
}

// Handler builds the complete routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter().SkipClean(true)
	r.NotFoundHandler = http.NotFoundHandler()

	withCORS := func(h http.HandlerFunc) http.Handler {
		var handler http.Handler = h
		if len(s.cfg.AllowedOrigins) > 0 {
			handler = handlers.CORS(
				handlers.AllowedOrigins(s.cfg.AllowedOrigins),
				handlers.AllowedHeaders(s.cfg.AllowedHeaders),
				handlers.AllowCredentials(),
			)(handler)
		}
		return handler
	}

	r.Handle("/authorize", withCORS(s.logged("authorize", s.handleAuthorize))).Methods(http.MethodPost)
	r.Handle("/token", withCORS(s.logged("token", s.handleToken))).Methods(http.MethodPost)
	r.Handle("/userinfo", withCORS(s.logged("userinfo", s.handleUserInfo))).Methods(http.MethodGet)
	r.Handle("/jwks.json", withCORS(s.logged("jwks", s.handleJWKS))).Methods(http.MethodGet)
	r.Handle("/logout", withCORS(s.logged("logout", s.handleLogout))).Methods(http.MethodPost)
	r.Handle("/introspect", withCORS(s.logged("introspect", s.handleIntrospect))).Methods(http.MethodPost)
	r.Handle("/webauthn/callback", withCORS(s.logged("webauthn_callback", s.handleWebauthnCallback))).Methods(http.MethodPost)

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/healthz", healthhttp.HandleHealthJSON(s.health))

	return r
}

func (s *Server) logged(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		h(w, r)
		s.logger.DebugContext(r.Context(), "handled request", "handler", name, "duration", time.Since(start))
	}
}
