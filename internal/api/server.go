package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/remotesync/remotesync-server/internal/auth"
	"github.com/remotesync/remotesync-server/internal/config"
	"github.com/remotesync/remotesync-server/internal/engine"
	"github.com/remotesync/remotesync-server/internal/storage"
	"github.com/remotesync/remotesync-server/internal/validation"
)

// StreamMsg is one bus message delivered down a driver socket.
type StreamMsg struct {
	Subject string
	Data    []byte
}

// EventStream taps the host bus for a subject pattern, delivering matching
// messages on out until the returned stop function is called. Production
// wiring adapts a NATS connection through NATSStream; tests substitute their
// own fan-in.
type EventStream func(subject string, out chan<- StreamMsg) (stop func(), err error)

// NATSStream adapts a NATS connection to the driver socket's stream seam.
// A socket that stops draining loses messages instead of blocking the bus
// callback.
func NATSStream(nc *nats.Conn) EventStream {
	return func(subject string, out chan<- StreamMsg) (func(), error) {
		sub, err := nc.Subscribe(subject, func(m *nats.Msg) {
			select {
			case out <- StreamMsg{Subject: m.Subject, Data: m.Data}:
			default:
			}
		})
		if err != nil {
			return nil, err
		}
		return func() { _ = sub.Unsubscribe() }, nil
	}
}

// RESTServer is the host's REST and websocket surface.
type RESTServer struct {
	config    *config.Config
	store     storage.Store
	engine    *engine.Engine
	auth      *auth.JWTManager
	validator *validation.Validator
	bus       engine.Publisher
	stream    EventStream
	router    chi.Router
	server    *http.Server
}

// NewRESTServer creates the host API server. bus and stream may be nil in
// standalone mode; the driver socket then accepts subscriptions but streams
// nothing.
func NewRESTServer(cfg *config.Config, store storage.Store, eng *engine.Engine, bus engine.Publisher, stream EventStream) *RESTServer {
	s := &RESTServer{
		config:    cfg,
		store:     store,
		engine:    eng,
		auth:      auth.NewJWTManager(&cfg.JWT),
		validator: validation.NewValidator(),
		bus:       bus,
		stream:    stream,
		router:    chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures middleware and all routes.
func (s *RESTServer) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Get("/health", s.HandleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	// The driver socket outlives any request deadline, so it stays outside
	// the timeout group.
	s.router.Get("/ws/driver", s.HandleDriverSocket)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		s.setupAPIRoutes(r)
	})
}

// ListenAndServe starts the server.
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("starting host API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts the server down.
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router exposes the handler tree, for tests and for embedding.
func (s *RESTServer) Router() http.Handler {
	return s.router
}

type contextKey string

const claimsKey contextKey = "claims"

// authMiddleware validates the admin bearer token.
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		claims, err := s.auth.ValidateToken(parts[1])
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if claims.Scope != auth.ScopeAdmin {
			s.respondError(w, http.StatusForbidden, "admin scope required")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
