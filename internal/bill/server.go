package bill

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server handles HTTP requests for bill sessions
type Server struct {
	service        *Service
	basicAuth      BasicAuth
	mux            *http.ServeMux
	metricsHandler http.Handler

	mu         sync.Mutex
	httpServer *http.Server
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, basicAuth BasicAuth) *Server {
	return NewServerWithMux(service, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		service:        service,
		basicAuth:      basicAuth,
		mux:            mux,
		metricsHandler: promhttp.Handler(),
	}
	s.registerRoutes()
	return s
}

// UseGatherer serves /metrics from g instead of the default registry
func (s *Server) UseGatherer(g prometheus.Gatherer) {
	s.metricsHandler = promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	userOK := subtle.ConstantTimeCompare([]byte(credentials[0]), []byte(s.basicAuth.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(credentials[1]), []byte(s.basicAuth.Password)) == 1
	return userOK && passOK
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="Bill Split"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	// Sessions
	s.mux.HandleFunc("POST /api/sessions", s.requireAuth(s.handleCreateSession))
	s.mux.HandleFunc("GET /api/sessions/{id}", s.requireAuth(s.handleGetSession))
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.requireAuth(s.handleDeleteSession))

	// Setup phase
	s.mux.HandleFunc("POST /api/sessions/{id}/participants", s.requireAuth(s.handleAddParticipant))
	s.mux.HandleFunc("DELETE /api/sessions/{id}/participants/{index}", s.requireAuth(s.handleRemoveParticipant))
	s.mux.HandleFunc("POST /api/sessions/{id}/setup", s.requireAuth(s.handleCompleteSetup))

	// Splitting phase
	s.mux.HandleFunc("POST /api/sessions/{id}/receipt", s.requireAuth(s.handleUploadReceipt))
	s.mux.HandleFunc("POST /api/sessions/{id}/items", s.requireAuth(s.handleAddItem))
	s.mux.HandleFunc("PUT /api/sessions/{id}/items/{index}", s.requireAuth(s.handleEditItem))
	s.mux.HandleFunc("DELETE /api/sessions/{id}/items/{index}", s.requireAuth(s.handleRemoveItem))
	s.mux.HandleFunc("POST /api/sessions/{id}/items/{index}/toggle", s.requireAuth(s.handleToggleAssignment))
	s.mux.HandleFunc("GET /api/sessions/{id}/totals", s.requireAuth(s.handleTotals))

	// Stateless text extraction
	s.mux.HandleFunc("POST /api/extract", s.requireAuth(s.handleExtract))

	// Operations endpoints stay open for scrapers and probes
	s.mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metricsHandler.ServeHTTP(w, r)
	})
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.corsMiddleware(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops a server started with Start
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.corsMiddleware(s.mux).ServeHTTP(w, r)
}
