// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"wavesync/alert"
	"wavesync/gateway"
	"wavesync/poll"
	"wavesync/session"
)

// Gateway is the remote data gateway as seen by one authenticated user.
type Gateway interface {
	Call(ctx context.Context, fn string, args, out any) error
	Query(ctx context.Context, table string, q gateway.Query, out any) error
	Insert(ctx context.Context, table string, row, out any) error
}

// GatewayFor returns a gateway that acts with the given user access token.
type GatewayFor func(accessToken string) Gateway

// Authenticator resolves the caller of a request.
type Authenticator interface {
	FromRequest(r *http.Request) (*session.Session, error)
}

// Poller interface for triggering checks.
type Poller interface {
	CheckAll(ctx context.Context) (poll.Result, error)
}

// Server handles HTTP requests.
type Server struct {
	gatewayFor         GatewayFor
	auth               Authenticator
	poller             Poller
	inbox              *alert.Inbox
	logger             *slog.Logger
	sessions           *registry
	sessionLimiter     *rateLimiter
	lookupConcurrency  int
	conversationPeriod time.Duration
	messagePeriod      time.Duration
}

// Config holds server configuration.
type Config struct {
	GatewayFor   GatewayFor
	Auth         Authenticator
	Poller       Poller
	Inbox        *alert.Inbox
	Logger       *slog.Logger
	Now          func() time.Time
	IdleTimeout  time.Duration // messaging sessions idle this long are unmounted
	SessionLimit int           // messaging sessions a user may open per hour

	// Passed to each aggregator and poller.
	LookupConcurrency    int
	ConversationInterval time.Duration
	MessageInterval      time.Duration
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	limit := cfg.SessionLimit
	if limit <= 0 {
		limit = 60
	}
	inbox := cfg.Inbox
	if inbox == nil {
		inbox = alert.NewInbox(0)
	}
	return &Server{
		gatewayFor:         cfg.GatewayFor,
		auth:               cfg.Auth,
		poller:             cfg.Poller,
		inbox:              inbox,
		logger:             cfg.Logger,
		sessions:           newRegistry(idle, now),
		sessionLimiter:     newRateLimiter(limit, time.Hour, now),
		lookupConcurrency:  cfg.LookupConcurrency,
		conversationPeriod: cfg.ConversationInterval,
		messagePeriod:      cfg.MessageInterval,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /pollz", s.handlePoll)

	mux.HandleFunc("GET /v1/companies/{company}/expiry/summary", s.authed(s.handleSummary))
	mux.HandleFunc("GET /v1/companies/{company}/expiry/documents", s.authed(s.handleDocuments))
	mux.HandleFunc("POST /v1/companies/{company}/expiry/documents/{document}/renewal-task", s.authed(s.handleRenewalTask))

	mux.HandleFunc("POST /v1/messaging/sessions", s.authed(s.handleOpenSession))
	mux.HandleFunc("GET /v1/messaging/sessions/{id}", s.authed(s.handleSessionView))
	mux.HandleFunc("DELETE /v1/messaging/sessions/{id}", s.authed(s.handleCloseSession))
	mux.HandleFunc("PUT /v1/messaging/sessions/{id}/active", s.authed(s.handleSelect))
	mux.HandleFunc("DELETE /v1/messaging/sessions/{id}/active", s.authed(s.handleDeselect))
	mux.HandleFunc("POST /v1/messaging/sessions/{id}/messages", s.authed(s.handleSend))

	mux.HandleFunc("GET /v1/alerts", s.authed(s.handleAlerts))
	mux.HandleFunc("DELETE /v1/alerts", s.authed(s.handleClearAlerts))
	mux.HandleFunc("DELETE /v1/alerts/{id}", s.authed(s.handleDismissAlert))
	return mux
}

// ServeHTTP starts the server and blocks until ctx is cancelled or the
// listener fails. On cancel, open messaging sessions are unmounted.
func (s *Server) ServeHTTP(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.sweepSessions(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.closeSessions(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":           "healthy",
		"messaging_active": s.sessions.len(),
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered")

	res, err := s.poller.CheckAll(r.Context())
	if err != nil {
		s.logger.Error("Poll check failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Check failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "completed",
		"result": res,
	})
}
