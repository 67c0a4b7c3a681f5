package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"wavesync/messaging"
	"wavesync/pkg/crew"

	"github.com/google/uuid"
)

const sweepInterval = time.Minute

type entry struct {
	poller   *messaging.Poller
	lastSeen time.Time
	userID   string
}

// registry holds the mounted messaging views, one per open session.
type registry struct {
	now     func() time.Time
	entries map[string]*entry
	idle    time.Duration
	mu      sync.Mutex
}

func newRegistry(idle time.Duration, now func() time.Time) *registry {
	return &registry{now: now, entries: make(map[string]*entry), idle: idle}
}

func (g *registry) add(userID string, p *messaging.Poller) string {
	id := uuid.NewString()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[id] = &entry{poller: p, userID: userID, lastSeen: g.now()}
	return id
}

// get returns the session's poller if it belongs to userID, and marks it used.
func (g *registry) get(id, userID string) (*messaging.Poller, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[id]
	if !ok || e.userID != userID {
		return nil, false
	}
	e.lastSeen = g.now()
	return e.poller, true
}

func (g *registry) remove(id, userID string) (*messaging.Poller, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[id]
	if !ok || e.userID != userID {
		return nil, false
	}
	delete(g.entries, id)
	return e.poller, true
}

// expired removes and returns sessions idle past the timeout. With all set,
// every session is removed.
func (g *registry) expired(all bool) map[string]*messaging.Poller {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]*messaging.Poller)
	cutoff := g.now().Add(-g.idle)
	for id, e := range g.entries {
		if all || e.lastSeen.Before(cutoff) {
			out[id] = e.poller
			delete(g.entries, id)
		}
	}
	return out
}

func (g *registry) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

func (s *Server) sweepSessions(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.unmountIdle(ctx)
		}
	}
}

func (s *Server) unmountIdle(ctx context.Context) {
	for id, p := range s.sessions.expired(false) {
		s.logger.Info("Unmounting idle messaging session", "session_id", id)
		p.Unmount(ctx)
	}
}

func (s *Server) closeSessions(ctx context.Context) {
	for _, p := range s.sessions.expired(true) {
		p.Unmount(ctx)
	}
}

type sessionResponse struct {
	ID   string         `json:"id"`
	View messaging.View `json:"view"`
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	if !s.sessionLimiter.allow(sess.UserID) {
		s.logger.Warn("Rate limit exceeded", "user_id", sess.UserID, "ip", clientIP(r))
		s.writeError(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
		return
	}

	p := messaging.New(&messaging.Config{
		Gateway:              s.gatewayFor(sess.AccessToken),
		Notifier:             s.inbox.For(sess.UserID),
		Logger:               s.logger.With("user_id", sess.UserID),
		UserID:               sess.UserID,
		ConversationInterval: s.conversationPeriod,
		MessageInterval:      s.messagePeriod,
	})
	if err := p.Mount(r.Context()); err != nil {
		p.Unmount(context.WithoutCancel(r.Context()))
		s.writeGatewayError(w, r, err)
		return
	}

	id := s.sessions.add(sess.UserID, p)
	s.logger.Info("Messaging session opened", "session_id", id, "user_id", sess.UserID, "ip", clientIP(r))
	s.writeJSON(w, http.StatusCreated, sessionResponse{ID: id, View: p.Snapshot()})
}

func (s *Server) sessionPoller(w http.ResponseWriter, r *http.Request) (*messaging.Poller, bool) {
	p, ok := s.sessions.get(r.PathValue("id"), sessionFrom(r).UserID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "Session not found")
	}
	return p, ok
}

func (s *Server) handleSessionView(w http.ResponseWriter, r *http.Request) {
	p, ok := s.sessionPoller(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, sessionResponse{ID: r.PathValue("id"), View: p.Snapshot()})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	p, ok := s.sessions.remove(r.PathValue("id"), sessionFrom(r).UserID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	p.Unmount(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

type selectRequest struct {
	ConversationID string `json:"conversation_id"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	p, ok := s.sessionPoller(w, r)
	if !ok {
		return
	}
	var req selectRequest
	if err := decodeBody(r, &req); err != nil || req.ConversationID == "" {
		s.writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	if err := p.Select(r.Context(), req.ConversationID); err != nil {
		s.writeMessagingError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessionResponse{ID: r.PathValue("id"), View: p.Snapshot()})
}

func (s *Server) handleDeselect(w http.ResponseWriter, r *http.Request) {
	p, ok := s.sessionPoller(w, r)
	if !ok {
		return
	}
	p.Deselect()
	s.writeJSON(w, http.StatusOK, sessionResponse{ID: r.PathValue("id"), View: p.Snapshot()})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	p, ok := s.sessionPoller(w, r)
	if !ok {
		return
	}
	var msg crew.NewMessage
	if err := decodeBody(r, &msg); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sent, err := p.Send(r.Context(), msg)
	if err != nil {
		s.writeMessagingError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sent)
}

func (s *Server) writeMessagingError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, messaging.ErrEmptyMessage), errors.Is(err, messaging.ErrNoConversation):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, messaging.ErrNotMounted):
		s.writeError(w, http.StatusNotFound, "Session not found")
	default:
		s.writeGatewayError(w, r, err)
	}
}
