package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"wavesync/gateway"
	"wavesync/session"
)

const maxBodyBytes = 64 << 10

type ctxKey struct{}

// authed rejects requests without a valid session and stores it in the context.
func (s *Server) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.auth.FromRequest(r)
		if err != nil {
			s.logger.Debug("Rejected request", "path", r.URL.Path, "error", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="wavesync"`)
			s.writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		h(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, sess)))
	}
}

func sessionFrom(r *http.Request) *session.Session {
	sess, _ := r.Context().Value(ctxKey{}).(*session.Session)
	return sess
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// statusClientClosedRequest is nginx's code for a request the client abandoned.
const statusClientClosedRequest = 499

// writeGatewayError maps a failed remote call to a response. Rejected
// credentials become 401, a cancelled request 499, anything else 502.
func (s *Server) writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case gateway.IsUnauthorized(err):
		s.writeError(w, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, context.Canceled):
		s.logger.Debug("Client closed request", "path", r.URL.Path)
		w.WriteHeader(statusClientClosedRequest)
	default:
		s.logger.Warn("Gateway request failed", "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusBadGateway, "Backend request failed")
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
