package server

import "net/http"

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"alerts": s.inbox.List(sessionFrom(r).UserID)})
}

func (s *Server) handleDismissAlert(w http.ResponseWriter, r *http.Request) {
	if !s.inbox.Dismiss(sessionFrom(r).UserID, r.PathValue("id")) {
		s.writeError(w, http.StatusNotFound, "Alert not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	s.inbox.Clear(sessionFrom(r).UserID)
	w.WriteHeader(http.StatusNoContent)
}
