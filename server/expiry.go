package server

import (
	"net/http"

	"wavesync/alert"
	"wavesync/expiry"
	"wavesync/pkg/crew"

	"github.com/google/uuid"
)

// aggregator builds a request-scoped aggregator acting as the caller.
// Row-level security on the backend decides which companies they may read.
func (s *Server) aggregator(r *http.Request) *expiry.Aggregator {
	sess := sessionFrom(r)
	return expiry.New(&expiry.Config{
		Gateway:     s.gatewayFor(sess.AccessToken),
		Notifier:    s.inbox.For(sess.UserID),
		Logger:      s.logger.With("user_id", sess.UserID),
		UserID:      sess.UserID,
		Concurrency: s.lookupConcurrency,
	})
}

func companyParam(r *http.Request) (string, bool) {
	id, err := uuid.Parse(r.PathValue("company"))
	if err != nil {
		return "", false
	}
	return id.String(), true
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid company id")
		return
	}

	sum, err := s.aggregator(r).LoadSummary(r.Context(), companyID)
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid company id")
		return
	}
	status := crew.DocumentStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		s.writeError(w, http.StatusBadRequest, "Invalid status filter")
		return
	}

	docs, err := s.aggregator(r).LoadDocuments(r.Context(), companyID, status)
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	if docs == nil {
		docs = []crew.ExpiringDocument{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

type renewalRequest struct {
	Status crew.DocumentStatus `json:"status,omitempty"` // list filter to reload with
}

// handleRenewalTask loads the document list, creates a renewal task for one of
// its documents and answers with the task and the reloaded list.
func (s *Server) handleRenewalTask(w http.ResponseWriter, r *http.Request) {
	companyID, ok := companyParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid company id")
		return
	}
	var req renewalRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Status != "" && !req.Status.Valid() {
		s.writeError(w, http.StatusBadRequest, "Invalid status filter")
		return
	}

	agg := s.aggregator(r)
	// Aggregators live for one request, so the document is loaded before it can be found.
	if _, err := agg.LoadDocuments(r.Context(), companyID, req.Status); err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	doc, found := agg.CachedDocument(companyID, r.PathValue("document"))
	if !found {
		s.writeError(w, http.StatusNotFound, "Document not found")
		return
	}

	task, err := agg.CreateRenewalTask(r.Context(), companyID, &doc)
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}

	s.inbox.For(sessionFrom(r).UserID).Notify(alert.LevelInfo, "Renewal task created for "+doc.SeafarerName)
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"task":      task,
		"documents": agg.Documents(companyID),
	})
}
