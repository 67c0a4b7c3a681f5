// Package poll runs the expiry watch: it scans companies for urgent documents
// without renewal tasks and emails their administrators.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"wavesync/email"
	"wavesync/pkg/crew"
	"wavesync/storage"
)

const maxDocumentsPerEmail = 50 // Safety limit: max rows in a single digest

// Aggregator loads a company's expiring documents with their renewal tasks.
type Aggregator interface {
	LoadDocuments(ctx context.Context, companyID string, status crew.DocumentStatus) ([]crew.ExpiringDocument, error)
}

// Store interface for watch ledger persistence.
type Store interface {
	Load(ctx context.Context, companyID string) (*crew.WatchState, error)
	Save(ctx context.Context, w *crew.WatchState) error
	List(ctx context.Context) ([]*crew.WatchState, error)
	Delete(ctx context.Context, companyID string) error
}

// Emailer interface for sending digests.
type Emailer interface {
	SendExpiryDigest(ctx context.Context, to string, d *email.Digest) error
}

// Watch is one company whose administrator receives digests.
type Watch struct {
	CompanyID  string
	AdminEmail string
}

// Result summarizes one CheckAll run.
type Result struct {
	Companies int `json:"companies"`
	Failed    int `json:"failed"`
	Notified  int `json:"notified"`
}

// Monitor handles expiry watch logic.
type Monitor struct {
	aggregator Aggregator
	store      Store
	emailer    Emailer
	logger     *slog.Logger
	now        func() time.Time
	watches    []Watch
}

// New creates a new poll monitor.
func New(aggregator Aggregator, store Store, emailer Emailer, watches []Watch, logger *slog.Logger) *Monitor {
	return &Monitor{
		aggregator: aggregator,
		store:      store,
		emailer:    emailer,
		logger:     logger,
		now:        time.Now,
		watches:    watches,
	}
}

// CheckAll checks every watched company once. A failing company is logged and
// counted; the others are still checked.
func (m *Monitor) CheckAll(ctx context.Context) (Result, error) {
	var res Result
	now := m.now()
	m.logger.Info("Checking watched companies", "count", len(m.watches), "timestamp", now.Format(time.RFC3339))

	for _, w := range m.watches {
		select {
		case <-ctx.Done():
			m.logger.Info("Context cancelled, stopping expiry watch", "error", ctx.Err())
			return res, ctx.Err()
		default:
		}

		res.Companies++
		n, err := m.checkCompany(ctx, w, now)
		if err != nil {
			res.Failed++
			m.logger.Warn("Company check failed", "company_id", w.CompanyID, "error", err)
			continue
		}
		res.Notified += n
	}

	m.pruneUnwatched(ctx)

	m.logger.Info("Expiry watch completed",
		"companies", res.Companies,
		"failed", res.Failed,
		"notified_documents", res.Notified)
	return res, nil
}

func (m *Monitor) checkCompany(ctx context.Context, w Watch, now time.Time) (int, error) {
	state, err := m.store.Load(ctx, w.CompanyID)
	if storage.IsNotFound(err) {
		state = &crew.WatchState{CompanyID: w.CompanyID, Notified: make(map[string]crew.DocumentStatus)}
		err = nil
	}
	if err != nil {
		return 0, fmt.Errorf("load watch state: %w", err)
	}

	docs, err := m.aggregator.LoadDocuments(ctx, w.CompanyID, "")
	if err != nil {
		return 0, fmt.Errorf("load documents: %w", err)
	}

	pending, fresh, unknown := selectFresh(docs, state)
	if unknown > 0 {
		m.logger.Warn("Task state unknown, holding documents until next check",
			"company_id", w.CompanyID,
			"documents", unknown)
	}

	// Forget documents that were renewed, got a task or dropped out of the urgent buckets.
	for id := range state.Notified {
		if _, ok := pending[id]; !ok {
			delete(state.Notified, id)
		}
	}

	if len(fresh) > maxDocumentsPerEmail {
		m.logger.Warn("Too many documents, limiting digest",
			"company_id", w.CompanyID,
			"total", len(fresh),
			"sending", maxDocumentsPerEmail)
		fresh = fresh[:maxDocumentsPerEmail]
	}

	if len(fresh) > 0 {
		d := &email.Digest{CompanyID: w.CompanyID, GeneratedAt: now, Documents: fresh}
		if err := m.emailer.SendExpiryDigest(ctx, w.AdminEmail, d); err != nil {
			return 0, fmt.Errorf("send digest: %w", err)
		}
		for i := range fresh {
			state.Notified[fresh[i].DocumentID] = fresh[i].Status
		}
		state.LastDigestAt = now
	}

	state.AdminEmail = w.AdminEmail
	state.LastCheckedAt = now
	if err := m.store.Save(ctx, state); err != nil {
		return 0, fmt.Errorf("save watch state: %w", err)
	}

	m.logger.Info("Company checked",
		"company_id", w.CompanyID,
		"documents", len(docs),
		"pending", len(pending),
		"notified", len(fresh))
	return len(fresh), nil
}

// pruneUnwatched deletes ledgers of companies no longer in the watch list.
func (m *Monitor) pruneUnwatched(ctx context.Context) {
	states, err := m.store.List(ctx)
	if err != nil {
		m.logger.Warn("Failed to list watch states", "error", err)
		return
	}

	watched := make(map[string]bool, len(m.watches))
	for _, w := range m.watches {
		watched[w.CompanyID] = true
	}
	for _, st := range states {
		if watched[st.CompanyID] {
			continue
		}
		if err := m.store.Delete(ctx, st.CompanyID); err != nil {
			m.logger.Warn("Failed to delete unwatched state", "company_id", st.CompanyID, "error", err)
			continue
		}
		m.logger.Info("Dropped ledger of unwatched company", "company_id", st.CompanyID)
	}
}

// selectFresh returns the ids of every expired or urgent document without a task,
// and those of them not yet notified at their current status. Documents whose
// task lookup failed stay pending but are never fresh; unknown counts them.
func selectFresh(docs []crew.ExpiringDocument, state *crew.WatchState) (pending map[string]struct{}, fresh []crew.ExpiringDocument, unknown int) {
	pending = make(map[string]struct{})
	for i := range docs {
		d := &docs[i]
		if d.HasTask() || (d.Status != crew.StatusExpired && d.Status != crew.StatusExpiringUrgent) {
			continue
		}
		pending[d.DocumentID] = struct{}{}
		if d.TaskLookupFailed {
			unknown++
			continue
		}
		if !state.AlreadyNotified(d) {
			fresh = append(fresh, *d)
		}
	}
	return pending, fresh, unknown
}
