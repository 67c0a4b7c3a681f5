// Package expiry aggregates expiring crew documents and links them to renewal tasks.
package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"wavesync/alert"
	"wavesync/gateway"
	"wavesync/pkg/crew"

	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 10

// Gateway is the subset of the remote data gateway the aggregator uses.
type Gateway interface {
	Call(ctx context.Context, fn string, args, out any) error
	Query(ctx context.Context, table string, q gateway.Query, out any) error
	Insert(ctx context.Context, table string, row, out any) error
}

// Config holds aggregator configuration.
type Config struct {
	Gateway     Gateway
	Notifier    alert.Notifier
	Logger      *slog.Logger
	Now         func() time.Time
	UserID      string // recorded as created_by on renewal tasks
	Concurrency int    // parallel task lookups; defaults to 10
}

type view struct {
	status crew.DocumentStatus
	docs   []crew.ExpiringDocument
}

// Aggregator loads expiring documents for companies and keeps the latest list
// per company. The cached list is always replaced wholesale.
type Aggregator struct {
	gw          Gateway
	notifier    alert.Notifier
	logger      *slog.Logger
	now         func() time.Time
	views       map[string]view
	userID      string
	concurrency int
	mu          sync.Mutex
}

// New creates an aggregator.
func New(cfg *Config) *Aggregator {
	n := cfg.Notifier
	if n == nil {
		n = alert.Discard
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	c := cfg.Concurrency
	if c <= 0 {
		c = defaultConcurrency
	}
	return &Aggregator{
		gw:          cfg.Gateway,
		notifier:    n,
		logger:      cfg.Logger,
		now:         now,
		views:       make(map[string]view),
		userID:      cfg.UserID,
		concurrency: c,
	}
}

// LoadSummary returns the per-bucket document counts of a company.
func (a *Aggregator) LoadSummary(ctx context.Context, companyID string) (*crew.ExpirySummary, error) {
	var sum crew.ExpirySummary
	if err := a.gw.Call(ctx, "company_expiry_summary", map[string]any{"company_id": companyID}, &sum); err != nil {
		a.logger.Error("Failed to load expiry summary", "company_id", companyID, "error", err)
		a.notifier.Notify(alert.LevelError, "Failed to load document expiry summary")
		return nil, fmt.Errorf("load expiry summary: %w", err)
	}
	return &sum, nil
}

// LoadDocuments fetches the company's expiring documents, optionally filtered by
// status, and attaches the most recent matching renewal task to each one.
// A failed task lookup leaves that document without a task and marks it
// TaskLookupFailed.
func (a *Aggregator) LoadDocuments(ctx context.Context, companyID string, status crew.DocumentStatus) ([]crew.ExpiringDocument, error) {
	args := map[string]any{"company_id": companyID}
	if status != "" {
		args["status"] = string(status)
	}

	var docs []crew.ExpiringDocument
	if err := a.gw.Call(ctx, "expiring_documents_for_company", args, &docs); err != nil {
		a.logger.Error("Failed to load expiring documents", "company_id", companyID, "status", status, "error", err)
		a.notifier.Notify(alert.LevelError, "Failed to load expiring documents")
		return nil, fmt.Errorf("load expiring documents: %w", err)
	}

	startTime := time.Now()
	var failed atomic.Int32

	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i := range docs {
		doc := &docs[i]
		doc.TaskID, doc.TaskStatus, doc.TaskTitle = "", "", ""
		doc.TaskLookupFailed = false
		g.Go(func() error {
			task, err := a.lookupTask(ctx, companyID, doc)
			if err != nil {
				a.logger.Warn("Task lookup failed, showing document without task",
					"company_id", companyID,
					"document_id", doc.DocumentID,
					"error", err)
				doc.TaskLookupFailed = true
				failed.Add(1)
				return nil
			}
			if task != nil {
				doc.TaskID = task.ID
				doc.TaskStatus = task.Status
				doc.TaskTitle = task.Title
			}
			return nil
		})
	}
	_ = g.Wait() // lookups never fail the batch

	a.logger.Info("Expiring documents loaded",
		"company_id", companyID,
		"status", status,
		"documents", len(docs),
		"failed_lookups", failed.Load(),
		"duration_ms", time.Since(startTime).Milliseconds())

	cached := make([]crew.ExpiringDocument, len(docs))
	copy(cached, docs)
	a.mu.Lock()
	a.views[companyID] = view{status: status, docs: cached}
	a.mu.Unlock()

	return docs, nil
}

func (a *Aggregator) lookupTask(ctx context.Context, companyID string, doc *crew.ExpiringDocument) (*crew.Task, error) {
	var tasks []crew.Task
	if err := a.gw.Query(ctx, "tasks", taskLookupQuery(companyID, doc), &tasks); err != nil {
		return nil, err
	}
	return FindMatchingTask(doc, tasks), nil
}

// Documents returns the last loaded list for a company.
func (a *Aggregator) Documents(companyID string) []crew.ExpiringDocument {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := a.views[companyID]
	out := make([]crew.ExpiringDocument, len(v.docs))
	copy(out, v.docs)
	return out
}

// CachedDocument finds one document in the last loaded list for a company.
func (a *Aggregator) CachedDocument(companyID, documentID string) (crew.ExpiringDocument, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range a.views[companyID].docs {
		if d.DocumentID == documentID {
			return d, true
		}
	}
	return crew.ExpiringDocument{}, false
}

// CreateRenewalTask inserts a renewal task for doc and then reloads the company's
// documents with the previous status filter, so the new task is found by the
// same lookup as any other. The local list is never patched directly.
func (a *Aggregator) CreateRenewalTask(ctx context.Context, companyID string, doc *crew.ExpiringDocument) (*crew.Task, error) {
	row, err := NewRenewalTask(companyID, a.userID, doc, a.now())
	if err != nil {
		a.logger.Error("Failed to plan renewal task", "document_id", doc.DocumentID, "error", err)
		a.notifier.Notify(alert.LevelError, "Failed to create renewal task")
		return nil, fmt.Errorf("plan renewal task: %w", err)
	}

	var task crew.Task
	if err := a.gw.Insert(ctx, "tasks", row, &task); err != nil {
		a.logger.Error("Failed to create renewal task", "document_id", doc.DocumentID, "error", err)
		a.notifier.Notify(alert.LevelError, "Failed to create renewal task")
		return nil, fmt.Errorf("create renewal task: %w", err)
	}

	a.logger.Info("Renewal task created",
		"company_id", companyID,
		"document_id", doc.DocumentID,
		"task_id", task.ID,
		"priority", row.Priority,
		"due_date", row.DueDate)

	a.mu.Lock()
	status := a.views[companyID].status
	a.mu.Unlock()

	if _, err := a.LoadDocuments(ctx, companyID, status); err != nil {
		// Already logged and notified; the task itself was created.
		a.logger.Warn("Reload after renewal task failed", "company_id", companyID, "error", err)
	}
	return &task, nil
}
