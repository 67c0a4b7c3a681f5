package expiry

import (
	"strings"

	"wavesync/gateway"
	"wavesync/pkg/crew"
)

// FindMatchingTask returns the most recently created task that is assigned to the
// document's owner and whose title or description case-insensitively contains the
// document's filename or document type. It returns nil when nothing matches.
//
// This is a text heuristic, not a foreign key: an unrelated task that happens to
// mention the same words matches, and a renewal task phrased differently does not.
func FindMatchingTask(doc *crew.ExpiringDocument, tasks []crew.Task) *crew.Task {
	var best *crew.Task
	for i := range tasks {
		t := &tasks[i]
		if t.AssignedTo != doc.UserID || !mentions(t, doc) {
			continue
		}
		if best == nil || t.CreatedAt.After(best.CreatedAt) {
			best = t
		}
	}
	if best == nil {
		return nil
	}
	found := *best
	return &found
}

func mentions(t *crew.Task, doc *crew.ExpiringDocument) bool {
	title := strings.ToLower(t.Title)
	desc := strings.ToLower(t.Description)
	for _, needle := range []string{doc.Filename, doc.DocumentType} {
		n := strings.ToLower(needle)
		if strings.Contains(title, n) || strings.Contains(desc, n) {
			return true
		}
	}
	return false
}

// taskLookupQuery asks the gateway for the same match FindMatchingTask applies,
// newest first, one row.
func taskLookupQuery(companyID string, doc *crew.ExpiringDocument) gateway.Query {
	return gateway.Query{
		Select: "id,company_id,assigned_to,title,description,priority,status,due_date,created_at",
		Filters: []gateway.Filter{
			gateway.Eq("assigned_to", doc.UserID),
			gateway.Eq("company_id", companyID),
		},
		AnyOf: []gateway.Filter{
			gateway.ILike("title", doc.Filename),
			gateway.ILike("description", doc.Filename),
			gateway.ILike("title", doc.DocumentType),
			gateway.ILike("description", doc.DocumentType),
		},
		OrderBy: "created_at",
		Desc:    true,
		Limit:   1,
	}
}
