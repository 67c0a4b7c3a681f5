package expiry

import (
	"fmt"
	"time"

	"wavesync/pkg/crew"
)

// Renewal is the suggested priority and due date of a renewal task.
type Renewal struct {
	Due      time.Time
	Priority crew.Priority
}

// PlanRenewal derives priority and due date from the server-computed days until expiry:
//
//	< 0     urgent, due a week from now
//	0..30   urgent, due on the expiry date
//	31..90  high, due on the expiry date
//	> 90    medium, due 30 days before the expiry date
func PlanRenewal(doc *crew.ExpiringDocument, now time.Time) (Renewal, error) {
	if doc.DaysUntilExpiry < 0 {
		return Renewal{Priority: crew.PriorityUrgent, Due: dateOf(now).AddDate(0, 0, 7)}, nil
	}

	expiry, err := time.Parse(crew.DateLayout, doc.ExpiryDate)
	if err != nil {
		return Renewal{}, fmt.Errorf("parse expiry date %q: %w", doc.ExpiryDate, err)
	}

	switch {
	case doc.DaysUntilExpiry <= 30:
		return Renewal{Priority: crew.PriorityUrgent, Due: expiry}, nil
	case doc.DaysUntilExpiry <= 90:
		return Renewal{Priority: crew.PriorityHigh, Due: expiry}, nil
	default:
		return Renewal{Priority: crew.PriorityMedium, Due: expiry.AddDate(0, 0, -30)}, nil
	}
}

// NewRenewalTask builds the task row for renewing doc.
// Title and description carry the document type and filename so the task is
// found again by FindMatchingTask.
func NewRenewalTask(companyID, createdBy string, doc *crew.ExpiringDocument, now time.Time) (crew.NewTask, error) {
	plan, err := PlanRenewal(doc, now)
	if err != nil {
		return crew.NewTask{}, err
	}

	var desc string
	if doc.DaysUntilExpiry < 0 {
		desc = fmt.Sprintf("%s (%s) for %s expired on %s. Obtain a renewed document and upload it.",
			doc.Filename, doc.DocumentType, doc.SeafarerName, doc.ExpiryDate)
	} else {
		desc = fmt.Sprintf("%s (%s) for %s expires on %s (%d days). Obtain a renewed document and upload it.",
			doc.Filename, doc.DocumentType, doc.SeafarerName, doc.ExpiryDate, doc.DaysUntilExpiry)
	}

	return crew.NewTask{
		CompanyID:   companyID,
		AssignedTo:  doc.UserID,
		CreatedBy:   createdBy,
		Title:       fmt.Sprintf("Renew %s: %s", doc.DocumentType, doc.SeafarerName),
		Description: desc,
		Priority:    plan.Priority,
		Status:      "pending",
		DueDate:     plan.Due.Format(crew.DateLayout),
	}, nil
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
