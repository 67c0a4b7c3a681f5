package crew

import "time"

// WatchState is the persisted record of what the expiry watch has already
// emailed to a company administrator.
type WatchState struct {
	LastCheckedAt time.Time                 `json:"last_checked_at"`
	LastDigestAt  time.Time                 `json:"last_digest_at,omitzero"`
	Notified      map[string]DocumentStatus `json:"notified"` // document id -> status when last emailed
	CompanyID     string                    `json:"company_id"`
	AdminEmail    string                    `json:"admin_email"`
}

// AlreadyNotified reports whether the document was emailed at the same status.
func (w *WatchState) AlreadyNotified(doc *ExpiringDocument) bool {
	s, ok := w.Notified[doc.DocumentID]
	return ok && s == doc.Status
}
