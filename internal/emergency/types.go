package emergency

import "time"

// GrantTTL is the fixed lifetime of every emergency access grant. Grants
// are never extendable.
const GrantTTL = 4 * time.Hour

// GrantStatus is the persisted state of a grant. The persisted ACTIVE flag
// can be stale; readers must go through EffectiveStatus.
type GrantStatus string

const (
	GrantActive  GrantStatus = "active"
	GrantExpired GrantStatus = "expired"
	GrantEnded   GrantStatus = "ended"
)

// Grant is a time-boxed elevated-access authorization.
type Grant struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	OrgID     string      `json:"org_id"`
	Reason    string      `json:"reason"`
	GrantedAt time.Time   `json:"granted_at"`
	ExpiresAt time.Time   `json:"expires_at"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
	Status    GrantStatus `json:"status"`
	Version   uint64      `json:"version"`
}

// EffectiveStatus compares the wall clock against ExpiresAt at the point
// of use. An ACTIVE grant observed past its expiry is EXPIRED for every
// reader, regardless of what was last persisted.
func (g Grant) EffectiveStatus(now time.Time) GrantStatus {
	if g.Status == GrantActive && !now.Before(g.ExpiresAt) {
		return GrantExpired
	}
	return g.Status
}

// UsedDuration is the access window actually consumed: end-of-access
// minus grant time.
func (g Grant) UsedDuration() time.Duration {
	end := g.ExpiresAt
	if g.EndedAt != nil {
		end = *g.EndedAt
	}
	return end.Sub(g.GrantedAt)
}

// ReviewStatus is the compliance review outcome of a justification.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// Justification is the mandatory post-hoc explanation for a grant,
// exactly one per grant, reviewed exactly once.
type Justification struct {
	GrantID      string       `json:"grant_id"`
	UserID       string       `json:"user_id"`
	OrgID        string       `json:"org_id"`
	Text         string       `json:"text"`
	SubmittedAt  time.Time    `json:"submitted_at"`
	ReviewStatus ReviewStatus `json:"review_status"`
	ReviewedBy   string       `json:"reviewed_by,omitempty"`
	ReviewedAt   *time.Time   `json:"reviewed_at,omitempty"`
	Version      uint64       `json:"version"`
}
