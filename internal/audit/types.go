package audit

import "time"

// Entry is one immutable record of an action. Entries are only ever
// appended; no update or delete exists anywhere in this package.
type Entry struct {
	ID           string            `json:"id"`
	Seq          uint64            `json:"seq"`
	ActorID      string            `json:"actor_id"`
	OrgID        string            `json:"org_id"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	OccurredAt   time.Time         `json:"occurred_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	IP           string            `json:"ip,omitempty"`
	UserAgent    string            `json:"user_agent,omitempty"`
}

// Filter narrows a query or export. OrgID is always forced to the
// requesting actor's organization by the service.
type Filter struct {
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	OrgID        string
	From         time.Time
	To           time.Time
	Page         int
	PageSize     int
}

// Page is a query result with the total match count before paging.
type Page struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
}

// Export is a rendered tabular export.
type Export struct {
	Data     []byte
	MIMEType string
}
