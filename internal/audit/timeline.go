package audit

import "time"

// Entity names written by the access-control services.
const (
	EntityRole       = "role"
	EntityAssignment = "user_role_assignment"
)

// TimelineFilters narrows the audit timeline.
// OrganizationID is mandatory; rows of other tenants are never returned.
type TimelineFilters struct {
	OrganizationID string
	From           time.Time
	To             time.Time
	Actor          string
	Entity         string
	Action         string
	Page           int
	PageSize       int
}

// TimelineRow mewakili satu baris audit timeline.
type TimelineRow struct {
	At             time.Time      `json:"at"`
	Actor          string         `json:"actor"`
	OrganizationID string         `json:"organizationId,omitempty"`
	Action         string         `json:"action"`
	Entity         string         `json:"entity"`
	EntityID       string         `json:"entityId"`
	Meta           map[string]any `json:"meta,omitempty"`
}

// PagingInfo menyimpan metadata pagination sederhana.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"pageSize"`
	HasNext  bool `json:"hasNext"`
	PrevPage int  `json:"prevPage,omitempty"`
	NextPage int  `json:"nextPage,omitempty"`
}

// Result is one timeline page.
type Result struct {
	Rows   []TimelineRow `json:"rows"`
	Paging PagingInfo    `json:"paging"`
}
