package models

import "time"

type Ticket struct {
	TicketID         string     `json:"ticket_id"`
	ServiceID        string     `json:"service_id"`
	VisitorRef       string     `json:"visitor_ref"`
	Position         int64      `json:"position"`
	Status           string     `json:"status"`
	JoinedAt         time.Time  `json:"joined_at"`
	ServingStartedAt *time.Time `json:"serving_started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ETAMinutes       int        `json:"eta_minutes"`
}

const (
	StatusWaiting   = "waiting"
	StatusServing   = "serving"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusNoShow    = "no_show"
)

// IsTerminal reports whether a ticket in the given status can never
// transition again.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	default:
		return false
	}
}
