package models

type Service struct {
	ServiceID      string `json:"service_id"`
	OrgID          string `json:"org_id,omitempty"`
	Name           string `json:"name"`
	Code           string `json:"code"`
	AvgMinutes     int    `json:"avg_minutes"`
	Active         bool   `json:"active"`
	EndCode        string `json:"-"`
	CurrentServing int64  `json:"current_serving"`
}
