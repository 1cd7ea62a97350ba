package domain

import "time"

// Balance is the per-(user, asset) ledger row. Available and Pending are
// minor units and must never go negative; they change only through the
// ledger primitives, never by direct assignment.
type Balance struct {
	UserID    int64     `json:"user_id"`
	Asset     string    `json:"asset"`
	Available int64     `json:"available"`
	Pending   int64     `json:"pending"`
	UpdatedAt time.Time `json:"updated_at"`
}
