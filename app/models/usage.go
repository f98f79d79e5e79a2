package models

import (
	"encoding/json"
	"time"
)

// Period is the calendar month a usage record counts against.
type Period struct {
	Month int `json:"month"`
	Year  int `json:"year"`
}

// PeriodOf returns the quota period containing t, evaluated in loc.
func PeriodOf(t time.Time, loc *time.Location) Period {
	if loc != nil {
		t = t.In(loc)
	}
	return Period{Month: int(t.Month()), Year: t.Year()}
}

// UsageRecord is one accepted extraction. Rows are append-only.
type UsageRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Month     int       `json:"month"`
	Year      int       `json:"year"`
	CreatedAt time.Time `json:"createdAt"`
}

// UnreconciledEvent is a verified billing notification that could not be
// applied. Operators replay it once the correlation problem is fixed.
type UnreconciledEvent struct {
	ID              string          `json:"id"`
	ProviderEventID string          `json:"providerEventId"`
	EventType       string          `json:"eventType"`
	Reason          string          `json:"reason"`
	Payload         json.RawMessage `json:"payload"`
	Attempts        int             `json:"attempts"`
	CreatedAt       time.Time       `json:"createdAt"`
	ReplayedAt      *time.Time      `json:"replayedAt"`
}
