package backend

import "time"

// Account is a signed-up user of the scrollmeter backend.
type Account struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// DistanceSession is one row of the insert-only distance log. ClientBatchID
// is assigned by the agent per drained batch and is unique.
type DistanceSession struct {
	ClientBatchID string    `json:"client_batch_id"`
	UserID        string    `json:"user_id"`
	Site          string    `json:"site"`
	Pixels        float64   `json:"pixels"`
	Meters        float64   `json:"meters"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
}

// UserTotal is the running total maintained by the insert trigger.
type UserTotal struct {
	UserID      string    `json:"user_id"`
	TotalMeters float64   `json:"total_meters"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Achievement is a stored unlock. Only EventKey and Title exist in schema
// version 1.
type Achievement struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	EventKey     string            `json:"event_key"`
	Title        string            `json:"title"`
	Body         string            `json:"body,omitempty"`
	TriggerType  string            `json:"trigger_type,omitempty"`
	TriggerValue float64           `json:"trigger_value,omitempty"`
	Site         string            `json:"site,omitempty"`
	Snapshot     string            `json:"snapshot,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
	Source       string            `json:"source,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Achievement sources.
const (
	SourceDeterministic = "deterministic"
	SourceAI            = "ai"
)
