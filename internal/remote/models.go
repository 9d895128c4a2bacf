package remote

import "time"

// SessionGrant is returned when the backend opens an auth session.
type SessionGrant struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// SessionRecord is one row of the insert-only distance log.
type SessionRecord struct {
	ClientBatchID string    `json:"client_batch_id"`
	Site          string    `json:"site"`
	Pixels        float64   `json:"pixels"`
	Meters        float64   `json:"meters"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
}

// InsertSessionsResult reports how many records were new.
type InsertSessionsResult struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}

// Total is the backend-maintained running total for the user.
type Total struct {
	TotalMeters float64   `json:"total_meters"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TodayStats is the ranged per-site aggregate since a local day start.
type TodayStats struct {
	Since       time.Time          `json:"since"`
	BySite      map[string]float64 `json:"by_site"`
	TodayMeters float64            `json:"today_meters"`
}

// Capabilities advertises what the backend supports.
type Capabilities struct {
	AchievementSchema int  `json:"achievement_schema"`
	AIBadges          bool `json:"ai_badges"`
}

// Achievement schema versions.
const (
	SchemaLegacy = 1
	SchemaFull   = 2
)

// AchievementRow is what the agent writes for an unlock. Only EventKey and
// Title exist in the legacy schema.
type AchievementRow struct {
	EventKey     string            `json:"event_key"`
	Title        string            `json:"title"`
	Body         string            `json:"body,omitempty"`
	TriggerType  string            `json:"trigger_type,omitempty"`
	TriggerValue float64           `json:"trigger_value,omitempty"`
	Site         string            `json:"site,omitempty"`
	Snapshot     any               `json:"snapshot,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
	Source       string            `json:"source,omitempty"`
}

type legacyAchievementRow struct {
	EventKey string `json:"event_key"`
	Title    string `json:"title"`
}

// Achievement is a stored achievement row.
type Achievement struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	EventKey     string    `json:"event_key"`
	Title        string    `json:"title"`
	Body         string    `json:"body,omitempty"`
	TriggerType  string    `json:"trigger_type,omitempty"`
	TriggerValue float64   `json:"trigger_value,omitempty"`
	Site         string    `json:"site,omitempty"`
	Source       string    `json:"source,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// BadgeRequest asks the backend to generate a badge for an unlock.
type BadgeRequest struct {
	EventKey     string  `json:"event_key"`
	TriggerType  string  `json:"trigger_type"`
	TriggerValue float64 `json:"trigger_value"`
	Site         string  `json:"site,omitempty"`
	Snapshot     any     `json:"snapshot,omitempty"`
}
