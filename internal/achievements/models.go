package achievements

import (
	"time"
)

// TriggerType names the rule that fired.
type TriggerType string

const (
	TriggerDailyDistance   TriggerType = "daily_distance"
	TriggerAppSpecialist   TriggerType = "app_specialist"
	TriggerAppDiversity    TriggerType = "app_diversity"
	TriggerBurstScroll     TriggerType = "burst_scroll"
	TriggerSessionMarathon TriggerType = "session_marathon"
)

// WindowPoint is one delta kept in the rolling burst window.
type WindowPoint struct {
	At     time.Time `json:"at"`
	Meters float64   `json:"meters"`
	Site   string    `json:"site"`
}

// RuntimeState is the per-user evaluation state persisted between runs.
type RuntimeState struct {
	DayKey        string             `json:"day_key"`
	TodayMeters   float64            `json:"today_meters"`
	TodayBySite   map[string]float64 `json:"today_by_site"`
	RollingWindow []WindowPoint      `json:"rolling_window"`
	SessionStart  time.Time          `json:"session_start"`
	SessionMeters float64            `json:"session_meters"`
	LastScroll    time.Time          `json:"last_scroll"`
	// UnlockedEventKeys is append-only and capped; the oldest keys are
	// evicted first.
	UnlockedEventKeys []string `json:"unlocked_event_keys"`
}

func (s RuntimeState) clone() RuntimeState {
	out := s
	out.TodayBySite = make(map[string]float64, len(s.TodayBySite))
	for k, v := range s.TodayBySite {
		out.TodayBySite[k] = v
	}
	out.RollingWindow = append([]WindowPoint(nil), s.RollingWindow...)
	out.UnlockedEventKeys = append([]string(nil), s.UnlockedEventKeys...)
	return out
}

// Trigger describes the condition that produced an unlock.
type Trigger struct {
	Type      TriggerType `json:"type"`
	Value     float64     `json:"value"`
	Site      string      `json:"site,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Snapshot captures the metrics an unlock was evaluated against.
type Snapshot struct {
	DayKey         string             `json:"day_key"`
	TodayMeters    float64            `json:"today_meters"`
	TodayBySite    map[string]float64 `json:"today_by_site"`
	RollingMeters  float64            `json:"rolling_meters"`
	SessionMeters  float64            `json:"session_meters"`
	SessionSeconds float64            `json:"session_seconds"`
}

// Toast is the presentation payload shown when an achievement unlocks.
type Toast struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Emoji string `json:"emoji,omitempty"`
}

// UnlockEvent is emitted once per (user, event key).
type UnlockEvent struct {
	UserID   string   `json:"user_id"`
	EventKey string   `json:"event_key"`
	Trigger  Trigger  `json:"trigger"`
	Toast    Toast    `json:"toast"`
	Snapshot Snapshot `json:"snapshot"`
}
