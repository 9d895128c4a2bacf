package scroll

import (
	"math"
	"strings"
	"time"
)

// Delta is one captured scroll increment on a site.
type Delta struct {
	Site      string    `json:"site"`
	Pixels    float64   `json:"pixels"`
	Meters    float64   `json:"meters"`
	Timestamp time.Time `json:"timestamp"`
}

// Valid reports whether the delta carries a site and finite, positive
// distances. Invalid deltas are dropped at the boundary without error.
func (d Delta) Valid() bool {
	return strings.TrimSpace(d.Site) != "" && positive(d.Pixels) && positive(d.Meters)
}

func positive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// Batch accumulates one site's distance between two syncs.
type Batch struct {
	// ID is assigned when the batch is drained and lets the remote log
	// drop a resent copy of the same drained batch.
	ID           string    `json:"id,omitempty"`
	Site         string    `json:"site"`
	TotalPixels  float64   `json:"total_pixels"`
	TotalMeters  float64   `json:"total_meters"`
	SessionStart time.Time `json:"session_start"`
	LastUpdate   time.Time `json:"last_update"`
}

// merge folds other into b.
func (b Batch) merge(other Batch) Batch {
	b.TotalPixels += other.TotalPixels
	b.TotalMeters += other.TotalMeters
	if b.SessionStart.IsZero() || (!other.SessionStart.IsZero() && other.SessionStart.Before(b.SessionStart)) {
		b.SessionStart = other.SessionStart
	}
	if other.LastUpdate.After(b.LastUpdate) {
		b.LastUpdate = other.LastUpdate
	}
	return b
}

const dayKeyLayout = "2006-01-02"

// DayKey identifies the local calendar day t falls on.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(dayKeyLayout)
}

// StartOfDay returns local midnight of the day t falls on.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	local := t.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
