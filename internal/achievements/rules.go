package achievements

import (
	"fmt"
	"math"
	"time"

	"example.com/scrollmeter/internal/scroll"
)

const (
	sessionGap          = 5 * time.Minute
	burstWindow         = 30 * time.Second
	burstMeters         = 40.0
	burstMinDeltas      = 2
	specialistShare     = 0.75
	specialistMinMeters = 180.0
	diversitySites      = 4
	diversityMinMeters  = 200.0
	marathonDuration    = 20 * time.Minute
	marathonMeters      = 250.0
	maxUnlockedKeys     = 256
)

var distanceMilestones = []int{100, 250, 500, 1000, 2000}

// metrics is what the rules look at, taken right before and right after a
// delta is applied.
type metrics struct {
	today      float64
	bySite     map[string]float64
	rolling    float64
	rollingN   int
	session    float64
	sessionDur time.Duration
}

func (m metrics) topSite() (string, float64) {
	var site string
	best := 0.0
	for s, v := range m.bySite {
		if v > best || (v == best && v > 0 && s < site) {
			site, best = s, v
		}
	}
	return site, best
}

func (m metrics) topShare() (string, float64) {
	site, v := m.topSite()
	if m.today <= 0 {
		return site, 0
	}
	return site, v / m.today
}

func (m metrics) activeSites() int {
	n := 0
	for _, v := range m.bySite {
		if v > 0 {
			n++
		}
	}
	return n
}

func (m metrics) specialist() bool {
	_, share := m.topShare()
	return m.today >= specialistMinMeters && share >= specialistShare
}

func (m metrics) diverse() bool {
	return m.today >= diversityMinMeters && m.activeSites() >= diversitySites
}

func (m metrics) burst() bool {
	return m.rolling >= burstMeters
}

func (m metrics) marathon() bool {
	return m.sessionDur >= marathonDuration && m.session >= marathonMeters
}

func (m metrics) snapshot(dayKey string) Snapshot {
	bySite := make(map[string]float64, len(m.bySite))
	for k, v := range m.bySite {
		bySite[k] = v
	}
	return Snapshot{
		DayKey:         dayKey,
		TodayMeters:    m.today,
		TodayBySite:    bySite,
		RollingMeters:  m.rolling,
		SessionMeters:  m.session,
		SessionSeconds: m.sessionDur.Seconds(),
	}
}

func (s *RuntimeState) metrics() metrics {
	m := metrics{
		today:   s.TodayMeters,
		bySite:  make(map[string]float64, len(s.TodayBySite)),
		session: s.SessionMeters,
	}
	for k, v := range s.TodayBySite {
		m.bySite[k] = v
	}
	for _, p := range s.RollingWindow {
		m.rolling += p.Meters
	}
	m.rollingN = len(s.RollingWindow)
	if !s.SessionStart.IsZero() && s.LastScroll.After(s.SessionStart) {
		m.sessionDur = s.LastScroll.Sub(s.SessionStart)
	}
	return m
}

func (s *RuntimeState) resetDay(dayKey string) {
	s.DayKey = dayKey
	s.TodayMeters = 0
	s.TodayBySite = map[string]float64{}
	s.resetSession()
}

func (s *RuntimeState) resetSession() {
	s.RollingWindow = nil
	s.SessionStart = time.Time{}
	s.SessionMeters = 0
}

// prune drops window points that are not strictly inside the trailing
// window ending at now. Points stamped after now (a replayed, older delta)
// are dropped as well.
func (s *RuntimeState) prune(now time.Time) {
	keep := s.RollingWindow[:0]
	for _, p := range s.RollingWindow {
		if age := now.Sub(p.At); age >= 0 && age < burstWindow {
			keep = append(keep, p)
		}
	}
	if len(keep) == 0 {
		s.RollingWindow = nil
		return
	}
	s.RollingWindow = keep
}

// advance applies d and returns the metrics on either side of it.
func (s *RuntimeState) advance(d scroll.Delta, loc *time.Location) (before, after metrics) {
	ts := d.Timestamp
	if day := scroll.DayKey(ts, loc); day != s.DayKey {
		s.resetDay(day)
	}
	if s.TodayBySite == nil {
		s.TodayBySite = map[string]float64{}
	}
	if !s.LastScroll.IsZero() && ts.Sub(s.LastScroll) > sessionGap {
		s.resetSession()
	}
	s.prune(ts)
	before = s.metrics()

	s.TodayMeters += d.Meters
	s.TodayBySite[d.Site] += d.Meters
	s.SessionMeters += d.Meters
	if s.SessionStart.IsZero() {
		s.SessionStart = ts
	}
	s.RollingWindow = append(s.RollingWindow, WindowPoint{At: ts, Meters: d.Meters, Site: d.Site})
	if ts.After(s.LastScroll) {
		s.LastScroll = ts
	}

	s.prune(ts)
	after = s.metrics()
	return before, after
}

func (s *RuntimeState) unlocked(key string) bool {
	for _, k := range s.UnlockedEventKeys {
		if k == key {
			return true
		}
	}
	return false
}

func (s *RuntimeState) remember(key string) {
	s.UnlockedEventKeys = append(s.UnlockedEventKeys, key)
	if over := len(s.UnlockedEventKeys) - maxUnlockedKeys; over > 0 {
		s.UnlockedEventKeys = append([]string(nil), s.UnlockedEventKeys[over:]...)
	}
}

type firing struct {
	key     string
	trigger Trigger
}

// evaluate fires every rule whose condition went from false to true
// between before and after. A level that stays satisfied never refires.
func evaluate(before, after metrics, d scroll.Delta, dayKey string) []firing {
	var out []firing
	fire := func(key string, typ TriggerType, value float64, site string) {
		out = append(out, firing{
			key:     key,
			trigger: Trigger{Type: typ, Value: value, Site: site, Timestamp: d.Timestamp},
		})
	}

	for _, n := range distanceMilestones {
		threshold := float64(n)
		if before.today < threshold && after.today >= threshold {
			fire(fmt.Sprintf("daily_distance_%d_%s", n, dayKey), TriggerDailyDistance, threshold, d.Site)
		}
	}

	if !before.specialist() && after.specialist() {
		site, share := after.topShare()
		fire(fmt.Sprintf("app_specialist_%s_%s", site, dayKey), TriggerAppSpecialist, math.Round(share*100), site)
	}

	if !before.diverse() && after.diverse() {
		fire(fmt.Sprintf("app_diversity_%d_%s", diversitySites, dayKey), TriggerAppDiversity, float64(after.activeSites()), d.Site)
	}

	// One oversized delta is a capture lump, not rapid flicking.
	if !before.burst() && after.burst() && after.rollingN >= burstMinDeltas {
		fire("burst_scroll_"+dayKey, TriggerBurstScroll, burstMeters, d.Site)
	}

	if !before.marathon() && after.marathon() {
		fire("session_marathon_"+dayKey, TriggerSessionMarathon, math.Floor(after.sessionDur.Minutes()), d.Site)
	}

	return out
}
