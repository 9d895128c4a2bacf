// Package stats serves the user-facing distance figures: a persisted copy
// of the authoritative remote aggregates merged with what has not been
// pushed yet.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"example.com/scrollmeter/internal/clock"
	"example.com/scrollmeter/internal/kvstore"
	"example.com/scrollmeter/internal/remote"
	"example.com/scrollmeter/internal/scroll"
)

// Snapshot is the cached remote view for one user.
type Snapshot struct {
	UserID      string             `json:"user_id"`
	DayKey      string             `json:"day_key"`
	TodayMeters float64            `json:"today_meters"`
	TodayBySite map[string]float64 `json:"today_by_site"`
	TotalMeters float64            `json:"total_meters"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Display is what the UI shows: cached remote figures plus pending local
// distance.
type Display struct {
	DayKey        string             `json:"day_key"`
	TodayMeters   float64            `json:"today_meters"`
	TodayBySite   map[string]float64 `json:"today_by_site"`
	TotalMeters   float64            `json:"total_meters"`
	PendingMeters float64            `json:"pending_meters"`
	UpdatedAt     time.Time          `json:"updated_at"`
	Stale         bool               `json:"stale"`
}

// Remote is the slice of the backend client the cache reads from.
type Remote interface {
	StatsSince(ctx context.Context, since time.Time) (remote.TodayStats, error)
	Total(ctx context.Context) (remote.Total, error)
}

// Pending reports distance not yet confirmed by the remote log.
type Pending interface {
	Pending() map[string]float64
}

// Options tunes freshness. Zero values take the defaults.
type Options struct {
	Location       *time.Location
	StaleAfter     time.Duration
	RefreshTimeout time.Duration
}

// Cache keeps one snapshot per user in the durable store.
type Cache struct {
	store   kvstore.Store
	remote  Remote
	pending Pending
	clock   clock.Clock
	logger  *slog.Logger
	opts    Options

	group singleflight.Group
	bg    sync.WaitGroup
}

func NewCache(store kvstore.Store, rem Remote, pending Pending, clk clock.Clock, logger *slog.Logger, opts Options) *Cache {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 60 * time.Second
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 1500 * time.Millisecond
	}
	return &Cache{
		store:   store,
		remote:  rem,
		pending: pending,
		clock:   clk,
		logger:  logger.With("component", "stats.cache"),
		opts:    opts,
	}
}

func snapshotKey(userID string) string {
	return "stats/" + userID
}

// GetCached returns the persisted snapshot. A snapshot from an earlier day
// is rolled over: today's figures reset, the total is kept.
func (c *Cache) GetCached(ctx context.Context, userID, dayKey string) (Snapshot, bool, error) {
	var snap Snapshot
	ok, err := c.store.Get(ctx, snapshotKey(userID), &snap)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load stats snapshot: %w", err)
	}
	if !ok {
		return Snapshot{}, false, nil
	}
	if snap.TodayBySite == nil {
		snap.TodayBySite = map[string]float64{}
	}
	if snap.DayKey == dayKey {
		return snap, true, nil
	}
	rolled := Snapshot{
		UserID:      userID,
		DayKey:      dayKey,
		TodayBySite: map[string]float64{},
		TotalMeters: snap.TotalMeters,
		UpdatedAt:   snap.UpdatedAt,
	}
	if err := c.store.Set(ctx, snapshotKey(userID), rolled); err != nil {
		return Snapshot{}, false, fmt.Errorf("persist rolled snapshot: %w", err)
	}
	c.logger.Debug("stats snapshot rolled over", "user_id", userID, "from", snap.DayKey, "to", dayKey)
	return rolled, true, nil
}

// Refresh fetches today's per-site figures and the total from the remote
// and overwrites the snapshot. Concurrent refreshes for a user share one
// fetch.
func (c *Cache) Refresh(ctx context.Context, userID string) (Snapshot, error) {
	v, err, _ := c.group.Do(userID, func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx), userID)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

func (c *Cache) refresh(ctx context.Context, userID string) (Snapshot, error) {
	now := c.clock.Now()
	since := scroll.StartOfDay(now, c.opts.Location)
	today, err := c.remote.StatsSince(ctx, since)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch today stats: %w", err)
	}
	total, err := c.remote.Total(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch total: %w", err)
	}
	snap := Snapshot{
		UserID:      userID,
		DayKey:      scroll.DayKey(now, c.opts.Location),
		TodayBySite: map[string]float64{},
		TotalMeters: total.TotalMeters,
		UpdatedAt:   now,
	}
	for site, m := range today.BySite {
		snap.TodayBySite[site] = m
		snap.TodayMeters += m
	}
	if err := c.store.Set(ctx, snapshotKey(userID), snap); err != nil {
		return Snapshot{}, fmt.Errorf("persist stats snapshot: %w", err)
	}
	return snap, nil
}

// Display merges the cached snapshot with pending local distance. With no
// cache yet it waits a bounded time for a refresh and falls back to zero;
// a stale cache is returned as is while a refresh runs in the background.
func (c *Cache) Display(ctx context.Context, userID string) (Display, error) {
	now := c.clock.Now()
	dayKey := scroll.DayKey(now, c.opts.Location)

	snap, ok, err := c.GetCached(ctx, userID, dayKey)
	if err != nil {
		c.logger.Warn("read cached stats failed", "user_id", userID, "error", err)
	}
	stale := false
	switch {
	case !ok:
		snap, ok = c.waitForRefresh(ctx, userID)
		if !ok {
			snap = Snapshot{UserID: userID, DayKey: dayKey, TodayBySite: map[string]float64{}}
			stale = true
		}
	case now.Sub(snap.UpdatedAt) > c.opts.StaleAfter:
		stale = true
		c.refreshInBackground(userID)
	}

	out := Display{
		DayKey:      dayKey,
		TodayMeters: snap.TodayMeters,
		TodayBySite: make(map[string]float64, len(snap.TodayBySite)),
		TotalMeters: snap.TotalMeters,
		UpdatedAt:   snap.UpdatedAt,
		Stale:       stale,
	}
	for site, m := range snap.TodayBySite {
		out.TodayBySite[site] = m
	}
	if c.pending != nil {
		for site, m := range c.pending.Pending() {
			out.TodayBySite[site] += m
			out.TodayMeters += m
			out.TotalMeters += m
			out.PendingMeters += m
		}
	}
	return out, nil
}

func (c *Cache) waitForRefresh(ctx context.Context, userID string) (Snapshot, bool) {
	ch := c.group.DoChan(userID, func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx), userID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			c.logger.Warn("initial stats refresh failed", "user_id", userID, "error", res.Err)
			return Snapshot{}, false
		}
		return res.Val.(Snapshot), true
	case <-c.clock.After(c.opts.RefreshTimeout):
		c.logger.Warn("initial stats refresh timed out", "user_id", userID, "timeout", c.opts.RefreshTimeout)
	case <-ctx.Done():
	}
	return Snapshot{}, false
}

// Invalidate schedules a background refresh, typically after a confirmed
// push.
func (c *Cache) Invalidate(userID string) {
	c.refreshInBackground(userID)
}

func (c *Cache) refreshInBackground(userID string) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		if _, err := c.Refresh(context.Background(), userID); err != nil {
			c.logger.Warn("background stats refresh failed", "user_id", userID, "error", err)
		}
	}()
}

// Wait blocks until refreshes started by Invalidate or a stale read finish.
func (c *Cache) Wait() {
	c.bg.Wait()
}
