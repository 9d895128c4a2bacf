package stats

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/scrollmeter/internal/clock"
	"example.com/scrollmeter/internal/kvstore"
	"example.com/scrollmeter/internal/logging"
	"example.com/scrollmeter/internal/remote"
)

type fakeRemote struct {
	mu      sync.Mutex
	bySite  map[string]float64
	total   float64
	since   []time.Time
	calls   atomic.Int32
	block   chan struct{}
	failing bool
}

func (f *fakeRemote) StatsSince(_ context.Context, since time.Time) (remote.TodayStats, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return remote.TodayStats{}, errors.New("offline")
	}
	f.since = append(f.since, since)
	out := map[string]float64{}
	for k, v := range f.bySite {
		out[k] = v
	}
	return remote.TodayStats{Since: since, BySite: out}, nil
}

func (f *fakeRemote) Total(context.Context) (remote.Total, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return remote.Total{TotalMeters: f.total}, nil
}

type fixedPending map[string]float64

func (p fixedPending) Pending() map[string]float64 { return p }

var start = time.Date(2026, 3, 1, 15, 30, 0, 0, time.UTC)

func newCache(rem Remote, pending Pending, clk clock.Clock, store kvstore.Store) *Cache {
	return NewCache(store, rem, pending, clk, logging.Discard(), Options{Location: time.UTC})
}

func TestRefreshQueriesSinceStartOfDay(t *testing.T) {
	ctx := context.Background()
	rem := &fakeRemote{bySite: map[string]float64{"instagram": 80, "tiktok": 20}, total: 900}
	clk := clock.NewFake(start)
	c := newCache(rem, nil, clk, kvstore.NewMemory())

	snap, err := c.Refresh(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), rem.since[0])
	assert.Equal(t, "2026-03-01", snap.DayKey)
	assert.Equal(t, 100.0, snap.TodayMeters)
	assert.Equal(t, 900.0, snap.TotalMeters)
	assert.Equal(t, start, snap.UpdatedAt)

	cached, ok, err := c.GetCached(ctx, "u1", "2026-03-01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.TodayBySite, cached.TodayBySite)
}

func TestGetCachedRollsOverDay(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	rem := &fakeRemote{bySite: map[string]float64{"instagram": 80}, total: 900}
	c := newCache(rem, nil, clock.NewFake(start), store)
	_, err := c.Refresh(ctx, "u1")
	require.NoError(t, err)

	rolled, ok, err := c.GetCached(ctx, "u1", "2026-03-02")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2026-03-02", rolled.DayKey)
	assert.Zero(t, rolled.TodayMeters)
	assert.Empty(t, rolled.TodayBySite)
	assert.Equal(t, 900.0, rolled.TotalMeters)

	var persisted Snapshot
	_, err = store.Get(ctx, snapshotKey("u1"), &persisted)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", persisted.DayKey)

	_, ok, err = c.GetCached(ctx, "nobody", "2026-03-02")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDisplayMergesPending(t *testing.T) {
	ctx := context.Background()
	rem := &fakeRemote{bySite: map[string]float64{"instagram": 80}, total: 900}
	c := newCache(rem, fixedPending{"instagram": 5, "reddit": 2}, clock.NewFake(start), kvstore.NewMemory())

	d, err := c.Display(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, d.Stale)
	assert.Equal(t, map[string]float64{"instagram": 85, "reddit": 2}, d.TodayBySite)
	assert.Equal(t, 87.0, d.TodayMeters)
	assert.Equal(t, 907.0, d.TotalMeters)
	assert.Equal(t, 7.0, d.PendingMeters)
}

func TestDisplayFallsBackWhenRefreshTimesOut(t *testing.T) {
	rem := &fakeRemote{block: make(chan struct{}), total: 900}
	clk := clock.NewFake(start)
	c := newCache(rem, fixedPending{"instagram": 5}, clk, kvstore.NewMemory())

	type result struct {
		d   Display
		err error
	}
	done := make(chan result, 1)
	go func() {
		d, err := c.Display(context.Background(), "u1")
		done <- result{d, err}
	}()

	require.Eventually(t, func() bool { return clk.Pending() == 1 && rem.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	clk.Advance(1500 * time.Millisecond)
	res := <-done
	require.NoError(t, res.err)
	assert.True(t, res.d.Stale)
	assert.Equal(t, 5.0, res.d.TodayMeters)
	assert.Equal(t, 5.0, res.d.TotalMeters)

	close(rem.block)
	require.Eventually(t, func() bool {
		_, ok, _ := c.GetCached(context.Background(), "u1", "2026-03-01")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestDisplayFallsBackWhenRefreshFails(t *testing.T) {
	rem := &fakeRemote{failing: true}
	c := newCache(rem, nil, clock.NewFake(start), kvstore.NewMemory())
	d, err := c.Display(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, d.Stale)
	assert.Zero(t, d.TotalMeters)
}

func TestDisplayRefreshesStaleInBackground(t *testing.T) {
	ctx := context.Background()
	rem := &fakeRemote{bySite: map[string]float64{"instagram": 80}, total: 900}
	clk := clock.NewFake(start)
	c := newCache(rem, nil, clk, kvstore.NewMemory())
	_, err := c.Refresh(ctx, "u1")
	require.NoError(t, err)

	rem.mu.Lock()
	rem.bySite["instagram"] = 95
	rem.mu.Unlock()
	clk.Advance(61 * time.Second)

	d, err := c.Display(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, d.Stale)
	assert.Equal(t, 80.0, d.TodayMeters)

	c.Wait()
	d, err = c.Display(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, d.Stale)
	assert.Equal(t, 95.0, d.TodayMeters)
}

func TestRefreshCoalesces(t *testing.T) {
	rem := &fakeRemote{block: make(chan struct{}), total: 1}
	c := newCache(rem, nil, clock.NewFake(start), kvstore.NewMemory())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Refresh(context.Background(), "u1")
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return rem.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(rem.block)
	wg.Wait()
	assert.Equal(t, int32(1), rem.calls.Load())
}

func TestInvalidateRefreshes(t *testing.T) {
	rem := &fakeRemote{bySite: map[string]float64{"instagram": 10}, total: 10}
	c := newCache(rem, nil, clock.NewFake(start), kvstore.NewMemory())
	c.Invalidate("u1")
	c.Wait()
	snap, ok, err := c.GetCached(context.Background(), "u1", "2026-03-01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 10.0, snap.TodayMeters)
}
