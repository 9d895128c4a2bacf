package scroll

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/scrollmeter/internal/clock"
	"example.com/scrollmeter/internal/kvstore"
	"example.com/scrollmeter/internal/logging"
)

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func newAccumulator(t *testing.T, store kvstore.Store, clk *clock.FakeClock) *Accumulator {
	t.Helper()
	acc := NewAccumulator(store, clk, logging.Discard())
	require.NoError(t, acc.Load(context.Background()))
	return acc
}

func TestAddDeltaMergesPerSite(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(t0)
	acc := newAccumulator(t, kvstore.NewMemory(), clk)

	require.NoError(t, acc.AddDelta(ctx, "instagram", 400, 0.1))
	clk.Advance(time.Second)
	require.NoError(t, acc.AddDelta(ctx, "instagram", 600, 0.15))
	require.NoError(t, acc.AddDelta(ctx, "reddit", 100, 0.02))

	active, inFlight := acc.Snapshot()
	require.Len(t, active, 2)
	assert.Empty(t, inFlight)
	ig := active[0]
	assert.Equal(t, "instagram", ig.Site)
	assert.Equal(t, 1000.0, ig.TotalPixels)
	assert.InDelta(t, 0.25, ig.TotalMeters, 1e-9)
	assert.Equal(t, t0, ig.SessionStart)
	assert.Equal(t, t0.Add(time.Second), ig.LastUpdate)
}

func TestAddDeltaDropsInvalidValues(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	acc := newAccumulator(t, store, clock.NewFake(t0))

	cases := []struct {
		site           string
		pixels, meters float64
	}{
		{"instagram", 0, 1},
		{"instagram", 10, -1},
		{"instagram", math.NaN(), 1},
		{"instagram", 10, math.Inf(1)},
		{"", 10, 1},
	}
	for _, c := range cases {
		require.NoError(t, acc.AddDelta(ctx, c.site, c.pixels, c.meters))
	}
	active, _ := acc.Snapshot()
	assert.Empty(t, active)
	assert.False(t, store.Has(walKey), "dropped deltas never touch the store")
}

func TestDrainConfirm(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	acc := newAccumulator(t, store, clock.NewFake(t0))
	require.NoError(t, acc.AddDelta(ctx, "instagram", 500, 2))
	require.NoError(t, acc.AddDelta(ctx, "tiktok", 300, 1))

	drained, err := acc.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, drained, 2)
	for _, b := range drained {
		assert.NotEmpty(t, b.ID)
	}

	again, err := acc.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, again, "only one outstanding drain at a time")

	require.NoError(t, acc.AddDelta(ctx, "instagram", 10, 0.5))
	require.NoError(t, acc.Confirm(ctx, drained))

	active, inFlight := acc.Snapshot()
	assert.Empty(t, inFlight)
	require.Len(t, active, 1)
	assert.Equal(t, 0.5, active[0].TotalMeters)

	pending := acc.Pending()
	assert.Equal(t, map[string]float64{"instagram": 0.5}, pending)
}

func TestRestoreMergesBack(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(t0)
	acc := newAccumulator(t, kvstore.NewMemory(), clk)
	require.NoError(t, acc.AddDelta(ctx, "instagram", 500, 2))

	drained, err := acc.Drain(ctx)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	require.NoError(t, acc.AddDelta(ctx, "instagram", 100, 1))
	assert.Equal(t, map[string]float64{"instagram": 3}, acc.Pending())

	require.NoError(t, acc.Restore(ctx, drained))
	active, inFlight := acc.Snapshot()
	assert.Empty(t, inFlight)
	require.Len(t, active, 1)
	b := active[0]
	assert.Equal(t, 600.0, b.TotalPixels)
	assert.Equal(t, 3.0, b.TotalMeters)
	assert.Equal(t, t0, b.SessionStart, "earliest session start wins")
	assert.Equal(t, t0.Add(time.Minute), b.LastUpdate, "latest update wins")
	assert.Empty(t, b.ID)

	next, err := acc.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, next, 1, "restored data is drained again next cycle")
}

func TestCrashBetweenDrainAndConfirm(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	clk := clock.NewFake(t0)

	before := newAccumulator(t, store, clk)
	require.NoError(t, before.AddDelta(ctx, "instagram", 500, 2))
	require.NoError(t, before.AddDelta(ctx, "reddit", 200, 1))
	_, err := before.Drain(ctx)
	require.NoError(t, err)
	require.NoError(t, before.AddDelta(ctx, "reddit", 100, 0.5))
	// process dies here: no confirm, no restore

	after := newAccumulator(t, store, clk)
	active, inFlight := after.Snapshot()
	assert.Empty(t, inFlight)
	require.Len(t, active, 2)
	assert.Equal(t, map[string]float64{"instagram": 2, "reddit": 1.5}, after.Pending())

	var env envelope
	ok, err := store.Get(ctx, walKey, &env)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, env.InFlight, "recovery is written back")
}

func TestDayKey(t *testing.T) {
	seoul := time.FixedZone("KST", 9*3600)
	ts := time.Date(2026, 4, 1, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-04-01", DayKey(ts, time.UTC))
	assert.Equal(t, "2026-04-02", DayKey(ts, seoul))
	assert.Equal(t, time.Date(2026, 4, 2, 0, 0, 0, 0, seoul), StartOfDay(ts, seoul))
}
