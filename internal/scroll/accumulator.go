package scroll

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"example.com/scrollmeter/internal/clock"
	"example.com/scrollmeter/internal/kvstore"
)

// walKey holds active and in-flight batches together so a reader never
// observes one map updated without the other.
const walKey = "scroll/wal/v1"

type envelope struct {
	Active   map[string]Batch `json:"active"`
	InFlight map[string]Batch `json:"in_flight"`
}

// Accumulator batches scroll distance per site and write-ahead logs every
// change, handing batches to the sync loop with drain/confirm/restore.
type Accumulator struct {
	store  kvstore.Store
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	active   map[string]Batch
	inFlight map[string]Batch
}

// NewAccumulator returns an empty accumulator. Call Load before use to
// replay what a previous process left behind.
func NewAccumulator(store kvstore.Store, clk clock.Clock, logger *slog.Logger) *Accumulator {
	return &Accumulator{
		store:    store,
		clock:    clk,
		logger:   logger,
		active:   map[string]Batch{},
		inFlight: map[string]Batch{},
	}
}

// Load restores the WAL. In-flight batches from a previous process have an
// unknown outcome and are treated as undelivered: they go back to active.
func (a *Accumulator) Load(ctx context.Context) error {
	var env envelope
	ok, err := a.store.Get(ctx, walKey, &env)
	if err != nil {
		return fmt.Errorf("load scroll wal: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = map[string]Batch{}
	a.inFlight = map[string]Batch{}
	if !ok {
		return nil
	}
	for site, b := range env.Active {
		a.active[site] = b
	}
	if len(env.InFlight) == 0 {
		return nil
	}
	recovered := 0.0
	for site, b := range env.InFlight {
		b.ID = ""
		cur, ok := a.active[site]
		if !ok {
			cur = Batch{Site: site}
		}
		a.active[site] = cur.merge(b)
		recovered += b.TotalMeters
	}
	a.logger.Warn("recovered in-flight batches from previous run", "batches", len(env.InFlight), "meters", recovered)
	return a.persistLocked(ctx)
}

// AddDelta merges a delta into the site's active batch. Non-finite or
// non-positive values are dropped silently.
func (a *Accumulator) AddDelta(ctx context.Context, site string, pixels, meters float64) error {
	if !(Delta{Site: site, Pixels: pixels, Meters: meters}).Valid() {
		return nil
	}
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.active[site]
	if !ok {
		b = Batch{Site: site, SessionStart: now}
	}
	b.TotalPixels += pixels
	b.TotalMeters += meters
	b.LastUpdate = now
	a.active[site] = b
	return a.persistLocked(ctx)
}

// Drain moves every non-empty active batch in flight and returns copies.
// It returns nothing while a previous drain is unresolved.
func (a *Accumulator) Drain(ctx context.Context) ([]Batch, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.inFlight) > 0 {
		return nil, nil
	}
	var out []Batch
	for site, b := range a.active {
		if b.TotalPixels <= 0 {
			continue
		}
		b.ID = uuid.NewString()
		a.inFlight[site] = b
		delete(a.active, site)
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, nil
	}
	sortBatches(out)
	if err := a.persistLocked(ctx); err != nil {
		return out, err
	}
	return out, nil
}

// Confirm drops delivered batches from the in-flight set.
func (a *Accumulator) Confirm(ctx context.Context, batches []Batch) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range batches {
		delete(a.inFlight, b.Site)
	}
	return a.persistLocked(ctx)
}

// Restore returns undelivered batches to active, merging them with
// anything accumulated since the drain.
func (a *Accumulator) Restore(ctx context.Context, batches []Batch) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range batches {
		b.ID = ""
		cur, ok := a.active[b.Site]
		if !ok {
			cur = Batch{Site: b.Site}
		}
		a.active[b.Site] = cur.merge(b)
		delete(a.inFlight, b.Site)
	}
	return a.persistLocked(ctx)
}

// Pending returns the meters not yet confirmed by the remote log, per site,
// counting both active and in-flight batches.
func (a *Accumulator) Pending() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]float64, len(a.active)+len(a.inFlight))
	for site, b := range a.active {
		out[site] += b.TotalMeters
	}
	for site, b := range a.inFlight {
		out[site] += b.TotalMeters
	}
	return out
}

// Snapshot returns copies of the active and in-flight batches.
func (a *Accumulator) Snapshot() (active, inFlight []Batch) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range a.active {
		active = append(active, b)
	}
	for _, b := range a.inFlight {
		inFlight = append(inFlight, b)
	}
	sortBatches(active)
	sortBatches(inFlight)
	return active, inFlight
}

func (a *Accumulator) persistLocked(ctx context.Context) error {
	env := envelope{
		Active:   make(map[string]Batch, len(a.active)),
		InFlight: make(map[string]Batch, len(a.inFlight)),
	}
	for k, v := range a.active {
		env.Active[k] = v
	}
	for k, v := range a.inFlight {
		env.InFlight[k] = v
	}
	if err := a.store.Set(ctx, walKey, env); err != nil {
		a.logger.Error("persist scroll wal failed", "error", err)
		return fmt.Errorf("persist scroll wal: %w", err)
	}
	return nil
}

func sortBatches(batches []Batch) {
	sort.Slice(batches, func(i, j int) bool { return batches[i].Site < batches[j].Site })
}
