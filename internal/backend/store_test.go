package backend

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/scrollmeter/internal/sqliteutil"
)

func newTestStore(t *testing.T, schema int) *Store {
	t.Helper()
	db, err := sqliteutil.Open(filepath.Join(t.TempDir(), "backend.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := NewStore(db, schema)
	require.NoError(t, store.Init(context.Background()))
	return store
}

func TestStoreSessionsMaintainTotal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, SchemaV2)
	_, err := store.CreateSession(ctx, "u1", "Ada")
	require.NoError(t, err)

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	records := []DistanceSession{
		{ClientBatchID: "b1", Site: "instagram", Pixels: 1000, Meters: 12.5, StartedAt: start, EndedAt: start.Add(time.Minute)},
		{ClientBatchID: "b2", Site: "tiktok", Pixels: 500, Meters: 7.5, StartedAt: start, EndedAt: start.Add(2 * time.Minute)},
	}
	inserted, skipped, err := store.InsertSessions(ctx, "u1", records)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)
	assert.Equal(t, 0, skipped)

	// A retried upload of the same batch ids is absorbed.
	inserted, skipped, err = store.InsertSessions(ctx, "u1", records[:1])
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)
	assert.Equal(t, 1, skipped)

	total, err := store.Total(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 20.0, total.TotalMeters, 1e-9)
	assert.False(t, total.UpdatedAt.IsZero())

	sum, err := store.SumSessions(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 20.0, sum, 1e-9)

	bySite, err := store.MetersBySiteSince(ctx, "u1", start.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"tiktok": 7.5}, bySite)
}

func TestStoreRejectsInvalidRecords(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, SchemaV2)
	_, err := store.CreateSession(ctx, "u1", "")
	require.NoError(t, err)

	_, _, err = store.InsertSessions(ctx, "u1", []DistanceSession{{ClientBatchID: "b1", Site: "x", Pixels: 10, Meters: -1}})
	require.ErrorIs(t, err, ErrInvalid)
	_, _, err = store.InsertSessions(ctx, "u1", []DistanceSession{{Site: "x", Pixels: 10, Meters: 1}})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestStoreSetTotalOverwrites(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, SchemaV2)
	require.NoError(t, store.SetTotal(ctx, "u1", 42))
	total, err := store.Total(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 42.0, total.TotalMeters)
	require.ErrorIs(t, store.SetTotal(ctx, "u1", -3), ErrInvalid)
}

func TestStoreAchievementsDedupOnEventKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, SchemaV2)
	_, err := store.CreateSession(ctx, "u1", "")
	require.NoError(t, err)
	_, err = store.CreateSession(ctx, "u2", "")
	require.NoError(t, err)

	a := Achievement{UserID: "u1", EventKey: "daily_distance_100_2026-03-01", Title: "100m Regret", TriggerType: "daily_distance", TriggerValue: 100, Meta: map[string]string{"k": "v"}}
	stored, err := store.InsertAchievement(ctx, a)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, SourceDeterministic, stored.Source)

	_, err = store.InsertAchievement(ctx, a)
	require.ErrorIs(t, err, ErrDuplicate)

	// Same key for another user is a different row.
	a.UserID = "u2"
	_, err = store.InsertAchievement(ctx, a)
	require.NoError(t, err)

	got, err := store.GetAchievement(ctx, "u1", a.EventKey)
	require.NoError(t, err)
	assert.Equal(t, "100m Regret", got.Title)
	assert.Equal(t, "daily_distance", got.TriggerType)
	assert.Equal(t, map[string]string{"k": "v"}, got.Meta)

	_, err = store.GetAchievement(ctx, "u1", "missing")
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestStoreLegacySchemaDropsOptionalColumns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, SchemaV1)
	assert.Equal(t, SchemaV1, store.SchemaVersion())
	_, err := store.CreateSession(ctx, "u1", "")
	require.NoError(t, err)

	_, err = store.InsertAchievement(ctx, Achievement{UserID: "u1", EventKey: "k", Title: "T", Body: "ignored"})
	require.NoError(t, err)
	got, err := store.GetAchievement(ctx, "u1", "k")
	require.NoError(t, err)
	assert.Equal(t, "T", got.Title)
	assert.Empty(t, got.Body)
	assert.Empty(t, got.Source)
}

func TestStoreMigratesLegacyTable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "backend.db")
	db, err := sqliteutil.Open(path)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, NewStore(db, SchemaV1).Init(ctx))
	upgraded := NewStore(db, SchemaV2)
	require.NoError(t, upgraded.Init(ctx))
	// Re-running the migration is a no-op.
	require.NoError(t, upgraded.Init(ctx))

	cols, err := upgraded.columns(ctx, "achievements")
	require.NoError(t, err)
	for _, col := range optionalAchievementColumns {
		assert.True(t, cols[col.name], col.name)
	}
}

func TestStoreTokens(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, SchemaV2)
	token, err := store.CreateSession(ctx, " u1 ", "Ada")
	require.NoError(t, err)

	userID, err := store.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)

	require.NoError(t, store.RevokeToken(ctx, token))
	_, err = store.ValidateToken(ctx, token)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = store.CreateSession(ctx, "  ", "")
	require.ErrorIs(t, err, ErrInvalid)
}
