package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/scrollmeter/internal/sqliteutil"
)

// Schema versions of the achievements table.
const (
	SchemaV1 = 1
	SchemaV2 = 2
)

var (
	// ErrDuplicate is returned when (user, event key) already exists.
	ErrDuplicate = errors.New("achievement already recorded")
	// ErrInvalidToken is returned for unknown bearer tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalid wraps input validation failures.
	ErrInvalid = errors.New("invalid input")
)

// optionalAchievementColumns are added by the version 2 migration.
var optionalAchievementColumns = []struct{ name, decl string }{
	{"body", "TEXT"},
	{"trigger_type", "TEXT"},
	{"trigger_value", "REAL"},
	{"site", "TEXT"},
	{"snapshot", "TEXT"},
	{"meta", "TEXT"},
	{"source", "TEXT NOT NULL DEFAULT 'deterministic'"},
}

// Store contains all backend-side persistence logic.
type Store struct {
	db     *sql.DB
	schema int
	now    func() time.Time
}

// NewStore wires a backend data store backed by SQLite. schema selects the
// achievements table layout; anything but 1 means the current version.
func NewStore(db *sql.DB, schema int) *Store {
	if schema != SchemaV1 {
		schema = SchemaV2
	}
	return &Store{db: db, schema: schema, now: func() time.Time { return time.Now().UTC() }}
}

// SchemaVersion reports the achievements table layout in use.
func (s *Store) SchemaVersion() int {
	return s.schema
}

// Init applies schema migrations for the backend database.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tokens (
			token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			FOREIGN KEY(user_id) REFERENCES accounts(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS distance_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_batch_id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			site TEXT NOT NULL,
			pixels REAL NOT NULL,
			meters REAL NOT NULL,
			started_at_ms INTEGER NOT NULL,
			ended_at_ms INTEGER NOT NULL,
			FOREIGN KEY(user_id) REFERENCES accounts(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_ended ON distance_sessions(user_id, ended_at_ms);`,
		`CREATE TABLE IF NOT EXISTS user_totals (
			user_id TEXT PRIMARY KEY,
			total_meters REAL NOT NULL DEFAULT 0,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TRIGGER IF NOT EXISTS trg_distance_sessions_total
			AFTER INSERT ON distance_sessions
		BEGIN
			INSERT INTO user_totals(user_id, total_meters, updated_at_ms)
			VALUES (NEW.user_id, NEW.meters, CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER))
			ON CONFLICT(user_id) DO UPDATE SET
				total_meters = total_meters + excluded.total_meters,
				updated_at_ms = excluded.updated_at_ms;
		END;`,
		`CREATE TABLE IF NOT EXISTS achievements (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			event_key TEXT NOT NULL,
			title TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			UNIQUE(user_id, event_key),
			FOREIGN KEY(user_id) REFERENCES accounts(id) ON DELETE CASCADE
		);`,
	}
	if err := sqliteutil.Apply(ctx, s.db, stmts); err != nil {
		return err
	}
	if s.schema < SchemaV2 {
		return nil
	}
	existing, err := s.columns(ctx, "achievements")
	if err != nil {
		return err
	}
	for _, col := range optionalAchievementColumns {
		if existing[col.name] {
			continue
		}
		stmt := fmt.Sprintf(`ALTER TABLE achievements ADD COLUMN %s %s`, col.name, col.decl)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate achievements.%s: %w", col.name, err)
		}
	}
	return nil
}

func (s *Store) columns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan %s columns: %w", table, err)
		}
		out[name] = true
	}
	return out, rows.Err()
}

// CreateSession upserts the account and issues a fresh bearer token.
func (s *Store) CreateSession(ctx context.Context, userID, displayName string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("%w: user_id required", ErrInvalid)
	}
	now := s.now().UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin session tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO accounts(id, display_name, created_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = CASE
			WHEN excluded.display_name <> '' THEN excluded.display_name
			ELSE accounts.display_name END`,
		userID, displayName, now,
	); err != nil {
		return "", fmt.Errorf("upsert account: %w", err)
	}
	token := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tokens(token, user_id, created_at_ms) VALUES (?, ?, ?)`,
		token, userID, now,
	); err != nil {
		return "", fmt.Errorf("insert token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit session: %w", err)
	}
	return token, nil
}

// RevokeToken deletes a bearer token.
func (s *Store) RevokeToken(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE token = ?`, token); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// ValidateToken resolves the user owning token.
func (s *Store) ValidateToken(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM tokens WHERE token = ?`, token).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("validate token: %w", err)
	}
	return userID, nil
}

// InsertSessions appends distance records for userID in one transaction.
// Records whose client batch id already exists are skipped.
func (s *Store) InsertSessions(ctx context.Context, userID string, records []DistanceSession) (inserted, skipped int, err error) {
	for i, rec := range records {
		if strings.TrimSpace(rec.ClientBatchID) == "" {
			return 0, 0, fmt.Errorf("%w: record %d: client_batch_id required", ErrInvalid, i)
		}
		if strings.TrimSpace(rec.Site) == "" {
			return 0, 0, fmt.Errorf("%w: record %d: site required", ErrInvalid, i)
		}
		if !positiveFinite(rec.Meters) || !positiveFinite(rec.Pixels) {
			return 0, 0, fmt.Errorf("%w: record %d: pixels and meters must be positive", ErrInvalid, i)
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin insert tx: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO distance_sessions(client_batch_id, user_id, site, pixels, meters, started_at_ms, ended_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_batch_id) DO NOTHING`)
	if err != nil {
		return 0, 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, rec := range records {
		res, err := stmt.ExecContext(ctx,
			rec.ClientBatchID, userID, rec.Site, rec.Pixels, rec.Meters,
			rec.StartedAt.UnixMilli(), rec.EndedAt.UnixMilli(),
		)
		if err != nil {
			return 0, 0, fmt.Errorf("insert session: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		} else {
			skipped++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit sessions: %w", err)
	}
	return inserted, skipped, nil
}

// SumSessions recomputes the user's total from raw rows.
func (s *Store) SumSessions(ctx context.Context, userID string) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(meters), 0) FROM distance_sessions WHERE user_id = ?`, userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum sessions: %w", err)
	}
	return total, nil
}

// MetersBySiteSince aggregates meters per site for sessions ending at or
// after since.
func (s *Store) MetersBySiteSince(ctx context.Context, userID string, since time.Time) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT site, SUM(meters) FROM distance_sessions
		WHERE user_id = ? AND ended_at_ms >= ?
		GROUP BY site`,
		userID, since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("query today stats: %w", err)
	}
	defer rows.Close()
	out := map[string]float64{}
	for rows.Next() {
		var (
			site   string
			meters float64
		)
		if err := rows.Scan(&site, &meters); err != nil {
			return nil, fmt.Errorf("scan today stats: %w", err)
		}
		out[site] = meters
	}
	return out, rows.Err()
}

// Total returns the trigger-maintained total. Users without sessions have a
// zero total.
func (s *Store) Total(ctx context.Context, userID string) (UserTotal, error) {
	var (
		total     float64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT total_meters, updated_at_ms FROM user_totals WHERE user_id = ?`, userID,
	).Scan(&total, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserTotal{UserID: userID}, nil
		}
		return UserTotal{}, fmt.Errorf("get total: %w", err)
	}
	return UserTotal{UserID: userID, TotalMeters: total, UpdatedAt: time.UnixMilli(updatedAt).UTC()}, nil
}

// SetTotal overwrites the maintained total.
func (s *Store) SetTotal(ctx context.Context, userID string, meters float64) error {
	if math.IsNaN(meters) || math.IsInf(meters, 0) || meters < 0 {
		return fmt.Errorf("%w: total must be a non-negative number", ErrInvalid)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_totals(user_id, total_meters, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			total_meters = excluded.total_meters,
			updated_at_ms = excluded.updated_at_ms`,
		userID, meters, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("set total: %w", err)
	}
	return nil
}

// InsertAchievement stores a. Optional fields are dropped on schema 1.
func (s *Store) InsertAchievement(ctx context.Context, a Achievement) (Achievement, error) {
	if strings.TrimSpace(a.EventKey) == "" || strings.TrimSpace(a.Title) == "" {
		return Achievement{}, fmt.Errorf("%w: event_key and title required", ErrInvalid)
	}
	a.ID = uuid.NewString()
	a.CreatedAt = time.UnixMilli(s.now().UnixMilli()).UTC()
	if a.Source == "" {
		a.Source = SourceDeterministic
	}

	var res sql.Result
	var err error
	if s.schema < SchemaV2 {
		a.Body, a.TriggerType, a.TriggerValue, a.Site, a.Snapshot, a.Meta, a.Source = "", "", 0, "", "", nil, ""
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO achievements(id, user_id, event_key, title, created_at_ms)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id, event_key) DO NOTHING`,
			a.ID, a.UserID, a.EventKey, a.Title, a.CreatedAt.UnixMilli(),
		)
	} else {
		var meta []byte
		if len(a.Meta) > 0 {
			meta, err = json.Marshal(a.Meta)
			if err != nil {
				return Achievement{}, fmt.Errorf("encode meta: %w", err)
			}
		}
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO achievements(id, user_id, event_key, title, created_at_ms,
				body, trigger_type, trigger_value, site, snapshot, meta, source)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, event_key) DO NOTHING`,
			a.ID, a.UserID, a.EventKey, a.Title, a.CreatedAt.UnixMilli(),
			nullString(a.Body), nullString(a.TriggerType), a.TriggerValue, nullString(a.Site),
			nullString(a.Snapshot), nullString(string(meta)), a.Source,
		)
	}
	if err != nil {
		return Achievement{}, fmt.Errorf("insert achievement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Achievement{}, ErrDuplicate
	}
	return a, nil
}

// GetAchievement returns the row for (userID, eventKey) or sql.ErrNoRows.
func (s *Store) GetAchievement(ctx context.Context, userID, eventKey string) (Achievement, error) {
	rows, err := s.queryAchievements(ctx, `WHERE user_id = ? AND event_key = ?`, userID, eventKey)
	if err != nil {
		return Achievement{}, err
	}
	if len(rows) == 0 {
		return Achievement{}, sql.ErrNoRows
	}
	return rows[0], nil
}

// ListAchievements returns the user's achievements, oldest first.
func (s *Store) ListAchievements(ctx context.Context, userID string) ([]Achievement, error) {
	return s.queryAchievements(ctx, `WHERE user_id = ? ORDER BY created_at_ms, event_key`, userID)
}

func (s *Store) queryAchievements(ctx context.Context, where string, args ...any) ([]Achievement, error) {
	cols := `id, user_id, event_key, title, created_at_ms`
	if s.schema >= SchemaV2 {
		cols += `, body, trigger_type, trigger_value, site, snapshot, meta, source`
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+cols+` FROM achievements `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query achievements: %w", err)
	}
	defer rows.Close()
	var out []Achievement
	for rows.Next() {
		var (
			a         Achievement
			createdAt int64
		)
		dest := []any{&a.ID, &a.UserID, &a.EventKey, &a.Title, &createdAt}
		var (
			body, triggerType, site, snapshot, meta sql.NullString
			triggerValue                            sql.NullFloat64
		)
		if s.schema >= SchemaV2 {
			dest = append(dest, &body, &triggerType, &triggerValue, &site, &snapshot, &meta, &a.Source)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan achievement: %w", err)
		}
		a.CreatedAt = time.UnixMilli(createdAt).UTC()
		a.Body = body.String
		a.TriggerType = triggerType.String
		a.TriggerValue = triggerValue.Float64
		a.Site = site.String
		a.Snapshot = snapshot.String
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &a.Meta); err != nil {
				return nil, fmt.Errorf("decode achievement meta: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func positiveFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
