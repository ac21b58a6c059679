/*
Package sqlstore provides a database/sql implementation of the progression collaborators.

PURPOSE:
  Implements every persistence interface in progression/store.go on top
  of SQLite (mattn/go-sqlite3) or PostgreSQL (lib/pq). The schema and the
  queries are shared; the Dialect only changes placeholders and row locks.

INTERFACES IMPLEMENTED:
  progression.BadgeCatalog:           Active badges in catalog order
  progression.ContextStore:           One JSON metric document per patient
  progression.GoalRepository:         Goals with status transitions and expiry
  progression.PatientBadgeRepository: Unlock counters, upserted
  progression.GameRepository:         Game sessions with cumulative XP
  progression.RewardLadderStore:      One row per (patient, tier)
  progression.Transactor:             WithTx over a *sql.Tx

KEY TABLES:
  badges:          Catalog, ordered by position
  patient_contexts: patient_id -> metrics_json
  goals:           rewards_json holds the RewardDescriptor list
  patient_badges:  UNIQUE(patient_id, badge_id)
  games:           total_xp as decimal text, version for compare-and-swap
  reward_ladders:  PRIMARY KEY(patient_id, tier), flags as 0/1 integers

CONCURRENCY:
  Ladder flags are set with UPDATE ... WHERE flag = 0 and report whether
  the row changed, so only one caller ever observes a transition.
  XP credits bump games.version and fail with ErrConcurrentModification
  when the version moved underneath them. PostgreSQL additionally locks
  the rows it reads inside a transaction (SELECT ... FOR UPDATE).

SQLITE:
  Opened with WAL and foreign keys, and limited to one open connection so
  ":memory:" databases are shared and writers never collide.

MIGRATION:
  Schema is auto-migrated on Open(). NewWithDB leaves migration to the
  caller (see Migrate), which keeps sqlmock tests free of DDL noise.

SEE ALSO:
  - progression/store.go: Interface definitions
  - progression/store/memory.go: In-memory implementation for testing
*/
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/pointmotion/progression-engine/progression"
)

// =============================================================================
// DIALECT
// =============================================================================

type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite3", "sqlite":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	default:
		return 0, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite3"
}

// rebind rewrites ? placeholders as $n for PostgreSQL.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d Dialect) forUpdate() string {
	if d == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// =============================================================================
// STORE
// =============================================================================

// Store implements all progression storage interfaces over database/sql.
type Store struct {
	*conn
	db *sql.DB
}

var (
	_ progression.BadgeCatalog           = (*Store)(nil)
	_ progression.ContextStore           = (*Store)(nil)
	_ progression.GoalRepository         = (*Store)(nil)
	_ progression.PatientBadgeRepository = (*Store)(nil)
	_ progression.GameRepository         = (*Store)(nil)
	_ progression.RewardLadderStore      = (*Store)(nil)
	_ progression.Transactor             = (*Store)(nil)
)

// Open connects to the database and migrates the schema.
// For sqlite3, dsn is a file path or ":memory:".
func Open(driver, dsn string) (*Store, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	if dialect == DialectSQLite && !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}

	store := NewWithDB(db, dialect)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewWithDB wraps an existing connection pool. The schema is not migrated.
func NewWithDB(db *sql.DB, dialect Dialect) *Store {
	return &Store{
		conn: &conn{q: db, dialect: dialect, now: func() time.Time { return time.Now().UTC() }},
		db:   db,
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Repositories returns the store as a Repositories bundle.
func (s *Store) Repositories() progression.Repositories {
	return s.conn.repositories()
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS badges (
		id TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		metric TEXT NOT NULL,
		min_val DOUBLE PRECISION,
		max_val DOUBLE PRECISION,
		tier TEXT NOT NULL,
		xp TEXT NOT NULL,
		status TEXT NOT NULL,
		badge_type TEXT NOT NULL,
		games_json TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_badges_status_position ON badges(status, position)`,

	`CREATE TABLE IF NOT EXISTS patient_contexts (
		patient_id TEXT PRIMARY KEY,
		metrics_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS goals (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		name TEXT NOT NULL,
		game TEXT NOT NULL,
		rewards_json TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expiry_at TEXT NOT NULL
	)`,
	// Hot path: most recent open goal per patient. seq is the per-patient
	// creation order; goals from one generation share created_at.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_goals_patient_seq ON goals(patient_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_goals_status_expiry ON goals(status, expiry_at)`,

	`CREATE TABLE IF NOT EXISTS patient_badges (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		badge_id TEXT NOT NULL,
		count INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(patient_id, badge_id)
	)`,

	`CREATE TABLE IF NOT EXISTS games (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		game TEXT NOT NULL,
		completed_at TEXT NOT NULL,
		total_xp TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_games_patient_completed ON games(patient_id, completed_at)`,

	`CREATE TABLE IF NOT EXISTS reward_ladders (
		patient_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		position INTEGER NOT NULL,
		unlock_at_day INTEGER NOT NULL,
		is_unlocked INTEGER NOT NULL DEFAULT 0,
		is_viewed INTEGER NOT NULL DEFAULT 0,
		is_accessed INTEGER NOT NULL DEFAULT 0,
		coupon_code TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (patient_id, tier)
	)`,
}

// =============================================================================
// TRANSACTIONS (progression.Transactor)
// =============================================================================

// WithTx runs fn inside a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(progression.Repositories) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	tc := &conn{q: sqlTx, dialect: s.dialect, now: s.now, inTx: true}
	if err := fn(tc.repositories()); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// CONN - Queries shared by the pool and transactions
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type conn struct {
	q       querier
	dialect Dialect
	now     func() time.Time
	inTx    bool
}

func (c *conn) repositories() progression.Repositories {
	return progression.Repositories{Contexts: c, Goals: c, PatientBadges: c, Games: c}
}

func (c *conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.dialect.rebind(query), args...)
}

func (c *conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.dialect.rebind(query), args...)
}

func (c *conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.dialect.rebind(query), args...)
}

// lockClause returns FOR UPDATE when row locks are meaningful.
func (c *conn) lockClause() string {
	if !c.inTx {
		return ""
	}
	return c.dialect.forUpdate()
}

// =============================================================================
// BADGE CATALOG
// =============================================================================

// SaveBadge inserts or replaces a badge. New badges go to the end of the catalog.
func (c *conn) SaveBadge(ctx context.Context, b progression.Badge) error {
	games, err := json.Marshal(nonNil(b.Games))
	if err != nil {
		return err
	}
	_, err = c.exec(ctx, `
		INSERT INTO badges (id, position, name, metric, min_val, max_val, tier, xp, status, badge_type, games_json)
		VALUES (?, (SELECT COALESCE(MAX(position), 0) + 1 FROM badges), ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, metric = excluded.metric,
			min_val = excluded.min_val, max_val = excluded.max_val,
			tier = excluded.tier, xp = excluded.xp, status = excluded.status,
			badge_type = excluded.badge_type, games_json = excluded.games_json
	`,
		b.ID, b.Name, b.Metric, nullFloat(b.MinVal), nullFloat(b.MaxVal),
		b.Tier, b.XP.String(), string(b.Status), string(b.BadgeType), string(games),
	)
	if err != nil {
		return fmt.Errorf("failed to save badge: %w", err)
	}
	return nil
}

func (c *conn) ActiveBadges(ctx context.Context) ([]progression.Badge, error) {
	rows, err := c.query(ctx, `
		SELECT id, name, metric, min_val, max_val, tier, xp, status, badge_type, games_json
		FROM badges
		WHERE status = ?
		ORDER BY position ASC
	`, string(progression.BadgeActive))
	if err != nil {
		return nil, fmt.Errorf("failed to query badges: %w", err)
	}
	defer rows.Close()

	var badges []progression.Badge
	for rows.Next() {
		var (
			b              progression.Badge
			minVal, maxVal sql.NullFloat64
			xp, games      string
			status, btype  string
		)
		if err := rows.Scan(&b.ID, &b.Name, &b.Metric, &minVal, &maxVal, &b.Tier, &xp, &status, &btype, &games); err != nil {
			return nil, fmt.Errorf("failed to scan badge: %w", err)
		}
		b.MinVal = floatPtr(minVal)
		b.MaxVal = floatPtr(maxVal)
		b.Status = progression.BadgeStatus(status)
		b.BadgeType = progression.BadgeType(btype)
		if b.XP, err = decimal.NewFromString(xp); err != nil {
			return nil, fmt.Errorf("badge %s has malformed xp %q: %w", b.ID, xp, err)
		}
		if err := json.Unmarshal([]byte(games), &b.Games); err != nil {
			return nil, fmt.Errorf("badge %s has malformed games: %w", b.ID, err)
		}
		if len(b.Games) == 0 {
			b.Games = nil
		}
		badges = append(badges, b)
	}
	return badges, rows.Err()
}

// =============================================================================
// CONTEXT STORE
// =============================================================================

func (c *conn) GetContext(ctx context.Context, patientID string) (progression.PatientContext, error) {
	var doc string
	err := c.queryRow(ctx, `SELECT metrics_json FROM patient_contexts WHERE patient_id = ?`+c.lockClause(), patientID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get context: %w", err)
	}
	pctx := progression.PatientContext{}
	if err := json.Unmarshal([]byte(doc), &pctx); err != nil {
		return nil, fmt.Errorf("malformed context for patient %s: %w", patientID, err)
	}
	return pctx, nil
}

func (c *conn) SetContext(ctx context.Context, patientID string, pctx progression.PatientContext) error {
	if pctx == nil {
		pctx = progression.PatientContext{}
	}
	doc, err := json.Marshal(pctx)
	if err != nil {
		return err
	}
	_, err = c.exec(ctx, `
		INSERT INTO patient_contexts (patient_id, metrics_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (patient_id) DO UPDATE SET metrics_json = excluded.metrics_json, updated_at = excluded.updated_at
	`, patientID, string(doc), formatTime(c.now()))
	if err != nil {
		return fmt.Errorf("failed to set context: %w", err)
	}
	return nil
}

// =============================================================================
// GOALS
// =============================================================================

const goalColumns = `id, patient_id, name, game, rewards_json, status, created_at, expiry_at`

func (c *conn) CreateGoal(ctx context.Context, g progression.Goal) (progression.Goal, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	rewards, err := json.Marshal(nonNilRewards(g.Rewards))
	if err != nil {
		return progression.Goal{}, err
	}
	_, err = c.exec(ctx, `
		INSERT INTO goals (seq, `+goalColumns+`)
		VALUES ((SELECT COALESCE(MAX(seq), 0) + 1 FROM goals WHERE patient_id = ?), ?, ?, ?, ?, ?, ?, ?, ?)
	`, g.PatientID,
		g.ID, g.PatientID, g.Name, g.Game, string(rewards), string(g.Status),
		formatTime(g.CreatedAt), formatTime(g.ExpiryAt),
	)
	if err != nil {
		return progression.Goal{}, fmt.Errorf("failed to create goal: %w", err)
	}
	return g, nil
}

func (c *conn) MostRecentOpenGoal(ctx context.Context, patientID string) (*progression.Goal, error) {
	rows, err := c.query(ctx, `
		SELECT `+goalColumns+`
		FROM goals
		WHERE patient_id = ? AND status IN (?, ?)
		ORDER BY seq DESC
		LIMIT 1`+c.lockClause(),
		patientID, string(progression.GoalPending), string(progression.GoalInProgress),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query goals: %w", err)
	}
	goals, err := scanGoals(rows)
	if err != nil || len(goals) == 0 {
		return nil, err
	}
	return &goals[0], nil
}

func (c *conn) SetGoalStatus(ctx context.Context, goalID string, status progression.GoalStatus) error {
	res, err := c.exec(ctx, `UPDATE goals SET status = ? WHERE id = ?`, string(status), goalID)
	if err != nil {
		return fmt.Errorf("failed to update goal: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &progression.NotFoundError{Kind: "goal", ID: goalID}
	}
	return nil
}

func (c *conn) ListGoals(ctx context.Context, patientID string) ([]progression.Goal, error) {
	rows, err := c.query(ctx, `
		SELECT `+goalColumns+`
		FROM goals
		WHERE patient_id = ?
		ORDER BY seq DESC
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query goals: %w", err)
	}
	return scanGoals(rows)
}

func (c *conn) ExpireGoals(ctx context.Context, asOf time.Time) (int, error) {
	res, err := c.exec(ctx, `
		UPDATE goals SET status = ?
		WHERE status IN (?, ?) AND expiry_at < ?
	`, string(progression.GoalExpired),
		string(progression.GoalPending), string(progression.GoalInProgress),
		formatTime(asOf),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire goals: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanGoals(rows *sql.Rows) ([]progression.Goal, error) {
	defer rows.Close()

	var goals []progression.Goal
	for rows.Next() {
		var (
			g                    progression.Goal
			rewards, status      string
			createdAt, expiresAt string
		)
		if err := rows.Scan(&g.ID, &g.PatientID, &g.Name, &g.Game, &rewards, &status, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan goal: %w", err)
		}
		if err := json.Unmarshal([]byte(rewards), &g.Rewards); err != nil {
			return nil, fmt.Errorf("goal %s has malformed rewards: %w", g.ID, err)
		}
		g.Status = progression.GoalStatus(status)
		g.CreatedAt = parseTime(createdAt)
		g.ExpiryAt = parseTime(expiresAt)
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

// =============================================================================
// PATIENT BADGES
// =============================================================================

func (c *conn) GetPatientBadge(ctx context.Context, patientID, badgeID string) (*progression.PatientBadge, error) {
	pb := progression.PatientBadge{PatientID: patientID, BadgeID: badgeID}
	err := c.queryRow(ctx, `
		SELECT id, count FROM patient_badges WHERE patient_id = ? AND badge_id = ?`+c.lockClause(),
		patientID, badgeID,
	).Scan(&pb.ID, &pb.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get patient badge: %w", err)
	}
	return &pb, nil
}

func (c *conn) ListPatientBadges(ctx context.Context, patientID string) ([]progression.PatientBadge, error) {
	rows, err := c.query(ctx, `
		SELECT id, badge_id, count FROM patient_badges
		WHERE patient_id = ?
		ORDER BY badge_id ASC
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query patient badges: %w", err)
	}
	defer rows.Close()

	var out []progression.PatientBadge
	for rows.Next() {
		pb := progression.PatientBadge{PatientID: patientID}
		if err := rows.Scan(&pb.ID, &pb.BadgeID, &pb.Count); err != nil {
			return nil, fmt.Errorf("failed to scan patient badge: %w", err)
		}
		out = append(out, pb)
	}
	return out, rows.Err()
}

func (c *conn) UpsertPatientBadge(ctx context.Context, patientID, badgeID string, count int) error {
	_, err := c.exec(ctx, `
		INSERT INTO patient_badges (id, patient_id, badge_id, count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (patient_id, badge_id) DO UPDATE SET count = excluded.count, updated_at = excluded.updated_at
	`, uuid.NewString(), patientID, badgeID, count, formatTime(c.now()))
	if err != nil {
		return fmt.Errorf("failed to upsert patient badge: %w", err)
	}
	return nil
}

// =============================================================================
// GAMES
// =============================================================================

// RecordGame stores a finished session. A zero TotalXP carries the
// patient's latest total forward.
func (c *conn) RecordGame(ctx context.Context, g progression.GameRecord) (progression.GameRecord, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.TotalXP.IsZero() {
		latest, _, err := c.latestGame(ctx, g.PatientID)
		if err != nil && !progression.IsNotFound(err) {
			return progression.GameRecord{}, err
		}
		if err == nil {
			g.TotalXP = latest.TotalXP
		}
	}
	_, err := c.exec(ctx, `
		INSERT INTO games (id, patient_id, game, completed_at, total_xp, version)
		VALUES (?, ?, ?, ?, ?, 0)
	`, g.ID, g.PatientID, g.Game, formatTime(g.CompletedAt), g.TotalXP.String())
	if err != nil {
		return progression.GameRecord{}, fmt.Errorf("failed to record game: %w", err)
	}
	return g, nil
}

func (c *conn) ListGames(ctx context.Context, patientID string, from, to time.Time) ([]progression.GameRecord, error) {
	rows, err := c.query(ctx, `
		SELECT id, game, completed_at, total_xp FROM games
		WHERE patient_id = ? AND completed_at >= ? AND completed_at <= ?
		ORDER BY completed_at ASC
	`, patientID, formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query games: %w", err)
	}
	defer rows.Close()

	var out []progression.GameRecord
	for rows.Next() {
		g, _, err := scanGame(rows.Scan, patientID, false)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// AddXPToLatestGame credits xp with a compare-and-swap on games.version.
func (c *conn) AddXPToLatestGame(ctx context.Context, patientID string, xp decimal.Decimal) (progression.GameRecord, error) {
	g, version, err := c.latestGame(ctx, patientID)
	if err != nil {
		return progression.GameRecord{}, err
	}
	g.TotalXP = g.TotalXP.Add(xp)

	res, err := c.exec(ctx, `
		UPDATE games SET total_xp = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, g.TotalXP.String(), g.ID, version)
	if err != nil {
		return progression.GameRecord{}, fmt.Errorf("failed to credit xp: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return progression.GameRecord{}, fmt.Errorf("failed to credit xp: %w", err)
	}
	if n == 0 {
		return progression.GameRecord{}, progression.ErrConcurrentModification
	}
	return g, nil
}

func (c *conn) latestGame(ctx context.Context, patientID string) (progression.GameRecord, int64, error) {
	row := c.queryRow(ctx, `
		SELECT id, game, completed_at, total_xp, version FROM games
		WHERE patient_id = ?
		ORDER BY completed_at DESC, id DESC
		LIMIT 1`+c.lockClause(), patientID)
	g, version, err := scanGame(row.Scan, patientID, true)
	if errors.Is(err, sql.ErrNoRows) {
		return progression.GameRecord{}, 0, &progression.NotFoundError{Kind: "game record", ID: patientID}
	}
	return g, version, err
}

func scanGame(scan func(dest ...any) error, patientID string, withVersion bool) (progression.GameRecord, int64, error) {
	var (
		g               progression.GameRecord
		completedAt, xp string
		version         int64
	)
	dest := []any{&g.ID, &g.Game, &completedAt, &xp}
	if withVersion {
		dest = append(dest, &version)
	}
	if err := scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return g, 0, err
		}
		return g, 0, fmt.Errorf("failed to scan game: %w", err)
	}
	total, err := decimal.NewFromString(xp)
	if err != nil {
		return g, 0, fmt.Errorf("game %s has malformed xp %q: %w", g.ID, xp, err)
	}
	g.PatientID = patientID
	g.CompletedAt = parseTime(completedAt)
	g.TotalXP = total
	return g, version, nil
}

// =============================================================================
// REWARD LADDER
// =============================================================================

func (c *conn) GetLadder(ctx context.Context, patientID string) (progression.Ladder, error) {
	rows, err := c.query(ctx, `
		SELECT tier, unlock_at_day, is_unlocked, is_viewed, is_accessed, coupon_code
		FROM reward_ladders
		WHERE patient_id = ?
		ORDER BY position ASC
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reward ladder: %w", err)
	}
	defer rows.Close()

	ladder := progression.Ladder{}
	for rows.Next() {
		var (
			r                          progression.Reward
			tier                       string
			unlocked, viewed, accessed int
		)
		if err := rows.Scan(&tier, &r.UnlockAtDayCompleted, &unlocked, &viewed, &accessed, &r.CouponCode); err != nil {
			return nil, fmt.Errorf("failed to scan reward: %w", err)
		}
		r.Tier = progression.Tier(tier)
		r.IsUnlocked, r.IsViewed, r.IsAccessed = unlocked == 1, viewed == 1, accessed == 1
		ladder = append(ladder, r)
	}
	return ladder, rows.Err()
}

// SaveLadder provisions every tier. Existing rows keep their flags.
func (c *conn) SaveLadder(ctx context.Context, patientID string, ladder progression.Ladder) error {
	for i, r := range ladder {
		_, err := c.exec(ctx, `
			INSERT INTO reward_ladders
			(patient_id, tier, position, unlock_at_day, is_unlocked, is_viewed, is_accessed, coupon_code)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (patient_id, tier) DO NOTHING
		`, patientID, string(r.Tier), i, r.UnlockAtDayCompleted,
			boolInt(r.IsUnlocked), boolInt(r.IsViewed), boolInt(r.IsAccessed), r.CouponCode,
		)
		if err != nil {
			return fmt.Errorf("failed to save reward ladder: %w", err)
		}
	}
	return nil
}

func (c *conn) UnlockTier(ctx context.Context, patientID string, tier progression.Tier, couponCode string) (bool, error) {
	return c.claim(ctx, `UPDATE reward_ladders SET is_unlocked = 1, coupon_code = ? WHERE patient_id = ? AND tier = ? AND is_unlocked = 0`,
		couponCode, patientID, string(tier))
}

func (c *conn) MarkTierViewed(ctx context.Context, patientID string, tier progression.Tier) (bool, error) {
	return c.claim(ctx, `UPDATE reward_ladders SET is_viewed = 1 WHERE patient_id = ? AND tier = ? AND is_viewed = 0`,
		patientID, string(tier))
}

func (c *conn) MarkTierAccessed(ctx context.Context, patientID string, tier progression.Tier) (bool, error) {
	return c.claim(ctx, `UPDATE reward_ladders SET is_accessed = 1 WHERE patient_id = ? AND tier = ? AND is_accessed = 0`,
		patientID, string(tier))
}

// claim runs a conditional update and reports whether it changed a row.
func (c *conn) claim(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := c.exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update reward ladder: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update reward ladder: %w", err)
	}
	return n == 1, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed width so text comparison orders instants.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilRewards(r []progression.RewardDescriptor) []progression.RewardDescriptor {
	if r == nil {
		return []progression.RewardDescriptor{}
	}
	return r
}
