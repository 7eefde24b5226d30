package sqlx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"secupoints/core"
)

// Driver selects the SQL dialect.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
	DriverSQLite   Driver = "sqlite"
)

// Config configures the SQL-backed store.
type Config struct {
	Driver          Driver
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns sensible pool defaults for the given driver.
func DefaultConfig(driver Driver, dsn string) Config {
	cfg := Config{Driver: driver, DSN: dsn, MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: 30 * time.Minute}
	if driver == DriverSQLite {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}
	return cfg
}

// Store persists the points ledger, badge awards, collaborator records and
// notifications in a relational database.
type Store struct {
	db     *sqlx.DB
	driver Driver
}

// Open connects, configures the pool and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	switch cfg.Driver {
	case DriverPostgres, DriverMySQL, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}
	db, err := sqlx.ConnectContext(ctx, string(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := NewWithDB(db, cfg.Driver)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection (useful for testing).
func NewWithDB(db *sqlx.DB, driver Driver) *Store {
	return &Store{db: db, driver: driver}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema(s.driver) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func schema(driver Driver) []string {
	ts := "TIMESTAMP"
	switch driver {
	case DriverPostgres:
		ts = "TIMESTAMPTZ"
	case DriverMySQL:
		ts = "DATETIME(6)"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS point_transactions (
			txn_id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(191) NOT NULL,
			team_id VARCHAR(191) NOT NULL DEFAULT '',
			rule_id VARCHAR(64) NOT NULL,
			alert_id VARCHAR(191) NOT NULL DEFAULT '',
			points BIGINT NOT NULL,
			reason TEXT NOT NULL,
			penalty_reason VARCHAR(191) NOT NULL DEFAULT '',
			original_alert_status VARCHAR(64) NOT NULL DEFAULT '',
			evidence TEXT NOT NULL,
			metadata TEXT NOT NULL,
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS awards (
			award_id VARCHAR(64) PRIMARY KEY,
			badge_id VARCHAR(64) NOT NULL,
			user_id VARCHAR(191) NOT NULL,
			team_id VARCHAR(191) NOT NULL DEFAULT '',
			evidence TEXT NOT NULL,
			metadata TEXT NOT NULL,
			awarded_at ` + ts + ` NOT NULL,
			UNIQUE (user_id, badge_id)
		)`,
		`CREATE TABLE IF NOT EXISTS records (
			collection VARCHAR(64) NOT NULL,
			record_id VARCHAR(191) NOT NULL,
			body TEXT NOT NULL,
			updated_at ` + ts + ` NOT NULL,
			PRIMARY KEY (collection, record_id)
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			notification_id VARCHAR(64) PRIMARY KEY,
			target_user_id VARCHAR(191) NOT NULL,
			message TEXT NOT NULL,
			priority VARCHAR(16) NOT NULL,
			status VARCHAR(16) NOT NULL,
			rule_id VARCHAR(64) NOT NULL DEFAULT '',
			created_at ` + ts + ` NOT NULL
		)`,
	}
}

type txnRow struct {
	TxnID               string    `db:"txn_id"`
	UserID              string    `db:"user_id"`
	TeamID              string    `db:"team_id"`
	RuleID              string    `db:"rule_id"`
	AlertID             string    `db:"alert_id"`
	Points              int64     `db:"points"`
	Reason              string    `db:"reason"`
	PenaltyReason       string    `db:"penalty_reason"`
	OriginalAlertStatus string    `db:"original_alert_status"`
	Evidence            string    `db:"evidence"`
	Metadata            string    `db:"metadata"`
	CreatedAt           time.Time `db:"created_at"`
}

func (r txnRow) transaction() (core.PointTransaction, error) {
	txn := core.PointTransaction{
		TxnID:               r.TxnID,
		UserID:              core.UserID(r.UserID),
		TeamID:              core.TeamID(r.TeamID),
		RuleID:              r.RuleID,
		AlertID:             r.AlertID,
		Points:              r.Points,
		Reason:              r.Reason,
		PenaltyReason:       r.PenaltyReason,
		OriginalAlertStatus: r.OriginalAlertStatus,
		Timestamp:           r.CreatedAt.UTC(),
	}
	if err := decodeJSON(r.Evidence, &txn.EvidenceRefs); err != nil {
		return txn, err
	}
	if err := decodeJSON(r.Metadata, &txn.Metadata); err != nil {
		return txn, err
	}
	return txn, nil
}

const txnColumns = `txn_id, user_id, team_id, rule_id, alert_id, points, reason, penalty_reason, original_alert_status, evidence, metadata, created_at`

// AppendTransaction inserts txn after checking the running total for overflow.
func (s *Store) AppendTransaction(ctx context.Context, txn core.PointTransaction) error {
	evidence, err := encodeJSON(txn.EvidenceRefs)
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(txn.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	query := s.db.Rebind(`SELECT COALESCE(SUM(points), 0) FROM point_transactions WHERE user_id = ?`)
	if err := tx.GetContext(ctx, &current, query, string(txn.UserID)); err != nil {
		return fmt.Errorf("failed to read balance: %w", err)
	}
	if _, err := core.AddSafe(current, txn.Points); err != nil {
		return err
	}

	insert := s.db.Rebind(`INSERT INTO point_transactions (` + txnColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, insert,
		txn.TxnID, string(txn.UserID), string(txn.TeamID), txn.RuleID, txn.AlertID, txn.Points, txn.Reason,
		txn.PenaltyReason, txn.OriginalAlertStatus, evidence, metadata, txn.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return tx.Commit()
}

// Totals aggregates the user's ledger.
func (s *Store) Totals(ctx context.Context, userID core.UserID) (core.LedgerTotals, error) {
	var t core.LedgerTotals
	query := s.db.Rebind(`SELECT COALESCE(SUM(points), 0) AS total,
		COALESCE(SUM(CASE WHEN points > 0 THEN points ELSE 0 END), 0) AS positive,
		COALESCE(SUM(CASE WHEN points < 0 THEN points ELSE 0 END), 0) AS negative,
		COUNT(*) AS count
		FROM point_transactions WHERE user_id = ?`)
	if err := s.db.GetContext(ctx, &t, query, string(userID)); err != nil {
		return core.LedgerTotals{}, fmt.Errorf("failed to read totals: %w", err)
	}
	return t, nil
}

// Transactions returns the user's ledger ordered by time.
func (s *Store) Transactions(ctx context.Context, userID core.UserID) ([]core.PointTransaction, error) {
	var rows []txnRow
	query := s.db.Rebind(`SELECT ` + txnColumns + ` FROM point_transactions WHERE user_id = ? ORDER BY created_at, txn_id`)
	if err := s.db.SelectContext(ctx, &rows, query, string(userID)); err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	out := make([]core.PointTransaction, 0, len(rows))
	for _, r := range rows {
		txn, err := r.transaction()
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, nil
}

type awardRow struct {
	AwardID   string    `db:"award_id"`
	BadgeID   string    `db:"badge_id"`
	UserID    string    `db:"user_id"`
	TeamID    string    `db:"team_id"`
	Evidence  string    `db:"evidence"`
	Metadata  string    `db:"metadata"`
	AwardedAt time.Time `db:"awarded_at"`
}

func (r awardRow) award() (core.Award, error) {
	a := core.Award{
		AwardID:   r.AwardID,
		BadgeID:   r.BadgeID,
		UserID:    core.UserID(r.UserID),
		TeamID:    core.TeamID(r.TeamID),
		Timestamp: r.AwardedAt.UTC(),
	}
	if err := decodeJSON(r.Evidence, &a.EvidenceRefs); err != nil {
		return a, err
	}
	if err := decodeJSON(r.Metadata, &a.Metadata); err != nil {
		return a, err
	}
	return a, nil
}

func (s *Store) HasAward(ctx context.Context, userID core.UserID, badgeID string) (bool, error) {
	var exists bool
	query := s.db.Rebind(`SELECT EXISTS(SELECT 1 FROM awards WHERE user_id = ? AND badge_id = ?)`)
	if err := s.db.GetContext(ctx, &exists, query, string(userID), badgeID); err != nil {
		return false, fmt.Errorf("failed to check award: %w", err)
	}
	return exists, nil
}

// InsertAward stores a; the unique (user_id, badge_id) index turns a second
// grant into core.ErrAwardExists.
func (s *Store) InsertAward(ctx context.Context, a core.Award) error {
	evidence, err := encodeJSON(a.EvidenceRefs)
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(a.Metadata)
	if err != nil {
		return err
	}
	query := s.db.Rebind(`INSERT INTO awards (award_id, badge_id, user_id, team_id, evidence, metadata, awarded_at) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query, a.AwardID, a.BadgeID, string(a.UserID), string(a.TeamID), evidence, metadata, a.Timestamp.UTC())
	if isUniqueViolation(err) {
		return core.ErrAwardExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert award: %w", err)
	}
	return nil
}

func (s *Store) Awards(ctx context.Context, userID core.UserID) ([]core.Award, error) {
	var rows []awardRow
	query := s.db.Rebind(`SELECT award_id, badge_id, user_id, team_id, evidence, metadata, awarded_at FROM awards WHERE user_id = ? ORDER BY awarded_at, award_id`)
	if err := s.db.SelectContext(ctx, &rows, query, string(userID)); err != nil {
		return nil, fmt.Errorf("failed to read awards: %w", err)
	}
	out := make([]core.Award, 0, len(rows))
	for _, r := range rows {
		a, err := r.award()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Users lists every user with a ledger or award entry.
func (s *Store) Users(ctx context.Context) ([]core.UserID, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `SELECT user_id FROM point_transactions UNION SELECT user_id FROM awards ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	out := make([]core.UserID, len(ids))
	for i, id := range ids {
		out[i] = core.UserID(id)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr *msqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT || code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode column: %w", err)
	}
	return string(data), nil
}

func decodeJSON(raw string, v any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("corrupt column: %w", err)
	}
	return nil
}
