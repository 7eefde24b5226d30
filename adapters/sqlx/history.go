package sqlx

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"secupoints/core"
)

// table describes how a ledger-backed collection maps onto SQL.
type table struct {
	name    string
	columns map[string]string
}

var tables = map[string]table{
	core.CollectionPointTxn: {
		name: "point_transactions",
		columns: map[string]string{
			"txn_id":                "txn_id",
			"user_id":               "user_id",
			"team_id":               "team_id",
			"rule_id":               "rule_id",
			"alert_id":              "alert_id",
			"points":                "points",
			"reason":                "reason",
			"penalty_reason":        "penalty_reason",
			"original_alert_status": "original_alert_status",
			core.TimestampField:     "created_at",
		},
	},
	core.CollectionAward: {
		name: "awards",
		columns: map[string]string{
			"award_id":          "award_id",
			"badge_id":          "badge_id",
			"user_id":           "user_id",
			"team_id":           "team_id",
			core.TimestampField: "awarded_at",
		},
	},
}

var sqlOps = map[core.FilterOp]string{
	core.OpEq:  "=",
	core.OpNe:  "<>",
	core.OpLt:  "<",
	core.OpGt:  ">",
	core.OpLte: "<=",
	core.OpGte: ">=",
}

// where compiles q into a WHERE clause for t. ok is false when a filter
// references a field with no column, in which case callers fall back to
// matching in process.
func where(t table, q core.Query) (clause string, args []any, ok bool, err error) {
	var parts []string
	for _, f := range q.Filters {
		col, found := t.columns[f.Field]
		if !found {
			return "", nil, false, nil
		}
		switch f.Op {
		case core.OpIn, core.OpNotIn:
			list, isList := f.Value.([]any)
			if !isList {
				list = []any{f.Value}
			}
			if len(list) == 0 {
				if f.Op == core.OpIn {
					parts = append(parts, "1 = 0")
				}
				continue
			}
			keyword := "IN"
			if f.Op == core.OpNotIn {
				keyword = "NOT IN"
			}
			frag, fargs, err := sqlx.In(col+" "+keyword+" (?)", list)
			if err != nil {
				return "", nil, false, fmt.Errorf("failed to expand %s: %w", f, err)
			}
			parts = append(parts, frag)
			args = append(args, fargs...)
		default:
			op, known := sqlOps[f.Op]
			if !known {
				return "", nil, false, fmt.Errorf("unsupported operator %q", f.Op)
			}
			if f.Value == nil {
				switch f.Op {
				case core.OpEq:
					parts = append(parts, col+" IS NULL")
					continue
				case core.OpNe:
					parts = append(parts, col+" IS NOT NULL")
					continue
				}
			}
			v := f.Value
			if ts, isTime := v.(time.Time); isTime {
				v = ts.UTC()
			}
			parts = append(parts, col+" "+op+" ?")
			args = append(args, v)
		}
	}
	if q.TimeField != "" {
		col, found := t.columns[q.TimeField]
		if !found {
			return "", nil, false, nil
		}
		if !q.From.IsZero() {
			parts = append(parts, col+" >= ?")
			args = append(args, q.From.UTC())
		}
		if !q.To.IsZero() {
			parts = append(parts, col+" < ?")
			args = append(args, q.To.UTC())
		}
	}
	if len(parts) == 0 {
		return "", nil, true, nil
	}
	return " WHERE " + strings.Join(parts, " AND "), args, true, nil
}

// Count counts matching records.
func (s *Store) Count(ctx context.Context, q core.Query) (int64, error) {
	if t, ok := tables[q.Collection]; ok {
		clause, args, compiled, err := where(t, q)
		if err != nil {
			return 0, err
		}
		if compiled {
			var n int64
			if err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM `+t.name+clause), args...); err != nil {
				return 0, fmt.Errorf("failed to count %s: %w", q.Collection, err)
			}
			return n, nil
		}
	}
	agg, err := s.aggregate(ctx, q, "")
	return agg.Count, err
}

// Distinct counts distinct non-null values of field over matching records.
func (s *Store) Distinct(ctx context.Context, q core.Query, field string) (int64, error) {
	if t, ok := tables[q.Collection]; ok {
		col, known := t.columns[field]
		clause, args, compiled, err := where(t, q)
		if err != nil {
			return 0, err
		}
		if known && compiled {
			var n int64
			if err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(DISTINCT `+col+`) FROM `+t.name+clause), args...); err != nil {
				return 0, fmt.Errorf("failed to count distinct %s.%s: %w", q.Collection, field, err)
			}
			return n, nil
		}
	}
	agg, err := s.aggregate(ctx, q, field)
	return agg.Distinct, err
}

// Sum totals a numeric field over matching records.
func (s *Store) Sum(ctx context.Context, q core.Query, field string) (float64, error) {
	if t, ok := tables[q.Collection]; ok {
		col, known := t.columns[field]
		clause, args, compiled, err := where(t, q)
		if err != nil {
			return 0, err
		}
		if known && compiled {
			var sum float64
			if err := s.db.GetContext(ctx, &sum, s.db.Rebind(`SELECT COALESCE(SUM(`+col+`), 0) FROM `+t.name+clause), args...); err != nil {
				return 0, fmt.Errorf("failed to sum %s.%s: %w", q.Collection, field, err)
			}
			return sum, nil
		}
	}
	agg, err := s.aggregate(ctx, q, field)
	return agg.Sum, err
}

func (s *Store) aggregate(ctx context.Context, q core.Query, field string) (core.Aggregate, error) {
	rows, err := s.rows(ctx, q.Collection)
	if err != nil {
		return core.Aggregate{}, err
	}
	return core.AggregateRows(rows, q, field), nil
}

// rows loads every record of a collection as flat maps.
func (s *Store) rows(ctx context.Context, collection string) ([]map[string]any, error) {
	switch collection {
	case core.CollectionPointTxn:
		var rows []txnRow
		if err := s.db.SelectContext(ctx, &rows, `SELECT `+txnColumns+` FROM point_transactions`); err != nil {
			return nil, fmt.Errorf("failed to scan ledger: %w", err)
		}
		out := make([]map[string]any, 0, len(rows))
		for _, r := range rows {
			txn, err := r.transaction()
			if err != nil {
				return nil, err
			}
			out = append(out, txn.Record())
		}
		return out, nil
	case core.CollectionAward:
		var rows []awardRow
		if err := s.db.SelectContext(ctx, &rows, `SELECT award_id, badge_id, user_id, team_id, evidence, metadata, awarded_at FROM awards`); err != nil {
			return nil, fmt.Errorf("failed to scan awards: %w", err)
		}
		out := make([]map[string]any, 0, len(rows))
		for _, r := range rows {
			a, err := r.award()
			if err != nil {
				return nil, err
			}
			out = append(out, a.Record())
		}
		return out, nil
	}
	var bodies []string
	if err := s.db.SelectContext(ctx, &bodies, s.db.Rebind(`SELECT body FROM records WHERE collection = ?`), collection); err != nil {
		return nil, fmt.Errorf("failed to scan %s records: %w", collection, err)
	}
	out := make([]map[string]any, 0, len(bodies))
	for _, b := range bodies {
		rec, err := decodeRecord(b)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// decodeRecord unmarshals a JSON record, restoring RFC 3339 strings to times
// so windows and temporal filters apply.
func decodeRecord(body string) (map[string]any, error) {
	var rec map[string]any
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("corrupt record: %w", err)
	}
	for k, v := range rec {
		if str, ok := v.(string); ok && len(str) >= len(time.RFC3339)-5 {
			if ts, err := time.Parse(time.RFC3339Nano, str); err == nil {
				rec[k] = ts
			}
		}
	}
	return rec, nil
}

// PutRecord upserts a collaborator record (Alert, Remediation, RescanResult).
func (s *Store) PutRecord(ctx context.Context, collection, id string, record map[string]any) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE records SET body = ?, updated_at = ? WHERE collection = ? AND record_id = ?`), string(body), now, collection, id)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO records (collection, record_id, body, updated_at) VALUES (?, ?, ?, ?)`), collection, id, string(body), now)
		if err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
	}
	return tx.Commit()
}

// GetRecord loads a collaborator record.
func (s *Store) GetRecord(ctx context.Context, collection, id string) (map[string]any, error) {
	var body string
	err := s.db.GetContext(ctx, &body, s.db.Rebind(`SELECT body FROM records WHERE collection = ? AND record_id = ?`), collection, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", collection, id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return decodeRecord(body)
}

func (s *Store) updateStatus(ctx context.Context, collection, id, status string, entry core.LifecycleEntry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var body string
	err = tx.GetContext(ctx, &body, s.db.Rebind(`SELECT body FROM records WHERE collection = ? AND record_id = ?`), collection, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", collection, id, core.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", collection, err)
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return fmt.Errorf("corrupt record: %w", err)
	}
	lifecycle, _ := rec["lifecycle"].([]any)
	rec["lifecycle"] = append(lifecycle, entry)
	rec["status"] = status
	rec["updated_at"] = entry.Timestamp.UTC()

	updated, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.db.Rebind(`UPDATE records SET body = ?, updated_at = ? WHERE collection = ? AND record_id = ?`), string(updated), entry.Timestamp.UTC(), collection, id)
	if err != nil {
		return fmt.Errorf("failed to update %s status: %w", collection, err)
	}
	return tx.Commit()
}

func (s *Store) UpdateAlertStatus(ctx context.Context, u core.AlertStatusUpdate) error {
	return s.updateStatus(ctx, core.CollectionAlert, u.AlertID, u.NewStatus, u.Entry)
}

func (s *Store) UpdateRemediationStatus(ctx context.Context, u core.RemediationStatusUpdate) error {
	return s.updateStatus(ctx, core.CollectionRemediation, u.RemediationID, u.NewStatus, u.Entry)
}

// Notify enqueues a notification row.
func (s *Store) Notify(ctx context.Context, n core.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	query := s.db.Rebind(`INSERT INTO notifications (notification_id, target_user_id, message, priority, status, rule_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, n.ID, string(n.Target), n.Message, n.Priority, n.Status, n.RuleID, n.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// Notifications returns the notifications queued for a user.
func (s *Store) Notifications(ctx context.Context, userID core.UserID) ([]core.Notification, error) {
	var rows []struct {
		ID        string    `db:"notification_id"`
		Target    string    `db:"target_user_id"`
		Message   string    `db:"message"`
		Priority  string    `db:"priority"`
		Status    string    `db:"status"`
		RuleID    string    `db:"rule_id"`
		CreatedAt time.Time `db:"created_at"`
	}
	query := s.db.Rebind(`SELECT notification_id, target_user_id, message, priority, status, rule_id, created_at FROM notifications WHERE target_user_id = ? ORDER BY created_at, notification_id`)
	if err := s.db.SelectContext(ctx, &rows, query, string(userID)); err != nil {
		return nil, fmt.Errorf("failed to read notifications: %w", err)
	}
	out := make([]core.Notification, len(rows))
	for i, r := range rows {
		out[i] = core.Notification{ID: r.ID, Target: core.UserID(r.Target), Message: r.Message, Priority: r.Priority, Status: r.Status, RuleID: r.RuleID, CreatedAt: r.CreatedAt.UTC()}
	}
	return out, nil
}

var _ interface {
	AppendTransaction(context.Context, core.PointTransaction) error
	Totals(context.Context, core.UserID) (core.LedgerTotals, error)
	Transactions(context.Context, core.UserID) ([]core.PointTransaction, error)
	HasAward(context.Context, core.UserID, string) (bool, error)
	InsertAward(context.Context, core.Award) error
	Awards(context.Context, core.UserID) ([]core.Award, error)
	Count(context.Context, core.Query) (int64, error)
	Distinct(context.Context, core.Query, string) (int64, error)
	Sum(context.Context, core.Query, string) (float64, error)
	UpdateAlertStatus(context.Context, core.AlertStatusUpdate) error
	UpdateRemediationStatus(context.Context, core.RemediationStatusUpdate) error
	Notify(context.Context, core.Notification) error
} = (*Store)(nil)
