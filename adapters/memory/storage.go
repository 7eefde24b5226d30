package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"secupoints/core"
)

// Store is a concurrent in-memory implementation of the engine's ledger,
// award store and history reads. It also holds collaborator records
// (alerts, remediations, rescans) and applies status side effects to them.
type Store struct {
	users sync.Map // map[core.UserID]*userRecord

	mu            sync.RWMutex
	records       map[string][]map[string]any
	notifications []core.Notification
}

type userRecord struct {
	mu     sync.Mutex
	txns   []core.PointTransaction
	totals core.LedgerTotals
	awards map[string]core.Award
	order  []string
}

func New() *Store { return &Store{records: map[string][]map[string]any{}} }

func (s *Store) getOrCreate(user core.UserID) *userRecord {
	if v, ok := s.users.Load(user); ok {
		return v.(*userRecord)
	}
	rec := &userRecord{awards: map[string]core.Award{}}
	actual, _ := s.users.LoadOrStore(user, rec)
	return actual.(*userRecord)
}

// lookup returns the user's record without creating one.
func (s *Store) lookup(user core.UserID) (*userRecord, bool) {
	v, ok := s.users.Load(user)
	if !ok {
		return nil, false
	}
	return v.(*userRecord), true
}

func (s *Store) AppendTransaction(_ context.Context, txn core.PointTransaction) error {
	rec := s.getOrCreate(txn.UserID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	next, err := rec.totals.Add(txn.Points)
	if err != nil {
		return err
	}
	rec.totals = next
	rec.txns = append(rec.txns, txn)
	return nil
}

func (s *Store) Totals(_ context.Context, user core.UserID) (core.LedgerTotals, error) {
	rec, ok := s.lookup(user)
	if !ok {
		return core.LedgerTotals{}, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.totals, nil
}

func (s *Store) Transactions(_ context.Context, user core.UserID) ([]core.PointTransaction, error) {
	rec, ok := s.lookup(user)
	if !ok {
		return nil, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]core.PointTransaction(nil), rec.txns...), nil
}

func (s *Store) HasAward(_ context.Context, user core.UserID, badgeID string) (bool, error) {
	rec, ok := s.lookup(user)
	if !ok {
		return false, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	_, ok = rec.awards[badgeID]
	return ok, nil
}

func (s *Store) InsertAward(_ context.Context, a core.Award) error {
	rec := s.getOrCreate(a.UserID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if _, ok := rec.awards[a.BadgeID]; ok {
		return core.ErrAwardExists
	}
	rec.awards[a.BadgeID] = a
	rec.order = append(rec.order, a.BadgeID)
	return nil
}

func (s *Store) Awards(_ context.Context, user core.UserID) ([]core.Award, error) {
	rec, ok := s.lookup(user)
	if !ok {
		return []core.Award{}, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]core.Award, 0, len(rec.order))
	for _, id := range rec.order {
		out = append(out, rec.awards[id])
	}
	return out, nil
}

// Users lists every user with a ledger or award entry.
func (s *Store) Users() []core.UserID {
	var out []core.UserID
	s.users.Range(func(k, _ any) bool {
		out = append(out, k.(core.UserID))
		return true
	})
	return out
}

// Put stores a collaborator record (Alert, Remediation, RescanResult) so
// badge criteria can aggregate over it.
func (s *Store) Put(collection string, record map[string]any) {
	cp := make(map[string]any, len(record))
	for k, v := range record {
		cp[k] = v
	}
	s.mu.Lock()
	s.records[collection] = append(s.records[collection], cp)
	s.mu.Unlock()
}

// Record returns a copy of the first record whose key field equals id.
func (s *Store) Record(collection, key, id string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records[collection] {
		if r[key] == id {
			cp := make(map[string]any, len(r))
			for k, v := range r {
				cp[k] = v
			}
			return cp, true
		}
	}
	return nil, false
}

func (s *Store) scan(q core.Query, fn func(map[string]any)) {
	switch q.Collection {
	case core.CollectionPointTxn, core.CollectionAward:
		s.users.Range(func(_, v any) bool {
			rec := v.(*userRecord)
			rec.mu.Lock()
			var rows []map[string]any
			if q.Collection == core.CollectionPointTxn {
				for _, t := range rec.txns {
					rows = append(rows, t.Record())
				}
			} else {
				for _, id := range rec.order {
					rows = append(rows, rec.awards[id].Record())
				}
			}
			rec.mu.Unlock()
			for _, row := range rows {
				if q.Match(row) {
					fn(row)
				}
			}
			return true
		})
	default:
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, row := range s.records[q.Collection] {
			if q.Match(row) {
				fn(row)
			}
		}
	}
}

func (s *Store) Count(_ context.Context, q core.Query) (int64, error) {
	var n int64
	s.scan(q, func(map[string]any) { n++ })
	return n, nil
}

func (s *Store) Distinct(_ context.Context, q core.Query, field string) (int64, error) {
	seen := map[string]struct{}{}
	s.scan(q, func(row map[string]any) {
		v, ok := row[field]
		if !ok || v == nil {
			return
		}
		seen[fmt.Sprint(v)] = struct{}{}
	})
	return int64(len(seen)), nil
}

func (s *Store) Sum(_ context.Context, q core.Query, field string) (float64, error) {
	var sum float64
	s.scan(q, func(row map[string]any) {
		if f, ok := core.ToFloat(row[field]); ok {
			sum += f
		}
	})
	return sum, nil
}

func (s *Store) UpdateAlertStatus(_ context.Context, u core.AlertStatusUpdate) error {
	return s.updateStatus(core.CollectionAlert, "alert_id", u.AlertID, u.NewStatus, u.Entry)
}

func (s *Store) UpdateRemediationStatus(_ context.Context, u core.RemediationStatusUpdate) error {
	return s.updateStatus(core.CollectionRemediation, "remediation_id", u.RemediationID, u.NewStatus, u.Entry)
}

func (s *Store) updateStatus(collection, key, id, status string, entry core.LifecycleEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records[collection] {
		if r[key] != id {
			continue
		}
		r["status"] = status
		history, _ := r["lifecycle"].([]core.LifecycleEntry)
		r["lifecycle"] = append(history, entry)
		r["updated_at"] = entry.Timestamp
		return nil
	}
	return fmt.Errorf("%s %s: %w", collection, id, core.ErrNotFound)
}

func (s *Store) Notify(_ context.Context, n core.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	s.notifications = append(s.notifications, n)
	return nil
}

// Notifications returns the enqueued notifications in order.
func (s *Store) Notifications() []core.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.Notification(nil), s.notifications...)
}

// Snapshot is a point-in-time copy of everything the store holds.
type Snapshot struct {
	Transactions  []core.PointTransaction     `json:"transactions"`
	Awards        []core.Award                `json:"awards"`
	Records       map[string][]map[string]any `json:"records"`
	Notifications []core.Notification         `json:"notifications"`
}

// Snapshot copies the store's contents. Ledger entries and awards are grouped
// per user in append order.
func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{Records: map[string][]map[string]any{}}
	s.users.Range(func(_, v any) bool {
		rec := v.(*userRecord)
		rec.mu.Lock()
		snap.Transactions = append(snap.Transactions, rec.txns...)
		for _, id := range rec.order {
			snap.Awards = append(snap.Awards, rec.awards[id])
		}
		rec.mu.Unlock()
		return true
	})
	s.mu.RLock()
	for c, rows := range s.records {
		for _, r := range rows {
			cp := make(map[string]any, len(r))
			for k, v := range r {
				cp[k] = v
			}
			snap.Records[c] = append(snap.Records[c], cp)
		}
	}
	snap.Notifications = append(snap.Notifications, s.notifications...)
	s.mu.RUnlock()
	return snap
}

// Restore loads a snapshot into an empty store.
func (s *Store) Restore(snap Snapshot) error {
	ctx := context.Background()
	for _, t := range snap.Transactions {
		if err := s.AppendTransaction(ctx, t); err != nil {
			return fmt.Errorf("restore transaction %s: %w", t.TxnID, err)
		}
	}
	for _, a := range snap.Awards {
		if err := s.InsertAward(ctx, a); err != nil {
			return fmt.Errorf("restore award %s: %w", a.AwardID, err)
		}
	}
	for c, rows := range snap.Records {
		for _, r := range rows {
			s.Put(c, r)
		}
	}
	s.mu.Lock()
	s.notifications = append(s.notifications, snap.Notifications...)
	s.mu.Unlock()
	return nil
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
