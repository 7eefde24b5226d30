package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"secupoints/adapters/memory"
	"secupoints/core"
)

// Store persists the entire ledger, award set and collaborator records to a
// single JSON file. Suitable for demos and small deployments.
type Store struct {
	path string
	mu   sync.Mutex
	// in-memory cache serves every read
	mem *memory.Store
}

func New(path string) (*Store, error) {
	s := &Store{path: path, mem: memory.New()}
	if err := s.load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var snap memory.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}
	for c, rows := range snap.Records {
		for i, r := range rows {
			snap.Records[c][i] = normalizeRecord(r)
		}
	}
	return s.mem.Restore(snap)
}

// normalizeRecord restores the Go types JSON flattened: RFC 3339 strings
// become times and lifecycle arrays become entries again.
func normalizeRecord(r map[string]any) map[string]any {
	for k, v := range r {
		switch val := v.(type) {
		case string:
			if ts, err := time.Parse(time.RFC3339Nano, val); err == nil {
				r[k] = ts
			}
		case []any:
			if k != "lifecycle" {
				continue
			}
			raw, err := json.Marshal(val)
			if err != nil {
				continue
			}
			var entries []core.LifecycleEntry
			if json.Unmarshal(raw, &entries) == nil {
				r[k] = entries
			}
		}
	}
	return r
}

func (s *Store) persist() error {
	tmp := s.path + ".tmp"
	b, err := json.MarshalIndent(s.mem.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) write(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(); err != nil {
		return err
	}
	return s.persist()
}

func (s *Store) AppendTransaction(ctx context.Context, txn core.PointTransaction) error {
	return s.write(func() error { return s.mem.AppendTransaction(ctx, txn) })
}

func (s *Store) InsertAward(ctx context.Context, a core.Award) error {
	return s.write(func() error { return s.mem.InsertAward(ctx, a) })
}

func (s *Store) UpdateAlertStatus(ctx context.Context, u core.AlertStatusUpdate) error {
	return s.write(func() error { return s.mem.UpdateAlertStatus(ctx, u) })
}

func (s *Store) UpdateRemediationStatus(ctx context.Context, u core.RemediationStatusUpdate) error {
	return s.write(func() error { return s.mem.UpdateRemediationStatus(ctx, u) })
}

func (s *Store) Notify(ctx context.Context, n core.Notification) error {
	return s.write(func() error { return s.mem.Notify(ctx, n) })
}

// Put stores a collaborator record and persists it.
func (s *Store) Put(collection string, record map[string]any) error {
	return s.write(func() error {
		s.mem.Put(collection, record)
		return nil
	})
}

func (s *Store) Totals(ctx context.Context, user core.UserID) (core.LedgerTotals, error) {
	return s.mem.Totals(ctx, user)
}

func (s *Store) Transactions(ctx context.Context, user core.UserID) ([]core.PointTransaction, error) {
	return s.mem.Transactions(ctx, user)
}

func (s *Store) HasAward(ctx context.Context, user core.UserID, badgeID string) (bool, error) {
	return s.mem.HasAward(ctx, user, badgeID)
}

func (s *Store) Awards(ctx context.Context, user core.UserID) ([]core.Award, error) {
	return s.mem.Awards(ctx, user)
}

func (s *Store) Count(ctx context.Context, q core.Query) (int64, error) {
	return s.mem.Count(ctx, q)
}

func (s *Store) Distinct(ctx context.Context, q core.Query, field string) (int64, error) {
	return s.mem.Distinct(ctx, q, field)
}

func (s *Store) Sum(ctx context.Context, q core.Query, field string) (float64, error) {
	return s.mem.Sum(ctx, q, field)
}

// Users lists every user with a ledger or award entry.
func (s *Store) Users() []core.UserID { return s.mem.Users() }

// Record returns a copy of the first record whose key field equals id.
func (s *Store) Record(collection, key, id string) (map[string]any, bool) {
	return s.mem.Record(collection, key, id)
}

// Notifications returns the enqueued notifications in order.
func (s *Store) Notifications() []core.Notification { return s.mem.Notifications() }
