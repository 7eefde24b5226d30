package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"secupoints/core"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sensible defaults for Redis configuration
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Store implements the engine's storage on Redis.
// Data structure:
// - user:{user_id}:ledger -> list of JSON point transactions (append-only)
// - user:{user_id}:totals -> hash {total, positive, negative, count}
// - user:{user_id}:awards -> hash badge_id -> JSON award (HSETNX keeps one per badge)
// - user:{user_id}:notifications -> list of JSON notifications
// - users -> set of user ids with ledger or award entries
// - records:{collection} -> hash record id -> JSON collaborator record
type Store struct {
	client *redis.Client
}

// New creates a new Redis-backed storage with the provided configuration
func New(config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client}, nil
}

// NewWithClient creates a Store using an existing Redis client (useful for testing)
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

const usersKey = "users"

func ledgerKey(userID core.UserID) string {
	return fmt.Sprintf("user:%s:ledger", userID)
}

func totalsKey(userID core.UserID) string {
	return fmt.Sprintf("user:%s:totals", userID)
}

func awardsKey(userID core.UserID) string {
	return fmt.Sprintf("user:%s:awards", userID)
}

func notificationsKey(userID core.UserID) string {
	return fmt.Sprintf("user:%s:notifications", userID)
}

func recordsKey(collection string) string {
	return "records:" + collection
}

// Lua script appending a transaction and folding it into the totals hash in
// one step, with overflow protection
var appendScript = redis.NewScript(`
	local delta = tonumber(ARGV[2])
	local current = tonumber(redis.call('HGET', KEYS[2], 'total') or '0')
	local next_val = current + delta

	if next_val > 9007199254740991 or next_val < -9007199254740991 then
		return redis.error_reply('integer overflow')
	end

	redis.call('RPUSH', KEYS[1], ARGV[1])
	redis.call('HINCRBY', KEYS[2], 'total', delta)
	if delta > 0 then
		redis.call('HINCRBY', KEYS[2], 'positive', delta)
	elseif delta < 0 then
		redis.call('HINCRBY', KEYS[2], 'negative', delta)
	end
	redis.call('HINCRBY', KEYS[2], 'count', 1)
	redis.call('SADD', KEYS[3], ARGV[3])
	return next_val
`)

// AppendTransaction atomically appends txn and updates the user's totals
func (s *Store) AppendTransaction(ctx context.Context, txn core.PointTransaction) error {
	data, err := json.Marshal(txn)
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}
	keys := []string{ledgerKey(txn.UserID), totalsKey(txn.UserID), usersKey}
	if err := appendScript.Run(ctx, s.client, keys, data, txn.Points, string(txn.UserID)).Err(); err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// Totals reads the user's ledger totals
func (s *Store) Totals(ctx context.Context, userID core.UserID) (core.LedgerTotals, error) {
	vals, err := s.client.HGetAll(ctx, totalsKey(userID)).Result()
	if err != nil {
		return core.LedgerTotals{}, fmt.Errorf("failed to read totals: %w", err)
	}
	var t core.LedgerTotals
	for field, dst := range map[string]*int64{"total": &t.Total, "positive": &t.Positive, "negative": &t.Negative, "count": &t.Count} {
		raw, ok := vals[field]
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return core.LedgerTotals{}, fmt.Errorf("corrupt totals field %s: %w", field, err)
		}
		*dst = n
	}
	return t, nil
}

// Transactions returns the user's ledger in append order
func (s *Store) Transactions(ctx context.Context, userID core.UserID) ([]core.PointTransaction, error) {
	raw, err := s.client.LRange(ctx, ledgerKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	out := make([]core.PointTransaction, 0, len(raw))
	for _, item := range raw {
		var txn core.PointTransaction
		if err := json.Unmarshal([]byte(item), &txn); err != nil {
			return nil, fmt.Errorf("corrupt ledger entry: %w", err)
		}
		out = append(out, txn)
	}
	return out, nil
}

// HasAward reports whether the user holds badgeID
func (s *Store) HasAward(ctx context.Context, userID core.UserID, badgeID string) (bool, error) {
	ok, err := s.client.HExists(ctx, awardsKey(userID), badgeID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check award: %w", err)
	}
	return ok, nil
}

// InsertAward stores the award unless the user already holds the badge
func (s *Store) InsertAward(ctx context.Context, a core.Award) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode award: %w", err)
	}
	set, err := s.client.HSetNX(ctx, awardsKey(a.UserID), a.BadgeID, data).Result()
	if err != nil {
		return fmt.Errorf("failed to insert award: %w", err)
	}
	if !set {
		return core.ErrAwardExists
	}
	s.client.SAdd(ctx, usersKey, string(a.UserID))
	return nil
}

// Awards returns the user's awards ordered by grant time
func (s *Store) Awards(ctx context.Context, userID core.UserID) ([]core.Award, error) {
	vals, err := s.client.HVals(ctx, awardsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read awards: %w", err)
	}
	out := make([]core.Award, 0, len(vals))
	for _, v := range vals {
		var a core.Award
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			return nil, fmt.Errorf("corrupt award: %w", err)
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Users lists every user with a ledger or award entry
func (s *Store) Users(ctx context.Context) ([]core.UserID, error) {
	members, err := s.client.SMembers(ctx, usersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	out := make([]core.UserID, len(members))
	for i, m := range members {
		out[i] = core.UserID(m)
	}
	return out, nil
}

// PutRecord stores a collaborator record under id
func (s *Store) PutRecord(ctx context.Context, collection, id string, record map[string]any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if err := s.client.HSet(ctx, recordsKey(collection), id, data).Err(); err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}
	return nil
}

// GetRecord loads a collaborator record
func (s *Store) GetRecord(ctx context.Context, collection, id string) (map[string]any, error) {
	data, err := s.client.HGet(ctx, recordsKey(collection), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s %s: %w", collection, id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return decodeRecord(data)
}

func decodeRecord(data []byte) (map[string]any, error) {
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt record: %w", err)
	}
	for k, v := range rec {
		if str, ok := v.(string); ok && len(str) >= len("2006-01-02T15:04:05Z") {
			if ts, err := time.Parse(time.RFC3339Nano, str); err == nil {
				rec[k] = ts
			}
		}
	}
	return rec, nil
}

// rows loads the candidate rows for q. Ledger and award queries filtered by
// user_id read only that user's keys.
func (s *Store) rows(ctx context.Context, q core.Query) ([]map[string]any, error) {
	switch q.Collection {
	case core.CollectionPointTxn, core.CollectionAward:
		users, err := s.queryUsers(ctx, q)
		if err != nil {
			return nil, err
		}
		var out []map[string]any
		for _, u := range users {
			if q.Collection == core.CollectionPointTxn {
				txns, err := s.Transactions(ctx, u)
				if err != nil {
					return nil, err
				}
				for _, t := range txns {
					out = append(out, t.Record())
				}
				continue
			}
			awards, err := s.Awards(ctx, u)
			if err != nil {
				return nil, err
			}
			for _, a := range awards {
				out = append(out, a.Record())
			}
		}
		return out, nil
	default:
		vals, err := s.client.HVals(ctx, recordsKey(q.Collection)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s records: %w", q.Collection, err)
		}
		out := make([]map[string]any, 0, len(vals))
		for _, v := range vals {
			rec, err := decodeRecord([]byte(v))
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		return out, nil
	}
}

func (s *Store) queryUsers(ctx context.Context, q core.Query) ([]core.UserID, error) {
	for _, f := range q.Filters {
		if f.Field == "user_id" && f.Op == core.OpEq {
			if id, ok := f.Value.(string); ok {
				return []core.UserID{core.UserID(id)}, nil
			}
		}
	}
	return s.Users(ctx)
}

func (s *Store) aggregate(ctx context.Context, q core.Query, field string) (core.Aggregate, error) {
	rows, err := s.rows(ctx, q)
	if err != nil {
		return core.Aggregate{}, err
	}
	return core.AggregateRows(rows, q, field), nil
}

func (s *Store) Count(ctx context.Context, q core.Query) (int64, error) {
	agg, err := s.aggregate(ctx, q, "")
	return agg.Count, err
}

func (s *Store) Distinct(ctx context.Context, q core.Query, field string) (int64, error) {
	agg, err := s.aggregate(ctx, q, field)
	return agg.Distinct, err
}

func (s *Store) Sum(ctx context.Context, q core.Query, field string) (float64, error) {
	agg, err := s.aggregate(ctx, q, field)
	return agg.Sum, err
}

// Lua script applying a status change and lifecycle entry to a stored record
var statusScript = redis.NewScript(`
	local raw = redis.call('HGET', KEYS[1], ARGV[1])
	if not raw then
		return 0
	end
	local rec = cjson.decode(raw)
	rec['status'] = ARGV[2]
	rec['updated_at'] = ARGV[4]
	if type(rec['lifecycle']) ~= 'table' then
		rec['lifecycle'] = {}
	end
	table.insert(rec['lifecycle'], cjson.decode(ARGV[3]))
	redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(rec))
	return 1
`)

func (s *Store) updateStatus(ctx context.Context, collection, id, status string, entry core.LifecycleEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode lifecycle entry: %w", err)
	}
	n, err := statusScript.Run(ctx, s.client, []string{recordsKey(collection)}, id, status, data, entry.Timestamp.UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return fmt.Errorf("failed to update %s status: %w", collection, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", collection, id, core.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateAlertStatus(ctx context.Context, u core.AlertStatusUpdate) error {
	return s.updateStatus(ctx, core.CollectionAlert, u.AlertID, u.NewStatus, u.Entry)
}

func (s *Store) UpdateRemediationStatus(ctx context.Context, u core.RemediationStatusUpdate) error {
	return s.updateStatus(ctx, core.CollectionRemediation, u.RemediationID, u.NewStatus, u.Entry)
}

// Notify enqueues a notification on the target user's list
func (s *Store) Notify(ctx context.Context, n core.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if err := s.client.RPush(ctx, notificationsKey(n.Target), data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// Notifications returns the pending notifications for a user
func (s *Store) Notifications(ctx context.Context, userID core.UserID) ([]core.Notification, error) {
	raw, err := s.client.LRange(ctx, notificationsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read notifications: %w", err)
	}
	out := make([]core.Notification, 0, len(raw))
	for _, item := range raw {
		var n core.Notification
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			return nil, fmt.Errorf("corrupt notification: %w", err)
		}
		out = append(out, n)
	}
	return out, nil
}
