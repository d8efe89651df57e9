package availability

import (
	"context"
	"fmt"
	"sync"

	"leasing-telephony/internal/events"
	"leasing-telephony/pkg/logger"

	"github.com/redis/go-redis/v9"
)

type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
)

// Store keeps one status per user. Set reports whether the stored value changed.
type Store interface {
	Set(ctx context.Context, userID string, s Status) (bool, error)
	Get(ctx context.Context, userID string) (Status, error)
}

// Notifier is the slice of the event service the tracker needs.
type Notifier interface {
	Notify(ctx context.Context, event string, data any, r events.Routing) error
}

// Tracker is the only writer of agent availability.
type Tracker struct {
	store  Store
	notify Notifier
}

func NewTracker(store Store, notify Notifier) *Tracker {
	return &Tracker{store: store, notify: notify}
}

// MarkUsersAvailable flips the given users to available. Users already
// available are left alone, empty ids are skipped, duplicates collapse.
// Only users whose state changed are announced.
func (t *Tracker) MarkUsersAvailable(ctx context.Context, userIDs []string) error {
	seen := make(map[string]struct{}, len(userIDs))
	var changed []string
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		ok, err := t.store.Set(ctx, id, StatusAvailable)
		if err != nil {
			return fmt.Errorf("marking %s available: %w", id, err)
		}
		if ok {
			changed = append(changed, id)
		}
	}
	if len(changed) == 0 {
		return nil
	}
	logger.From(ctx).Debug("users marked available", "user_ids", changed)
	return t.announce(ctx, changed, StatusAvailable)
}

func (t *Tracker) MarkUserBusy(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	ok, err := t.store.Set(ctx, userID, StatusBusy)
	if err != nil {
		return fmt.Errorf("marking %s busy: %w", userID, err)
	}
	if !ok {
		return nil
	}
	return t.announce(ctx, []string{userID}, StatusBusy)
}

// Status returns the stored status, or available for unknown users.
func (t *Tracker) Status(ctx context.Context, userID string) (Status, error) {
	s, err := t.store.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if s == "" {
		return StatusAvailable, nil
	}
	return s, nil
}

func (t *Tracker) announce(ctx context.Context, userIDs []string, s Status) error {
	if t.notify == nil {
		return nil
	}
	return t.notify.Notify(ctx, events.UserAvailabilityChanged, map[string]any{
		"userIds": userIDs,
		"status":  s,
	}, events.Routing{Users: userIDs})
}

const statusKey = "telephony:availability"

var setStatusScript = redis.NewScript(`
-- KEYS[1] = status hash
-- ARGV[1] = user id, ARGV[2] = status
-- Returns 1 when the stored status changed.
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

type RedisStore struct {
	rdb redis.Cmdable
	key string
}

func NewRedisStore(rdb redis.Cmdable) *RedisStore {
	return &RedisStore{rdb: rdb, key: statusKey}
}

func (s *RedisStore) Set(ctx context.Context, userID string, st Status) (bool, error) {
	n, err := setStatusScript.Run(ctx, s.rdb, []string{s.key}, userID, string(st)).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, userID string) (Status, error) {
	v, err := s.rdb.HGet(ctx, s.key, userID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return Status(v), nil
}

type MemoryStore struct {
	mu     sync.Mutex
	status map[string]Status
	writes int
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{status: map[string]Status{}} }

func (s *MemoryStore) Set(ctx context.Context, userID string, st Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status[userID] == st {
		return false, nil
	}
	s.status[userID] = st
	s.writes++
	return true, nil
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[userID], nil
}

// Writes counts state changes, for tests.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
