package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RetryTask is a durable description of a deferred retry. Payload carries
// everything the handler for Kind needs, so the task survives a restart.
type RetryTask struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Key     string          `json:"key"`
	RunAt   time.Time       `json:"run_at"`
	Payload json.RawMessage `json:"payload"`
}

// PendingStore persists retry tasks until a handler takes them.
//
// Take is the only way to consume a task: it removes the task and reports
// whether this caller removed it, so a timer and a sweeper racing on the
// same task run it once.
type PendingStore interface {
	Put(ctx context.Context, t RetryTask) error
	Take(ctx context.Context, id string) (RetryTask, bool, error)
	Due(ctx context.Context, before time.Time) ([]RetryTask, error)
	List(ctx context.Context) ([]RetryTask, error)
}

const (
	defaultTasksKey = "telephony:retry:tasks"
	defaultDueKey   = "telephony:retry:due"
)

// RedisPendingStore keeps tasks in a hash and their run times in a sorted set.
type RedisPendingStore struct {
	rdb      redis.Cmdable
	tasksKey string
	dueKey   string
}

func NewRedisPendingStore(rdb redis.Cmdable) *RedisPendingStore {
	return &RedisPendingStore{rdb: rdb, tasksKey: defaultTasksKey, dueKey: defaultDueKey}
}

func (s *RedisPendingStore) Put(ctx context.Context, t RetryTask) error {
	if t.ID == "" {
		return fmt.Errorf("retry task id is required")
	}
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.tasksKey, t.ID, b)
		p.ZAdd(ctx, s.dueKey, redis.Z{Score: float64(t.RunAt.UnixMilli()), Member: t.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing retry task: %w", err)
	}
	return nil
}

var takeTaskScript = redis.NewScript(`
-- KEYS[1] = tasks hash, KEYS[2] = due zset
-- ARGV[1] = task id
local v = redis.call('HGET', KEYS[1], ARGV[1])
if not v then
  return false
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return v
`)

func (s *RedisPendingStore) Take(ctx context.Context, id string) (RetryTask, bool, error) {
	raw, err := takeTaskScript.Run(ctx, s.rdb, []string{s.tasksKey, s.dueKey}, id).Text()
	if err == redis.Nil {
		return RetryTask{}, false, nil
	}
	if err != nil {
		return RetryTask{}, false, fmt.Errorf("taking retry task: %w", err)
	}
	var t RetryTask
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return RetryTask{}, false, fmt.Errorf("decoding retry task: %w", err)
	}
	return t, true, nil
}

func (s *RedisPendingStore) Due(ctx context.Context, before time.Time) ([]RetryTask, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.dueKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing due retry tasks: %w", err)
	}
	return s.load(ctx, ids)
}

func (s *RedisPendingStore) List(ctx context.Context) ([]RetryTask, error) {
	ids, err := s.rdb.ZRange(ctx, s.dueKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing retry tasks: %w", err)
	}
	return s.load(ctx, ids)
}

func (s *RedisPendingStore) load(ctx context.Context, ids []string) ([]RetryTask, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.rdb.HMGet(ctx, s.tasksKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading retry tasks: %w", err)
	}
	out := make([]RetryTask, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			// taken between the range and the load
			continue
		}
		var t RetryTask
		if err := json.Unmarshal([]byte(str), &t); err != nil {
			return nil, fmt.Errorf("decoding retry task: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// MemoryPendingStore is a process-local PendingStore for tests and local runs.
type MemoryPendingStore struct {
	mu    sync.Mutex
	tasks map[string]RetryTask
}

func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{tasks: map[string]RetryTask{}}
}

func (s *MemoryPendingStore) Put(ctx context.Context, t RetryTask) error {
	if t.ID == "" {
		return fmt.Errorf("retry task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return nil
}

func (s *MemoryPendingStore) Take(ctx context.Context, id string) (RetryTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return RetryTask{}, false, nil
	}
	delete(s.tasks, id)
	return t, true, nil
}

func (s *MemoryPendingStore) Due(ctx context.Context, before time.Time) ([]RetryTask, error) {
	all, _ := s.List(ctx)
	out := all[:0]
	for _, t := range all {
		if !t.RunAt.After(before) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryPendingStore) List(ctx context.Context) ([]RetryTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RetryTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].RunAt.Before(out[k].RunAt) })
	return out, nil
}
