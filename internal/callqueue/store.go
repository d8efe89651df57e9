package callqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotQueued = errors.New("callqueue: call not queued")

// QueuedCall is an inbound call waiting for an agent.
type QueuedCall struct {
	CommID string `json:"comm_id"`
	TeamID string `json:"team_id"`
	// FiredCallsToAgents maps agent user id to the provider call ids ringing that agent.
	FiredCallsToAgents map[string][]string `json:"fired_calls_to_agents,omitempty"`
	EnqueuedAt         time.Time           `json:"enqueued_at"`
}

// Stats is the per-call queue bookkeeping used for reporting.
type Stats struct {
	CommID string `json:"comm_id"`
	HangUp bool   `json:"hang_up"`
}

type Store interface {
	Enqueue(ctx context.Context, c QueuedCall) error
	// Remove takes the call out of the queue. It returns ErrNotQueued when the
	// call was already dequeued.
	Remove(ctx context.Context, commID string) (QueuedCall, error)
	MarkHangUp(ctx context.Context, commID string) error
	Stats(ctx context.Context, commID string) (Stats, error)
}

const (
	queueKey       = "telephony:queue"
	statsKeyPrefix = "telephony:queue:stats:"
	statsTTL       = 7 * 24 * time.Hour
)

var removeScript = redis.NewScript(`
-- KEYS[1] = queue hash
-- ARGV[1] = comm id
local v = redis.call('HGET', KEYS[1], ARGV[1])
if not v then
  return false
end
redis.call('HDEL', KEYS[1], ARGV[1])
return v
`)

type RedisStore struct {
	rdb redis.Cmdable
}

func NewRedisStore(rdb redis.Cmdable) *RedisStore { return &RedisStore{rdb: rdb} }

func (s *RedisStore) Enqueue(ctx context.Context, c QueuedCall) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, queueKey, c.CommID, b).Err()
}

func (s *RedisStore) Remove(ctx context.Context, commID string) (QueuedCall, error) {
	raw, err := removeScript.Run(ctx, s.rdb, []string{queueKey}, commID).Text()
	if err == redis.Nil {
		return QueuedCall{}, ErrNotQueued
	}
	if err != nil {
		return QueuedCall{}, fmt.Errorf("removing queued call: %w", err)
	}
	var c QueuedCall
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return QueuedCall{}, fmt.Errorf("decoding queued call: %w", err)
	}
	return c, nil
}

func (s *RedisStore) MarkHangUp(ctx context.Context, commID string) error {
	key := statsKeyPrefix + commID
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "hang_up", 1)
		p.Expire(ctx, key, statsTTL)
		return nil
	})
	return err
}

func (s *RedisStore) Stats(ctx context.Context, commID string) (Stats, error) {
	v, err := s.rdb.HGet(ctx, statsKeyPrefix+commID, "hang_up").Result()
	if err != nil && err != redis.Nil {
		return Stats{}, err
	}
	return Stats{CommID: commID, HangUp: v == "1"}, nil
}

type MemoryStore struct {
	mu    sync.Mutex
	queue map[string]QueuedCall
	stats map[string]Stats
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{queue: map[string]QueuedCall{}, stats: map[string]Stats{}}
}

func (s *MemoryStore) Enqueue(ctx context.Context, c QueuedCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue[c.CommID] = c
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, commID string) (QueuedCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.queue[commID]
	if !ok {
		return QueuedCall{}, ErrNotQueued
	}
	delete(s.queue, commID)
	return c, nil
}

func (s *MemoryStore) MarkHangUp(ctx context.Context, commID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[commID] = Stats{CommID: commID, HangUp: true}
	return nil
}

func (s *MemoryStore) Stats(ctx context.Context, commID string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[commID]
	if !ok {
		return Stats{CommID: commID}, nil
	}
	return st, nil
}
