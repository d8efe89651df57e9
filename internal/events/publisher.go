package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Publisher delivers notifications to connected clients.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

const channelPrefix = "telephony:notifications:"

// Channel is the redis pub/sub channel for a tenant.
func Channel(tenantID string) string {
	if tenantID == "" {
		tenantID = "default"
	}
	return channelPrefix + tenantID
}

type RedisPublisher struct {
	rdb redis.Cmdable
}

func NewRedisPublisher(rdb redis.Cmdable) *RedisPublisher { return &RedisPublisher{rdb: rdb} }

func (p *RedisPublisher) Publish(ctx context.Context, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	if err := p.rdb.Publish(ctx, Channel(n.TenantID), b).Err(); err != nil {
		return fmt.Errorf("publishing %s: %w", n.Event, err)
	}
	return nil
}

// MemoryPublisher records notifications in order.
type MemoryPublisher struct {
	mu   sync.Mutex
	sent []Notification
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(ctx context.Context, n Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, n)
	return nil
}

func (p *MemoryPublisher) Sent() []Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Notification(nil), p.sent...)
}

// Named filters Sent by event name.
func (p *MemoryPublisher) Named(event string) []Notification {
	var out []Notification
	for _, n := range p.Sent() {
		if n.Event == event {
			out = append(out, n)
		}
	}
	return out
}
