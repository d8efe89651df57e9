package routing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"leasing-telephony/internal/tenancy"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type PostgresBlacklist struct {
	db *sql.DB
}

func NewPostgresBlacklist(db *sql.DB) *PostgresBlacklist { return &PostgresBlacklist{db: db} }

func (p *PostgresBlacklist) IsBlacklisted(ctx context.Context, phone string) (bool, error) {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM contact_infos
  WHERE type = 'phone' AND value = $1 AND is_spam = true AND ($2 = '' OR tenant_id = $2)
)
`
	var spam bool
	if err := p.db.QueryRowContext(ctx, q, phone, tenancy.TenantID(ctx)).Scan(&spam); err != nil {
		return false, fmt.Errorf("checking blacklist: %w", err)
	}
	return spam, nil
}

// CachedBlacklist memoizes blacklist lookups per tenant and phone for ttl.
type CachedBlacklist struct {
	next  BlacklistChecker
	cache *expirable.LRU[string, bool]
}

func NewCachedBlacklist(next BlacklistChecker, size int, ttl time.Duration) *CachedBlacklist {
	if size <= 0 {
		size = 4096
	}
	return &CachedBlacklist{next: next, cache: expirable.NewLRU[string, bool](size, nil, ttl)}
}

func (c *CachedBlacklist) IsBlacklisted(ctx context.Context, phone string) (bool, error) {
	key := tenancy.TenantID(ctx) + "|" + phone
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}
	v, err := c.next.IsBlacklisted(ctx, phone)
	if err != nil {
		return false, err
	}
	c.cache.Add(key, v)
	return v, nil
}

type PostgresPrograms struct {
	db *sql.DB
}

func NewPostgresPrograms(db *sql.DB) *PostgresPrograms { return &PostgresPrograms{db: db} }

func (p *PostgresPrograms) FindByPhone(ctx context.Context, phone string) (Program, bool, error) {
	const q = `
SELECT p.id, p.phone, p.end_date IS NULL OR p.end_date > now(),
       COALESCE(p.target_id, ''), COALESCE(t.active, false)
FROM programs p
LEFT JOIN routing_targets t ON t.id = p.target_id
WHERE p.phone = $1 AND ($2 = '' OR p.tenant_id = $2)
ORDER BY p.created_at DESC
LIMIT 1
`
	var out Program
	err := p.db.QueryRowContext(ctx, q, phone, tenancy.TenantID(ctx)).Scan(
		&out.ID, &out.Phone, &out.Active, &out.TargetID, &out.TargetActive,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Program{}, false, nil
		}
		return Program{}, false, fmt.Errorf("loading program by phone: %w", err)
	}
	return out, true, nil
}

// MemoryBlacklist is a fixed set of spam numbers. It counts lookups for tests.
type MemoryBlacklist struct {
	mu      sync.Mutex
	numbers map[string]bool
	lookups int
}

func NewMemoryBlacklist(numbers ...string) *MemoryBlacklist {
	m := &MemoryBlacklist{numbers: map[string]bool{}}
	for _, n := range numbers {
		m.numbers[n] = true
	}
	return m
}

func (m *MemoryBlacklist) IsBlacklisted(ctx context.Context, phone string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	return m.numbers[phone], nil
}

func (m *MemoryBlacklist) Lookups() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookups
}

type MemoryPrograms struct {
	mu       sync.Mutex
	programs map[string]Program
}

func NewMemoryPrograms(programs ...Program) *MemoryPrograms {
	m := &MemoryPrograms{programs: map[string]Program{}}
	for _, p := range programs {
		m.programs[p.Phone] = p
	}
	return m
}

func (m *MemoryPrograms) FindByPhone(ctx context.Context, phone string) (Program, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.programs[phone]
	return p, ok, nil
}
