package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotHeld is returned by Unlock when the token no longer owns the key.
var ErrNotHeld = errors.New("lock not held")

// Locker is a best-effort mutual-exclusion lease shared between scheduler
// instances. A lease expires after ttl even if never released.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
}

type lease struct {
	token     string
	expiresAt time.Time
}

// Memory is an in-process Locker.
type Memory struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{leases: make(map[string]lease), now: now}
}

func (m *Memory) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.leases[key]; ok && now.Before(l.expiresAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	m.leases[key] = lease{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (m *Memory) Unlock(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[key]
	if !ok || l.token != token || !m.now().Before(l.expiresAt) {
		return ErrNotHeld
	}
	delete(m.leases, key)
	return nil
}
