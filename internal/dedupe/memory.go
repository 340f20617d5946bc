package dedupe

import (
	"context"
	"sync"
	"time"
)

// sweepEvery 每隔多少次写入清理一次过期项
const sweepEvery = 256

// Memory 进程内去重缓存
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	expires map[string]time.Time
	writes  int
}

// NewMemory 创建进程内去重缓存
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:     ttl,
		now:     time.Now,
		expires: make(map[string]time.Time),
	}
}

// Seen 实现 Cache
func (m *Memory) Seen(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.expires[key]; ok && now.Before(exp) {
		return true, nil
	}

	m.expires[key] = now.Add(m.ttl)
	m.writes++
	if m.writes%sweepEvery == 0 {
		m.sweepLocked(now)
	}
	return false, nil
}

// Forget 实现 Cache
func (m *Memory) Forget(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.expires, key)
	return nil
}

// Len 当前条目数（含未清理的过期项）
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.expires)
}

func (m *Memory) sweepLocked(now time.Time) {
	for key, exp := range m.expires {
		if !now.Before(exp) {
			delete(m.expires, key)
		}
	}
}
