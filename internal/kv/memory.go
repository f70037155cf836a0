package kv

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Cache for single-node deployments and tests.
// A deployment without a configured Redis URL runs on this.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

// NewMemory returns an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry)}
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// get returns the live entry for key, pruning it if expired. Caller holds mu.
func (m *Memory) get(key string, now time.Time) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if e.expired(now) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key, time.Now())
	if !ok {
		return "", ErrMiss
	}
	return e.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(key, value, ttl)
	return nil
}

func (m *Memory) set(key, value string, ttl time.Duration) {
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.entries[key] = e
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.get(key, time.Now())
	return ok, nil
}

func (m *Memory) MGet(_ context.Context, keys ...string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := make([]string, len(keys))
	for i, k := range keys {
		if e, ok := m.get(k, now); ok {
			out[i] = e.value
		}
	}
	return out, nil
}

func (m *Memory) MSet(_ context.Context, pairs map[string]string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range pairs {
		m.set(k, v, ttl)
	}
	return nil
}

func (m *Memory) Increment(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var cur int64
	e, ok := m.get(key, now)
	if ok {
		n, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, err
		}
		cur = n
	}
	cur += delta
	e.value = strconv.FormatInt(cur, 10)
	m.entries[key] = e
	return cur, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key, time.Now())
	if !ok {
		return ErrMiss
	}
	e.expiresAt = time.Now().Add(ttl)
	m.entries[key] = e
	return nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key, time.Now())
	if !ok {
		return -2 * time.Second, nil // redis convention: -2 = missing
	}
	if e.expiresAt.IsZero() {
		return -1 * time.Second, nil // -1 = no expiry
	}
	return time.Until(e.expiresAt), nil
}

func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []string
	for k := range m.entries {
		if _, ok := m.get(k, now); !ok {
			continue
		}
		if matched, _ := path.Match(pattern, k); matched {
			out = append(out, k)
		}
	}
	return out, nil
}

// Scan is a single-pass scan; the memory cache has no cursor state, so it
// returns everything matching with a zero next-cursor.
func (m *Memory) Scan(ctx context.Context, _ uint64, pattern string, _ int64) ([]string, uint64, error) {
	keys, err := m.Keys(ctx, pattern)
	return keys, 0, err
}

func (m *Memory) Lock(ctx context.Context, key string, ttl time.Duration, retries int) (Lock, error) {
	lockKey := "lock:" + key
	for attempt := 0; ; attempt++ {
		m.mu.Lock()
		if _, held := m.get(lockKey, time.Now()); !held {
			token := randomToken()
			m.set(lockKey, token, ttl)
			m.mu.Unlock()
			return &memLock{m: m, key: lockKey, token: token}, nil
		}
		m.mu.Unlock()
		if attempt >= retries {
			return nil, ErrLockHeld
		}
		select {
		case <-time.After(lockRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Memory) Close() error { return nil }

type memLock struct {
	m     *Memory
	key   string
	token string
}

func (l *memLock) Release(_ context.Context) error {
	l.m.mu.Lock()
	if e, ok := l.m.get(l.key, time.Now()); ok && e.value == l.token {
		delete(l.m.entries, l.key)
	}
	l.m.mu.Unlock()
	return nil
}

func (l *memLock) Extend(_ context.Context, ttl time.Duration) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	e, ok := l.m.get(l.key, time.Now())
	if !ok || e.value != l.token {
		return ErrLockLost
	}
	e.expiresAt = time.Now().Add(ttl)
	l.m.entries[l.key] = e
	return nil
}
