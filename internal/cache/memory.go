package cache

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MemoryProvider is a process-local Provider for single-instance deployments and tests.
type MemoryProvider struct {
	mu    sync.Mutex
	data  map[string]item
	clock clockwork.Clock
}

type item struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryProvider creates an in-memory provider; a nil clock uses wall time.
func NewMemoryProvider(clock clockwork.Clock) *MemoryProvider {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryProvider{data: make(map[string]item), clock: clock}
}

// Get retrieves a value if present and not expired.
func (m *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.live(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), it.value...), nil
}

// Set stores a value with optional TTL.
func (m *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expires time.Time
	if ttl > 0 {
		expires = m.clock.Now().Add(ttl)
	}
	m.data[key] = item{value: append([]byte(nil), value...), expiresAt: expires}
	return nil
}

// Incr increments the integer stored at key, creating it at 1 without expiry.
func (m *MemoryProvider) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	it, ok := m.live(key)
	if ok {
		parsed, err := strconv.ParseInt(string(it.value), 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
	}
	current++
	it.value = []byte(strconv.FormatInt(current, 10))
	m.data[key] = it
	return current, nil
}

// Expire sets the TTL of an existing key.
func (m *MemoryProvider) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.live(key)
	if !ok {
		return nil
	}
	it.expiresAt = m.clock.Now().Add(ttl)
	m.data[key] = it
	return nil
}

// Keys returns live keys matching a glob pattern, sorted.
func (m *MemoryProvider) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	re, err := globToRegexp(pattern)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0)
	for key := range m.data {
		if _, ok := m.live(key); !ok {
			continue
		}
		if re.MatchString(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Del removes an entry.
func (m *MemoryProvider) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Close is a no-op.
func (m *MemoryProvider) Close() error { return nil }

// live must be called with mu held; it evicts expired entries.
func (m *MemoryProvider) live(key string) (item, bool) {
	it, ok := m.data[key]
	if !ok {
		return item{}, false
	}
	if !it.expiresAt.IsZero() && !m.clock.Now().Before(it.expiresAt) {
		delete(m.data, key)
		return item{}, false
	}
	return it, true
}

// globToRegexp follows Redis KEYS semantics: '*' and '?' also match ':' and '/'.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
