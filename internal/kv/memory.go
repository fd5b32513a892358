package kv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// memoryStore implements Store with in-process maps. All operations take
// the store mutex, so per-key atomicity holds trivially.
type memoryStore struct {
	prefix string
	mu     sync.Mutex
	data   map[string]memoryEntry
	sets   map[string]map[string]struct{}
	lists  map[string][]string
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
	counter   int64
	noExpire  bool
}

// NewMemory builds an in-memory Store.
func NewMemory(prefix string) Store {
	return &memoryStore{
		prefix: prefix,
		data:   make(map[string]memoryEntry),
		sets:   make(map[string]map[string]struct{}),
		lists:  make(map[string][]string),
	}
}

func (s *memoryStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.noExpire && now.After(e.expiresAt)
}

func (s *memoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data[s.key(key)]
	if !ok || entry.expired(time.Now()) {
		return "", ErrNotFound
	}
	return entry.value, nil
}

func (s *memoryStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[s.key(key)] = memoryEntry{value: value, noExpire: true}
	return nil
}

func (s *memoryStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ttl <= 0 {
		s.data[s.key(key)] = memoryEntry{value: value, noExpire: true}
		return nil
	}
	s.data[s.key(key)] = memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, s.key(key))
	return nil
}

func (s *memoryStore) GetDel(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.key(key)
	entry, ok := s.data[k]
	if !ok || entry.expired(time.Now()) {
		return "", ErrNotFound
	}
	delete(s.data, k)
	return entry.value, nil
}

func (s *memoryStore) AtomicIncrement(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.key(key)
	now := time.Now()
	entry, ok := s.data[k]
	if !ok || entry.expired(now) {
		entry = memoryEntry{}
	}
	entry.counter++
	// Mirror redis INCR: the counter reads back as a numeric string.
	entry.value = strconv.FormatInt(entry.counter, 10)
	entry.noExpire = ttl <= 0
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	s.data[k] = entry
	return entry.counter, nil
}

func (s *memoryStore) AddToSet(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.key(key)
	if s.sets[k] == nil {
		s.sets[k] = make(map[string]struct{})
	}
	s.sets[k][member] = struct{}{}
	return nil
}

func (s *memoryStore) RemoveFromSet(ctx context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.key(key)
	set, ok := s.sets[k]
	if !ok {
		return false, nil
	}
	if _, present := set[member]; !present {
		return false, nil
	}
	delete(set, member)
	return true, nil
}

func (s *memoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.sets[s.key(key)]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out, nil
}

func (s *memoryStore) PushToList(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.key(key)
	s.lists[k] = append([]string{value}, s.lists[k]...)
	return nil
}

func (s *memoryStore) TrimList(ctx context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.key(key)
	s.lists[k] = sliceRange(s.lists[k], start, stop)
	return nil
}

func (s *memoryStore) RangeList(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := sliceRange(s.lists[s.key(key)], start, stop)
	cp := make([]string, len(out))
	copy(cp, out)
	return cp, nil
}

func (s *memoryStore) Ping(ctx context.Context) error { return nil }

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	s.sets = nil
	s.lists = nil
	return nil
}

// sliceRange applies Redis LRANGE/LTRIM index semantics (negative indexes
// count from the tail, ranges are inclusive).
func sliceRange(list []string, start, stop int64) []string {
	n := int64(len(list))
	if n == 0 {
		return nil
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil
	}
	return list[start : stop+1]
}
