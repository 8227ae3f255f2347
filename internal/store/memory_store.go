package store

import (
	"bytes"
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/iambrandonn/agentq/internal/protocol"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore implements Store in process memory
type MemoryStore struct {
	mu      sync.Mutex
	kv      map[string]memoryEntry
	lists   map[string][][]byte
	listTTL map[string]time.Time
	waiters map[string]chan struct{} // key -> closed on next push
	closed  bool

	stopGC chan struct{}
	gcDone chan struct{}
}

// NewMemoryStore creates a memory store. gcInterval <= 0 disables the
// background sweep; expired keys are still invisible to readers.
func NewMemoryStore(gcInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		kv:      make(map[string]memoryEntry),
		lists:   make(map[string][][]byte),
		listTTL: make(map[string]time.Time),
		waiters: make(map[string]chan struct{}),
		stopGC:  make(chan struct{}),
		gcDone:  make(chan struct{}),
	}
	if gcInterval > 0 {
		go s.gcLoop(gcInterval)
	} else {
		close(s.gcDone)
	}
	return s
}

func (s *MemoryStore) Push(ctx context.Context, key string, item []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return protocol.StoreUnavailableError("push", errClosed)
	}

	s.lists[key] = append(s.lists[key], cloneBytes(item))
	if ch, ok := s.waiters[key]; ok {
		close(ch)
		delete(s.waiters, key)
	}
	return nil
}

func (s *MemoryStore) BlockingPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, protocol.StoreUnavailableError("blockingPop", errClosed)
		}
		if items := s.lists[key]; len(items) > 0 {
			head := items[0]
			if len(items) == 1 {
				delete(s.lists, key)
			} else {
				s.lists[key] = items[1:]
			}
			s.mu.Unlock()
			return head, nil
		}
		ch, ok := s.waiters[key]
		if !ok {
			ch = make(chan struct{})
			s.waiters[key] = ch
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-ch:
		}
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, protocol.StoreUnavailableError("get", errClosed)
	}

	e, ok := s.kv[key]
	if !ok || e.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return cloneBytes(e.value), nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return protocol.StoreUnavailableError("set", errClosed)
	}

	e := memoryEntry{value: cloneBytes(value)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.kv[key] = e
	return nil
}

func (s *MemoryStore) CompareAndSet(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, protocol.StoreUnavailableError("compareAndSet", errClosed)
	}

	e, ok := s.kv[key]
	if !ok || e.expired(time.Now()) || !bytes.Equal(e.value, old) {
		return false, nil
	}
	next := memoryEntry{value: cloneBytes(value)}
	if ttl > 0 {
		next.expiresAt = time.Now().Add(ttl)
	}
	s.kv[key] = next
	return true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return protocol.StoreUnavailableError("delete", errClosed)
	}

	delete(s.kv, key)
	delete(s.lists, key)
	delete(s.listTTL, key)
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, protocol.StoreUnavailableError("keys", errClosed)
	}

	now := time.Now()
	var keys []string
	for k, e := range s.kv {
		if e.expired(now) {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	for k := range s.lists {
		if s.listExpired(k, now) {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) ListPush(ctx context.Context, key string, value []byte, maxLen int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return protocol.StoreUnavailableError("listPush", errClosed)
	}

	s.dropExpiredList(key, time.Now())
	items := append(s.lists[key], cloneBytes(value))
	if maxLen > 0 && len(items) > maxLen {
		items = items[len(items)-maxLen:]
	}
	s.lists[key] = items
	return nil
}

func (s *MemoryStore) ListRange(ctx context.Context, key string, start, stop int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, protocol.StoreUnavailableError("listRange", errClosed)
	}

	s.dropExpiredList(key, time.Now())
	items := s.lists[key]
	from, to, ok := normalizeRange(len(items), start, stop)
	if !ok {
		return [][]byte{}, nil
	}
	out := make([][]byte, 0, to-from+1)
	for _, item := range items[from : to+1] {
		out = append(out, cloneBytes(item))
	}
	return out, nil
}

func (s *MemoryStore) ListLen(ctx context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, protocol.StoreUnavailableError("listLen", errClosed)
	}
	s.dropExpiredList(key, time.Now())
	return len(s.lists[key]), nil
}

func (s *MemoryStore) ExpireList(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return protocol.StoreUnavailableError("expireList", errClosed)
	}

	if ttl <= 0 {
		delete(s.listTTL, key)
		return nil
	}
	s.listTTL[key] = time.Now().Add(ttl)
	return nil
}

func (s *MemoryStore) listExpired(key string, now time.Time) bool {
	at, ok := s.listTTL[key]
	return ok && !now.Before(at)
}

// dropExpiredList removes a list whose deadline passed. Callers hold s.mu.
func (s *MemoryStore) dropExpiredList(key string, now time.Time) {
	if s.listExpired(key, now) {
		delete(s.lists, key)
		delete(s.listTTL, key)
	}
}

// Close stops the GC loop and wakes blocked poppers
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for k, ch := range s.waiters {
		close(ch)
		delete(s.waiters, k)
	}
	s.mu.Unlock()

	select {
	case <-s.gcDone:
	default:
		close(s.stopGC)
		<-s.gcDone
	}
	return nil
}

func (s *MemoryStore) gcLoop(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			s.collect()
		}
	}
}

func (s *MemoryStore) collect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for k, e := range s.kv {
		if e.expired(now) {
			delete(s.kv, k)
		}
	}
	for k := range s.listTTL {
		s.dropExpiredList(k, now)
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
