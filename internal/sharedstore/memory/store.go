// Package memory implements an in-process SharedStore for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/automation-orchestrator/internal/orchestrator"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// Store is a mutex-guarded SharedStore whose TTLs follow the injected clock.
type Store struct {
	mu      sync.Mutex
	clock   orchestrator.Clock
	strings map[string]entry
	lists   map[string][]string
}

// New creates a Store. TTL expiry is evaluated against clock.
func New(clock orchestrator.Clock) *Store {
	return &Store{
		clock:   clock,
		strings: make(map[string]entry),
		lists:   make(map[string][]string),
	}
}

// lookup returns the live entry for key, evicting it if expired. Caller holds mu.
func (s *Store) lookup(key string) (entry, bool) {
	e, ok := s.strings[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !s.clock.Now().Before(e.expiresAt) {
		delete(s.strings, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(ttl)
}

// Get returns the value for key.
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	return e.value, ok, nil
}

// Set stores value with an optional TTL; ttl <= 0 never expires.
func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = entry{value: value, expiresAt: s.expiry(ttl)}
	return nil
}

// SetNX stores value only when key is absent.
func (s *Store) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	if _, ok := s.lists[key]; ok {
		return false, nil
	}
	s.strings[key] = entry{value: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

// Delete removes keys and reports how many existed.
func (s *Store) Delete(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for _, key := range keys {
		if _, ok := s.lookup(key); ok {
			delete(s.strings, key)
			removed++
			continue
		}
		if _, ok := s.lists[key]; ok {
			delete(s.lists, key)
			removed++
		}
	}
	return removed, nil
}

// RPush appends values to the list at key.
func (s *Store) RPush(_ context.Context, key string, values ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[key] = append(s.lists[key], values...)
	return int64(len(s.lists[key])), nil
}

// LPop removes and returns the head of the list at key.
func (s *Store) LPop(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key]
	if len(list) == 0 {
		return "", false, nil
	}
	head := list[0]
	if len(list) == 1 {
		delete(s.lists, key)
	} else {
		s.lists[key] = list[1:]
	}
	return head, true, nil
}

// LLen returns the length of the list at key.
func (s *Store) LLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.lists[key])), nil
}

// LRange returns elements start..stop inclusive, with Redis negative-index semantics.
func (s *Store) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key]
	n := int64(len(list))
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
	if n == 0 || start > stop {
		return []string{}, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

// LRem removes up to count occurrences of value scanning from the head; count 0 removes all.
// Negative counts are treated as their absolute value.
func (s *Store) LRem(_ context.Context, key string, count int64, value string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if count < 0 {
		count = -count
	}
	list := s.lists[key]
	kept := list[:0:0]
	var removed int64
	for _, v := range list {
		if v == value && (count == 0 || removed < count) {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	if len(kept) == 0 {
		delete(s.lists, key)
	} else {
		s.lists[key] = kept
	}
	return removed, nil
}
