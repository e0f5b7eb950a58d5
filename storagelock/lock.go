// Package storagelock throttles how often one client may store a URL
// Metric.  A Lock compares the current time against the last time the
// client's lock was set; where that timestamp lives is up to the Store.
//
// Callers that run with the privileged priming flag must skip both
// IsLocked and SetLock.
package storagelock

import (
	"context"
	"sync"
	"time"
)

// Store persists the last lock time for a client.
type Store interface {
	// LastLockTime returns the last time SetLastLockTime was called
	// for client.  ok is false if there is no record.
	LastLockTime(ctx context.Context, client string) (t time.Time, ok bool, err error)
	SetLastLockTime(ctx context.Context, client string, t time.Time) error
}

// Lock is a TTL gate over a Store.  A zero TTL never locks.
type Lock struct {
	store Store
	ttl   time.Duration
}

func New(store Store, ttl time.Duration) *Lock {
	return &Lock{store: store, ttl: ttl}
}

// TTL returns the lock duration.
func (l *Lock) TTL() time.Duration {
	return l.ttl
}

// IsLocked reports whether client set a lock less than TTL before now.
func (l *Lock) IsLocked(ctx context.Context, client string, now time.Time) (bool, error) {
	if l.ttl <= 0 {
		return false, nil
	}
	last, ok, err := l.store.LastLockTime(ctx, client)
	if err != nil || !ok {
		return false, err
	}
	return now.Before(last.Add(l.ttl)), nil
}

// SetLock records now as client's lock time.
func (l *Lock) SetLock(ctx context.Context, client string, now time.Time) error {
	if l.ttl <= 0 {
		return nil
	}
	return l.store.SetLastLockTime(ctx, client, now)
}

// pruneThreshold is how many entries a MemoryStore holds before
// expired ones are dropped on write.
const pruneThreshold = 4096

// MemoryStore keeps lock times in process memory.  Entries older than
// the retention are dropped once the store grows large.
type MemoryStore struct {
	mu        sync.Mutex
	times     map[string]time.Time
	retention time.Duration
}

// NewMemoryStore returns a MemoryStore that forgets entries older than
// retention, which should be at least the Lock's TTL.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		times:     map[string]time.Time{},
		retention: retention,
	}
}

func (s *MemoryStore) LastLockTime(_ context.Context, client string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.times[client]
	return t, ok, nil
}

func (s *MemoryStore) SetLastLockTime(_ context.Context, client string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.times[client] = t
	if len(s.times) > pruneThreshold {
		for k, v := range s.times {
			if t.Sub(v) > s.retention {
				delete(s.times, k)
			}
		}
	}
	return nil
}

// Len returns the number of clients with a recorded lock time.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.times)
}
