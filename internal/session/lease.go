package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errNotLeased = errors.New("account is not leased")

// LeaseInfo describes the current holder of an account lease.
type LeaseInfo struct {
	Owner string    `json:"owner"`
	Since time.Time `json:"since"`
	Depth int       `json:"depth"`
}

type lease struct {
	slot  chan struct{}
	owner string
	since time.Time
	depth int
}

// leaseManager hands out one exclusive, reentrant lease per key. Reentry is
// granted to the current owner only.
type leaseManager struct {
	mu     sync.Mutex
	leases map[string]*lease
}

func newLeaseManager() *leaseManager {
	return &leaseManager{leases: make(map[string]*lease)}
}

func (m *leaseManager) get(key string) *lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[key]
	if !ok {
		l = &lease{slot: make(chan struct{}, 1)}
		m.leases[key] = l
	}
	return l
}

// Acquire blocks until key is free, ctx ends, or owner already holds it.
// The returned bool reports a reentrant acquisition.
func (m *leaseManager) Acquire(ctx context.Context, key, owner string) (bool, error) {
	l := m.get(key)

	m.mu.Lock()
	if l.depth > 0 && l.owner == owner {
		l.depth++
		m.mu.Unlock()
		return true, nil
	}
	m.mu.Unlock()

	select {
	case l.slot <- struct{}{}:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	m.mu.Lock()
	l.owner = owner
	l.since = time.Now()
	l.depth = 1
	m.mu.Unlock()
	return false, nil
}

// TryAcquire takes key only if nobody holds it.
func (m *leaseManager) TryAcquire(key, owner string) bool {
	l := m.get(key)
	select {
	case l.slot <- struct{}{}:
	default:
		return false
	}
	m.mu.Lock()
	l.owner = owner
	l.since = time.Now()
	l.depth = 1
	m.mu.Unlock()
	return true
}

// Release drops one level of the lease and frees key when the outermost
// holder releases. It reports whether key is now free.
func (m *leaseManager) Release(key string) (bool, error) {
	m.mu.Lock()
	l, ok := m.leases[key]
	if !ok || l.depth == 0 {
		m.mu.Unlock()
		return false, errNotLeased
	}
	l.depth--
	if l.depth > 0 {
		m.mu.Unlock()
		return false, nil
	}
	l.owner = ""
	l.since = time.Time{}
	m.mu.Unlock()
	<-l.slot
	return true, nil
}

// Depth is 0 when key is free.
func (m *leaseManager) Depth(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[key]; ok {
		return l.depth
	}
	return 0
}

func (m *leaseManager) Owner(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[key]; ok && l.depth > 0 {
		return l.owner
	}
	return ""
}

func (m *leaseManager) Get(key string) *LeaseInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[key]
	if !ok || l.depth == 0 {
		return nil
	}
	return &LeaseInfo{Owner: l.owner, Since: l.since, Depth: l.depth}
}
