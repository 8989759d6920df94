package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pinchtab/postbridge/internal/types"
)

// Memory is a Store kept in process memory. Snapshots are deep-copied in and
// out so callers cannot alias stored state.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]types.Account
	proxies  map[string]types.Proxy
	sessions map[string]Snapshot
	saves    map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]types.Account),
		proxies:  make(map[string]types.Proxy),
		sessions: make(map[string]Snapshot),
		saves:    make(map[string]int),
	}
}

func (m *Memory) LoadSession(ctx context.Context, accountID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[accountID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", accountID, ErrNotFound)
	}
	return copySnapshot(s), nil
}

func (m *Memory) SaveSession(ctx context.Context, accountID string, snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("nil snapshot")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[accountID] = *copySnapshot(*snap)
	m.saves[accountID]++
	return nil
}

func (m *Memory) DeleteSession(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, accountID)
	return nil
}

// SaveCount reports how many times SaveSession ran for accountID.
func (m *Memory) SaveCount(accountID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves[accountID]
}

func (m *Memory) Account(ctx context.Context, id string) (*types.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return &a, nil
}

func (m *Memory) Proxy(ctx context.Context, id string) (*types.Proxy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proxies[id]
	if !ok {
		return nil, fmt.Errorf("proxy %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (m *Memory) ListAccounts(ctx context.Context) ([]types.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetSessionStatus(ctx context.Context, accountID string, status types.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	a.SessionStatus = status
	a.UpdatedAt = time.Now()
	m.accounts[accountID] = a
	return nil
}

func (m *Memory) PutAccount(ctx context.Context, a types.Account) error {
	if a.ID == "" {
		return fmt.Errorf("account id required")
	}
	a = normalizeAccount(a)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = a
	return nil
}

func (m *Memory) PutProxy(ctx context.Context, p types.Proxy) error {
	if p.ID == "" {
		return fmt.Errorf("proxy id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proxies[p.ID] = p
	return nil
}

func (m *Memory) Close() error { return nil }

func copySnapshot(s Snapshot) *Snapshot {
	out := s
	out.Cookies = append(s.Cookies[:0:0], s.Cookies...)
	return &out
}

func normalizeAccount(a types.Account) types.Account {
	if a.PostingMethod == "" {
		a.PostingMethod = types.PostingBrowser
	}
	if !a.SessionStatus.Valid() {
		a.SessionStatus = types.SessionNeedsLogin
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now()
	}
	return a
}

var _ Store = (*Memory)(nil)
