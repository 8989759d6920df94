package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pinchtab/postbridge/internal/browser"
	"github.com/pinchtab/postbridge/internal/types"
)

// Session is the pool's handle on one account's browser context. At most
// one exists per account.
type Session struct {
	AccountID string
	// Identity is stable across reuse and, through the saved snapshot,
	// across restarts.
	Identity  string
	CreatedAt time.Time
	// Restored is set when cookies from a saved snapshot were applied.
	Restored bool
	Proxy    *browser.ProxyConfig

	bctx browser.Context

	mu            sync.Mutex
	pages         []browser.Page
	owner         string
	uses          int
	lastUsed      time.Time
	lastSaved     time.Time
	status        types.SessionStatus
	pendingDelete bool
}

func (s *Session) Context() browser.Context { return s.bctx }

// NewPage opens a page that is closed automatically when the lease ends.
func (s *Session) NewPage(ctx context.Context) (browser.Page, error) {
	pg, err := s.bctx.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("new page for %s: %w", s.AccountID, err)
	}
	s.mu.Lock()
	s.pages = append(s.pages, pg)
	s.mu.Unlock()
	return pg, nil
}

// ClosePage closes pg now and stops tracking it.
func (s *Session) ClosePage(ctx context.Context, pg browser.Page) error {
	s.mu.Lock()
	for i, p := range s.pages {
		if p == pg {
			s.pages = append(s.pages[:i], s.pages[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	return pg.Close(ctx)
}

func (s *Session) takePages() []browser.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	pages := s.pages
	s.pages = nil
	return pages
}

func (s *Session) OpenPages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pages)
}

func (s *Session) markLeased(owner string) {
	s.mu.Lock()
	s.owner = owner
	s.uses++
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *Session) markReleased() {
	s.mu.Lock()
	s.owner = ""
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *Session) leaseOwner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

func (s *Session) markSaved(t time.Time) {
	s.mu.Lock()
	s.lastSaved = t
	s.mu.Unlock()
}

func (s *Session) setStatus(status types.SessionStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// wasAuthenticated is true when the session carried credentials at some
// point: restored from a snapshot, saved, or seen active.
func (s *Session) wasAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Restored || !s.lastSaved.IsZero() || s.status == types.SessionActive
}

func (s *Session) setPendingDelete() {
	s.mu.Lock()
	s.pendingDelete = true
	s.mu.Unlock()
}

func (s *Session) pendingDeleteSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingDelete
}

// Info is a point-in-time view of a session for listings.
type Info struct {
	AccountID     string              `json:"accountId"`
	Identity      string              `json:"identity"`
	CreatedAt     time.Time           `json:"createdAt"`
	LastUsed      time.Time           `json:"lastUsed"`
	LastSaved     time.Time           `json:"lastSaved,omitempty"`
	Uses          int                 `json:"uses"`
	OpenPages     int                 `json:"openPages"`
	Restored      bool                `json:"restored"`
	Status        types.SessionStatus `json:"status,omitempty"`
	Proxy         string              `json:"proxy,omitempty"`
	PendingDelete bool                `json:"pendingDelete,omitempty"`
	Lease         *LeaseInfo          `json:"lease,omitempty"`
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := Info{
		AccountID:     s.AccountID,
		Identity:      s.Identity,
		CreatedAt:     s.CreatedAt,
		LastUsed:      s.lastUsed,
		LastSaved:     s.lastSaved,
		Uses:          s.uses,
		OpenPages:     len(s.pages),
		Restored:      s.Restored,
		Status:        s.status,
		PendingDelete: s.pendingDelete,
	}
	if s.Proxy != nil {
		i.Proxy = s.Proxy.Server()
	}
	return i
}
