// Package session owns one persistent browser context per account: creating
// it on first use, restoring its saved cookies, lending it out to one
// operation at a time, persisting it, checking it and tearing it down.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pinchtab/postbridge/internal/browser"
	"github.com/pinchtab/postbridge/internal/store"
)

var (
	ErrPoolClosed     = errors.New("session pool closed")
	ErrNoSession      = errors.New("no live session for account")
	ErrProxyUnhealthy = errors.New("proxy unhealthy")
	ErrDeletePending  = errors.New("session is being deleted")
)

// ProxyVerifier confirms a device's proxy works before a context is bound
// to it.
type ProxyVerifier interface {
	EnsureHealthy(ctx context.Context, deviceID, providerID string) error
}

// ScreencastStopper is the slice of the screencast service the pool needs.
type ScreencastStopper interface {
	StopScreencast(ctx context.Context, accountID string)
}

// ProxyResolver looks up the proxy bound to an account. Used when an
// operation needs the session but the caller did not pass a proxy.
type ProxyResolver func(ctx context.Context, accountID string) (*browser.ProxyConfig, error)

type Options struct {
	PlatformURL     string
	NavigateTimeout time.Duration
	// CloseTimeout bounds each page/context close during release and
	// shutdown.
	CloseTimeout time.Duration
	Probe        HealthProbe
}

func (o Options) withDefaults() Options {
	if o.PlatformURL == "" {
		o.PlatformURL = "https://x.com"
	}
	if o.NavigateTimeout <= 0 {
		o.NavigateTimeout = 30 * time.Second
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 5 * time.Second
	}
	o.Probe = o.Probe.withDefaults()
	return o
}

type Pool struct {
	driver   browser.Driver
	sessions store.SessionStore
	opts     Options
	leases   *leaseManager

	verifier ProxyVerifier
	stopper  ScreencastStopper
	resolver ProxyResolver

	mu   sync.Mutex
	live map[string]*Session
	// doomed records, per account, the lease owner whose context was
	// deleted while it was being created or torn down.
	doomed  map[string]string
	closing bool
}

func NewPool(driver browser.Driver, sessions store.SessionStore, opts Options) *Pool {
	return &Pool{
		driver:   driver,
		sessions: sessions,
		opts:     opts.withDefaults(),
		leases:   newLeaseManager(),
		live:     make(map[string]*Session),
		doomed:   make(map[string]string),
	}
}

func (p *Pool) SetProxyVerifier(v ProxyVerifier) { p.verifier = v }

func (p *Pool) SetScreencast(s ScreencastStopper) { p.stopper = s }

func (p *Pool) SetProxyResolver(r ProxyResolver) { p.resolver = r }

type leaseKey struct{ accountID string }

// WithLease marks ctx as running under sess's lease. Acquisitions for the
// same account made with the returned context reenter the lease instead of
// waiting for it.
func WithLease(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, leaseKey{sess.AccountID}, sess.leaseOwner())
}

func leaseOwnerFrom(ctx context.Context, accountID string) string {
	owner, _ := ctx.Value(leaseKey{accountID}).(string)
	return owner
}

// AcquireContext returns the account's session, creating it if absent.
// Acquisitions for one account are serialized: callers wait until the
// current holder releases, unless ctx carries that holder's lease (see
// WithLease). proxy is only used when a new context is created.
func (p *Pool) AcquireContext(ctx context.Context, accountID string, proxy *browser.ProxyConfig) (*Session, error) {
	if p.isClosing() {
		return nil, ErrPoolClosed
	}

	owner := leaseOwnerFrom(ctx, accountID)
	if owner == "" {
		owner = uuid.NewString()
	}
	reentrant, err := p.leases.Acquire(ctx, accountID, owner)
	if err != nil {
		return nil, fmt.Errorf("wait for account %s: %w", accountID, err)
	}

	sess, err := p.acquireLocked(ctx, accountID, proxy, owner, reentrant)
	if err != nil {
		free, rerr := p.leases.Release(accountID)
		if rerr != nil {
			slog.Warn("release lease after failed acquire", "account", accountID, "err", rerr)
		}
		if free {
			p.settleDelete(accountID)
		}
		return nil, err
	}
	if !reentrant {
		sess.markLeased(owner)
	}
	return sess, nil
}

func (p *Pool) acquireLocked(ctx context.Context, accountID string, proxy *browser.ProxyConfig, owner string, reentrant bool) (*Session, error) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if sess, ok := p.live[accountID]; ok {
		p.mu.Unlock()
		if reentrant || !sess.pendingDeleteSet() {
			return sess, nil
		}
		// Deleted after its last holder finished releasing; nobody holds it
		// now, so discard it before handing out a fresh one.
		p.finishLease(accountID)
	} else {
		p.mu.Unlock()
	}

	if proxy == nil && p.resolver != nil {
		resolved, err := p.resolver(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("resolve proxy: %w", err)
		}
		proxy = resolved
	}
	if proxy != nil && proxy.DeviceID != "" && p.verifier != nil {
		if err := p.verifier.EnsureHealthy(ctx, proxy.DeviceID, proxy.ProviderID); err != nil {
			return nil, fmt.Errorf("%w: device %s: %v", ErrProxyUnhealthy, proxy.DeviceID, err)
		}
	}

	var snap *store.Snapshot
	if loaded, err := p.sessions.LoadSession(ctx, accountID); err == nil {
		snap = loaded
	} else if !errors.Is(err, store.ErrNotFound) {
		slog.Warn("load saved session", "account", accountID, "err", err)
	}

	bc, err := p.driver.NewContext(ctx, browser.ContextOptions{AccountID: accountID, Proxy: proxy})
	if err != nil {
		return nil, fmt.Errorf("create context for %s: %w", accountID, err)
	}

	sess := &Session{
		AccountID: accountID,
		Identity:  uuid.NewString(),
		CreatedAt: time.Now(),
		Proxy:     proxy,
		bctx:      bc,
	}
	if snap != nil {
		if snap.Identity != "" {
			sess.Identity = snap.Identity
		}
		if err := bc.SetCookies(ctx, snap.Cookies); err != nil {
			slog.Warn("restore cookies", "account", accountID, "err", err)
		} else {
			sess.Restored = true
			sess.lastSaved = snap.SavedAt
		}
	}

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		p.closeContext(bc, accountID)
		return nil, ErrPoolClosed
	}
	if o, ok := p.doomed[accountID]; ok && o == owner {
		sess.setPendingDelete()
	}
	p.live[accountID] = sess
	p.mu.Unlock()

	slog.Info("session created", "account", accountID, "identity", sess.Identity, "restored", sess.Restored, "proxy", proxy != nil, "lease", owner)
	return sess, nil
}

// ReleaseContext ends one acquisition. When the outermost holder releases,
// pages opened during the lease are closed and a pending delete or shutdown
// is carried out; otherwise the context stays alive for reuse.
func (p *Pool) ReleaseContext(accountID string) {
	depth := p.leases.Depth(accountID)
	if depth == 0 {
		slog.Warn("release without lease", "account", accountID)
		return
	}
	defer func() {
		free, err := p.leases.Release(accountID)
		if err != nil {
			slog.Warn("release lease", "account", accountID, "err", err)
		}
		if free {
			p.settleDelete(accountID)
		}
	}()
	if depth == 1 {
		p.finishLease(accountID)
	}
}

func (p *Pool) finishLease(accountID string) {
	if p.stopper != nil {
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.CloseTimeout)
		p.stopper.StopScreencast(ctx, accountID)
		cancel()
	}

	p.mu.Lock()
	sess, ok := p.live[accountID]
	deleted := ok && sess.pendingDeleteSet()
	discard := deleted || (ok && p.closing)
	delete(p.doomed, accountID)
	if discard {
		delete(p.live, accountID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	if deleted {
		// The holder may have saved again after the delete was requested.
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.CloseTimeout)
		if err := p.sessions.DeleteSession(ctx, accountID); err != nil {
			slog.Warn("delete snapshot on release", "account", accountID, "err", err)
		}
		cancel()
	}

	for _, pg := range sess.takePages() {
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.CloseTimeout)
		if err := pg.Close(ctx); err != nil {
			slog.Warn("close page on release", "account", accountID, "page", pg.ID(), "err", err)
		}
		cancel()
	}
	sess.markReleased()

	if discard {
		p.closeContext(sess.bctx, accountID)
	}
}

// settleDelete runs after an account's lease is freed. It drops delete
// marks left by holders that are gone and carries out a delete that arrived
// while the last holder was already releasing.
func (p *Pool) settleDelete(accountID string) {
	for {
		p.mu.Lock()
		if o, ok := p.doomed[accountID]; ok && o != p.leases.Owner(accountID) {
			delete(p.doomed, accountID)
		}
		sess, ok := p.live[accountID]
		pending := ok && sess.pendingDeleteSet()
		p.mu.Unlock()
		if !pending {
			return
		}
		if !p.leases.TryAcquire(accountID, "delete") {
			// The next holder discards it on acquire.
			return
		}
		slog.Info("carrying out delete that raced release", "account", accountID)
		p.finishLease(accountID)
		if _, err := p.leases.Release(accountID); err != nil {
			slog.Warn("release delete lease", "account", accountID, "err", err)
		}
	}
}

func (p *Pool) closeContext(bc browser.Context, accountID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.CloseTimeout)
	defer cancel()
	if err := bc.Close(ctx); err != nil {
		slog.Warn("close context", "account", accountID, "err", err)
		return fmt.Errorf("close context %s: %w", accountID, err)
	}
	slog.Info("session closed", "account", accountID)
	return nil
}

// SaveSession snapshots the live context's cookies to durable storage. A
// session with a delete pending is never written.
func (p *Pool) SaveSession(ctx context.Context, accountID string) error {
	sess, ok := p.Get(accountID)
	if !ok {
		return fmt.Errorf("save %s: %w", accountID, ErrNoSession)
	}
	if sess.pendingDeleteSet() {
		return fmt.Errorf("save %s: %w", accountID, ErrDeletePending)
	}
	cookies, err := sess.bctx.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("read cookies: %w", err)
	}
	snap := &store.Snapshot{Identity: sess.Identity, Cookies: cookies, SavedAt: time.Now()}
	if err := p.sessions.SaveSession(ctx, accountID, snap); err != nil {
		return err
	}
	sess.markSaved(snap.SavedAt)
	slog.Info("session saved", "account", accountID, "cookies", len(cookies))
	return nil
}

// DeleteSession stops any screencast, removes the persisted snapshot and
// closes the context. A context that is leased right now, or still being
// created, is closed when its holder releases it; until then it cannot be
// saved.
func (p *Pool) DeleteSession(ctx context.Context, accountID string) error {
	if p.stopper != nil {
		p.stopper.StopScreencast(ctx, accountID)
	}

	var errs []error
	if err := p.sessions.DeleteSession(ctx, accountID); err != nil {
		errs = append(errs, fmt.Errorf("delete snapshot: %w", err))
	}

	p.mu.Lock()
	sess, ok := p.live[accountID]
	if !ok {
		if holder := p.leases.Owner(accountID); holder != "" {
			p.doomed[accountID] = holder
		}
	}
	p.mu.Unlock()
	if !ok {
		return errors.Join(errs...)
	}

	if owner := leaseOwnerFrom(ctx, accountID); owner != "" && owner == p.leases.Owner(accountID) {
		sess.setPendingDelete()
		slog.Info("session delete deferred to release", "account", accountID)
		return errors.Join(errs...)
	}

	if !p.leases.TryAcquire(accountID, "delete") {
		sess.setPendingDelete()
		slog.Info("session busy, delete deferred to release", "account", accountID)
		return errors.Join(errs...)
	}
	p.mu.Lock()
	delete(p.live, accountID)
	p.mu.Unlock()
	if err := p.closeContext(sess.bctx, accountID); err != nil {
		errs = append(errs, err)
	}
	if _, err := p.leases.Release(accountID); err != nil {
		slog.Warn("release delete lease", "account", accountID, "err", err)
	}
	return errors.Join(errs...)
}

// ShutdownAll closes every live context in parallel. Later acquisitions
// fail with ErrPoolClosed. A failing close does not stop the others; all
// failures are joined into the returned error.
func (p *Pool) ShutdownAll(ctx context.Context) error {
	p.mu.Lock()
	p.closing = true
	sessions := make([]*Session, 0, len(p.live))
	for id, s := range p.live {
		sessions = append(sessions, s)
		delete(p.live, id)
	}
	p.mu.Unlock()

	if p.stopper != nil {
		for _, s := range sessions {
			p.stopper.StopScreencast(ctx, s.AccountID)
		}
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			if err := p.closeContext(s.bctx, s.AccountID); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	slog.Info("session pool shut down", "closed", len(sessions), "failed", len(errs))
	return errors.Join(errs...)
}

func (p *Pool) isClosing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closing
}

// Get returns the live session without leasing it.
func (p *Pool) Get(accountID string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.live[accountID]
	return s, ok
}

func (p *Pool) Lease(accountID string) *LeaseInfo {
	return p.leases.Get(accountID)
}

func (p *Pool) List() []Info {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.live))
	for _, s := range p.live {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		info := s.info()
		info.Lease = p.leases.Get(s.AccountID)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

type Stats struct {
	Live   int  `json:"live"`
	Leased int  `json:"leased"`
	Closed bool `json:"closed"`
}

func (p *Pool) Stats() Stats {
	infos := p.List()
	st := Stats{Live: len(infos), Closed: p.isClosing()}
	for _, i := range infos {
		if i.Lease != nil {
			st.Leased++
		}
	}
	return st
}
