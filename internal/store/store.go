// Package store persists per-account browser session snapshots and exposes
// the account/proxy read model this layer consumes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/pinchtab/postbridge/internal/browser"
	"github.com/pinchtab/postbridge/internal/types"
)

var ErrNotFound = errors.New("not found")

// Snapshot is the opaque per-account session blob. Identity ties the blob to
// the browser session that produced it, so a reused session can be told
// apart from a fresh one.
type Snapshot struct {
	Identity string           `json:"identity"`
	Cookies  []browser.Cookie `json:"cookies"`
	SavedAt  time.Time        `json:"savedAt"`
}

type SessionStore interface {
	// LoadSession returns ErrNotFound when nothing was saved for accountID.
	LoadSession(ctx context.Context, accountID string) (*Snapshot, error)
	SaveSession(ctx context.Context, accountID string, snap *Snapshot) error
	// DeleteSession is a no-op for unknown accounts.
	DeleteSession(ctx context.Context, accountID string) error
}

type AccountStore interface {
	Account(ctx context.Context, id string) (*types.Account, error)
	Proxy(ctx context.Context, id string) (*types.Proxy, error)
	ListAccounts(ctx context.Context) ([]types.Account, error)
	SetSessionStatus(ctx context.Context, accountID string, status types.SessionStatus) error
}

// Writer is used by imports and tests to seed accounts and proxies.
type Writer interface {
	PutAccount(ctx context.Context, a types.Account) error
	PutProxy(ctx context.Context, p types.Proxy) error
}

type Store interface {
	SessionStore
	AccountStore
	Writer
	Close() error
}

// ProxyConfig converts a stored proxy into the driver's binding config.
func ProxyConfig(p *types.Proxy, deviceID string) *browser.ProxyConfig {
	if p == nil {
		return nil
	}
	return &browser.ProxyConfig{
		Host:       p.Host,
		Port:       p.Port,
		Username:   p.Username,
		Password:   p.Password,
		ProviderID: p.ExternalID,
		DeviceID:   deviceID,
	}
}

type ProxyReader interface {
	Proxy(ctx context.Context, id string) (*types.Proxy, error)
}

// ResolveProxy loads the proxy bound to acct, or nil when it has none. A
// dangling proxy id is an error wrapping ErrNotFound.
func ResolveProxy(ctx context.Context, r ProxyReader, acct *types.Account) (*browser.ProxyConfig, error) {
	if acct.ProxyID == "" {
		return nil, nil
	}
	px, err := r.Proxy(ctx, acct.ProxyID)
	if err != nil {
		return nil, err
	}
	return ProxyConfig(px, acct.DeviceID), nil
}
