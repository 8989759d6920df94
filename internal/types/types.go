// Package types contains the data model shared by the session pool, the
// login handler, the poster and the HTTP surface.
package types

import "time"

// SessionStatus is the account's authentication state as last observed.
type SessionStatus string

const (
	SessionNeedsLogin SessionStatus = "needs_login"
	SessionActive     SessionStatus = "active"
	SessionExpired    SessionStatus = "expired"
	SessionError      SessionStatus = "error"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionNeedsLogin, SessionActive, SessionExpired, SessionError:
		return true
	}
	return false
}

// PostingMethod selects how an account publishes: through the browser pool
// or through a cloud device.
type PostingMethod string

const (
	PostingBrowser PostingMethod = "browser"
	PostingDevice  PostingMethod = "device"
)

// Account is owned by the external data store. This layer reads it and only
// writes back SessionStatus.
type Account struct {
	ID            string        `json:"id" yaml:"id"`
	Username      string        `json:"username" yaml:"username"`
	Password      string        `json:"-" yaml:"password"`
	ProxyID       string        `json:"proxyId,omitempty" yaml:"proxyId,omitempty"`
	DeviceID      string        `json:"deviceId,omitempty" yaml:"deviceId,omitempty"`
	PostingMethod PostingMethod `json:"postingMethod" yaml:"postingMethod"`
	SessionStatus SessionStatus `json:"sessionStatus" yaml:"sessionStatus"`
	UpdatedAt     time.Time     `json:"updatedAt" yaml:"-"`
}

// Proxy is a read-only input to context creation.
type Proxy struct {
	ID         string `json:"id" yaml:"id"`
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port" yaml:"port"`
	Username   string `json:"username,omitempty" yaml:"username,omitempty"`
	Password   string `json:"-" yaml:"password,omitempty"`
	ExternalID string `json:"externalId,omitempty" yaml:"externalId,omitempty"`
}

// OperationStatus is a single-slot progress label. Only the latest value is
// kept.
type OperationStatus struct {
	Operation string    `json:"operation"`
	Step      string    `json:"step"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorCode is the machine-checkable part of a failed result.
type ErrorCode string

const (
	ErrAccountNotFound     ErrorCode = "ACCOUNT_NOT_FOUND"
	ErrProxyNotFound       ErrorCode = "PROXY_NOT_FOUND"
	ErrLoginFailed         ErrorCode = "LOGIN_FAILED"
	ErrVerificationFailed  ErrorCode = "VERIFICATION_FAILED"
	ErrCredentialsRejected ErrorCode = "CREDENTIALS_REJECTED"
	ErrChallengeRequired   ErrorCode = "CHALLENGE_REQUIRED"
	ErrSelectorNotFound    ErrorCode = "SELECTOR_NOT_FOUND"
	ErrTimeout             ErrorCode = "TIMEOUT"
	ErrPoolClosed          ErrorCode = "POOL_CLOSED"
	ErrProxyUnhealthy      ErrorCode = "PROXY_UNHEALTHY"
	ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrUnclassified        ErrorCode = "UNCLASSIFIED"
)

// PostResult is returned synchronously from one posting attempt. Persisting
// it is the caller's job.
type PostResult struct {
	Success     bool      `json:"success"`
	Message     string    `json:"message"`
	Error       ErrorCode `json:"error,omitempty"`
	AttemptID   string    `json:"attemptId,omitempty"`
	MediaFailed []string  `json:"mediaFailed,omitempty"`
}

// LoginResult is returned by the login handler.
type LoginResult struct {
	Success bool      `json:"success"`
	Message string    `json:"message"`
	Error   ErrorCode `json:"error,omitempty"`
}

// AccountStatus is the getStatus procedure result.
type AccountStatus struct {
	AccountID     string        `json:"accountId"`
	PostingMethod PostingMethod `json:"postingMethod"`
	SessionStatus SessionStatus `json:"sessionStatus"`
	Screencasting bool          `json:"screencasting"`
	LiveSession   bool          `json:"liveSession"`
}
