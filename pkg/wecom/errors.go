package wecom

import (
	"errors"
	"fmt"
)

// ErrRefreshTooFrequent is returned (wrapped in an AuthError) when a token refresh is
// requested sooner than Config.MinRefreshInterval after the previous one.
var ErrRefreshTooFrequent = errors.New("access token refreshed too frequently")

// Vendor error codes that mean the access token is no longer accepted.
const (
	CodeInvalidToken = 40014
	CodeTokenExpired = 42001
)

// ValidationError reports a message that cannot be built. It never reaches the network.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s: %s", e.Field, e.Reason)
}

// AuthError reports a failed token fetch or refresh.
type AuthError struct {
	Code    int
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wecom auth: %v", e.Err)
	}
	return fmt.Sprintf("wecom auth: errcode %d: %s", e.Code, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }

// VendorError is an application-level failure reported by the vendor in the send
// envelope. Response carries the full envelope, including invalid recipient lists.
type VendorError struct {
	Code     int
	Message  string
	Response *SendResponse
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("wecom: errcode %d: %s", e.Code, e.Message)
}

// TransportError is a failure below the vendor's application layer: connection errors,
// timeouts, non-2xx responses without a readable envelope, undecodable bodies.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("wecom %s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("wecom %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func tokenRejected(code int) bool {
	return code == CodeInvalidToken || code == CodeTokenExpired
}
