package domain

import (
	"errors"
	"fmt"
)

// Errors surfaced by the flow, token and sync layers.
var (
	ErrFlowExpired              = errors.New("authorization flow expired")
	ErrFlowCancelled            = errors.New("authorization flow cancelled")
	ErrCsrfValidationFailed     = errors.New("state parameter does not match the active flow")
	ErrTokenExchangeFailed      = errors.New("authorization code exchange failed")
	ErrNotConnected             = errors.New("calendar is not connected")
	ErrReauthenticationRequired = errors.New("calendar access was revoked, reconnect required")
	ErrRefreshFailed            = errors.New("access token refresh failed")
	ErrSyncAlreadyInProgress    = errors.New("a sync is already in progress")
	ErrUnknownValue             = errors.New("unknown value")
)

// ProviderAPIError is a non-2xx answer from the calendar provider.
type ProviderAPIError struct {
	StatusCode int
	Body       string
}

func (e *ProviderAPIError) Error() string {
	return fmt.Sprintf("provider API error %d: %s", e.StatusCode, e.Body)
}

// IsGone reports whether the remote resource no longer exists.
func (e *ProviderAPIError) IsGone() bool {
	return e.StatusCode == 404 || e.StatusCode == 410
}
