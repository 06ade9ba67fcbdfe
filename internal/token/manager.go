// Package token owns the stored calendar credential's access token: reuse,
// de-duplicated refresh, and clearing on permanent rejection.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"clinic-calendar-sync/internal/domain"
	"clinic-calendar-sync/internal/store"
)

// RefreshBuffer is how long before expiry a token is considered stale.
const RefreshBuffer = 5 * time.Minute

// defaultLifetime applies when the provider omits expires_in.
const defaultLifetime = time.Hour

// NeedsRefresh reports whether the credential's access token must be renewed.
func NeedsRefresh(c *domain.CalendarCredential, now time.Time) bool {
	if c.AccessToken == "" || c.TokenExpiresAt == nil {
		return true
	}
	return !now.Before(c.TokenExpiresAt.Add(-RefreshBuffer))
}

// Manager hands out valid access tokens and owns every write to the
// credential row. Concurrent callers needing a refresh share one call to the
// token endpoint.
type Manager struct {
	store store.CredentialStore
	oauth *oauth2.Config
	now   func() time.Time
	group singleflight.Group

	// mu serializes read-modify-write cycles on the credential row.
	mu sync.Mutex
}

// NewManager creates a Manager refreshing through cfg's token endpoint.
func NewManager(s store.CredentialStore, cfg *oauth2.Config) *Manager {
	return &Manager{store: s, oauth: cfg, now: time.Now}
}

// Credential loads the stored credential, mapping absence to ErrNotConnected.
func (m *Manager) Credential(ctx context.Context) (*domain.CalendarCredential, error) {
	c, err := m.store.GetCredential(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.ErrNotConnected
	}
	if err != nil {
		return nil, err
	}
	if !c.Connected() {
		return nil, domain.ErrNotConnected
	}
	return c, nil
}

// GetValidAccessToken returns the cached token or refreshes it.
func (m *Manager) GetValidAccessToken(ctx context.Context) (string, error) {
	c, err := m.Credential(ctx)
	if err != nil {
		return "", err
	}
	if !NeedsRefresh(c, m.now()) {
		return c.AccessToken, nil
	}

	ch := m.group.DoChan("refresh", func() (any, error) {
		// The refresh outlives any single caller's cancellation.
		return m.refresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	// A caller that loaded the credential before the previous refresh
	// finished lands here after it; reuse that result.
	c, err := m.Credential(ctx)
	if err != nil {
		return "", err
	}
	if !NeedsRefresh(c, m.now()) {
		return c.AccessToken, nil
	}
	if c.RefreshToken == "" {
		return "", domain.ErrReauthenticationRequired
	}
	grant := c.RefreshToken

	log.Debug().Msg("Refreshing calendar access token")
	tok, err := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: grant}).Token()
	if err != nil {
		if isInvalidGrant(err) {
			log.Warn().Err(err).Msg("Refresh token rejected, clearing stored tokens")
			_, clearErr := m.update(ctx, func(cur *domain.CalendarCredential) (bool, error) {
				// A newer grant stored meanwhile is not the one rejected.
				if cur.RefreshToken != grant {
					return false, nil
				}
				clearTokens(cur)
				return true, nil
			})
			if clearErr != nil && !errors.Is(clearErr, store.ErrNotFound) {
				return "", fmt.Errorf("%w: %v", domain.ErrReauthenticationRequired, clearErr)
			}
			return "", domain.ErrReauthenticationRequired
		}
		log.Error().Err(err).Msg("Access token refresh failed")
		return "", fmt.Errorf("%w: %v", domain.ErrRefreshFailed, err)
	}

	// Only the token fields are written, onto the row as it is now: a
	// disconnect, sync toggle or lastSyncAt written during the round trip
	// survives.
	var access string
	cur, err := m.update(ctx, func(cur *domain.CalendarCredential) (bool, error) {
		switch {
		case !cur.Connected() || cur.RefreshToken == "":
			return false, domain.ErrNotConnected
		case cur.RefreshToken != grant:
			if NeedsRefresh(cur, m.now()) {
				return false, domain.ErrNotConnected
			}
			access = cur.AccessToken
			return false, nil
		}
		m.apply(cur, tok)
		access = cur.AccessToken
		return true, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return "", domain.ErrNotConnected
	}
	if err != nil {
		return "", err
	}
	if cur.TokenExpiresAt != nil {
		log.Info().Time("expires_at", *cur.TokenExpiresAt).Msg("Calendar access token refreshed")
	}
	return access, nil
}

// update loads the credential, applies fn and saves it when fn reports a
// change, all under mu.
func (m *Manager) update(ctx context.Context, fn func(c *domain.CalendarCredential) (bool, error)) (*domain.CalendarCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.store.GetCredential(ctx)
	if err != nil {
		return nil, err
	}
	changed, err := fn(c)
	if err != nil {
		return nil, err
	}
	if !changed {
		return c, nil
	}
	if err := m.store.SaveCredential(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to save credential: %w", err)
	}
	return c, nil
}

// StoreTokens persists the tokens of a completed authorization, creating the
// credential when missing.
func (m *Manager) StoreTokens(ctx context.Context, tok *oauth2.Token) (*domain.CalendarCredential, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access token")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.store.GetCredential(ctx)
	if errors.Is(err, store.ErrNotFound) {
		c = &domain.CalendarCredential{UserID: domain.DefaultUserID}
	} else if err != nil {
		return nil, err
	}

	m.apply(c, tok)
	if err := m.store.SaveCredential(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to save tokens: %w", err)
	}
	return c, nil
}

// SetAccount records the connected account and target calendar after an
// authorization. Sync stays disabled until enabled explicitly.
func (m *Manager) SetAccount(ctx context.Context, email, calendarID string) (*domain.CalendarCredential, error) {
	c, err := m.update(ctx, func(c *domain.CalendarCredential) (bool, error) {
		c.ConnectedEmail = email
		c.CalendarID = calendarID
		c.SyncEnabled = false
		return true, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.ErrNotConnected
	}
	return c, err
}

// SetSyncEnabled toggles automatic sync on a connected credential.
func (m *Manager) SetSyncEnabled(ctx context.Context, enabled bool) (*domain.CalendarCredential, error) {
	c, err := m.update(ctx, func(c *domain.CalendarCredential) (bool, error) {
		if !c.Connected() {
			return false, domain.ErrNotConnected
		}
		c.SyncEnabled = enabled
		return true, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.ErrNotConnected
	}
	return c, err
}

// MarkSynced records the start time of the last successful push.
func (m *Manager) MarkSynced(ctx context.Context, at time.Time) error {
	_, err := m.update(ctx, func(c *domain.CalendarCredential) (bool, error) {
		c.LastSyncAt = &at
		return true, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// Clear removes both tokens and disables sync. Calendar id, email and
// lastSyncAt stay for display.
func (m *Manager) Clear(ctx context.Context) error {
	_, err := m.update(ctx, func(c *domain.CalendarCredential) (bool, error) {
		c.SyncEnabled = false
		clearTokens(c)
		return true, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to clear tokens: %w", err)
	}
	return nil
}

func clearTokens(c *domain.CalendarCredential) {
	c.AccessToken = ""
	c.RefreshToken = ""
	c.TokenExpiresAt = nil
}

func (m *Manager) apply(c *domain.CalendarCredential, tok *oauth2.Token) {
	c.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		c.RefreshToken = tok.RefreshToken
	}
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = m.now().Add(defaultLifetime)
	}
	c.TokenExpiresAt = &expiry
}

func isInvalidGrant(err error) bool {
	var rerr *oauth2.RetrieveError
	return errors.As(err, &rerr) && rerr.ErrorCode == "invalid_grant"
}
