package token

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"clinic-calendar-sync/internal/domain"
	"clinic-calendar-sync/internal/store"
)

func TestNeedsRefresh(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time { t := now.Add(d); return &t }

	tests := []struct {
		name string
		cred domain.CalendarCredential
		want bool
	}{
		{"expires in 10 minutes", domain.CalendarCredential{AccessToken: "a", TokenExpiresAt: at(10 * time.Minute)}, false},
		{"expires in 4 minutes", domain.CalendarCredential{AccessToken: "a", TokenExpiresAt: at(4 * time.Minute)}, true},
		{"expired an hour ago", domain.CalendarCredential{AccessToken: "a", TokenExpiresAt: at(-time.Hour)}, true},
		{"exactly at buffer", domain.CalendarCredential{AccessToken: "a", TokenExpiresAt: at(RefreshBuffer)}, true},
		{"no access token", domain.CalendarCredential{RefreshToken: "r", TokenExpiresAt: at(time.Hour)}, true},
		{"no expiry", domain.CalendarCredential{AccessToken: "a"}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NeedsRefresh(&tc.cred, now))
		})
	}
}

// tokenEndpoint is a fake OAuth token endpoint counting refresh calls.
type tokenEndpoint struct {
	calls  atomic.Int32
	status int
	body   string
	delay  time.Duration
}

func (e *tokenEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.calls.Add(1)
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.status)
	w.Write([]byte(e.body))
}

func newManager(t *testing.T, e *tokenEndpoint, cred *domain.CalendarCredential) (*Manager, *store.Memory) {
	t.Helper()
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	mem := store.NewMemory()
	if cred != nil {
		require.NoError(t, mem.SaveCredential(context.Background(), cred))
	}
	cfg := &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams},
	}
	return NewManager(mem, cfg), mem
}

func expiredCredential() *domain.CalendarCredential {
	past := time.Now().Add(-time.Hour)
	return &domain.CalendarCredential{
		AccessToken:    "old-token",
		RefreshToken:   "refresh-token",
		TokenExpiresAt: &past,
		SyncEnabled:    true,
	}
}

func TestGetValidAccessToken_NotConnected(t *testing.T) {
	e := &tokenEndpoint{status: http.StatusOK}
	m, _ := newManager(t, e, nil)

	_, err := m.GetValidAccessToken(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.Zero(t, e.calls.Load())
}

func TestGetValidAccessToken_Cached(t *testing.T) {
	e := &tokenEndpoint{status: http.StatusOK}
	future := time.Now().Add(time.Hour)
	m, _ := newManager(t, e, &domain.CalendarCredential{
		AccessToken: "live-token", RefreshToken: "r", TokenExpiresAt: &future,
	})

	tok, err := m.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "live-token", tok)
	assert.Zero(t, e.calls.Load())
}

func TestGetValidAccessToken_SingleFlight(t *testing.T) {
	e := &tokenEndpoint{
		status: http.StatusOK,
		body:   `{"access_token":"new-token","token_type":"Bearer","expires_in":3600}`,
		delay:  100 * time.Millisecond,
	}
	m, mem := newManager(t, e, expiredCredential())

	const callers = 5
	var wg sync.WaitGroup
	start := make(chan struct{})
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			tokens[i], errs[i] = m.GetValidAccessToken(context.Background())
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), e.calls.Load(), "refresh endpoint must be called exactly once")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "new-token", tokens[i])
	}

	c, err := mem.GetCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-token", c.AccessToken)
	assert.Equal(t, "refresh-token", c.RefreshToken, "refresh token kept when provider omits it")
	require.NotNil(t, c.TokenExpiresAt)
	assert.True(t, c.TokenExpiresAt.After(time.Now().Add(50*time.Minute)))
}

func TestGetValidAccessToken_SharedError(t *testing.T) {
	e := &tokenEndpoint{
		status: http.StatusServiceUnavailable,
		body:   `{"error":"backend_error"}`,
		delay:  100 * time.Millisecond,
	}
	m, _ := newManager(t, e, expiredCredential())

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.GetValidAccessToken(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, domain.ErrRefreshFailed)
	}
	assert.LessOrEqual(t, e.calls.Load(), int32(callers))
}

func TestGetValidAccessToken_InvalidGrant(t *testing.T) {
	e := &tokenEndpoint{
		status: http.StatusBadRequest,
		body:   `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`,
	}
	m, mem := newManager(t, e, expiredCredential())

	_, err := m.GetValidAccessToken(context.Background())
	require.ErrorIs(t, err, domain.ErrReauthenticationRequired)
	assert.Equal(t, int32(1), e.calls.Load())

	c, err := mem.GetCredential(context.Background())
	require.NoError(t, err)
	assert.Empty(t, c.AccessToken)
	assert.Empty(t, c.RefreshToken)
	assert.Nil(t, c.TokenExpiresAt)

	// Tokens are gone; the next call reports a disconnected calendar without retrying.
	_, err = m.GetValidAccessToken(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.Equal(t, int32(1), e.calls.Load())
}

func TestGetValidAccessToken_TransientKeepsTokens(t *testing.T) {
	e := &tokenEndpoint{status: http.StatusInternalServerError, body: `{"error":"internal_failure"}`}
	m, mem := newManager(t, e, expiredCredential())

	_, err := m.GetValidAccessToken(context.Background())
	require.ErrorIs(t, err, domain.ErrRefreshFailed)

	c, err := mem.GetCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "old-token", c.AccessToken)
	assert.Equal(t, "refresh-token", c.RefreshToken)

	// A later call retries.
	_, err = m.GetValidAccessToken(context.Background())
	require.ErrorIs(t, err, domain.ErrRefreshFailed)
	assert.Equal(t, int32(2), e.calls.Load())
}

func TestGetValidAccessToken_NoRefreshToken(t *testing.T) {
	e := &tokenEndpoint{status: http.StatusOK}
	past := time.Now().Add(-time.Minute)
	m, _ := newManager(t, e, &domain.CalendarCredential{AccessToken: "a", TokenExpiresAt: &past})

	_, err := m.GetValidAccessToken(context.Background())
	assert.ErrorIs(t, err, domain.ErrReauthenticationRequired)
	assert.Zero(t, e.calls.Load())
}

func TestStoreTokensAndClear(t *testing.T) {
	e := &tokenEndpoint{status: http.StatusOK}
	m, mem := newManager(t, e, nil)
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }
	ctx := context.Background()

	c, err := m.StoreTokens(ctx, &oauth2.Token{AccessToken: "a", RefreshToken: "r"})
	require.NoError(t, err)
	require.NotNil(t, c.TokenExpiresAt)
	assert.True(t, c.TokenExpiresAt.Equal(fixed.Add(time.Hour)), "missing expiry defaults to one hour")

	_, err = m.StoreTokens(ctx, &oauth2.Token{})
	assert.Error(t, err)

	c.SyncEnabled = true
	c.CalendarID = "cal"
	require.NoError(t, mem.SaveCredential(ctx, c))

	require.NoError(t, m.Clear(ctx))
	cleared, err := mem.GetCredential(ctx)
	require.NoError(t, err)
	assert.False(t, cleared.Connected())
	assert.False(t, cleared.SyncEnabled)
	assert.Equal(t, "cal", cleared.CalendarID)

	_, err = m.Credential(ctx)
	assert.True(t, errors.Is(err, domain.ErrNotConnected))
}

// slowRefresh starts a refresh against a slow endpoint and returns once the
// request has reached it.
func slowRefresh(t *testing.T, m *Manager, e *tokenEndpoint) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		_, err := m.GetValidAccessToken(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return e.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	return done
}

func TestGetValidAccessToken_ClearDuringRefresh(t *testing.T) {
	e := &tokenEndpoint{
		status: http.StatusOK,
		body:   `{"access_token":"new-token","token_type":"Bearer","expires_in":3600}`,
		delay:  300 * time.Millisecond,
	}
	m, mem := newManager(t, e, expiredCredential())
	ctx := context.Background()

	done := slowRefresh(t, m, e)
	require.NoError(t, m.Clear(ctx))
	assert.ErrorIs(t, <-done, domain.ErrNotConnected)

	c, err := mem.GetCredential(ctx)
	require.NoError(t, err)
	assert.Empty(t, c.AccessToken, "refresh must not resurrect a disconnected credential")
	assert.Empty(t, c.RefreshToken)
	assert.Nil(t, c.TokenExpiresAt)
	assert.False(t, c.SyncEnabled)
}

func TestGetValidAccessToken_KeepsConcurrentWrites(t *testing.T) {
	e := &tokenEndpoint{
		status: http.StatusOK,
		body:   `{"access_token":"new-token","token_type":"Bearer","expires_in":3600}`,
		delay:  300 * time.Millisecond,
	}
	m, mem := newManager(t, e, expiredCredential())
	ctx := context.Background()
	synced := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	done := slowRefresh(t, m, e)
	_, err := m.SetSyncEnabled(ctx, false)
	require.NoError(t, err)
	require.NoError(t, m.MarkSynced(ctx, synced))
	require.NoError(t, <-done)

	c, err := mem.GetCredential(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new-token", c.AccessToken)
	assert.Equal(t, "refresh-token", c.RefreshToken)
	assert.False(t, c.SyncEnabled, "toggle written during the refresh survives")
	require.NotNil(t, c.LastSyncAt)
	assert.True(t, c.LastSyncAt.Equal(synced))
}

func TestGetValidAccessToken_ReconnectDuringRefresh(t *testing.T) {
	e := &tokenEndpoint{
		status: http.StatusOK,
		body:   `{"access_token":"stale-token","token_type":"Bearer","expires_in":3600}`,
		delay:  300 * time.Millisecond,
	}
	m, mem := newManager(t, e, expiredCredential())
	ctx := context.Background()

	done := slowRefresh(t, m, e)
	_, err := m.StoreTokens(ctx, &oauth2.Token{
		AccessToken:  "fresh-token",
		RefreshToken: "fresh-refresh",
		Expiry:       time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, <-done)
	c, err := mem.GetCredential(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", c.AccessToken, "the newer grant wins")
	assert.Equal(t, "fresh-refresh", c.RefreshToken)
}

func TestSetSyncEnabled(t *testing.T) {
	ctx := context.Background()

	m, _ := newManager(t, &tokenEndpoint{status: http.StatusOK}, nil)
	_, err := m.SetSyncEnabled(ctx, true)
	assert.ErrorIs(t, err, domain.ErrNotConnected)

	m, mem := newManager(t, &tokenEndpoint{status: http.StatusOK}, &domain.CalendarCredential{CalendarID: "cal"})
	_, err = m.SetSyncEnabled(ctx, true)
	assert.ErrorIs(t, err, domain.ErrNotConnected, "a credential without tokens cannot be enabled")

	require.NoError(t, mem.SaveCredential(ctx, expiredCredential()))
	c, err := m.SetSyncEnabled(ctx, false)
	require.NoError(t, err)
	assert.False(t, c.SyncEnabled)
	stored, err := mem.GetCredential(ctx)
	require.NoError(t, err)
	assert.False(t, stored.SyncEnabled)
	assert.Equal(t, "refresh-token", stored.RefreshToken)
}

func TestSetAccountAndMarkSynced(t *testing.T) {
	ctx := context.Background()
	m, mem := newManager(t, &tokenEndpoint{status: http.StatusOK}, nil)

	require.NoError(t, m.MarkSynced(ctx, time.Now()), "nothing to mark without a credential")
	_, err := m.SetAccount(ctx, "front-desk@example.com", "cal")
	assert.ErrorIs(t, err, domain.ErrNotConnected)

	_, err = m.StoreTokens(ctx, &oauth2.Token{AccessToken: "a", RefreshToken: "r"})
	require.NoError(t, err)
	c, err := m.SetAccount(ctx, "front-desk@example.com", "cal")
	require.NoError(t, err)
	assert.Equal(t, "cal", c.CalendarID)
	assert.False(t, c.SyncEnabled)

	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, m.MarkSynced(ctx, at))
	stored, err := mem.GetCredential(ctx)
	require.NoError(t, err)
	assert.Equal(t, "front-desk@example.com", stored.ConnectedEmail)
	assert.Equal(t, "a", stored.AccessToken)
	require.NotNil(t, stored.LastSyncAt)
	assert.True(t, stored.LastSyncAt.Equal(at))
}
