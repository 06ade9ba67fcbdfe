// Package flow runs the interactive OAuth authorization-code flow with PKCE
// over a loopback redirect. At most one flow is live per process.
package flow

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"clinic-calendar-sync/internal/domain"
	"clinic-calendar-sync/pkg/auth"
)

// Defaults for the loopback port range and flow lifetime.
const (
	DefaultPortLow  = 8000
	DefaultPortHigh = 9000
	DefaultTTL      = 10 * time.Minute
)

// State is the phase of the live flow.
type State int

const (
	Idle State = iota
	AwaitingCallback
	Exchanging
)

func (s State) String() string {
	switch s {
	case AwaitingCallback:
		return "awaiting_callback"
	case Exchanging:
		return "exchanging"
	default:
		return "idle"
	}
}

// Completer receives the tokens of a successful exchange.
type Completer interface {
	CompleteAuthorization(ctx context.Context, tok *oauth2.Token) error
}

// Manager owns the single live flow.
type Manager struct {
	oauth     *oauth2.Config
	completer Completer
	low, high int
	ttl       time.Duration
	now       func() time.Time

	mu      sync.Mutex
	current *flow
}

// Option configures a Manager.
type Option func(*Manager)

// WithPortRange sets the loopback ports tried for the redirect listener.
func WithPortRange(low, high int) Option {
	return func(m *Manager) { m.low, m.high = low, high }
}

// WithTTL sets how long a flow may wait for its callback.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager. cfg supplies client id, secret, endpoints and
// scopes; its RedirectURL is ignored.
func NewManager(cfg *oauth2.Config, completer Completer, opts ...Option) *Manager {
	m := &Manager{
		oauth:     cfg,
		completer: completer,
		low:       DefaultPortLow,
		high:      DefaultPortHigh,
		ttl:       DefaultTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type flow struct {
	state     string
	verifier  string
	createdAt time.Time
	config    oauth2.Config
	listener  *auth.Listener
	phase     State
	timer     *time.Timer
	cancel    context.CancelFunc

	once sync.Once
	done chan struct{}
	err  error
}

func (f *flow) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Authorization is a started flow as seen by the caller.
type Authorization struct {
	AuthorizationURL string
	State            string
	RedirectPort     int

	flow *flow
}

// Wait blocks until the flow completes, fails or is discarded.
func (a *Authorization) Wait(ctx context.Context) error {
	select {
	case <-a.flow.done:
		return a.flow.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start discards any live flow and begins a new one.
func (m *Manager) Start(ctx context.Context) (*Authorization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev := m.current; prev != nil {
		log.Info().Str("state_prefix", prefix(prev.state)).Msg("Superseding authorization flow")
		m.discardLocked(prev, domain.ErrFlowCancelled)
	}

	pkce := auth.GenerateChallenge()
	state, err := auth.GenerateState()
	if err != nil {
		return nil, err
	}
	listener, err := auth.Listen(m.low, m.high)
	if err != nil {
		return nil, fmt.Errorf("failed to start callback listener: %w", err)
	}

	cfg := *m.oauth
	cfg.RedirectURL = listener.RedirectURL()
	authURL := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(pkce.Verifier),
	)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &flow{
		state:     state,
		verifier:  pkce.Verifier,
		createdAt: m.now(),
		config:    cfg,
		listener:  listener,
		phase:     AwaitingCallback,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	f.timer = time.AfterFunc(m.ttl, func() {
		log.Warn().Str("state_prefix", prefix(f.state)).Msg("Authorization flow expired")
		m.discard(f, domain.ErrFlowExpired)
	})
	m.current = f

	go m.run(runCtx, f)

	log.Info().
		Str("state_prefix", prefix(state)).
		Int("port", listener.Port()).
		Msg("Authorization flow started")

	return &Authorization{
		AuthorizationURL: authURL,
		State:            state,
		RedirectPort:     listener.Port(),
		flow:             f,
	}, nil
}

// Cancel discards the live flow, if any.
func (m *Manager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		log.Info().Str("state_prefix", prefix(m.current.state)).Msg("Authorization flow cancelled")
		m.discardLocked(m.current, domain.ErrFlowCancelled)
	}
}

// State reports the phase of the live flow.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Idle
	}
	return m.current.phase
}

func (m *Manager) run(ctx context.Context, f *flow) {
	cb, err := f.listener.Wait(ctx)
	if err != nil {
		m.discard(f, err)
		return
	}

	if m.now().Sub(f.createdAt) > m.ttl {
		log.Warn().Str("state_prefix", prefix(f.state)).Msg("Callback arrived after flow expiry")
		m.discard(f, domain.ErrFlowExpired)
		return
	}
	if subtle.ConstantTimeCompare([]byte(cb.State), []byte(f.state)) != 1 {
		log.Warn().Str("state_prefix", prefix(f.state)).Msg("Callback state mismatch")
		m.discard(f, domain.ErrCsrfValidationFailed)
		return
	}
	if !m.advance(f, Exchanging) {
		return
	}

	tok, err := f.config.Exchange(ctx, cb.Code, oauth2.VerifierOption(f.verifier))
	if err != nil {
		log.Error().Err(err).Str("state_prefix", prefix(f.state)).Msg("Code exchange failed")
		m.discard(f, fmt.Errorf("%w: %v", domain.ErrTokenExchangeFailed, err))
		return
	}
	// Cancelled or superseded while the exchange was in flight.
	if !m.advance(f, Exchanging) {
		log.Info().Str("state_prefix", prefix(f.state)).Msg("Dropping tokens of a discarded authorization flow")
		return
	}

	if m.completer != nil {
		if err := m.completer.CompleteAuthorization(ctx, tok); err != nil {
			m.discard(f, fmt.Errorf("failed to complete authorization: %w", err))
			return
		}
	}
	log.Info().Str("state_prefix", prefix(f.state)).Msg("Authorization flow completed")
	m.discard(f, nil)
}

// advance moves f to next if it is still the live flow.
func (m *Manager) advance(f *flow, next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != f {
		return false
	}
	f.phase = next
	return true
}

func (m *Manager) discard(f *flow, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discardLocked(f, err)
}

func (m *Manager) discardLocked(f *flow, err error) {
	if m.current == f {
		m.current = nil
	}
	f.phase = Idle
	f.timer.Stop()
	f.cancel()
	f.listener.Stop()
	f.resolve(err)
}

func prefix(state string) string {
	if len(state) > 6 {
		return state[:6]
	}
	return state
}
