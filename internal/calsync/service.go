// Package calsync is the entry point the CLI and MCP server call: connection
// management, sync triggers and sync history.
package calsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"clinic-calendar-sync/internal/domain"
	"clinic-calendar-sync/internal/flow"
	"clinic-calendar-sync/internal/store"
	"clinic-calendar-sync/internal/syncer"
	"clinic-calendar-sync/internal/token"
)

// DefaultCalendarName is the calendar created on first connection.
const DefaultCalendarName = "Clinic Appointments"

// Account is the provider account API used around authorization.
type Account interface {
	UserEmail(ctx context.Context, accessToken string) (string, error)
	EnsureCalendar(ctx context.Context, accessToken, name string) (string, error)
	Revoke(ctx context.Context, token string) error
}

// Calendar is everything the service needs from the provider.
type Calendar interface {
	syncer.Provider
	Account
}

// Deps wires a Service.
type Deps struct {
	OAuth        *oauth2.Config
	Store        store.Store
	Appointments store.AppointmentStore
	Calendar     Calendar
	CalendarName string
	Flow         []flow.Option
	Sync         []syncer.Option
}

// Service implements the calendar integration operations.
type Service struct {
	store        store.Store
	calendar     Calendar
	calendarName string
	tokens       *token.Manager
	flows        *flow.Manager
	orchestrator *syncer.Orchestrator
}

// New creates a Service.
func New(d Deps) *Service {
	s := &Service{
		store:        d.Store,
		calendar:     d.Calendar,
		calendarName: d.CalendarName,
		tokens:       token.NewManager(d.Store, d.OAuth),
	}
	if s.calendarName == "" {
		s.calendarName = DefaultCalendarName
	}
	s.flows = flow.NewManager(d.OAuth, s, d.Flow...)
	s.orchestrator = syncer.NewOrchestrator(d.Store, d.Appointments, s.tokens, d.Calendar, d.Sync...)
	return s
}

// StartAuthorization begins a new authorization flow, superseding any other.
func (s *Service) StartAuthorization(ctx context.Context) (*flow.Authorization, error) {
	return s.flows.Start(ctx)
}

// CancelAuthorization discards the live flow.
func (s *Service) CancelAuthorization() {
	s.flows.Cancel()
}

// AuthorizationState reports the phase of the live flow.
func (s *Service) AuthorizationState() flow.State {
	return s.flows.State()
}

// CompleteAuthorization stores the exchanged tokens, records the account
// email and resolves the target calendar. Sync stays disabled until enabled
// explicitly.
func (s *Service) CompleteAuthorization(ctx context.Context, tok *oauth2.Token) error {
	if _, err := s.tokens.StoreTokens(ctx, tok); err != nil {
		return err
	}

	email, err := s.calendar.UserEmail(ctx, tok.AccessToken)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read connected account email")
	}
	calendarID, err := s.calendar.EnsureCalendar(ctx, tok.AccessToken, s.calendarName)
	if err != nil {
		return fmt.Errorf("failed to resolve calendar %q: %w", s.calendarName, err)
	}

	if _, err := s.tokens.SetAccount(ctx, email, calendarID); err != nil {
		return err
	}
	log.Info().Str("calendar_id", calendarID).Msg("Calendar connected")
	return nil
}

// GetConnectionStatus returns the public view of the stored credential.
func (s *Service) GetConnectionStatus(ctx context.Context) (domain.ConnectionStatus, error) {
	cred, err := s.store.GetCredential(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return domain.ConnectionStatus{}, nil
	}
	if err != nil {
		return domain.ConnectionStatus{}, err
	}
	return domain.ConnectionStatusFrom(cred), nil
}

// SetSyncEnabled toggles automatic sync.
func (s *Service) SetSyncEnabled(ctx context.Context, enabled bool) (domain.ConnectionStatus, error) {
	cred, err := s.tokens.SetSyncEnabled(ctx, enabled)
	if err != nil {
		return domain.ConnectionStatus{}, err
	}
	return domain.ConnectionStatusFrom(cred), nil
}

// Disconnect revokes the grant at the provider and clears the stored tokens.
// Event mappings are kept. Disconnecting twice is not an error.
func (s *Service) Disconnect(ctx context.Context) error {
	cred, err := s.store.GetCredential(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	revoke := cred.RefreshToken
	if revoke == "" {
		revoke = cred.AccessToken
	}
	if revoke != "" {
		if err := s.calendar.Revoke(ctx, revoke); err != nil {
			log.Warn().Err(err).Msg("Token revocation failed, clearing local tokens anyway")
		}
	}

	if err := s.tokens.Clear(ctx); err != nil {
		return err
	}
	log.Info().Msg("Calendar disconnected")
	return nil
}

// TriggerManualSync pushes every non-deleted appointment that differs from
// its provider event.
func (s *Service) TriggerManualSync(ctx context.Context) (*domain.SyncLog, error) {
	return s.orchestrator.RunSync(ctx, domain.KindManual)
}

// PullFromProvider applies remote cancellations locally.
func (s *Service) PullFromProvider(ctx context.Context) (*domain.SyncLog, error) {
	return s.orchestrator.PullFromProvider(ctx)
}

// GetSyncHistory lists runs newest first.
func (s *Service) GetSyncHistory(ctx context.Context, limit, offset int) ([]domain.SyncLog, error) {
	return s.orchestrator.History(ctx, limit, offset)
}

// GetCurrentSyncStatus returns the run in progress, or nil.
func (s *Service) GetCurrentSyncStatus(ctx context.Context) (*domain.SyncLog, error) {
	return s.orchestrator.Current(ctx)
}

// GetSyncItems lists the per-appointment results of a run.
func (s *Service) GetSyncItems(ctx context.Context, syncLogID string) ([]domain.AppointmentSyncLog, error) {
	return s.orchestrator.Items(ctx, syncLogID)
}

// Scheduler returns a scheduler driving this service's orchestrator.
func (s *Service) Scheduler(spec string) *syncer.Scheduler {
	return syncer.NewScheduler(s.orchestrator, spec)
}
