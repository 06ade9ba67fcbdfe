// Package syncer pushes clinic appointments to the provider calendar and pulls
// remote cancellations back, recording every run in the sync log.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"clinic-calendar-sync/internal/calendar"
	"clinic-calendar-sync/internal/domain"
	"clinic-calendar-sync/internal/store"
)

// Defaults for Orchestrator options.
const (
	DefaultParallelism = 4
	DefaultPullWindow  = 7 * 24 * time.Hour
	DefaultStaleAfter  = 30 * time.Minute
	DefaultHistorySize = 20
	MaxHistorySize     = 100
)

// PrimaryCalendar is used when the credential carries no calendar id.
const PrimaryCalendar = "primary"

// Provider is the calendar API the orchestrator drives.
type Provider interface {
	InsertEvent(ctx context.Context, accessToken, calendarID string, in calendar.EventInput) (string, error)
	UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, in calendar.EventInput) error
	DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error
	ListEvents(ctx context.Context, accessToken, calendarID string, from, to time.Time) ([]calendar.RemoteEvent, error)
}

// Tokens supplies the stored credential and valid access tokens, and records
// completed pushes on it.
type Tokens interface {
	Credential(ctx context.Context) (*domain.CalendarCredential, error)
	GetValidAccessToken(ctx context.Context) (string, error)
	MarkSynced(ctx context.Context, at time.Time) error
}

// Orchestrator runs sync passes. Only one pass is active at a time.
type Orchestrator struct {
	store        store.Store
	appointments store.AppointmentStore
	tokens       Tokens
	provider     Provider
	locker       store.Locker

	parallelism int
	pullWindow  time.Duration
	staleAfter  time.Duration
	now         func() time.Time

	active atomic.Bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLocker adds a cross-process lock around each run.
func WithLocker(l store.Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

// WithParallelism bounds concurrent provider calls in a push.
func WithParallelism(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

// WithPullWindow sets how far back the pull direction looks.
func WithPullWindow(d time.Duration) Option {
	return func(o *Orchestrator) { o.pullWindow = d }
}

// WithStaleAfter sets when an unfinished run in the log counts as abandoned.
func WithStaleAfter(d time.Duration) Option {
	return func(o *Orchestrator) { o.staleAfter = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(s store.Store, appointments store.AppointmentStore, tokens Tokens, provider Provider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        s,
		appointments: appointments,
		tokens:       tokens,
		provider:     provider,
		parallelism:  DefaultParallelism,
		pullWindow:   DefaultPullWindow,
		staleAfter:   DefaultStaleAfter,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type workItem struct {
	appointment domain.Appointment
	action      domain.ItemAction
	mapping     *domain.EventMapping
	body        calendar.EventInput
	checksum    string
}

// RunSync pushes local changes to the provider.
func (o *Orchestrator) RunSync(ctx context.Context, kind domain.SyncKind) (*domain.SyncLog, error) {
	cred, err := o.enabledCredential(ctx)
	if err != nil {
		return nil, err
	}
	if kind == domain.KindIncremental && cred.LastSyncAt == nil {
		kind = domain.KindInitial
	}

	release, err := o.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	run, err := o.openLog(ctx, domain.DirectionToProvider, kind)
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("sync_log_id", run.ID).Str("kind", string(kind)).Logger()
	logger.Info().Msg("Sync started")

	items, err := o.workSet(ctx, cred, kind)
	if err != nil {
		o.fail(ctx, run, err)
		return run, fmt.Errorf("failed to compute work set: %w", err)
	}
	logger.Debug().Int("items", len(items)).Msg("Work set computed")

	calendarID := cred.CalendarID
	if calendarID == "" {
		calendarID = PrimaryCalendar
	}

	var (
		mu             sync.Mutex
		synced, failed int
	)
	var g errgroup.Group
	g.SetLimit(o.parallelism)
	for _, item := range items {
		g.Go(func() error {
			ok := o.push(ctx, run.ID, calendarID, item)
			mu.Lock()
			if ok {
				synced++
			} else {
				failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	o.complete(ctx, run, synced, failed)
	if run.Status == domain.StatusSuccess || run.Status == domain.StatusPartial {
		o.touchLastSync(ctx, run.StartedAt)
	}

	logger.Info().
		Str("status", string(run.Status)).
		Int("synced", synced).
		Int("failed", failed).
		Msg("Sync finished")
	return run, nil
}

// PullFromProvider applies remote cancellations to local appointments.
// It does not move lastSyncAt.
func (o *Orchestrator) PullFromProvider(ctx context.Context) (*domain.SyncLog, error) {
	cred, err := o.enabledCredential(ctx)
	if err != nil {
		return nil, err
	}

	release, err := o.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	run, err := o.openLog(ctx, domain.DirectionFromProvider, domain.KindIncremental)
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("sync_log_id", run.ID).Str("direction", string(run.Direction)).Logger()

	token, err := o.tokens.GetValidAccessToken(ctx)
	if err != nil {
		o.fail(ctx, run, err)
		return run, err
	}
	calendarID := cred.CalendarID
	if calendarID == "" {
		calendarID = PrimaryCalendar
	}

	now := o.now()
	events, err := o.provider.ListEvents(ctx, token, calendarID, now.Add(-o.pullWindow), now)
	if err != nil {
		o.fail(ctx, run, err)
		return run, fmt.Errorf("failed to list provider events: %w", err)
	}

	var synced, failed int
	for _, ev := range events {
		if !ev.Cancelled() {
			continue
		}
		mapping, err := o.store.GetMappingByEvent(ctx, ev.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		entry := &domain.AppointmentSyncLog{
			SyncLogID:  run.ID,
			ExternalID: ev.ID,
			Action:     domain.ActionDelete,
		}
		if err == nil {
			entry.AppointmentID = mapping.AppointmentID
			err = o.applyRemoteCancel(ctx, mapping)
		}
		if err != nil {
			logger.Error().Err(err).Str("event_id", ev.ID).Msg("Failed to apply remote cancellation")
			failed++
			o.record(ctx, entry, err)
			continue
		}
		synced++
		o.record(ctx, entry, nil)
	}

	o.complete(ctx, run, synced, failed)
	logger.Info().
		Str("status", string(run.Status)).
		Int("synced", synced).
		Int("failed", failed).
		Msg("Pull finished")
	return run, nil
}

func (o *Orchestrator) applyRemoteCancel(ctx context.Context, mapping *domain.EventMapping) error {
	if _, err := o.appointments.MarkCancelled(ctx, mapping.AppointmentID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to cancel appointment %d: %w", mapping.AppointmentID, err)
	}
	if err := o.store.DeleteMapping(ctx, mapping.AppointmentID); err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	return nil
}

// Current returns the run in progress, or nil.
func (o *Orchestrator) Current(ctx context.Context) (*domain.SyncLog, error) {
	l, err := o.store.InProgressSyncLog(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

// History lists runs newest first. limit is clamped to [1, MaxHistorySize].
func (o *Orchestrator) History(ctx context.Context, limit, offset int) ([]domain.SyncLog, error) {
	if limit <= 0 {
		limit = DefaultHistorySize
	}
	if limit > MaxHistorySize {
		limit = MaxHistorySize
	}
	if offset < 0 {
		offset = 0
	}
	return o.store.ListSyncLogs(ctx, limit, offset)
}

// Items lists the per-appointment audit rows of a run.
func (o *Orchestrator) Items(ctx context.Context, syncLogID string) ([]domain.AppointmentSyncLog, error) {
	return o.store.ListItemLogs(ctx, syncLogID)
}

func (o *Orchestrator) enabledCredential(ctx context.Context) (*domain.CalendarCredential, error) {
	cred, err := o.tokens.Credential(ctx)
	if err != nil {
		return nil, err
	}
	if !cred.SyncEnabled {
		return nil, fmt.Errorf("%w: sync is disabled", domain.ErrNotConnected)
	}
	return cred, nil
}

// begin claims the single active run slot: in-process first, then the
// persisted log, then the optional cross-process lock.
func (o *Orchestrator) begin(ctx context.Context) (func(), error) {
	if !o.active.CompareAndSwap(false, true) {
		return nil, domain.ErrSyncAlreadyInProgress
	}

	running, err := o.store.InProgressSyncLog(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		o.active.Store(false)
		return nil, fmt.Errorf("failed to check running sync: %w", err)
	case o.now().Sub(running.StartedAt) > o.staleAfter:
		log.Warn().Str("sync_log_id", running.ID).Time("started_at", running.StartedAt).Msg("Marking abandoned sync as failed")
		completed := o.now()
		running.Status = domain.StatusFailed
		running.ErrorMessage = "abandoned"
		running.CompletedAt = &completed
		if err := o.store.UpdateSyncLog(ctx, running); err != nil {
			o.active.Store(false)
			return nil, fmt.Errorf("failed to close abandoned sync: %w", err)
		}
	default:
		o.active.Store(false)
		return nil, domain.ErrSyncAlreadyInProgress
	}

	if o.locker != nil {
		ok, err := o.locker.Acquire(ctx)
		if err != nil {
			o.active.Store(false)
			return nil, fmt.Errorf("failed to acquire sync lock: %w", err)
		}
		if !ok {
			o.active.Store(false)
			return nil, domain.ErrSyncAlreadyInProgress
		}
	}

	return func() {
		if o.locker != nil {
			if err := o.locker.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Msg("Failed to release sync lock")
			}
		}
		o.active.Store(false)
	}, nil
}

func (o *Orchestrator) openLog(ctx context.Context, dir domain.SyncDirection, kind domain.SyncKind) (*domain.SyncLog, error) {
	run := &domain.SyncLog{
		ID:        uuid.NewString(),
		Direction: dir,
		Kind:      kind,
		Status:    domain.StatusInProgress,
		StartedAt: o.now(),
	}
	if err := o.store.CreateSyncLog(ctx, run); err != nil {
		if errors.Is(err, domain.ErrSyncAlreadyInProgress) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create sync log: %w", err)
	}
	return run, nil
}

func (o *Orchestrator) complete(ctx context.Context, run *domain.SyncLog, synced, failed int) {
	completed := o.now()
	run.ItemsSynced = synced
	run.ItemsFailed = failed
	run.Status = domain.FinalStatus(synced, failed)
	run.CompletedAt = &completed
	if failed > 0 {
		run.ErrorMessage = fmt.Sprintf("%d of %d items failed", failed, synced+failed)
	}
	o.saveLog(ctx, run)
}

func (o *Orchestrator) fail(ctx context.Context, run *domain.SyncLog, cause error) {
	completed := o.now()
	run.Status = domain.StatusFailed
	run.ErrorMessage = cause.Error()
	run.CompletedAt = &completed
	log.Error().Err(cause).Str("sync_log_id", run.ID).Msg("Sync failed")
	o.saveLog(ctx, run)
}

func (o *Orchestrator) saveLog(ctx context.Context, run *domain.SyncLog) {
	if err := o.store.UpdateSyncLog(context.WithoutCancel(ctx), run); err != nil {
		log.Error().Err(err).Str("sync_log_id", run.ID).Msg("Failed to update sync log")
	}
}

func (o *Orchestrator) touchLastSync(ctx context.Context, at time.Time) {
	if err := o.tokens.MarkSynced(ctx, at); err != nil {
		log.Error().Err(err).Msg("Failed to save lastSyncAt")
	}
}

func (o *Orchestrator) workSet(ctx context.Context, cred *domain.CalendarCredential, kind domain.SyncKind) ([]workItem, error) {
	var (
		appts []domain.Appointment
		err   error
	)
	if kind == domain.KindIncremental {
		appts, err = o.appointments.ListAppointmentsChangedSince(ctx, *cred.LastSyncAt)
	} else {
		appts, err = o.appointments.ListNonDeletedAppointments(ctx)
	}
	if err != nil {
		return nil, err
	}
	// Failed items and mapped removals fall outside both queries once
	// lastSyncAt moves past them.
	retry, err := o.appointments.ListAppointmentsNeedingRetry(ctx)
	if err != nil {
		return nil, err
	}
	appts = mergeAppointments(appts, retry)

	var items []workItem
	for _, a := range appts {
		mapping, err := o.store.GetMapping(ctx, a.ID)
		if errors.Is(err, store.ErrNotFound) {
			mapping = nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to load mapping for appointment %d: %w", a.ID, err)
		}

		if a.Removed() {
			if mapping != nil {
				items = append(items, workItem{appointment: a, action: domain.ActionDelete, mapping: mapping})
			}
			continue
		}

		body := calendar.EventFromAppointment(a)
		sum := calendar.Checksum(body)
		switch {
		case mapping == nil:
			items = append(items, workItem{appointment: a, action: domain.ActionCreate, body: body, checksum: sum})
		case mapping.Checksum != sum:
			items = append(items, workItem{appointment: a, action: domain.ActionUpdate, mapping: mapping, body: body, checksum: sum})
		}
	}
	return items, nil
}

func mergeAppointments(base, extra []domain.Appointment) []domain.Appointment {
	seen := make(map[int64]bool, len(base))
	for _, a := range base {
		seen[a.ID] = true
	}
	for _, a := range extra {
		if !seen[a.ID] {
			seen[a.ID] = true
			base = append(base, a)
		}
	}
	return base
}

// push applies one item and records it. It reports success.
func (o *Orchestrator) push(ctx context.Context, syncLogID, calendarID string, item workItem) bool {
	entry := &domain.AppointmentSyncLog{
		SyncLogID:     syncLogID,
		AppointmentID: item.appointment.ID,
		Action:        item.action,
	}
	if item.mapping != nil {
		entry.ExternalID = item.mapping.ExternalEventID
	}

	externalID, err := o.apply(ctx, calendarID, item)
	if externalID != "" {
		entry.ExternalID = externalID
	}
	if err != nil {
		log.Error().Err(err).
			Int64("appointment_id", item.appointment.ID).
			Str("action", string(item.action)).
			Msg("Failed to sync appointment")
	}
	o.record(ctx, entry, err)
	return err == nil
}

func (o *Orchestrator) apply(ctx context.Context, calendarID string, item workItem) (string, error) {
	token, err := o.tokens.GetValidAccessToken(ctx)
	if err != nil {
		return "", err
	}

	mappedCalendar := calendarID
	if item.mapping != nil && item.mapping.ExternalCalendarID != "" {
		mappedCalendar = item.mapping.ExternalCalendarID
	}

	switch item.action {
	case domain.ActionCreate:
		return o.create(ctx, token, calendarID, item)

	case domain.ActionUpdate:
		err := o.provider.UpdateEvent(ctx, token, mappedCalendar, item.mapping.ExternalEventID, item.body)
		var apiErr *domain.ProviderAPIError
		if errors.As(err, &apiErr) && apiErr.IsGone() {
			log.Info().Int64("appointment_id", item.appointment.ID).Msg("Remote event gone, re-creating")
			return o.create(ctx, token, calendarID, item)
		}
		if err != nil {
			return "", err
		}
		return item.mapping.ExternalEventID, o.saveMapping(ctx, item, item.mapping.ExternalEventID, mappedCalendar)

	case domain.ActionDelete:
		if err := o.provider.DeleteEvent(ctx, token, mappedCalendar, item.mapping.ExternalEventID); err != nil {
			return "", err
		}
		if err := o.store.DeleteMapping(ctx, item.appointment.ID); err != nil {
			return "", fmt.Errorf("failed to delete mapping: %w", err)
		}
		return item.mapping.ExternalEventID, nil
	}
	return "", fmt.Errorf("%w: action %q", domain.ErrUnknownValue, item.action)
}

func (o *Orchestrator) create(ctx context.Context, token, calendarID string, item workItem) (string, error) {
	id, err := o.provider.InsertEvent(ctx, token, calendarID, item.body)
	if err != nil {
		return "", err
	}
	return id, o.saveMapping(ctx, item, id, calendarID)
}

func (o *Orchestrator) saveMapping(ctx context.Context, item workItem, eventID, calendarID string) error {
	err := o.store.UpsertMapping(ctx, &domain.EventMapping{
		AppointmentID:      item.appointment.ID,
		ExternalEventID:    eventID,
		ExternalCalendarID: calendarID,
		Checksum:           item.checksum,
		LastSyncedAt:       o.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save mapping: %w", err)
	}
	return nil
}

func (o *Orchestrator) record(ctx context.Context, entry *domain.AppointmentSyncLog, cause error) {
	entry.ID = uuid.NewString()
	entry.SyncedAt = o.now()
	entry.Status = domain.ItemSuccess
	if cause != nil {
		entry.Status = domain.ItemFailed
		entry.ErrorMessage = cause.Error()
	}
	if err := o.store.AppendItemLog(context.WithoutCancel(ctx), entry); err != nil {
		log.Error().Err(err).Int64("appointment_id", entry.AppointmentID).Msg("Failed to write item log")
	}
}
