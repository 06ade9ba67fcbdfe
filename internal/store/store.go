// Package store persists calendar credentials, event mappings and sync logs,
// and reads the clinic appointments that feed the sync.
package store

import (
	"context"
	"errors"
	"time"

	"clinic-calendar-sync/internal/domain"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

// CredentialStore holds the single CalendarCredential row.
type CredentialStore interface {
	// GetCredential returns ErrNotFound when no row exists.
	GetCredential(ctx context.Context) (*domain.CalendarCredential, error)
	SaveCredential(ctx context.Context, c *domain.CalendarCredential) error
}

// MappingStore holds EventMapping rows, unique per appointment.
type MappingStore interface {
	GetMapping(ctx context.Context, appointmentID int64) (*domain.EventMapping, error)
	GetMappingByEvent(ctx context.Context, externalEventID string) (*domain.EventMapping, error)
	UpsertMapping(ctx context.Context, m *domain.EventMapping) error
	DeleteMapping(ctx context.Context, appointmentID int64) error
	CountMappings(ctx context.Context) (int, error)
}

// SyncLogStore holds run records and their per-item audit trail.
type SyncLogStore interface {
	CreateSyncLog(ctx context.Context, l *domain.SyncLog) error
	UpdateSyncLog(ctx context.Context, l *domain.SyncLog) error
	// ListSyncLogs orders by StartedAt descending.
	ListSyncLogs(ctx context.Context, limit, offset int) ([]domain.SyncLog, error)
	// InProgressSyncLog returns ErrNotFound when no run is in progress.
	InProgressSyncLog(ctx context.Context) (*domain.SyncLog, error)
	AppendItemLog(ctx context.Context, l *domain.AppointmentSyncLog) error
	ListItemLogs(ctx context.Context, syncLogID string) ([]domain.AppointmentSyncLog, error)
}

// AppointmentStore is the clinic side of the sync.
type AppointmentStore interface {
	ListAppointmentsChangedSince(ctx context.Context, since time.Time) ([]domain.Appointment, error)
	ListNonDeletedAppointments(ctx context.Context) ([]domain.Appointment, error)
	// ListAppointmentsNeedingRetry returns removed appointments that still
	// have an event mapping, and appointments whose latest push item failed.
	ListAppointmentsNeedingRetry(ctx context.Context) ([]domain.Appointment, error)
	// MarkCancelled reports whether the appointment changed.
	MarkCancelled(ctx context.Context, appointmentID int64) (bool, error)
}

// Store is everything the sync service persists.
type Store interface {
	CredentialStore
	MappingStore
	SyncLogStore
}

// Locker guards a sync run across processes. Acquire reports false when
// another holder owns the lock.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Composite routes credential access to its own backend.
type Composite struct {
	CredentialStore
	MappingStore
	SyncLogStore
}

// WithCredentials returns s with credential reads and writes sent to creds.
func WithCredentials(s Store, creds CredentialStore) Store {
	return &Composite{CredentialStore: creds, MappingStore: s, SyncLogStore: s}
}
