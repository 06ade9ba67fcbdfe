package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinic-calendar-sync/internal/domain"
)

func TestMemory_Credential(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.GetCredential(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	expiry := time.Now().Add(time.Hour)
	require.NoError(t, m.SaveCredential(ctx, &domain.CalendarCredential{
		AccessToken:    "a",
		RefreshToken:   "r",
		TokenExpiresAt: &expiry,
	}))

	got, err := m.GetCredential(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultUserID, got.UserID)
	assert.Equal(t, "a", got.AccessToken)

	// Returned values are copies.
	got.AccessToken = "mutated"
	*got.TokenExpiresAt = time.Time{}
	again, err := m.GetCredential(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", again.AccessToken)
	assert.True(t, again.TokenExpiresAt.Equal(expiry))
}

func TestMemory_Mappings(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.UpsertMapping(ctx, &domain.EventMapping{AppointmentID: 1, ExternalEventID: "ev1"}))
	require.NoError(t, m.UpsertMapping(ctx, &domain.EventMapping{AppointmentID: 1, ExternalEventID: "ev1b"}))

	n, err := m.CountMappings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := m.GetMapping(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "ev1b", got.ExternalEventID)

	byEvent, err := m.GetMappingByEvent(ctx, "ev1b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), byEvent.AppointmentID)

	require.NoError(t, m.DeleteMapping(ctx, 1))
	_, err = m.GetMapping(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_SyncLogs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.CreateSyncLog(ctx, &domain.SyncLog{
			ID:        id,
			Status:    domain.StatusSuccess,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	logs, err := m.ListSyncLogs(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "c", logs[0].ID)
	assert.Equal(t, "b", logs[1].ID)

	logs, err = m.ListSyncLogs(ctx, 10, 2)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "a", logs[0].ID)

	logs, err = m.ListSyncLogs(ctx, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, logs)

	_, err = m.InProgressSyncLog(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.UpdateSyncLog(ctx, &domain.SyncLog{ID: "b", Status: domain.StatusInProgress, StartedAt: base}))
	current, err := m.InProgressSyncLog(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", current.ID)

	assert.ErrorIs(t, m.UpdateSyncLog(ctx, &domain.SyncLog{ID: "missing"}), ErrNotFound)
}

func TestMemory_Appointments(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	deleted := now

	m.PutAppointment(domain.Appointment{ID: 2, Status: domain.AppointmentScheduled, UpdatedAt: now.Add(-2 * time.Hour)})
	m.PutAppointment(domain.Appointment{ID: 1, Status: domain.AppointmentScheduled, UpdatedAt: now})
	m.PutAppointment(domain.Appointment{ID: 3, Status: domain.AppointmentScheduled, UpdatedAt: now, DeletedAt: &deleted})

	live, err := m.ListNonDeletedAppointments(ctx)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, int64(1), live[0].ID)

	changed, err := m.ListAppointmentsChangedSince(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, changed, 2)
	assert.Equal(t, []int64{1, 3}, []int64{changed[0].ID, changed[1].ID})

	ok, err := m.MarkCancelled(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.MarkCancelled(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.MarkCancelled(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithCredentials(t *testing.T) {
	ctx := context.Background()
	primary := NewMemory()
	creds := NewMemory()

	s := WithCredentials(primary, creds)
	require.NoError(t, s.SaveCredential(ctx, &domain.CalendarCredential{RefreshToken: "r"}))
	require.NoError(t, s.UpsertMapping(ctx, &domain.EventMapping{AppointmentID: 7}))

	_, err := primary.GetCredential(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = creds.GetCredential(ctx)
	assert.NoError(t, err)
	_, err = primary.GetMapping(ctx, 7)
	assert.NoError(t, err)
}

func TestMemory_SingleRunInProgress(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreateSyncLog(ctx, &domain.SyncLog{ID: "a", Status: domain.StatusInProgress}))
	err := m.CreateSyncLog(ctx, &domain.SyncLog{ID: "b", Status: domain.StatusInProgress})
	assert.ErrorIs(t, err, domain.ErrSyncAlreadyInProgress)

	require.NoError(t, m.UpdateSyncLog(ctx, &domain.SyncLog{ID: "a", Status: domain.StatusSuccess}))
	require.NoError(t, m.CreateSyncLog(ctx, &domain.SyncLog{ID: "b", Status: domain.StatusInProgress}))
}

func TestMemory_AppointmentsNeedingRetry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()

	removedMapped := domain.Appointment{ID: 1, Status: domain.AppointmentCancelled}
	removedUnmapped := domain.Appointment{ID: 2, DeletedAt: &now}
	failedThenOK := domain.Appointment{ID: 3, Status: domain.AppointmentScheduled}
	failing := domain.Appointment{ID: 4, Status: domain.AppointmentScheduled}
	pulledFailure := domain.Appointment{ID: 5, Status: domain.AppointmentScheduled}
	for _, a := range []domain.Appointment{removedMapped, removedUnmapped, failedThenOK, failing, pulledFailure} {
		m.PutAppointment(a)
	}
	require.NoError(t, m.UpsertMapping(ctx, &domain.EventMapping{AppointmentID: 1, ExternalEventID: "ev-1"}))

	require.NoError(t, m.CreateSyncLog(ctx, &domain.SyncLog{ID: "push", Direction: domain.DirectionToProvider, Status: domain.StatusPartial}))
	require.NoError(t, m.CreateSyncLog(ctx, &domain.SyncLog{ID: "pull", Direction: domain.DirectionFromProvider, Status: domain.StatusPartial}))
	for i, l := range []domain.AppointmentSyncLog{
		{SyncLogID: "push", AppointmentID: 3, Status: domain.ItemFailed},
		{SyncLogID: "push", AppointmentID: 4, Status: domain.ItemFailed},
		{SyncLogID: "push", AppointmentID: 3, Status: domain.ItemSuccess},
		{SyncLogID: "pull", AppointmentID: 5, Status: domain.ItemFailed},
	} {
		l.SyncedAt = now.Add(time.Duration(i) * time.Second)
		require.NoError(t, m.AppendItemLog(ctx, &l))
	}

	appts, err := m.ListAppointmentsNeedingRetry(ctx)
	require.NoError(t, err)
	var ids []int64
	for _, a := range appts {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []int64{1, 4}, ids)
}
