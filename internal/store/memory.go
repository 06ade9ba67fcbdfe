package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"clinic-calendar-sync/internal/domain"
)

// Memory is an in-process Store and AppointmentStore.
type Memory struct {
	mu           sync.RWMutex
	credential   *domain.CalendarCredential
	mappings     map[int64]domain.EventMapping
	syncLogs     []domain.SyncLog
	itemLogs     []domain.AppointmentSyncLog
	appointments map[int64]domain.Appointment
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		mappings:     make(map[int64]domain.EventMapping),
		appointments: make(map[int64]domain.Appointment),
	}
}

func copyCredential(c *domain.CalendarCredential) *domain.CalendarCredential {
	out := *c
	if c.TokenExpiresAt != nil {
		t := *c.TokenExpiresAt
		out.TokenExpiresAt = &t
	}
	if c.LastSyncAt != nil {
		t := *c.LastSyncAt
		out.LastSyncAt = &t
	}
	return &out
}

func (m *Memory) GetCredential(ctx context.Context) (*domain.CalendarCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.credential == nil {
		return nil, ErrNotFound
	}
	return copyCredential(m.credential), nil
}

func (m *Memory) SaveCredential(ctx context.Context, c *domain.CalendarCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := copyCredential(c)
	if saved.UserID == "" {
		saved.UserID = domain.DefaultUserID
	}
	saved.UpdatedAt = time.Now()
	m.credential = saved
	return nil
}

func (m *Memory) GetMapping(ctx context.Context, appointmentID int64) (*domain.EventMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mapping, ok := m.mappings[appointmentID]
	if !ok {
		return nil, ErrNotFound
	}
	return &mapping, nil
}

func (m *Memory) GetMappingByEvent(ctx context.Context, externalEventID string) (*domain.EventMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mapping := range m.mappings {
		if mapping.ExternalEventID == externalEventID {
			found := mapping
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpsertMapping(ctx context.Context, mapping *domain.EventMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings[mapping.AppointmentID] = *mapping
	return nil
}

func (m *Memory) DeleteMapping(ctx context.Context, appointmentID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mappings, appointmentID)
	return nil
}

func (m *Memory) CountMappings(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mappings), nil
}

func (m *Memory) CreateSyncLog(ctx context.Context, l *domain.SyncLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.Status == domain.StatusInProgress {
		for _, existing := range m.syncLogs {
			if existing.Status == domain.StatusInProgress {
				return domain.ErrSyncAlreadyInProgress
			}
		}
	}
	m.syncLogs = append(m.syncLogs, *l)
	return nil
}

func (m *Memory) UpdateSyncLog(ctx context.Context, l *domain.SyncLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.syncLogs {
		if m.syncLogs[i].ID == l.ID {
			m.syncLogs[i] = *l
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) ListSyncLogs(ctx context.Context, limit, offset int) ([]domain.SyncLog, error) {
	m.mu.RLock()
	logs := make([]domain.SyncLog, len(m.syncLogs))
	copy(logs, m.syncLogs)
	m.mu.RUnlock()

	sort.SliceStable(logs, func(i, j int) bool {
		return logs[i].StartedAt.After(logs[j].StartedAt)
	})
	return page(logs, limit, offset), nil
}

func (m *Memory) InProgressSyncLog(ctx context.Context) (*domain.SyncLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.syncLogs) - 1; i >= 0; i-- {
		if m.syncLogs[i].Status == domain.StatusInProgress {
			l := m.syncLogs[i]
			return &l, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) AppendItemLog(ctx context.Context, l *domain.AppointmentSyncLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.itemLogs = append(m.itemLogs, *l)
	return nil
}

func (m *Memory) ListItemLogs(ctx context.Context, syncLogID string) ([]domain.AppointmentSyncLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.AppointmentSyncLog
	for _, l := range m.itemLogs {
		if l.SyncLogID == syncLogID {
			out = append(out, l)
		}
	}
	return out, nil
}

// PutAppointment inserts or replaces an appointment.
func (m *Memory) PutAppointment(a domain.Appointment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appointments[a.ID] = a
}

// Appointment returns a stored appointment.
func (m *Memory) Appointment(id int64) (domain.Appointment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.appointments[id]
	return a, ok
}

func (m *Memory) ListAppointmentsChangedSince(ctx context.Context, since time.Time) ([]domain.Appointment, error) {
	return m.filterAppointments(func(a domain.Appointment) bool {
		return a.UpdatedAt.After(since)
	}), nil
}

func (m *Memory) ListNonDeletedAppointments(ctx context.Context) ([]domain.Appointment, error) {
	return m.filterAppointments(func(a domain.Appointment) bool {
		return a.DeletedAt == nil
	}), nil
}

func (m *Memory) ListAppointmentsNeedingRetry(ctx context.Context) ([]domain.Appointment, error) {
	m.mu.RLock()
	pushes := make(map[string]bool, len(m.syncLogs))
	for _, l := range m.syncLogs {
		pushes[l.ID] = l.Direction == domain.DirectionToProvider
	}
	latest := make(map[int64]domain.AppointmentSyncLog)
	for _, l := range m.itemLogs {
		if !pushes[l.SyncLogID] {
			continue
		}
		if prev, ok := latest[l.AppointmentID]; !ok || !l.SyncedAt.Before(prev.SyncedAt) {
			latest[l.AppointmentID] = l
		}
	}
	mapped := make(map[int64]bool, len(m.mappings))
	for id := range m.mappings {
		mapped[id] = true
	}
	m.mu.RUnlock()

	return m.filterAppointments(func(a domain.Appointment) bool {
		if a.Removed() && mapped[a.ID] {
			return true
		}
		l, ok := latest[a.ID]
		return ok && l.Status == domain.ItemFailed
	}), nil
}

func (m *Memory) MarkCancelled(ctx context.Context, appointmentID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[appointmentID]
	if !ok {
		return false, ErrNotFound
	}
	if a.Status == domain.AppointmentCancelled {
		return false, nil
	}
	a.Status = domain.AppointmentCancelled
	a.UpdatedAt = time.Now()
	m.appointments[appointmentID] = a
	return true, nil
}

func (m *Memory) filterAppointments(keep func(domain.Appointment) bool) []domain.Appointment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Appointment
	for _, a := range m.appointments {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
