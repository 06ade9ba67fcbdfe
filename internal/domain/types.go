// Package domain holds the calendar integration records and the error taxonomy
// shared by the flow, token, sync and storage layers.
package domain

import (
	"fmt"
	"time"
)

// DefaultUserID keys the single credential row.
const DefaultUserID = "default"

// CalendarCredential is the persisted connection to the provider.
// AccessToken and RefreshToken are secrets and must only leave this package
// through ConnectionStatusFrom.
type CalendarCredential struct {
	UserID         string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt *time.Time
	CalendarID     string
	ConnectedEmail string
	SyncEnabled    bool
	LastSyncAt     *time.Time
	UpdatedAt      time.Time
}

// Connected reports whether the credential still holds any token.
func (c *CalendarCredential) Connected() bool {
	return c != nil && (c.AccessToken != "" || c.RefreshToken != "")
}

// EventMapping links a local appointment to its provider event.
type EventMapping struct {
	AppointmentID      int64
	ExternalEventID    string
	ExternalCalendarID string
	Checksum           string
	LastSyncedAt       time.Time
}

// SyncLog is the aggregate record of one sync run.
type SyncLog struct {
	ID           string
	Direction    SyncDirection
	Kind         SyncKind
	Status       SyncStatus
	ItemsSynced  int
	ItemsFailed  int
	ErrorMessage string
	StartedAt    time.Time
	CompletedAt  *time.Time
}

// AppointmentSyncLog is the per-item audit row of a sync run.
type AppointmentSyncLog struct {
	ID            string
	SyncLogID     string
	AppointmentID int64
	ExternalID    string
	Action        ItemAction
	Status        ItemStatus
	ErrorMessage  string
	SyncedAt      time.Time
}

// Appointment is the view of a clinic appointment the sync needs.
type Appointment struct {
	ID          int64
	Title       string
	Description string
	PatientName string
	MicrochipID string
	Room        string
	Status      AppointmentStatus
	StartTime   time.Time
	EndTime     time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// Removed reports whether the appointment should no longer exist remotely.
func (a Appointment) Removed() bool {
	return a.DeletedAt != nil || a.Status == AppointmentCancelled
}

// ConnectionStatus is the public view of a CalendarCredential.
type ConnectionStatus struct {
	Connected      bool       `json:"connected"`
	CalendarID     string     `json:"calendarId,omitempty"`
	ConnectedEmail string     `json:"connectedEmail,omitempty"`
	SyncEnabled    bool       `json:"syncEnabled"`
	LastSyncAt     *time.Time `json:"lastSyncAt,omitempty"`
}

// ConnectionStatusFrom copies the allow-listed fields of a credential.
// A nil credential yields a disconnected status.
func ConnectionStatusFrom(c *CalendarCredential) ConnectionStatus {
	if c == nil {
		return ConnectionStatus{}
	}
	status := ConnectionStatus{
		Connected:      c.Connected(),
		CalendarID:     c.CalendarID,
		ConnectedEmail: c.ConnectedEmail,
		SyncEnabled:    c.SyncEnabled,
	}
	if c.LastSyncAt != nil {
		t := *c.LastSyncAt
		status.LastSyncAt = &t
	}
	return status
}

// FinalStatus derives the terminal status of a run from its counters.
func FinalStatus(synced, failed int) SyncStatus {
	switch {
	case failed == 0:
		return StatusSuccess
	case synced == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

func (l SyncLog) String() string {
	return fmt.Sprintf("%s %s/%s synced=%d failed=%d", l.ID, l.Direction, l.Kind, l.ItemsSynced, l.ItemsFailed)
}
