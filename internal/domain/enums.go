package domain

import "fmt"

// SyncDirection tells which side a run writes to.
type SyncDirection string

const (
	DirectionToProvider   SyncDirection = "to_provider"
	DirectionFromProvider SyncDirection = "from_provider"
)

// ParseSyncDirection rejects values outside the known set.
func ParseSyncDirection(s string) (SyncDirection, error) {
	switch d := SyncDirection(s); d {
	case DirectionToProvider, DirectionFromProvider:
		return d, nil
	}
	return "", unknown("sync direction", s)
}

// SyncKind selects how the work set of a run is computed.
type SyncKind string

const (
	KindInitial     SyncKind = "initial"
	KindIncremental SyncKind = "incremental"
	KindManual      SyncKind = "manual"
)

// ParseSyncKind rejects values outside the known set.
func ParseSyncKind(s string) (SyncKind, error) {
	switch k := SyncKind(s); k {
	case KindInitial, KindIncremental, KindManual:
		return k, nil
	}
	return "", unknown("sync kind", s)
}

// SyncStatus is the lifecycle of a SyncLog.
type SyncStatus string

const (
	StatusPending    SyncStatus = "pending"
	StatusInProgress SyncStatus = "in_progress"
	StatusSuccess    SyncStatus = "success"
	StatusFailed     SyncStatus = "failed"
	StatusPartial    SyncStatus = "partial"
)

// ParseSyncStatus rejects values outside the known set.
func ParseSyncStatus(s string) (SyncStatus, error) {
	switch st := SyncStatus(s); st {
	case StatusPending, StatusInProgress, StatusSuccess, StatusFailed, StatusPartial:
		return st, nil
	}
	return "", unknown("sync status", s)
}

// Terminal reports whether the run has finished.
func (s SyncStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusPartial
}

// ItemAction is the provider call made for one appointment.
type ItemAction string

const (
	ActionCreate ItemAction = "create"
	ActionUpdate ItemAction = "update"
	ActionDelete ItemAction = "delete"
)

// ParseItemAction rejects values outside the known set.
func ParseItemAction(s string) (ItemAction, error) {
	switch a := ItemAction(s); a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return a, nil
	}
	return "", unknown("item action", s)
}

// ItemStatus is the outcome of one item.
type ItemStatus string

const (
	ItemSuccess ItemStatus = "success"
	ItemFailed  ItemStatus = "failed"
	ItemPending ItemStatus = "pending"
)

// ParseItemStatus rejects values outside the known set.
func ParseItemStatus(s string) (ItemStatus, error) {
	switch st := ItemStatus(s); st {
	case ItemSuccess, ItemFailed, ItemPending:
		return st, nil
	}
	return "", unknown("item status", s)
}

// AppointmentStatus mirrors the clinic appointment states.
type AppointmentStatus string

const (
	AppointmentScheduled  AppointmentStatus = "scheduled"
	AppointmentInProgress AppointmentStatus = "in_progress"
	AppointmentCompleted  AppointmentStatus = "completed"
	AppointmentCancelled  AppointmentStatus = "cancelled"
)

// ParseAppointmentStatus rejects values outside the known set.
func ParseAppointmentStatus(s string) (AppointmentStatus, error) {
	switch st := AppointmentStatus(s); st {
	case AppointmentScheduled, AppointmentInProgress, AppointmentCompleted, AppointmentCancelled:
		return st, nil
	}
	return "", unknown("appointment status", s)
}

func unknown(kind, value string) error {
	return fmt.Errorf("%w: %s %q", ErrUnknownValue, kind, value)
}
