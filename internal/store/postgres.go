package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"clinic-calendar-sync/internal/domain"
)

// uniqueViolation is the SQLSTATE raised when a second run is opened while
// one is in progress.
const uniqueViolation = "23505"

// Postgres implements Store and AppointmentStore on PostgreSQL.
type Postgres struct {
	db *sqlx.DB
}

// OpenPostgres connects, pings and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	p := &Postgres{db: db}
	if err := p.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Msg("Postgres store ready")
	return p, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS calendar_credentials (
	user_id TEXT PRIMARY KEY,
	access_token TEXT,
	refresh_token TEXT,
	token_expires_at TIMESTAMPTZ,
	calendar_id TEXT,
	connected_email TEXT,
	sync_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	last_sync_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS calendar_event_mappings (
	appointment_id BIGINT PRIMARY KEY,
	external_event_id TEXT NOT NULL,
	external_calendar_id TEXT NOT NULL,
	checksum TEXT NOT NULL DEFAULT '',
	last_synced_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_calendar_event_mappings_event ON calendar_event_mappings (external_event_id);
CREATE TABLE IF NOT EXISTS sync_logs (
	id UUID PRIMARY KEY,
	direction TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	items_synced INTEGER NOT NULL DEFAULT 0,
	items_failed INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_sync_logs_started ON sync_logs (started_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS uq_sync_logs_in_progress ON sync_logs ((status)) WHERE status = 'in_progress';
CREATE TABLE IF NOT EXISTS appointment_sync_logs (
	id UUID PRIMARY KEY,
	sync_log_id UUID NOT NULL REFERENCES sync_logs(id),
	appointment_id BIGINT NOT NULL,
	external_id TEXT,
	action TEXT NOT NULL,
	status TEXT NOT NULL,
	error_message TEXT,
	synced_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_appointment_sync_logs_appointment ON appointment_sync_logs (appointment_id, synced_at DESC);
CREATE TABLE IF NOT EXISTS appointments (
	id BIGSERIAL PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT,
	patient_name TEXT,
	microchip_id TEXT,
	room TEXT,
	status TEXT NOT NULL DEFAULT 'scheduled',
	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	deleted_at TIMESTAMPTZ
);`
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

type credentialRow struct {
	UserID         string         `db:"user_id"`
	AccessToken    sql.NullString `db:"access_token"`
	RefreshToken   sql.NullString `db:"refresh_token"`
	TokenExpiresAt sql.NullTime   `db:"token_expires_at"`
	CalendarID     sql.NullString `db:"calendar_id"`
	ConnectedEmail sql.NullString `db:"connected_email"`
	SyncEnabled    bool           `db:"sync_enabled"`
	LastSyncAt     sql.NullTime   `db:"last_sync_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (p *Postgres) GetCredential(ctx context.Context) (*domain.CalendarCredential, error) {
	var row credentialRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM calendar_credentials WHERE user_id = $1`, domain.DefaultUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return &domain.CalendarCredential{
		UserID:         row.UserID,
		AccessToken:    row.AccessToken.String,
		RefreshToken:   row.RefreshToken.String,
		TokenExpiresAt: timePtr(row.TokenExpiresAt),
		CalendarID:     row.CalendarID.String,
		ConnectedEmail: row.ConnectedEmail.String,
		SyncEnabled:    row.SyncEnabled,
		LastSyncAt:     timePtr(row.LastSyncAt),
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

func (p *Postgres) SaveCredential(ctx context.Context, c *domain.CalendarCredential) error {
	userID := c.UserID
	if userID == "" {
		userID = domain.DefaultUserID
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO calendar_credentials
			(user_id, access_token, refresh_token, token_expires_at, calendar_id, connected_email, sync_enabled, last_sync_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expires_at = EXCLUDED.token_expires_at,
			calendar_id = EXCLUDED.calendar_id,
			connected_email = EXCLUDED.connected_email,
			sync_enabled = EXCLUDED.sync_enabled,
			last_sync_at = EXCLUDED.last_sync_at,
			updated_at = NOW()`,
		userID, nullableString(c.AccessToken), nullableString(c.RefreshToken), c.TokenExpiresAt,
		nullableString(c.CalendarID), nullableString(c.ConnectedEmail), c.SyncEnabled, c.LastSyncAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

type mappingRow struct {
	AppointmentID      int64     `db:"appointment_id"`
	ExternalEventID    string    `db:"external_event_id"`
	ExternalCalendarID string    `db:"external_calendar_id"`
	Checksum           string    `db:"checksum"`
	LastSyncedAt       time.Time `db:"last_synced_at"`
}

func (r mappingRow) toDomain() *domain.EventMapping {
	return &domain.EventMapping{
		AppointmentID:      r.AppointmentID,
		ExternalEventID:    r.ExternalEventID,
		ExternalCalendarID: r.ExternalCalendarID,
		Checksum:           r.Checksum,
		LastSyncedAt:       r.LastSyncedAt,
	}
}

func (p *Postgres) GetMapping(ctx context.Context, appointmentID int64) (*domain.EventMapping, error) {
	return p.getMapping(ctx, `SELECT * FROM calendar_event_mappings WHERE appointment_id = $1`, appointmentID)
}

func (p *Postgres) GetMappingByEvent(ctx context.Context, externalEventID string) (*domain.EventMapping, error) {
	return p.getMapping(ctx, `SELECT * FROM calendar_event_mappings WHERE external_event_id = $1 LIMIT 1`, externalEventID)
}

func (p *Postgres) getMapping(ctx context.Context, query string, arg any) (*domain.EventMapping, error) {
	var row mappingRow
	err := p.db.GetContext(ctx, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event mapping: %w", err)
	}
	return row.toDomain(), nil
}

func (p *Postgres) UpsertMapping(ctx context.Context, m *domain.EventMapping) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO calendar_event_mappings (appointment_id, external_event_id, external_calendar_id, checksum, last_synced_at)
		VALUES (:appointment_id, :external_event_id, :external_calendar_id, :checksum, :last_synced_at)
		ON CONFLICT (appointment_id) DO UPDATE SET
			external_event_id = EXCLUDED.external_event_id,
			external_calendar_id = EXCLUDED.external_calendar_id,
			checksum = EXCLUDED.checksum,
			last_synced_at = EXCLUDED.last_synced_at`,
		mappingRow{
			AppointmentID:      m.AppointmentID,
			ExternalEventID:    m.ExternalEventID,
			ExternalCalendarID: m.ExternalCalendarID,
			Checksum:           m.Checksum,
			LastSyncedAt:       m.LastSyncedAt,
		})
	if err != nil {
		return fmt.Errorf("failed to upsert event mapping: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteMapping(ctx context.Context, appointmentID int64) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM calendar_event_mappings WHERE appointment_id = $1`, appointmentID); err != nil {
		return fmt.Errorf("failed to delete event mapping: %w", err)
	}
	return nil
}

func (p *Postgres) CountMappings(ctx context.Context) (int, error) {
	var n int
	if err := p.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM calendar_event_mappings`); err != nil {
		return 0, fmt.Errorf("failed to count event mappings: %w", err)
	}
	return n, nil
}

type syncLogRow struct {
	ID           string         `db:"id"`
	Direction    string         `db:"direction"`
	Kind         string         `db:"kind"`
	Status       string         `db:"status"`
	ItemsSynced  int            `db:"items_synced"`
	ItemsFailed  int            `db:"items_failed"`
	ErrorMessage sql.NullString `db:"error_message"`
	StartedAt    time.Time      `db:"started_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
}

func (r syncLogRow) toDomain() (domain.SyncLog, error) {
	direction, err := domain.ParseSyncDirection(r.Direction)
	if err != nil {
		return domain.SyncLog{}, err
	}
	kind, err := domain.ParseSyncKind(r.Kind)
	if err != nil {
		return domain.SyncLog{}, err
	}
	status, err := domain.ParseSyncStatus(r.Status)
	if err != nil {
		return domain.SyncLog{}, err
	}
	return domain.SyncLog{
		ID:           r.ID,
		Direction:    direction,
		Kind:         kind,
		Status:       status,
		ItemsSynced:  r.ItemsSynced,
		ItemsFailed:  r.ItemsFailed,
		ErrorMessage: r.ErrorMessage.String,
		StartedAt:    r.StartedAt,
		CompletedAt:  timePtr(r.CompletedAt),
	}, nil
}

func (p *Postgres) CreateSyncLog(ctx context.Context, l *domain.SyncLog) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sync_logs (id, direction, kind, status, items_synced, items_failed, error_message, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		l.ID, string(l.Direction), string(l.Kind), string(l.Status), l.ItemsSynced, l.ItemsFailed,
		nullableString(l.ErrorMessage), l.StartedAt, l.CompletedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return domain.ErrSyncAlreadyInProgress
	}
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateSyncLog(ctx context.Context, l *domain.SyncLog) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE sync_logs SET status = $2, items_synced = $3, items_failed = $4, error_message = $5, completed_at = $6
		WHERE id = $1`,
		l.ID, string(l.Status), l.ItemsSynced, l.ItemsFailed, nullableString(l.ErrorMessage), l.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListSyncLogs(ctx context.Context, limit, offset int) ([]domain.SyncLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []syncLogRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT * FROM sync_logs ORDER BY started_at DESC LIMIT $1 OFFSET $2`, limit, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to list sync logs: %w", err)
	}
	logs := make([]domain.SyncLog, 0, len(rows))
	for _, r := range rows {
		l, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("sync log %s: %w", r.ID, err)
		}
		logs = append(logs, l)
	}
	return logs, nil
}

func (p *Postgres) InProgressSyncLog(ctx context.Context) (*domain.SyncLog, error) {
	var row syncLogRow
	err := p.db.GetContext(ctx, &row,
		`SELECT * FROM sync_logs WHERE status = $1 ORDER BY started_at DESC LIMIT 1`, string(domain.StatusInProgress))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load in-progress sync log: %w", err)
	}
	l, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &l, nil
}

type itemLogRow struct {
	ID            string         `db:"id"`
	SyncLogID     string         `db:"sync_log_id"`
	AppointmentID int64          `db:"appointment_id"`
	ExternalID    sql.NullString `db:"external_id"`
	Action        string         `db:"action"`
	Status        string         `db:"status"`
	ErrorMessage  sql.NullString `db:"error_message"`
	SyncedAt      time.Time      `db:"synced_at"`
}

func (p *Postgres) AppendItemLog(ctx context.Context, l *domain.AppointmentSyncLog) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO appointment_sync_logs (id, sync_log_id, appointment_id, external_id, action, status, error_message, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		l.ID, l.SyncLogID, l.AppointmentID, nullableString(l.ExternalID), string(l.Action), string(l.Status),
		nullableString(l.ErrorMessage), l.SyncedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append appointment sync log: %w", err)
	}
	return nil
}

func (p *Postgres) ListItemLogs(ctx context.Context, syncLogID string) ([]domain.AppointmentSyncLog, error) {
	var rows []itemLogRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT * FROM appointment_sync_logs WHERE sync_log_id = $1 ORDER BY synced_at`, syncLogID)
	if err != nil {
		return nil, fmt.Errorf("failed to list appointment sync logs: %w", err)
	}
	out := make([]domain.AppointmentSyncLog, 0, len(rows))
	for _, r := range rows {
		action, err := domain.ParseItemAction(r.Action)
		if err != nil {
			return nil, err
		}
		status, err := domain.ParseItemStatus(r.Status)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.AppointmentSyncLog{
			ID:            r.ID,
			SyncLogID:     r.SyncLogID,
			AppointmentID: r.AppointmentID,
			ExternalID:    r.ExternalID.String,
			Action:        action,
			Status:        status,
			ErrorMessage:  r.ErrorMessage.String,
			SyncedAt:      r.SyncedAt,
		})
	}
	return out, nil
}

type appointmentRow struct {
	ID          int64          `db:"id"`
	Title       string         `db:"title"`
	Description sql.NullString `db:"description"`
	PatientName sql.NullString `db:"patient_name"`
	MicrochipID sql.NullString `db:"microchip_id"`
	Room        sql.NullString `db:"room"`
	Status      string         `db:"status"`
	StartTime   time.Time      `db:"start_time"`
	EndTime     time.Time      `db:"end_time"`
	UpdatedAt   time.Time      `db:"updated_at"`
	DeletedAt   sql.NullTime   `db:"deleted_at"`
}

func (p *Postgres) ListAppointmentsChangedSince(ctx context.Context, since time.Time) ([]domain.Appointment, error) {
	return p.selectAppointments(ctx, `SELECT * FROM appointments WHERE updated_at > $1 ORDER BY id`, since)
}

func (p *Postgres) ListNonDeletedAppointments(ctx context.Context) ([]domain.Appointment, error) {
	return p.selectAppointments(ctx, `SELECT * FROM appointments WHERE deleted_at IS NULL ORDER BY id`)
}

func (p *Postgres) ListAppointmentsNeedingRetry(ctx context.Context) ([]domain.Appointment, error) {
	return p.selectAppointments(ctx, `
		SELECT a.* FROM appointments a
		WHERE ((a.deleted_at IS NOT NULL OR a.status = $1)
			AND EXISTS (SELECT 1 FROM calendar_event_mappings m WHERE m.appointment_id = a.id))
		OR a.id IN (
			SELECT latest.appointment_id FROM (
				SELECT DISTINCT ON (i.appointment_id) i.appointment_id, i.status
				FROM appointment_sync_logs i
				JOIN sync_logs s ON s.id = i.sync_log_id
				WHERE s.direction = $2
				ORDER BY i.appointment_id, i.synced_at DESC
			) latest
			WHERE latest.status = $3)
		ORDER BY a.id`,
		string(domain.AppointmentCancelled), string(domain.DirectionToProvider), string(domain.ItemFailed))
}

func (p *Postgres) selectAppointments(ctx context.Context, query string, args ...any) ([]domain.Appointment, error) {
	var rows []appointmentRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}
	out := make([]domain.Appointment, 0, len(rows))
	for _, r := range rows {
		status, err := domain.ParseAppointmentStatus(r.Status)
		if err != nil {
			return nil, fmt.Errorf("appointment %d: %w", r.ID, err)
		}
		out = append(out, domain.Appointment{
			ID:          r.ID,
			Title:       r.Title,
			Description: r.Description.String,
			PatientName: r.PatientName.String,
			MicrochipID: r.MicrochipID.String,
			Room:        r.Room.String,
			Status:      status,
			StartTime:   r.StartTime,
			EndTime:     r.EndTime,
			UpdatedAt:   r.UpdatedAt,
			DeletedAt:   timePtr(r.DeletedAt),
		})
	}
	return out, nil
}

func (p *Postgres) MarkCancelled(ctx context.Context, appointmentID int64) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE appointments SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status <> $2`,
		appointmentID, string(domain.AppointmentCancelled))
	if err != nil {
		return false, fmt.Errorf("failed to cancel appointment %d: %w", appointmentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
