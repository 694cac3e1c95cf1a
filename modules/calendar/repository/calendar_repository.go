package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"doer-api/core/database"
	"doer-api/core/logger"
	"doer-api/modules/calendar/entity"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type CalendarRepository interface {
	// Calendar connections
	CreateConnection(ctx context.Context, conn *entity.CalendarConnection) (*entity.CalendarConnection, error)
	GetConnection(ctx context.Context, id uuid.UUID) (*entity.CalendarConnection, error)
	GetConnectionByUserAndProvider(ctx context.Context, userID uuid.UUID, provider string) (*entity.CalendarConnection, error)
	GetConnectionsByUserID(ctx context.Context, userID uuid.UUID) ([]entity.CalendarConnection, error)
	GetAutoSyncConnectionsByUserID(ctx context.Context, userID uuid.UUID) ([]entity.CalendarConnection, error)
	ListActiveConnections(ctx context.Context) ([]entity.CalendarConnection, error)
	UpdateConnectionTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt time.Time) error
	UpdateConnectionCursor(ctx context.Context, id uuid.UUID, cursor string, syncedAt time.Time) error
	UpdateConnectionSettings(ctx context.Context, id uuid.UUID, calendarIDs []string, autoSync *bool) error
	DeleteConnection(ctx context.Context, userID uuid.UUID, provider string) error

	// Calendar events
	UpsertEvent(ctx context.Context, ev *entity.CalendarEvent) (*entity.CalendarEvent, error)
	DeleteEventByExternalID(ctx context.Context, connectionID uuid.UUID, externalID, calendarID string) error
	DeleteEventsByConnectionID(ctx context.Context, connectionID uuid.UUID) error
	GetEventsInRange(ctx context.Context, userID uuid.UUID, start, end time.Time) ([]entity.CalendarEvent, error)

	// Event links (task schedule <-> external event)
	UpsertEventLink(ctx context.Context, link *entity.CalendarEventLink) (*entity.CalendarEventLink, error)
	GetLinkByScheduleAndConnection(ctx context.Context, taskScheduleID, connectionID uuid.UUID) (*entity.CalendarEventLink, error)
	DeleteLinksByScheduleID(ctx context.Context, taskScheduleID uuid.UUID) error

	// OAuth connect-flow state, one-time use
	SaveOAuthState(ctx context.Context, state, provider string, userID uuid.UUID, expiresAt time.Time) error
	ConsumeOAuthState(ctx context.Context, state string) (*entity.OAuthState, error)
	CleanupExpiredOAuthStates(ctx context.Context) error
}

type calendarRepository struct {
	db database.IDatabase
}

func NewCalendarRepository(db database.IDatabase) CalendarRepository {
	return &calendarRepository{db: db}
}

func (r *calendarRepository) CreateConnection(ctx context.Context, conn *entity.CalendarConnection) (*entity.CalendarConnection, error) {
	query := `
		INSERT INTO calendar_connections
			(user_id, provider, access_token, refresh_token, token_expires_at,
			 account_email, calendar_ids, auto_sync, sync_cursor)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, provider)
		DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expires_at = EXCLUDED.token_expires_at,
			account_email = EXCLUDED.account_email,
			calendar_ids = EXCLUDED.calendar_ids,
			auto_sync = EXCLUDED.auto_sync,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRowContext(
		ctx, query,
		conn.UserID, conn.Provider, conn.AccessToken, conn.RefreshToken,
		conn.TokenExpiresAt, conn.AccountEmail, conn.CalendarIDs, conn.AutoSync, conn.SyncCursor,
	).Scan(&conn.ID, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		logger.Error("CalendarRepository:CreateConnection:Error", "error", err, "user_id", conn.UserID, "provider", conn.Provider)
		return nil, err
	}
	return conn, nil
}

func (r *calendarRepository) GetConnection(ctx context.Context, id uuid.UUID) (*entity.CalendarConnection, error) {
	var conn entity.CalendarConnection
	query := `SELECT * FROM calendar_connections WHERE id = $1`
	if err := r.db.GetContext(ctx, &conn, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		logger.Error("CalendarRepository:GetConnection:Error", "error", err, "connection_id", id)
		return nil, err
	}
	return &conn, nil
}

func (r *calendarRepository) GetConnectionByUserAndProvider(ctx context.Context, userID uuid.UUID, provider string) (*entity.CalendarConnection, error) {
	var conn entity.CalendarConnection
	query := `SELECT * FROM calendar_connections WHERE user_id = $1 AND provider = $2`
	if err := r.db.GetContext(ctx, &conn, query, userID, provider); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		logger.Error("CalendarRepository:GetConnectionByUserAndProvider:Error", "error", err, "user_id", userID, "provider", provider)
		return nil, err
	}
	return &conn, nil
}

func (r *calendarRepository) GetConnectionsByUserID(ctx context.Context, userID uuid.UUID) ([]entity.CalendarConnection, error) {
	var conns []entity.CalendarConnection
	query := `SELECT * FROM calendar_connections WHERE user_id = $1 ORDER BY provider`
	if err := r.db.SelectContext(ctx, &conns, query, userID); err != nil {
		logger.Error("CalendarRepository:GetConnectionsByUserID:Error", "error", err, "user_id", userID)
		return nil, err
	}
	return conns, nil
}

func (r *calendarRepository) GetAutoSyncConnectionsByUserID(ctx context.Context, userID uuid.UUID) ([]entity.CalendarConnection, error) {
	var conns []entity.CalendarConnection
	query := `SELECT * FROM calendar_connections WHERE user_id = $1 AND auto_sync = true ORDER BY provider`
	if err := r.db.SelectContext(ctx, &conns, query, userID); err != nil {
		logger.Error("CalendarRepository:GetAutoSyncConnectionsByUserID:Error", "error", err, "user_id", userID)
		return nil, err
	}
	return conns, nil
}

// ListActiveConnections feeds the periodic sync sweep: every connection with
// auto-sync enabled, fleet-wide.
func (r *calendarRepository) ListActiveConnections(ctx context.Context) ([]entity.CalendarConnection, error) {
	var conns []entity.CalendarConnection
	query := `SELECT * FROM calendar_connections WHERE auto_sync = true ORDER BY last_synced_at NULLS FIRST`
	if err := r.db.SelectContext(ctx, &conns, query); err != nil {
		logger.Error("CalendarRepository:ListActiveConnections:Error", "error", err)
		return nil, err
	}
	return conns, nil
}

func (r *calendarRepository) UpdateConnectionTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt time.Time) error {
	query := `
		UPDATE calendar_connections
		SET access_token = $2, refresh_token = $3, token_expires_at = $4, updated_at = NOW()
		WHERE id = $1
	`
	if err := r.db.ExecContext(ctx, query, id, accessToken, refreshToken, expiresAt); err != nil {
		logger.Error("CalendarRepository:UpdateConnectionTokens:Error", "error", err, "connection_id", id)
		return err
	}
	return nil
}

func (r *calendarRepository) UpdateConnectionCursor(ctx context.Context, id uuid.UUID, cursor string, syncedAt time.Time) error {
	query := `
		UPDATE calendar_connections
		SET sync_cursor = $2, last_synced_at = $3, updated_at = NOW()
		WHERE id = $1
	`
	if err := r.db.ExecContext(ctx, query, id, cursor, syncedAt); err != nil {
		logger.Error("CalendarRepository:UpdateConnectionCursor:Error", "error", err, "connection_id", id)
		return err
	}
	return nil
}

func (r *calendarRepository) UpdateConnectionSettings(ctx context.Context, id uuid.UUID, calendarIDs []string, autoSync *bool) error {
	query := `
		UPDATE calendar_connections
		SET calendar_ids = COALESCE($2, calendar_ids),
		    auto_sync = COALESCE($3, auto_sync),
		    updated_at = NOW()
		WHERE id = $1
	`
	var ids any
	if calendarIDs != nil {
		ids = pq.StringArray(calendarIDs)
	}
	if err := r.db.ExecContext(ctx, query, id, ids, autoSync); err != nil {
		logger.Error("CalendarRepository:UpdateConnectionSettings:Error", "error", err, "connection_id", id)
		return err
	}
	return nil
}

// DeleteConnection removes the connection row; events and links cascade via
// foreign keys.
func (r *calendarRepository) DeleteConnection(ctx context.Context, userID uuid.UUID, provider string) error {
	query := `DELETE FROM calendar_connections WHERE user_id = $1 AND provider = $2`
	if err := r.db.ExecContext(ctx, query, userID, provider); err != nil {
		logger.Error("CalendarRepository:DeleteConnection:Error", "error", err, "user_id", userID, "provider", provider)
		return err
	}
	return nil
}

// UpsertEvent is keyed on (connection_id, external_id, calendar_id), so
// re-pulling the same window never duplicates rows.
func (r *calendarRepository) UpsertEvent(ctx context.Context, ev *entity.CalendarEvent) (*entity.CalendarEvent, error) {
	query := `
		INSERT INTO calendar_events
			(connection_id, external_id, calendar_id, summary, description,
			 starts_at, ends_at, all_day, timezone, is_busy, created_by_doer, etag, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (connection_id, external_id, calendar_id)
		DO UPDATE SET
			summary = EXCLUDED.summary,
			description = EXCLUDED.description,
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at,
			all_day = EXCLUDED.all_day,
			timezone = EXCLUDED.timezone,
			is_busy = EXCLUDED.is_busy,
			created_by_doer = EXCLUDED.created_by_doer,
			etag = EXCLUDED.etag,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRowContext(
		ctx, query,
		ev.ConnectionID, ev.ExternalID, ev.CalendarID, ev.Summary, ev.Description,
		ev.StartsAt, ev.EndsAt, ev.AllDay, ev.Timezone, ev.IsBusy, ev.CreatedByDoer, ev.ETag, ev.Metadata,
	).Scan(&ev.ID, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		logger.Error("CalendarRepository:UpsertEvent:Error", "error", err, "connection_id", ev.ConnectionID, "external_id", ev.ExternalID)
		return nil, err
	}
	return ev, nil
}

// DeleteEventByExternalID removes the event and any expanded recurrence
// instances stored under "<externalID>#<occurrence>": provider tombstones
// carry the base id only.
func (r *calendarRepository) DeleteEventByExternalID(ctx context.Context, connectionID uuid.UUID, externalID, calendarID string) error {
	query := `
		DELETE FROM calendar_events
		WHERE connection_id = $1 AND calendar_id = $3
		AND (external_id = $2 OR starts_with(external_id, $2 || '#'))
	`
	if err := r.db.ExecContext(ctx, query, connectionID, externalID, calendarID); err != nil {
		logger.Error("CalendarRepository:DeleteEventByExternalID:Error", "error", err, "connection_id", connectionID, "external_id", externalID)
		return err
	}
	return nil
}

func (r *calendarRepository) DeleteEventsByConnectionID(ctx context.Context, connectionID uuid.UUID) error {
	query := `DELETE FROM calendar_events WHERE connection_id = $1`
	if err := r.db.ExecContext(ctx, query, connectionID); err != nil {
		logger.Error("CalendarRepository:DeleteEventsByConnectionID:Error", "error", err, "connection_id", connectionID)
		return err
	}
	return nil
}

// GetEventsInRange aggregates busy events across every connection the user
// owns. Range overlap is half-open: an event ending exactly at start does not
// count.
func (r *calendarRepository) GetEventsInRange(ctx context.Context, userID uuid.UUID, start, end time.Time) ([]entity.CalendarEvent, error) {
	var events []entity.CalendarEvent
	query := `
		SELECT e.*
		FROM calendar_events e
		JOIN calendar_connections c ON c.id = e.connection_id
		WHERE c.user_id = $1
		  AND e.is_busy = true
		  AND e.starts_at < $3
		  AND e.ends_at > $2
		ORDER BY e.starts_at
	`
	if err := r.db.SelectContext(ctx, &events, query, userID, start, end); err != nil {
		logger.Error("CalendarRepository:GetEventsInRange:Error", "error", err, "user_id", userID)
		return nil, err
	}
	return events, nil
}

func (r *calendarRepository) UpsertEventLink(ctx context.Context, link *entity.CalendarEventLink) (*entity.CalendarEventLink, error) {
	query := `
		INSERT INTO calendar_event_links
			(calendar_event_id, task_id, task_schedule_id, plan_id,
			 external_event_id, confidence, plan_name, task_name, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (calendar_event_id, task_schedule_id)
		DO UPDATE SET
			external_event_id = EXCLUDED.external_event_id,
			plan_id = EXCLUDED.plan_id,
			confidence = EXCLUDED.confidence,
			plan_name = EXCLUDED.plan_name,
			task_name = EXCLUDED.task_name,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRowContext(
		ctx, query,
		link.CalendarEventID, link.TaskID, link.TaskScheduleID, link.PlanID,
		link.ExternalEventID, link.Confidence, link.PlanName, link.TaskName, link.Metadata,
	).Scan(&link.ID, &link.CreatedAt, &link.UpdatedAt)
	if err != nil {
		logger.Error("CalendarRepository:UpsertEventLink:Error", "error", err, "task_schedule_id", link.TaskScheduleID)
		return nil, err
	}
	return link, nil
}

// GetLinkByScheduleAndConnection finds the existing external mirror of a
// schedule on one connection, which is what lets push update instead of
// re-create.
func (r *calendarRepository) GetLinkByScheduleAndConnection(ctx context.Context, taskScheduleID, connectionID uuid.UUID) (*entity.CalendarEventLink, error) {
	var link entity.CalendarEventLink
	query := `
		SELECT l.*
		FROM calendar_event_links l
		JOIN calendar_events e ON e.id = l.calendar_event_id
		WHERE l.task_schedule_id = $1 AND e.connection_id = $2
	`
	if err := r.db.GetContext(ctx, &link, query, taskScheduleID, connectionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		logger.Error("CalendarRepository:GetLinkByScheduleAndConnection:Error", "error", err, "task_schedule_id", taskScheduleID)
		return nil, err
	}
	return &link, nil
}

func (r *calendarRepository) DeleteLinksByScheduleID(ctx context.Context, taskScheduleID uuid.UUID) error {
	query := `DELETE FROM calendar_event_links WHERE task_schedule_id = $1`
	if err := r.db.ExecContext(ctx, query, taskScheduleID); err != nil {
		logger.Error("CalendarRepository:DeleteLinksByScheduleID:Error", "error", err, "task_schedule_id", taskScheduleID)
		return err
	}
	return nil
}

func (r *calendarRepository) SaveOAuthState(ctx context.Context, state, provider string, userID uuid.UUID, expiresAt time.Time) error {
	query := `
		INSERT INTO calendar_oauth_states (state, provider, user_id, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (state)
		DO UPDATE SET provider = $2, user_id = $3, expires_at = $4, updated_at = NOW()
	`
	if err := r.db.ExecContext(ctx, query, state, provider, userID, expiresAt); err != nil {
		logger.Error("CalendarRepository:SaveOAuthState:Error", "error", err)
		return err
	}
	return nil
}

// ConsumeOAuthState atomically deletes and returns the state row, so a state
// token cannot be replayed. Expired rows are treated as absent.
func (r *calendarRepository) ConsumeOAuthState(ctx context.Context, state string) (*entity.OAuthState, error) {
	var row entity.OAuthState
	query := `
		DELETE FROM calendar_oauth_states
		WHERE state = $1 AND expires_at > NOW()
		RETURNING id, state, provider, user_id, expires_at, created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query, state).Scan(
		&row.ID, &row.State, &row.Provider, &row.UserID, &row.ExpiresAt, &row.CreatedAt, &row.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		logger.Error("CalendarRepository:ConsumeOAuthState:Error", "error", err)
		return nil, err
	}
	return &row, nil
}

func (r *calendarRepository) CleanupExpiredOAuthStates(ctx context.Context) error {
	query := `DELETE FROM calendar_oauth_states WHERE expires_at < NOW()`
	if err := r.db.ExecContext(ctx, query); err != nil {
		logger.Error("CalendarRepository:CleanupExpiredOAuthStates:Error", "error", err)
		return err
	}
	return nil
}
