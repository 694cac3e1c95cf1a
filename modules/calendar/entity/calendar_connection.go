package entity

import (
	"time"

	"doer-api/core/entity"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// CalendarConnection stores one user's link to an external calendar provider.
// At most one row exists per (user, provider). Token columns hold vault
// ciphertext blobs, never plaintext.
type CalendarConnection struct {
	entity.BaseEntity
	UserID         uuid.UUID      `db:"user_id" json:"user_id"`
	Provider       string         `db:"provider" json:"provider"` // google | outlook | apple
	AccessToken    string         `db:"access_token" json:"-"`
	RefreshToken   string         `db:"refresh_token" json:"-"`
	TokenExpiresAt time.Time      `db:"token_expires_at" json:"token_expires_at"`
	AccountEmail   string         `db:"account_email" json:"account_email"`
	CalendarIDs    pq.StringArray `db:"calendar_ids" json:"calendar_ids"`
	AutoSync       bool           `db:"auto_sync" json:"auto_sync"`
	SyncCursor     string         `db:"sync_cursor" json:"-"`
	LastSyncedAt   *time.Time     `db:"last_synced_at" json:"last_synced_at"`
}

func (CalendarConnection) TableName() string {
	return "calendar_connections"
}
