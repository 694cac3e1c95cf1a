package entity

import (
	"time"

	"doer-api/core/entity"

	"github.com/google/uuid"
)

// OAuthState is a one-time-use connect-flow state token. Consumed (deleted)
// on callback; expired rows are swept opportunistically. The callback trusts
// UserID from this row, not whatever the state parameter claims.
type OAuthState struct {
	entity.BaseEntity
	State     string    `db:"state" json:"state"`
	UserID    uuid.UUID `db:"user_id" json:"user_id"`
	Provider  string    `db:"provider" json:"provider"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
}

func (OAuthState) TableName() string {
	return "calendar_oauth_states"
}
