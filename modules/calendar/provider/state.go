package provider

import (
	"encoding/base64"
	"encoding/json"

	"doer-api/core/utils"

	"github.com/google/uuid"
)

// oauthStatePayload is what the state parameter encodes. It is equality
// checked, not signed: CSRF-resistant but not tamper-proof, matched by the
// one-time-use persistence in the service layer.
type oauthStatePayload struct {
	UserID string `json:"user_id"`
	Nonce  string `json:"nonce"`
}

// GenerateOAuthState builds an opaque state parameter binding the OAuth flow
// to a user.
func GenerateOAuthState(userID uuid.UUID) (string, error) {
	payload := oauthStatePayload{
		UserID: userID.String(),
		Nonce:  utils.GenerateRandomString(24),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// ParseOAuthState decodes a state parameter back into the user it claims to
// be issued for. Callers must check the claim against the persisted state
// row before trusting it.
func ParseOAuthState(state string) (uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return uuid.Nil, err
	}
	var payload oauthStatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(payload.UserID)
}
