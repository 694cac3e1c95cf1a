package provider

import (
	"fmt"
	"strings"

	"doer-api/core/config"
	"doer-api/core/constants"
	"doer-api/core/logger"
)

// ConfigResolver resolves per-provider OAuth client credentials and redirect
// URIs. Configuration is injected once at construction, never read per-call.
type ConfigResolver struct {
	cfg *config.Config
}

func NewConfigResolver(cfg *config.Config) *ConfigResolver {
	return &ConfigResolver{cfg: cfg}
}

// GetConfig returns the client credentials for a provider. Fails with a
// ConfigurationError naming the two required environment variables when
// client id or secret is absent.
func (r *ConfigResolver) GetConfig(provider string) (config.OAuthClientConfig, error) {
	cc, _ := r.cfg.OAuthClient(provider)
	if cc.ClientID == "" || cc.ClientSecret == "" {
		prefix := strings.ToUpper(provider)
		return config.OAuthClientConfig{}, &ConfigurationError{
			Message: fmt.Sprintf("%s_CLIENT_ID and %s_CLIENT_SECRET must be set", prefix, prefix),
		}
	}
	return cc, nil
}

// GetRedirectURI resolves the OAuth callback URL for a provider by priority:
//  1. explicit {PROVIDER}_REDIRECT_URI override (trailing slash stripped)
//  2. APP_BASE_URL + standard callback path
//  3. hardcoded production domain
//  4. platform deploy URL (outside production only)
//  5. caller-supplied request origin (development only)
//  6. localhost, with a warning — reaching it means misconfiguration
func (r *ConfigResolver) GetRedirectURI(provider string, requestOrigin string) string {
	callbackPath := fmt.Sprintf(constants.CalendarCallbackPathFormat, provider)

	if cc, ok := r.cfg.OAuthClient(provider); ok && cc.RedirectURI != "" {
		return strings.TrimSuffix(cc.RedirectURI, "/")
	}

	if base := r.cfg.Server.BaseURL; base != "" {
		return strings.TrimSuffix(base, "/") + callbackPath
	}

	env := r.cfg.Server.Environment
	if env == "production" {
		return constants.ProductionAppURL + callbackPath
	}

	if deploy := r.cfg.Server.DeployURL; deploy != "" {
		return strings.TrimSuffix(deploy, "/") + callbackPath
	}

	if env == "development" && requestOrigin != "" {
		return strings.TrimSuffix(requestOrigin, "/") + callbackPath
	}

	logger.Warn("ConfigResolver:GetRedirectURI:LocalhostFallback",
		"provider", provider,
		"hint", "no redirect URI source configured; the OAuth provider will likely reject this")
	return "http://localhost:7070" + callbackPath
}
