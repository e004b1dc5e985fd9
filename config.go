package oauthproxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Config holds the proxy configuration.
// Structured using composition for better organization and maintainability.
type Config struct {
	// BaseURL is the externally visible origin of the proxy, used when
	// rewriting discovery metadata and building the /redirect URI
	// (e.g. "https://api.example.com/oauth2").
	BaseURL string

	// Upstream holds settings for the upstream IdP relationship. Client
	// credentials are never configured here; the proxy forwards each relying
	// party's own credentials.
	Upstream UpstreamConfig

	// Validation configures the external token-validation service used to
	// resolve patient identifiers.
	Validation ValidationConfig

	// RateLimit holds rate limiting configuration.
	RateLimit RateLimitConfig

	// Security holds security settings.
	Security SecurityConfig

	// EnableSMART exposes the SMART-on-FHIR configuration document and
	// launch-context endpoints.
	EnableSMART bool

	// EnableGrantRevocation enables the administrative POST /grants endpoint.
	EnableGrantRevocation bool

	// EnablePKCEClientAuth accepts a bare client_id at the token endpoint for
	// public PKCE clients.
	EnablePKCEClientAuth bool

	// Logger for structured logging (optional, uses default if not provided).
	Logger *slog.Logger

	// HTTPClient is a custom HTTP client for outbound requests.
	HTTPClient *http.Client
}

// UpstreamConfig holds settings for the upstream IdP relationship.
type UpstreamConfig struct {
	// Audience is the audience value expected by the upstream authorization
	// server. Requests carrying a different aud are logged but not blocked.
	Audience string
}

// ValidationConfig holds the token-validation service settings.
type ValidationConfig struct {
	// URL is the validation endpoint (empty disables patient resolution).
	URL string

	// APIKey authenticates the proxy to the validation service.
	APIKey string

	// Timeout bounds each validation call. Default: 10s.
	Timeout time.Duration
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool
}

// SecurityConfig holds security settings.
type SecurityConfig struct {
	// HashSecret keys the HMAC applied to access tokens before they are
	// persisted (required). The raw token is never stored.
	HashSecret string

	// EnableAuditLogging enables security audit logging.
	// Logs auth events, token operations, and violations (sensitive data hashed).
	EnableAuditLogging bool
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if c.Security.HashSecret == "" {
		return fmt.Errorf("hash secret is required")
	}
	return nil
}
