package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection. User-level
// identifiers are hashed before they reach the log stream; client IDs and IP
// addresses are logged as-is since they are not personal data.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event represents a security audit event.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogAuthorizationStarted logs the start of an authorization handshake.
func (a *Auditor) LogAuthorizationStarted(txID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      "authorization_started",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"transaction_id": txID},
	})
}

// LogTokenIssued logs a successful token exchange.
func (a *Auditor) LogTokenIssued(clientID, ipAddress, grantType, scope string) {
	a.LogEvent(Event{
		Type:      "token_issued",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogStaticTokenUsed logs a static-registry bypass of the upstream IdP.
func (a *Auditor) LogStaticTokenUsed(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      "static_token_used",
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogTokenFailure logs a denied or failed token exchange.
func (a *Auditor) LogTokenFailure(clientID, ipAddress, grantType, reason string) {
	a.LogEvent(Event{
		Type:      "token_failure",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"grant_type": grantType,
			"reason":     reason,
		},
	})
}

// LogGrantRevoked logs an administrative grant revocation for one user.
func (a *Auditor) LogGrantRevoked(userID, clientID, ipAddress string, succeeded bool) {
	a.LogEvent(Event{
		Type:      "grant_revoked",
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"succeeded": succeeded},
	})
}

// LogRateLimitExceeded logs a rate-limited request.
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      "rate_limit_exceeded",
		IPAddress: ipAddress,
		Details:   map[string]any{"endpoint": endpoint},
	})
}

// hashForLogging produces a short hash of an identifier for correlation in
// logs without exposing the identifier itself.
func hashForLogging(s string) string {
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
