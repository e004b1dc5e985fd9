package oauthproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/department-of-veterans-affairs/oauth-proxy/storage"
)

// TokenValidator resolves patient identity for an issued access token via the
// external token-validation service.
type TokenValidator interface {
	// ValidateToken validates the access token against the given audience and
	// returns the identifiers the validation service derived from it.
	ValidateToken(ctx context.Context, accessToken, audience string) (*ValidationResult, error)
}

// ValidationResult carries the identifiers returned by the validation service.
type ValidationResult struct {
	ICN string
}

// HTTPTokenValidator implements TokenValidator against the token-validation
// service's HTTP endpoint.
type HTTPTokenValidator struct {
	url        string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ TokenValidator = (*HTTPTokenValidator)(nil)

// NewHTTPTokenValidator creates a validator client for the given endpoint.
func NewHTTPTokenValidator(cfg ValidationConfig, httpClient *http.Client, logger *slog.Logger) *HTTPTokenValidator {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTokenValidator{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		logger:     logger,
	}
}

// ValidateToken posts the token and audience to the validation service and
// extracts the patient ICN.
func (v *HTTPTokenValidator) ValidateToken(ctx context.Context, accessToken, audience string) (*ValidationResult, error) {
	payload, err := json.Marshal(map[string]string{"aud": audience})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal validation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create validation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apiKey", v.apiKey)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("validation request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("validation request failed with status %d", resp.StatusCode)
	}

	var body struct {
		VAIdentifiers struct {
			ICN string `json:"icn"`
		} `json:"va_identifiers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode validation response: %w", err)
	}
	if body.VAIdentifiers.ICN == "" {
		return nil, fmt.Errorf("validation response carried no patient identifier")
	}

	return &ValidationResult{ICN: body.VAIdentifiers.ICN}, nil
}

// resolvePatient resolves the patient ICN for a token exchange when the
// granted scope includes a launch scope. A resolution failure fails the
// exchange with invalid_grant.
func (p *Proxy) resolvePatient(ctx context.Context, doc *storage.SessionDocument, resp *TokenResponse) (string, error) {
	scope := resp.Scope
	if scope == "" && doc != nil {
		scope = doc.Scope
	}
	if !launchScope(scope) {
		return "", nil
	}

	patient, err := p.patientFromValidateEndpoint(ctx, resp.AccessToken)
	if err != nil {
		p.logger.Error("Failed to resolve patient identifier", "error", err)
		return "", ErrInvalidGrant("Could not find a valid patient identifier for the provided authorization code.")
	}
	return patient, nil
}

// patientFromValidateEndpoint validates the access token and returns the
// derived ICN. The audience is read from the token's own unverified aud
// claim; the validation service performs the actual verification.
func (p *Proxy) patientFromValidateEndpoint(ctx context.Context, accessToken string) (string, error) {
	if p.validator == nil {
		return "", fmt.Errorf("no token validator configured")
	}

	result, err := p.validator.ValidateToken(ctx, accessToken, unverifiedAudience(accessToken))
	if err != nil {
		return "", err
	}
	return result.ICN, nil
}

// unverifiedAudience decodes the access token without verification and
// returns its first aud claim.
func unverifiedAudience(accessToken string) string {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	aud, err := token.Claims.GetAudience()
	if err != nil || len(aud) == 0 {
		return ""
	}
	return aud[0]
}

// launchScope reports whether the granted scope carries a SMART launch.
func launchScope(scope string) bool {
	for _, s := range strings.Fields(scope) {
		if s == "launch" || s == "launch/patient" {
			return true
		}
	}
	return false
}
