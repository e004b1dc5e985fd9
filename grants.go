package oauthproxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/department-of-veterans-affairs/oauth-proxy/internal/util"
	"github.com/department-of-veterans-affairs/oauth-proxy/security"
	"github.com/department-of-veterans-affairs/oauth-proxy/storage"
)

// maxUpstreamBody bounds how much of an upstream token response is read.
const maxUpstreamBody = 1 << 20

// lookupStaticToken checks the static registry for an exact refresh token
// match. A hit is served directly from the registry with is_static set, and
// the upstream IdP is never contacted.
func (p *Proxy) lookupStaticToken(ctx context.Context, req *TokenRequest) *TokenResponse {
	if p.staticTokens == nil {
		return nil
	}

	entry, err := p.staticTokens.GetStaticToken(ctx, req.RefreshToken)
	if err != nil {
		if !errors.Is(err, storage.ErrStaticTokenNotFound) {
			p.logger.Error("Static token lookup failed", "error", err)
		}
		return nil
	}

	p.auditor.LogStaticTokenUsed(req.ClientID, req.ClientIP)
	if p.metrics != nil {
		p.metrics.StaticTokenServed.Add(ctx, 1)
	}
	p.logger.Info("Serving token response from static registry",
		"token_prefix", util.SafeTruncate(req.RefreshToken, 8))

	return newStaticTokenResponse(entry)
}

// handleClientCredentialsGrant forwards the assertion-bearing form verbatim
// to the upstream token endpoint. The JWT assertion is decoded without
// verification for correlation logging only; the upstream does the actual
// verification.
func (p *Proxy) handleClientCredentialsGrant(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	assertionClientID := unverifiedAssertionIssuer(req.ClientAssertion)
	if assertionClientID != "" {
		p.logger.Info("Client credentials exchange", "client_id", assertionClientID)
	}

	resp, err := p.upstream.PostForm(ctx, req.Form, req.Header)
	if err != nil {
		p.logger.Error("Upstream token request failed", "error", err)
		return nil, ErrTokenFailure("Failed to retrieve access_token.")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		p.logger.Error("Failed to read upstream token response", "error", err)
		return nil, ErrTokenFailure("Failed to retrieve access_token.")
	}

	if resp.StatusCode != http.StatusOK {
		p.auditor.LogTokenFailure(assertionClientID, req.ClientIP, req.GrantType, "upstream rejected assertion")
		return nil, clientCredentialsError(resp.StatusCode, body, p)
	}

	var set struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
		Scope       string `json:"scope"`
	}
	if err := json.Unmarshal(body, &set); err != nil {
		p.logger.Error("Failed to decode upstream token response", "error", err)
		return nil, ErrTokenFailure("Failed to retrieve access_token.")
	}

	tokenType := set.TokenType
	if tokenType == "" {
		tokenType = tokenTypeBearer
	}
	tr := &TokenResponse{
		AccessToken: set.AccessToken,
		TokenType:   tokenType,
		ExpiresIn:   set.ExpiresIn,
		Scope:       set.Scope,
	}

	tr.Patient = util.DecodeLaunchPatient(req.Launch)
	p.saveDocumentLaunch(ctx, req.Launch, tr.AccessToken)

	p.auditor.LogTokenIssued(assertionClientID, req.ClientIP, req.GrantType, tr.Scope)
	return tr, nil
}

// clientCredentialsError maps an upstream failure body onto the proxy's
// error contract. 400 responses may carry either the directory's
// errorCode/errorSummary shape or the standard OAuth shape; 401 passes
// through; everything else is an opaque token failure.
func clientCredentialsError(status int, body []byte, p *Proxy) error {
	var shape struct {
		ErrorCode        string `json:"errorCode"`
		ErrorSummary     string `json:"errorSummary"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &shape)

	switch status {
	case http.StatusBadRequest:
		if shape.ErrorCode != "" {
			return NewOAuthError(shape.ErrorCode, shape.ErrorSummary, http.StatusBadRequest)
		}
		return NewOAuthError(shape.Error, shape.ErrorDescription, http.StatusBadRequest)
	case http.StatusUnauthorized:
		return NewOAuthError(shape.Error, shape.ErrorDescription, http.StatusUnauthorized)
	}

	p.logger.Error("Upstream token request failed", "status", status)
	return ErrTokenFailure("Failed to retrieve access_token.")
}

// unverifiedAssertionIssuer decodes the client assertion without verifying
// its signature and returns the issuer claim. Used for logging only.
func unverifiedAssertionIssuer(assertion string) string {
	if assertion == "" {
		return ""
	}
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(assertion, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	issuer, err := token.Claims.GetIssuer()
	if err != nil {
		return ""
	}
	return issuer
}

// saveDocumentLaunch records {access_token_hash, launch} for a
// client_credentials exchange so /launch can resolve the context later.
// Failures are logged and never fail token issuance.
func (p *Proxy) saveDocumentLaunch(ctx context.Context, launch, accessToken string) {
	if launch == "" || accessToken == "" {
		return
	}

	hash := security.HashString(accessToken, p.config.Security.HashSecret)
	doc := &storage.SessionDocument{
		State:           hash,
		AccessTokenHash: hash,
		Launch:          launch,
	}
	if err := p.sessions.SaveSession(ctx, doc); err != nil {
		p.logger.Error("Failed to save launch context", "error", err)
	}
}
