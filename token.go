package oauthproxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/department-of-veterans-affairs/oauth-proxy/storage"
	"github.com/department-of-veterans-affairs/oauth-proxy/upstream"
)

// Grant type and assertion constants.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"

	clientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// TokenRequest carries the parsed POST /token request.
type TokenRequest struct {
	GrantType    string
	Code         string
	RefreshToken string
	Launch       string

	// Client authentication. BasicAuth records whether the credentials came
	// from the Authorization header rather than the form body.
	ClientID     string
	ClientSecret string
	BasicAuth    bool

	ClientAssertion     string
	ClientAssertionType string

	// Form is the full decoded body, forwarded verbatim for the
	// client_credentials grant. Header carries the inbound headers the
	// forward may need (Host is never forwarded).
	Form   url.Values
	Header http.Header

	ClientIP string
}

// HandleToken runs the token exchange pipeline: authenticate the client,
// pull the session document, execute the grant, resolve the patient when the
// scope warrants, and save the rotated session state.
//
// Failures surface as *OAuthError; anything else is a programming error the
// HTTP boundary renders opaquely.
func (p *Proxy) HandleToken(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	resp, err := p.handleToken(ctx, req)

	if p.metrics != nil {
		result := "success"
		if err != nil {
			result = "error"
		}
		p.metrics.RecordTokenExchange(ctx, req.GrantType, result)
	}
	return resp, err
}

func (p *Proxy) handleToken(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		creds, err := p.authenticateClient(ctx, req)
		if err != nil {
			return nil, err
		}
		return p.handleAuthorizationCodeGrant(ctx, req, creds)

	case GrantTypeRefreshToken:
		creds, err := p.authenticateClient(ctx, req)
		if err != nil {
			return nil, err
		}
		return p.handleRefreshTokenGrant(ctx, req, creds)

	case GrantTypeClientCredentials:
		if req.ClientAssertionType != clientAssertionTypeJWTBearer {
			return nil, ErrInvalidRequest("Client assertion type must be jwt-bearer.")
		}
		return p.handleClientCredentialsGrant(ctx, req)

	default:
		return nil, ErrUnsupportedGrantType("Only authorization and refresh_token grant types are supported")
	}
}

// authenticateClient resolves the relying party's credentials: Basic header
// first, then form body, then a bare client_id for public PKCE clients when
// enabled. Locally provisioned clients are verified against the registry's
// bcrypt hash before anything is forwarded upstream.
func (p *Proxy) authenticateClient(ctx context.Context, req *TokenRequest) (upstream.ClientCredentials, error) {
	creds := upstream.ClientCredentials{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		RedirectURI:  p.redirectURI(),
	}

	if p.localClients != nil && creds.ClientID != "" {
		err := p.localClients.ValidateClientSecret(ctx, creds.ClientID, creds.ClientSecret)
		switch {
		case err == nil:
			return creds, nil
		case errors.Is(err, storage.ErrClientNotFound):
			// Not locally provisioned; fall through to the directory-backed
			// path.
		default:
			if !errors.Is(err, storage.ErrInvalidClientSecret) {
				p.logger.Error("Failed to validate client secret", "error", err)
			}
			return upstream.ClientCredentials{}, ErrInvalidClient("Client authentication failed")
		}
	}

	if creds.ClientID != "" && creds.ClientSecret != "" {
		return creds, nil
	}
	if p.config.EnablePKCEClientAuth && creds.ClientID != "" {
		return creds, nil
	}
	return upstream.ClientCredentials{}, ErrInvalidClient("Client authentication failed")
}

// handleAuthorizationCodeGrant redeems a single-use authorization code.
func (p *Proxy) handleAuthorizationCodeGrant(ctx context.Context, req *TokenRequest, creds upstream.ClientCredentials) (*TokenResponse, error) {
	doc, err := p.pullDocumentByCode(ctx, req.Code)
	if err != nil {
		return nil, err
	}

	set, err := p.upstream.Exchange(ctx, creds, req.Code, req.BasicAuth)
	if err != nil {
		p.auditor.LogTokenFailure(creds.ClientID, req.ClientIP, req.GrantType, "upstream exchange failed")
		return nil, p.translateUpstreamError(err)
	}
	resp := newTokenResponse(set)

	patient, err := p.resolvePatient(ctx, doc, resp)
	if err != nil {
		return nil, err
	}
	resp.Patient = patient
	p.saveDocumentState(ctx, doc, resp)

	p.auditor.LogTokenIssued(creds.ClientID, req.ClientIP, req.GrantType, resp.Scope)
	return resp, nil
}

// handleRefreshTokenGrant rotates a refresh token. Tokens in the static
// registry short-circuit: the pre-provisioned bundle is returned without
// contacting the upstream IdP.
func (p *Proxy) handleRefreshTokenGrant(ctx context.Context, req *TokenRequest, creds upstream.ClientCredentials) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("Missing refresh_token.")
	}

	if resp := p.lookupStaticToken(ctx, req); resp != nil {
		return resp, nil
	}

	doc, err := p.pullDocumentByRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		return nil, err
	}

	set, err := p.upstream.Refresh(ctx, creds, req.RefreshToken)
	if err != nil {
		p.auditor.LogTokenFailure(creds.ClientID, req.ClientIP, req.GrantType, "upstream refresh failed")
		return nil, p.translateUpstreamError(err)
	}
	resp := newTokenResponse(set)

	patient, err := p.resolvePatient(ctx, doc, resp)
	if err != nil {
		return nil, err
	}
	resp.Patient = patient
	p.saveDocumentState(ctx, doc, resp)

	p.auditor.LogTokenIssued(creds.ClientID, req.ClientIP, req.GrantType, resp.Scope)
	return resp, nil
}

// translateUpstreamError maps upstream token endpoint failures onto the
// proxy's error contract: 400 and 401 pass the upstream error through,
// everything else is an opaque token failure.
func (p *Proxy) translateUpstreamError(err error) error {
	var upErr *upstream.Error
	if errors.As(err, &upErr) {
		switch upErr.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized:
			return NewOAuthError(upErr.Code, upErr.Description, upErr.StatusCode)
		}
		p.logger.Error("Upstream token request failed", "status", upErr.StatusCode)
	} else {
		p.logger.Error("Upstream token request failed", "error", err)
	}
	return ErrTokenFailure("Failed to retrieve access_token.")
}
