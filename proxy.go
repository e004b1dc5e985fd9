// Package oauthproxy implements an OAuth2/OpenID Connect proxy that sits
// between client applications and an upstream identity provider. It rewrites
// discovery metadata, mediates the authorization_code, refresh_token and
// client_credentials grants, and layers SMART-on-FHIR launch context and a
// static token registry on top of standard OAuth.
package oauthproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"net/url"
	"strings"

	"github.com/department-of-veterans-affairs/oauth-proxy/directory"
	"github.com/department-of-veterans-affairs/oauth-proxy/instrumentation"
	"github.com/department-of-veterans-affairs/oauth-proxy/security"
	"github.com/department-of-veterans-affairs/oauth-proxy/storage"
	"github.com/department-of-veterans-affairs/oauth-proxy/upstream"
)

// Proxy is the grant-exchange and session-correlation core. It owns no HTTP
// concerns; Handler adapts it to the wire.
type Proxy struct {
	config       *Config
	sessions     storage.SessionStore
	staticTokens storage.StaticTokenStore
	localClients storage.ClientStore
	upstream     upstream.Client
	directory    directory.Client
	validator    TokenValidator
	logger       *slog.Logger
	auditor      *security.Auditor

	inst    *instrumentation.Instrumentation
	metrics *instrumentation.Metrics
}

// NewProxy creates the proxy core. The static token store and validator are
// optional; when nil the static bypass and patient resolution are disabled.
func NewProxy(
	config *Config,
	sessions storage.SessionStore,
	staticTokens storage.StaticTokenStore,
	upstreamClient upstream.Client,
	directoryClient directory.Client,
	validator TokenValidator,
) (*Proxy, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if upstreamClient == nil {
		return nil, fmt.Errorf("upstream client is required")
	}
	if directoryClient == nil {
		return nil, fmt.Errorf("directory client is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Proxy{
		config:       config,
		sessions:     sessions,
		staticTokens: staticTokens,
		upstream:     upstreamClient,
		directory:    directoryClient,
		validator:    validator,
		logger:       logger,
		auditor:      security.NewAuditor(logger, config.Security.EnableAuditLogging),
	}, nil
}

// SetLocalClients installs a locally provisioned client registry, consulted
// before the identity directory when resolving client registrations. API
// categories whose clients are not registered in the directory are wired
// this way.
func (p *Proxy) SetLocalClients(clients storage.ClientStore) {
	p.localClients = clients
}

// SetInstrumentation sets OpenTelemetry instrumentation for the proxy core.
func (p *Proxy) SetInstrumentation(inst *instrumentation.Instrumentation) {
	p.inst = inst
	if inst != nil {
		p.metrics = inst.Metrics()
	}
}

// redirectURI is the proxy's own callback registered at the upstream IdP.
func (p *Proxy) redirectURI() string {
	return strings.TrimSuffix(p.config.BaseURL, "/") + "/redirect"
}

// AuthorizeRequest carries the parsed /authorization query parameters.
type AuthorizeRequest struct {
	State       string
	ClientID    string
	RedirectURI string
	Scope       string
	Aud         string
	Launch      string
	ClientIP    string
}

// StartAuthorizationFlow validates an authorization request, persists the
// session document, and returns the upstream authorization URL to redirect
// the user agent to.
func (p *Proxy) StartAuthorizationFlow(ctx context.Context, req *AuthorizeRequest) (string, error) {
	if req.State == "" {
		return "", ErrInvalidRequest("State parameter required.")
	}

	if !security.ValidClientID(req.ClientID) {
		return "", ErrInvalidRequest("Invalid client_id.")
	}
	redirectURIs, err := p.resolveClient(ctx, req.ClientID)
	if err != nil {
		return "", err
	}

	if req.RedirectURI == "" || !registeredRedirectURI(redirectURIs, req.RedirectURI) {
		return "", ErrInvalidRequest("Invalid redirect_uri.")
	}

	server, err := p.directory.GetAuthorizationServer(ctx)
	if err != nil {
		p.logger.Error("Unable to get the authorization server.", "error", err)
		return "", ErrServerError(descUnknownError)
	}
	audiences := server.Audiences
	if len(audiences) == 0 && p.config.Upstream.Audience != "" {
		audiences = []string{p.config.Upstream.Audience}
	}
	if req.Aud != "" && !containsAudience(audiences, req.Aud) {
		p.logger.Warn("Unexpected audience",
			"actual", req.Aud,
			"expected", audiences)
	}

	doc := &storage.SessionDocument{
		State:       req.State,
		ClientID:    req.ClientID,
		RedirectURI: req.RedirectURI,
		Scope:       req.Scope,
		Launch:      req.Launch,
	}
	if err := p.sessions.SaveSession(ctx, doc); err != nil {
		p.logger.Error("Failed to save session", "error", err)
		return "", ErrServerError(descUnknownError)
	}

	p.auditor.LogAuthorizationStarted(req.State, req.ClientID, req.ClientIP)
	if p.metrics != nil {
		p.metrics.AuthorizationStarted.Add(ctx, 1)
	}

	return p.upstreamAuthorizeURL(ctx, req)
}

// upstreamAuthorizeURL rebuilds the authorization request against the
// upstream endpoint, substituting the proxy's own /redirect callback.
func (p *Proxy) upstreamAuthorizeURL(ctx context.Context, req *AuthorizeRequest) (string, error) {
	meta, err := p.upstream.Metadata(ctx)
	if err != nil {
		p.logger.Error("Failed to fetch upstream metadata", "error", err)
		return "", ErrServerError(descUnknownError)
	}

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("state", req.State)
	q.Set("client_id", req.ClientID)
	q.Set("redirect_uri", p.redirectURI())
	if req.Scope != "" {
		q.Set("scope", req.Scope)
	}
	if req.Aud != "" {
		q.Set("aud", req.Aud)
	}

	sep := "?"
	if strings.Contains(meta.AuthorizationEndpoint, "?") {
		sep = "&"
	}
	return meta.AuthorizationEndpoint + sep + q.Encode(), nil
}

// HandleUpstreamRedirect correlates the IdP callback to the originating
// session, records the authorization code, and returns the client's redirect
// URL with code and state appended.
func (p *Proxy) HandleUpstreamRedirect(ctx context.Context, code, state string) (string, error) {
	doc, err := p.sessions.GetSessionByState(ctx, state)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return "", NewOAuthError(ErrorCodeInvalidRequest, "Could not find session for the provided state.", http.StatusUnauthorized)
		}
		p.logger.Error("Failed to look up session by state", "error", err)
		return "", ErrServerError(descUnknownError)
	}

	doc.Code = code
	if err := p.sessions.SaveSession(ctx, doc); err != nil {
		p.logger.Error("Failed to save authorization code", "error", err)
		return "", ErrServerError(descUnknownError)
	}

	target, err := url.Parse(doc.RedirectURI)
	if err != nil {
		p.logger.Error("Stored redirect_uri is not a valid URL", "error", err)
		return "", ErrServerError(descUnknownError)
	}
	q := target.Query()
	q.Set("code", code)
	q.Set("state", state)
	target.RawQuery = q.Encode()

	return target.String(), nil
}

// LookupLaunch resolves the SMART launch context for a bearer access token.
func (p *Proxy) LookupLaunch(ctx context.Context, accessToken string) (string, error) {
	unauthorized := NewOAuthError(ErrorCodeInvalidRequest, "Invalid access token.", http.StatusUnauthorized)
	if accessToken == "" {
		return "", unauthorized
	}

	hash := security.HashString(accessToken, p.config.Security.HashSecret)
	doc, err := p.sessions.GetSessionByAccessTokenHash(ctx, hash)
	if err != nil {
		if !errors.Is(err, storage.ErrSessionNotFound) {
			p.logger.Error("Failed to look up session by access token", "error", err)
		}
		return "", unauthorized
	}
	if doc.Launch == "" {
		return "", unauthorized
	}
	return doc.Launch, nil
}

// GrantRevocationOutcome is the per-user result of a grant revocation.
type GrantRevocationOutcome struct {
	Status  int    `json:"status"`
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

// GrantRevocationResult is the response body of the administrative
// revoke-grant endpoint.
type GrantRevocationResult struct {
	Email     string                   `json:"email"`
	Responses []GrantRevocationOutcome `json:"responses"`
}

// RevokeGrants deletes the grants every user matching email holds on the
// given client. The overall status is 200 only when every deletion
// succeeded; any failure downgrades it to 400 while still reporting the full
// outcome list.
func (p *Proxy) RevokeGrants(ctx context.Context, clientID, email, clientIP string) (int, *GrantRevocationResult, error) {
	if !p.config.EnableGrantRevocation {
		return 0, nil, NewOAuthError(ErrorCodeInvalidRequest, "Revoking grants is disabled in this environment.", http.StatusForbidden)
	}

	var missing string
	if clientID == "" {
		missing += "Invalid client_id. "
	}
	if email == "" {
		missing += "Invalid email address. "
	}
	if missing != "" {
		return 0, nil, ErrInvalidRequest(missing)
	}

	if _, err := mail.ParseAddress(email); err != nil {
		return 0, nil, ErrInvalidRequest("Invalid email address.")
	}

	if !security.ValidClientID(clientID) {
		return 0, nil, ErrInvalidRequest("Invalid client_id.")
	}
	if _, err := p.directory.GetClient(ctx, clientID); err != nil {
		return 0, nil, ErrInvalidRequest("Invalid client_id.")
	}

	userIDs, err := p.directory.FindUserIDs(ctx, email)
	if err != nil {
		var apiErr *directory.APIError
		if errors.As(err, &apiErr) {
			return 0, nil, NewOAuthError(ErrorCodeInvalidRequest, "Invalid email address.", apiErr.StatusCode)
		}
		p.logger.Error("Failed to search directory by email", "error", err)
		return 0, nil, ErrServerError(descUnknownError)
	}
	if len(userIDs) < 1 {
		return 0, nil, ErrInvalidRequest("Invalid email address.")
	}

	result := &GrantRevocationResult{Email: email}
	status := http.StatusOK
	for _, userID := range userIDs {
		outcome := p.revokeUserGrant(ctx, userID, clientID, clientIP)
		if outcome.Status != http.StatusOK {
			status = http.StatusBadRequest
		}
		result.Responses = append(result.Responses, outcome)
	}

	if p.metrics != nil {
		p.metrics.GrantRevoked.Add(ctx, 1)
	}
	return status, result, nil
}

func (p *Proxy) revokeUserGrant(ctx context.Context, userID, clientID, clientIP string) GrantRevocationOutcome {
	err := p.directory.RevokeUserGrant(ctx, userID, clientID)
	p.auditor.LogGrantRevoked(userID, clientID, clientIP, err == nil)

	if err != nil {
		outcome := GrantRevocationOutcome{
			Status:  http.StatusBadRequest,
			UserID:  userID,
			Message: "Failed to revoke grants",
		}
		var apiErr *directory.APIError
		if errors.As(err, &apiErr) {
			outcome.Status = apiErr.StatusCode
			if apiErr.Summary != "" {
				outcome.Message = apiErr.Summary
			}
		} else {
			p.logger.Error("Failed to revoke user grant", "error", err)
		}
		return outcome
	}

	return GrantRevocationOutcome{
		Status:  http.StatusOK,
		UserID:  userID,
		Message: "Grants successfully revoked",
	}
}

// resolveClient returns the registered redirect URIs for a client id,
// consulting the local client registry before the identity directory.
func (p *Proxy) resolveClient(ctx context.Context, clientID string) ([]string, error) {
	if p.localClients != nil {
		local, err := p.localClients.GetLocalClient(ctx, clientID)
		switch {
		case err == nil:
			return local.RedirectURIs, nil
		case !errors.Is(err, storage.ErrClientNotFound):
			p.logger.Error("Failed to look up client", "error", err)
			return nil, ErrServerError(descUnknownError)
		}
	}

	client, err := p.directory.GetClient(ctx, clientID)
	if err != nil {
		if directory.IsNotFound(err) {
			return nil, ErrInvalidRequest("Invalid client_id.")
		}
		p.logger.Error("Failed to look up client", "error", err)
		return nil, ErrServerError(descUnknownError)
	}
	return client.RedirectURIs, nil
}

func registeredRedirectURI(registered []string, uri string) bool {
	for _, candidate := range registered {
		if candidate == uri {
			return true
		}
	}
	return false
}

func containsAudience(audiences []string, aud string) bool {
	for _, a := range audiences {
		if a == aud {
			return true
		}
	}
	return false
}
