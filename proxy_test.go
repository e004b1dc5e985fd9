package oauthproxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	dirmock "github.com/department-of-veterans-affairs/oauth-proxy/directory/mock"
	"github.com/department-of-veterans-affairs/oauth-proxy/security"
	"github.com/department-of-veterans-affairs/oauth-proxy/storage"
	"github.com/department-of-veterans-affairs/oauth-proxy/storage/memory"
	upmock "github.com/department-of-veterans-affairs/oauth-proxy/upstream/mock"

	"github.com/department-of-veterans-affairs/oauth-proxy/directory"
)

const testHashSecret = "test-hash-secret"

// stubValidator implements TokenValidator for tests.
type stubValidator struct {
	ValidateFunc func(ctx context.Context, accessToken, audience string) (*ValidationResult, error)
}

func (v *stubValidator) ValidateToken(ctx context.Context, accessToken, audience string) (*ValidationResult, error) {
	if v.ValidateFunc != nil {
		return v.ValidateFunc(ctx, accessToken, audience)
	}
	return &ValidationResult{ICN: "1012845331V153043"}, nil
}

type testFixture struct {
	proxy     *Proxy
	store     *memory.Store
	upstream  *upmock.MockClient
	directory *dirmock.MockClient
	validator *stubValidator
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *Config {
	return &Config{
		BaseURL:               "https://proxy.example.com/oauth2",
		Security:              SecurityConfig{HashSecret: testHashSecret},
		EnableSMART:           true,
		EnableGrantRevocation: true,
		Logger:                testLogger(),
	}
}

func newTestFixture(t *testing.T, cfg *Config) *testFixture {
	t.Helper()

	if cfg == nil {
		cfg = testConfig()
	}

	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	store.SetLogger(cfg.Logger)

	registry := memory.NewStaticRegistry([]storage.StaticTokenEntry{
		{
			RefreshToken: "static-refresh-token",
			AccessToken:  "static-access-token",
			IDToken:      "static-id-token",
			ICN:          "555V666",
			Scopes:       "openid offline_access launch/patient",
			ExpiresIn:    3600,
		},
	}, cfg.Logger)

	upstreamClient := upmock.NewMockClient()
	directoryClient := dirmock.NewMockClient()
	validator := &stubValidator{}

	p, err := NewProxy(cfg, store, registry, upstreamClient, directoryClient, validator)
	if err != nil {
		t.Fatalf("NewProxy() error = %v", err)
	}

	return &testFixture{
		proxy:     p,
		store:     store,
		upstream:  upstreamClient,
		directory: directoryClient,
		validator: validator,
	}
}

func oauthError(t *testing.T, err error) *OAuthError {
	t.Helper()

	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) {
		t.Fatalf("error = %v, want *OAuthError", err)
	}
	return oauthErr
}

func TestNewProxy_Validation(t *testing.T) {
	store := memory.New()
	defer func() { _ = store.Close() }()

	upstreamClient := upmock.NewMockClient()
	directoryClient := dirmock.NewMockClient()

	tests := []struct {
		name string
		fn   func() (*Proxy, error)
	}{
		{
			name: "nil config",
			fn: func() (*Proxy, error) {
				return NewProxy(nil, store, nil, upstreamClient, directoryClient, nil)
			},
		},
		{
			name: "missing base URL",
			fn: func() (*Proxy, error) {
				cfg := testConfig()
				cfg.BaseURL = ""
				return NewProxy(cfg, store, nil, upstreamClient, directoryClient, nil)
			},
		},
		{
			name: "missing hash secret",
			fn: func() (*Proxy, error) {
				cfg := testConfig()
				cfg.Security.HashSecret = ""
				return NewProxy(cfg, store, nil, upstreamClient, directoryClient, nil)
			},
		},
		{
			name: "nil session store",
			fn: func() (*Proxy, error) {
				return NewProxy(testConfig(), nil, nil, upstreamClient, directoryClient, nil)
			},
		},
		{
			name: "nil upstream client",
			fn: func() (*Proxy, error) {
				return NewProxy(testConfig(), store, nil, nil, directoryClient, nil)
			},
		},
		{
			name: "nil directory client",
			fn: func() (*Proxy, error) {
				return NewProxy(testConfig(), store, nil, upstreamClient, nil, nil)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.fn(); err == nil {
				t.Error("NewProxy() expected error, got nil")
			}
		})
	}
}

func TestStartAuthorizationFlow(t *testing.T) {
	f := newTestFixture(t, nil)
	ctx := context.Background()

	location, err := f.proxy.StartAuthorizationFlow(ctx, &AuthorizeRequest{
		State:       "abc123",
		ClientID:    "registeredclient",
		RedirectURI: "https://app.example.com/callback",
		Scope:       "openid offline_access",
		Aud:         "api://default",
	})
	if err != nil {
		t.Fatalf("StartAuthorizationFlow() error = %v", err)
	}

	u, err := url.Parse(location)
	if err != nil {
		t.Fatalf("failed to parse location %q: %v", location, err)
	}
	if got := u.Scheme + "://" + u.Host + u.Path; got != "https://upstream.example.com/oauth2/default/v1/authorize" {
		t.Errorf("authorize endpoint = %q", got)
	}

	q := u.Query()
	if q.Get("response_type") != "code" {
		t.Errorf("response_type = %q, want %q", q.Get("response_type"), "code")
	}
	if q.Get("state") != "abc123" {
		t.Errorf("state = %q, want %q", q.Get("state"), "abc123")
	}
	if q.Get("client_id") != "registeredclient" {
		t.Errorf("client_id = %q, want %q", q.Get("client_id"), "registeredclient")
	}
	if q.Get("redirect_uri") != "https://proxy.example.com/oauth2/redirect" {
		t.Errorf("redirect_uri = %q, want proxy callback", q.Get("redirect_uri"))
	}
	if q.Get("scope") != "openid offline_access" {
		t.Errorf("scope = %q", q.Get("scope"))
	}
	if q.Get("aud") != "api://default" {
		t.Errorf("aud = %q", q.Get("aud"))
	}

	doc, err := f.store.GetSessionByState(ctx, "abc123")
	if err != nil {
		t.Fatalf("GetSessionByState() error = %v", err)
	}
	if doc.ClientID != "registeredclient" {
		t.Errorf("stored ClientID = %q", doc.ClientID)
	}
	if doc.RedirectURI != "https://app.example.com/callback" {
		t.Errorf("stored RedirectURI = %q", doc.RedirectURI)
	}
}

func TestStartAuthorizationFlow_Validation(t *testing.T) {
	f := newTestFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		req      *AuthorizeRequest
		wantDesc string
	}{
		{
			name:     "missing state",
			req:      &AuthorizeRequest{ClientID: "registeredclient", RedirectURI: "https://app.example.com/callback"},
			wantDesc: "State parameter required.",
		},
		{
			name:     "malformed client_id",
			req:      &AuthorizeRequest{State: "s1", ClientID: `bad"client`, RedirectURI: "https://app.example.com/callback"},
			wantDesc: "Invalid client_id.",
		},
		{
			name:     "unknown client_id",
			req:      &AuthorizeRequest{State: "s2", ClientID: "unknownclient", RedirectURI: "https://app.example.com/callback"},
			wantDesc: "Invalid client_id.",
		},
		{
			name:     "missing redirect_uri",
			req:      &AuthorizeRequest{State: "s3", ClientID: "registeredclient"},
			wantDesc: "Invalid redirect_uri.",
		},
		{
			name:     "unregistered redirect_uri",
			req:      &AuthorizeRequest{State: "s4", ClientID: "registeredclient", RedirectURI: "https://evil.example.com/callback"},
			wantDesc: "Invalid redirect_uri.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.proxy.StartAuthorizationFlow(ctx, tt.req)
			oauthErr := oauthError(t, err)
			if oauthErr.Code != ErrorCodeInvalidRequest {
				t.Errorf("Code = %q, want %q", oauthErr.Code, ErrorCodeInvalidRequest)
			}
			if oauthErr.Status != http.StatusBadRequest {
				t.Errorf("Status = %d, want %d", oauthErr.Status, http.StatusBadRequest)
			}
			if oauthErr.Description != tt.wantDesc {
				t.Errorf("Description = %q, want %q", oauthErr.Description, tt.wantDesc)
			}
		})
	}
}

func TestStartAuthorizationFlow_AuthorizationServerDown(t *testing.T) {
	f := newTestFixture(t, nil)

	f.directory.GetAuthorizationServerFunc = func(ctx context.Context) (*directory.AuthorizationServer, error) {
		return nil, errors.New("connection refused")
	}

	_, err := f.proxy.StartAuthorizationFlow(context.Background(), &AuthorizeRequest{
		State:       "s1",
		ClientID:    "registeredclient",
		RedirectURI: "https://app.example.com/callback",
	})
	oauthErr := oauthError(t, err)
	if oauthErr.Status != http.StatusInternalServerError {
		t.Errorf("Status = %d, want %d", oauthErr.Status, http.StatusInternalServerError)
	}
	if oauthErr.Code != ErrorCodeServerError {
		t.Errorf("Code = %q, want %q", oauthErr.Code, ErrorCodeServerError)
	}
}

func TestStartAuthorizationFlow_UnexpectedAudience(t *testing.T) {
	// A mismatched aud is logged but never blocks the flow.
	f := newTestFixture(t, nil)

	location, err := f.proxy.StartAuthorizationFlow(context.Background(), &AuthorizeRequest{
		State:       "s1",
		ClientID:    "registeredclient",
		RedirectURI: "https://app.example.com/callback",
		Aud:         "api://something-else",
	})
	if err != nil {
		t.Fatalf("StartAuthorizationFlow() error = %v", err)
	}
	if !strings.Contains(location, "aud=") {
		t.Errorf("location %q should carry the requested aud", location)
	}
}

func TestHandleUpstreamRedirect(t *testing.T) {
	f := newTestFixture(t, nil)
	ctx := context.Background()

	err := f.store.SaveSession(ctx, &storage.SessionDocument{
		State:       "xyz",
		ClientID:    "registeredclient",
		RedirectURI: "https://app.example.com/callback?flow=login",
	})
	if err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	location, err := f.proxy.HandleUpstreamRedirect(ctx, "authcode-1", "xyz")
	if err != nil {
		t.Fatalf("HandleUpstreamRedirect() error = %v", err)
	}

	u, err := url.Parse(location)
	if err != nil {
		t.Fatalf("failed to parse location: %v", err)
	}
	if u.Host != "app.example.com" {
		t.Errorf("redirect host = %q", u.Host)
	}
	q := u.Query()
	if q.Get("code") != "authcode-1" {
		t.Errorf("code = %q, want %q", q.Get("code"), "authcode-1")
	}
	if q.Get("state") != "xyz" {
		t.Errorf("state = %q, want %q", q.Get("state"), "xyz")
	}
	if q.Get("flow") != "login" {
		t.Errorf("existing query parameters should survive, flow = %q", q.Get("flow"))
	}

	doc, err := f.store.GetSessionByState(ctx, "xyz")
	if err != nil {
		t.Fatalf("GetSessionByState() error = %v", err)
	}
	if doc.Code != "authcode-1" {
		t.Errorf("stored Code = %q, want %q", doc.Code, "authcode-1")
	}
}

func TestHandleUpstreamRedirect_UnknownState(t *testing.T) {
	f := newTestFixture(t, nil)

	_, err := f.proxy.HandleUpstreamRedirect(context.Background(), "authcode-1", "never-saved")
	oauthErr := oauthError(t, err)
	if oauthErr.Status != http.StatusUnauthorized {
		t.Errorf("Status = %d, want %d", oauthErr.Status, http.StatusUnauthorized)
	}
	if oauthErr.Description != "Could not find session for the provided state." {
		t.Errorf("Description = %q", oauthErr.Description)
	}
}

func TestLookupLaunch(t *testing.T) {
	f := newTestFixture(t, nil)
	ctx := context.Background()

	hash := security.HashString("issued-access-token", testHashSecret)
	err := f.store.SaveSession(ctx, &storage.SessionDocument{
		State:           "launch-state",
		AccessTokenHash: hash,
		Launch:          "eyJwYXRpZW50IjoiMTIzVjQ1NiJ9",
	})
	if err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	launch, err := f.proxy.LookupLaunch(ctx, "issued-access-token")
	if err != nil {
		t.Fatalf("LookupLaunch() error = %v", err)
	}
	if launch != "eyJwYXRpZW50IjoiMTIzVjQ1NiJ9" {
		t.Errorf("launch = %q", launch)
	}
}

func TestLookupLaunch_Denied(t *testing.T) {
	f := newTestFixture(t, nil)
	ctx := context.Background()

	// Session with no launch context.
	err := f.store.SaveSession(ctx, &storage.SessionDocument{
		State:           "no-launch",
		AccessTokenHash: security.HashString("token-without-launch", testHashSecret),
	})
	if err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "unknown token", token: "never-issued"},
		{name: "no launch context", token: "token-without-launch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.proxy.LookupLaunch(ctx, tt.token)
			oauthErr := oauthError(t, err)
			if oauthErr.Status != http.StatusUnauthorized {
				t.Errorf("Status = %d, want %d", oauthErr.Status, http.StatusUnauthorized)
			}
			if oauthErr.Description != "Invalid access token." {
				t.Errorf("Description = %q", oauthErr.Description)
			}
		})
	}
}

func TestRevokeGrants(t *testing.T) {
	f := newTestFixture(t, nil)

	status, result, err := f.proxy.RevokeGrants(context.Background(), "registeredclient", "veteran@example.com", "10.0.0.1")
	if err != nil {
		t.Fatalf("RevokeGrants() error = %v", err)
	}
	if status != http.StatusOK {
		t.Errorf("status = %d, want %d", status, http.StatusOK)
	}
	if result.Email != "veteran@example.com" {
		t.Errorf("Email = %q", result.Email)
	}
	if len(result.Responses) != 1 {
		t.Fatalf("len(Responses) = %d, want 1", len(result.Responses))
	}
	outcome := result.Responses[0]
	if outcome.Status != http.StatusOK || outcome.UserID != "user-1" {
		t.Errorf("outcome = %+v", outcome)
	}
	if outcome.Message != "Grants successfully revoked" {
		t.Errorf("Message = %q", outcome.Message)
	}
}

func TestRevokeGrants_PartialFailure(t *testing.T) {
	f := newTestFixture(t, nil)

	f.directory.FindUserIDsFunc = func(ctx context.Context, email string) ([]string, error) {
		return []string{"user-1", "user-2"}, nil
	}
	f.directory.RevokeUserGrantFunc = func(ctx context.Context, userID, clientID string) error {
		if userID == "user-2" {
			return &directory.APIError{StatusCode: http.StatusNotFound, Summary: "Grant not found"}
		}
		return nil
	}

	status, result, err := f.proxy.RevokeGrants(context.Background(), "registeredclient", "veteran@example.com", "10.0.0.1")
	if err != nil {
		t.Fatalf("RevokeGrants() error = %v", err)
	}
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", status, http.StatusBadRequest)
	}
	if len(result.Responses) != 2 {
		t.Fatalf("len(Responses) = %d, want 2", len(result.Responses))
	}
	if result.Responses[0].Status != http.StatusOK {
		t.Errorf("first outcome = %+v", result.Responses[0])
	}
	if result.Responses[1].Status != http.StatusNotFound || result.Responses[1].Message != "Grant not found" {
		t.Errorf("second outcome = %+v", result.Responses[1])
	}
}

func TestRevokeGrants_Validation(t *testing.T) {
	f := newTestFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name       string
		clientID   string
		email      string
		wantDesc   string
		wantStatus int
	}{
		{
			name:       "missing both",
			wantDesc:   "Invalid client_id. Invalid email address. ",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing email",
			clientID:   "registeredclient",
			wantDesc:   "Invalid email address. ",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed email",
			clientID:   "registeredclient",
			email:      "not-an-email",
			wantDesc:   "Invalid email address.",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown client",
			clientID:   "unknownclient",
			email:      "veteran@example.com",
			wantDesc:   "Invalid client_id.",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "no matching users",
			clientID:   "registeredclient",
			email:      "stranger@example.com",
			wantDesc:   "Invalid email address.",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.proxy.RevokeGrants(ctx, tt.clientID, tt.email, "10.0.0.1")
			oauthErr := oauthError(t, err)
			if oauthErr.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", oauthErr.Status, tt.wantStatus)
			}
			if oauthErr.Description != tt.wantDesc {
				t.Errorf("Description = %q, want %q", oauthErr.Description, tt.wantDesc)
			}
		})
	}
}

func TestRevokeGrants_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.EnableGrantRevocation = false
	f := newTestFixture(t, cfg)

	_, _, err := f.proxy.RevokeGrants(context.Background(), "registeredclient", "veteran@example.com", "10.0.0.1")
	oauthErr := oauthError(t, err)
	if oauthErr.Status != http.StatusForbidden {
		t.Errorf("Status = %d, want %d", oauthErr.Status, http.StatusForbidden)
	}
	if oauthErr.Description != "Revoking grants is disabled in this environment." {
		t.Errorf("Description = %q", oauthErr.Description)
	}
}

func TestRevokeGrants_DirectorySearchError(t *testing.T) {
	f := newTestFixture(t, nil)

	f.directory.FindUserIDsFunc = func(ctx context.Context, email string) ([]string, error) {
		return nil, &directory.APIError{StatusCode: http.StatusTooManyRequests, Summary: "API rate limit exceeded"}
	}

	_, _, err := f.proxy.RevokeGrants(context.Background(), "registeredclient", "veteran@example.com", "10.0.0.1")
	oauthErr := oauthError(t, err)
	if oauthErr.Status != http.StatusTooManyRequests {
		t.Errorf("Status = %d, want directory status passthrough %d", oauthErr.Status, http.StatusTooManyRequests)
	}
	if oauthErr.Description != "Invalid email address." {
		t.Errorf("Description = %q", oauthErr.Description)
	}
}

func TestStartAuthorizationFlow_LocalClient(t *testing.T) {
	f := newTestFixture(t, nil)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("local-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword() error = %v", err)
	}
	f.proxy.SetLocalClients(memory.NewClientRegistry([]storage.LocalClient{
		{
			ClientID:     "localclient",
			SecretHash:   string(hash),
			RedirectURIs: []string{"https://local.example.com/callback"},
		},
	}, testLogger()))

	location, err := f.proxy.StartAuthorizationFlow(ctx, &AuthorizeRequest{
		State:       "local-state",
		ClientID:    "localclient",
		RedirectURI: "https://local.example.com/callback",
		Scope:       "openid",
	})
	if err != nil {
		t.Fatalf("StartAuthorizationFlow() error = %v", err)
	}
	if location == "" {
		t.Fatal("expected an upstream authorize URL")
	}
	if f.directory.Calls("GetClient") != 0 {
		t.Errorf("GetClient calls = %d, local registrations must not hit the directory", f.directory.Calls("GetClient"))
	}

	_, err = f.proxy.StartAuthorizationFlow(ctx, &AuthorizeRequest{
		State:       "local-state-2",
		ClientID:    "localclient",
		RedirectURI: "https://elsewhere.example.com/callback",
	})
	oe := oauthError(t, err)
	if oe.Description != "Invalid redirect_uri." {
		t.Errorf("description = %q, want %q", oe.Description, "Invalid redirect_uri.")
	}
}

func TestStartAuthorizationFlow_LocalClientMissFallsThrough(t *testing.T) {
	f := newTestFixture(t, nil)

	f.proxy.SetLocalClients(memory.NewClientRegistry(nil, testLogger()))

	_, err := f.proxy.StartAuthorizationFlow(context.Background(), &AuthorizeRequest{
		State:       "abc123",
		ClientID:    "registeredclient",
		RedirectURI: "https://app.example.com/callback",
	})
	if err != nil {
		t.Fatalf("StartAuthorizationFlow() error = %v", err)
	}
	if f.directory.Calls("GetClient") != 1 {
		t.Errorf("GetClient calls = %d, want 1", f.directory.Calls("GetClient"))
	}
}
