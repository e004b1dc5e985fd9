// Package mock provides a mock upstream client for testing.
package mock

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/department-of-veterans-affairs/oauth-proxy/upstream"
)

// MockClient is a mock implementation of upstream.Client for testing.
// Override the *Func fields to customize behavior; CallCounts records how
// often each method was invoked.
type MockClient struct {
	mu           sync.Mutex
	ExchangeFunc func(ctx context.Context, creds upstream.ClientCredentials, code string, basicAuth bool) (*upstream.TokenSet, error)
	RefreshFunc  func(ctx context.Context, creds upstream.ClientCredentials, refreshToken string) (*upstream.TokenSet, error)
	PostFormFunc func(ctx context.Context, form url.Values, header http.Header) (*http.Response, error)
	MetadataFunc func(ctx context.Context) (*upstream.Metadata, error)
	CallCounts   map[string]int
}

var _ upstream.Client = (*MockClient)(nil)

// NewMockClient creates a mock upstream client with non-failing defaults.
func NewMockClient() *MockClient {
	m := &MockClient{
		CallCounts: make(map[string]int),
	}

	m.ExchangeFunc = func(ctx context.Context, creds upstream.ClientCredentials, code string, basicAuth bool) (*upstream.TokenSet, error) {
		return &upstream.TokenSet{
			AccessToken:  "mock-access-token",
			TokenType:    "Bearer",
			ExpiresIn:    3600,
			RefreshToken: "mock-refresh-token",
			IDToken:      "mock-id-token",
			Scope:        "openid offline_access",
		}, nil
	}

	m.RefreshFunc = func(ctx context.Context, creds upstream.ClientCredentials, refreshToken string) (*upstream.TokenSet, error) {
		return &upstream.TokenSet{
			AccessToken:  "mock-refreshed-access-token",
			TokenType:    "Bearer",
			ExpiresIn:    3600,
			RefreshToken: refreshToken,
			Scope:        "openid offline_access",
		}, nil
	}

	m.PostFormFunc = func(ctx context.Context, form url.Values, header http.Header) (*http.Response, error) {
		return nil, fmt.Errorf("PostForm not configured")
	}

	m.MetadataFunc = func(ctx context.Context) (*upstream.Metadata, error) {
		return &upstream.Metadata{
			Issuer:                "https://upstream.example.com/oauth2/default",
			AuthorizationEndpoint: "https://upstream.example.com/oauth2/default/v1/authorize",
			TokenEndpoint:         "https://upstream.example.com/oauth2/default/v1/token",
			UserInfoEndpoint:      "https://upstream.example.com/oauth2/default/v1/userinfo",
			IntrospectionEndpoint: "https://upstream.example.com/oauth2/default/v1/introspect",
			RevocationEndpoint:    "https://upstream.example.com/oauth2/default/v1/revoke",
			JWKSUri:               "https://upstream.example.com/oauth2/default/v1/keys",
			Raw: map[string]interface{}{
				"issuer":                 "https://upstream.example.com/oauth2/default",
				"authorization_endpoint": "https://upstream.example.com/oauth2/default/v1/authorize",
				"token_endpoint":         "https://upstream.example.com/oauth2/default/v1/token",
			},
		}, nil
	}

	return m
}

func (m *MockClient) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[name]++
}

// Exchange calls ExchangeFunc.
func (m *MockClient) Exchange(ctx context.Context, creds upstream.ClientCredentials, code string, basicAuth bool) (*upstream.TokenSet, error) {
	m.record("Exchange")
	return m.ExchangeFunc(ctx, creds, code, basicAuth)
}

// Refresh calls RefreshFunc.
func (m *MockClient) Refresh(ctx context.Context, creds upstream.ClientCredentials, refreshToken string) (*upstream.TokenSet, error) {
	m.record("Refresh")
	return m.RefreshFunc(ctx, creds, refreshToken)
}

// PostForm calls PostFormFunc.
func (m *MockClient) PostForm(ctx context.Context, form url.Values, header http.Header) (*http.Response, error) {
	m.record("PostForm")
	return m.PostFormFunc(ctx, form, header)
}

// Metadata calls MetadataFunc.
func (m *MockClient) Metadata(ctx context.Context) (*upstream.Metadata, error) {
	m.record("Metadata")
	return m.MetadataFunc(ctx)
}

// Calls returns how many times the named method was invoked.
func (m *MockClient) Calls(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCounts[name]
}
