// Package mock provides a mock directory client for testing.
package mock

import (
	"context"
	"net/http"
	"sync"

	"github.com/department-of-veterans-affairs/oauth-proxy/directory"
)

// MockClient is a mock implementation of directory.Client for testing.
type MockClient struct {
	mu                        sync.Mutex
	GetClientFunc             func(ctx context.Context, clientID string) (*directory.OAuthClient, error)
	FindUserIDsFunc           func(ctx context.Context, email string) ([]string, error)
	RevokeUserGrantFunc       func(ctx context.Context, userID, clientID string) error
	GetAuthorizationServerFunc func(ctx context.Context) (*directory.AuthorizationServer, error)
	CallCounts                map[string]int
}

var _ directory.Client = (*MockClient)(nil)

// NewMockClient creates a mock directory with a single registered client and
// a single resolvable user.
func NewMockClient() *MockClient {
	m := &MockClient{
		CallCounts: make(map[string]int),
	}

	m.GetClientFunc = func(ctx context.Context, clientID string) (*directory.OAuthClient, error) {
		if clientID != "registeredclient" {
			return nil, &directory.APIError{StatusCode: http.StatusNotFound, Summary: "Resource not found"}
		}
		return &directory.OAuthClient{
			ClientID:     clientID,
			Name:         "Registered Client",
			RedirectURIs: []string{"https://app.example.com/callback"},
		}, nil
	}

	m.FindUserIDsFunc = func(ctx context.Context, email string) ([]string, error) {
		if email == "veteran@example.com" {
			return []string{"user-1"}, nil
		}
		return nil, nil
	}

	m.RevokeUserGrantFunc = func(ctx context.Context, userID, clientID string) error {
		return nil
	}

	m.GetAuthorizationServerFunc = func(ctx context.Context) (*directory.AuthorizationServer, error) {
		return &directory.AuthorizationServer{
			ID:        "default",
			Name:      "default",
			Audiences: []string{"api://default"},
		}, nil
	}

	return m
}

func (m *MockClient) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[name]++
}

// GetClient calls GetClientFunc.
func (m *MockClient) GetClient(ctx context.Context, clientID string) (*directory.OAuthClient, error) {
	m.record("GetClient")
	return m.GetClientFunc(ctx, clientID)
}

// FindUserIDs calls FindUserIDsFunc.
func (m *MockClient) FindUserIDs(ctx context.Context, email string) ([]string, error) {
	m.record("FindUserIDs")
	return m.FindUserIDsFunc(ctx, email)
}

// RevokeUserGrant calls RevokeUserGrantFunc.
func (m *MockClient) RevokeUserGrant(ctx context.Context, userID, clientID string) error {
	m.record("RevokeUserGrant")
	return m.RevokeUserGrantFunc(ctx, userID, clientID)
}

// GetAuthorizationServer calls GetAuthorizationServerFunc.
func (m *MockClient) GetAuthorizationServer(ctx context.Context) (*directory.AuthorizationServer, error) {
	m.record("GetAuthorizationServer")
	return m.GetAuthorizationServerFunc(ctx)
}

// Calls returns how many times the named method was invoked.
func (m *MockClient) Calls(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCounts[name]
}
