// Package directory is a client for the identity directory that owns OAuth
// client registrations, user accounts, and per-user grants. The proxy uses it
// to validate clients during authorization and to revoke grants on behalf of
// administrators.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Client models the directory operations the proxy depends on.
type Client interface {
	// GetClient fetches an OAuth client registration by id.
	GetClient(ctx context.Context, clientID string) (*OAuthClient, error)

	// FindUserIDs resolves user ids whose profile email matches exactly.
	FindUserIDs(ctx context.Context, email string) ([]string, error)

	// RevokeUserGrant deletes a user's grant for the given client.
	RevokeUserGrant(ctx context.Context, userID, clientID string) error

	// GetAuthorizationServer fetches the authorization server the proxy
	// fronts, including its declared audiences.
	GetAuthorizationServer(ctx context.Context) (*AuthorizationServer, error)
}

// OAuthClient is a registered OAuth client application.
type OAuthClient struct {
	ClientID     string   `json:"client_id"`
	Name         string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
}

// AuthorizationServer describes the upstream authorization server record.
type AuthorizationServer struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Audiences []string `json:"audiences"`
}

// APIError is a non-2xx response from the directory API.
type APIError struct {
	StatusCode int
	Summary    string
}

func (e *APIError) Error() string {
	if e.Summary != "" {
		return fmt.Sprintf("directory API error (%d): %s", e.StatusCode, e.Summary)
	}
	return fmt.Sprintf("directory API error (%d)", e.StatusCode)
}

// IsNotFound reports whether err is a directory 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
