// Package upstream defines the client interface for the authorization server
// the proxy fronts, and implements it on golang.org/x/oauth2 with metadata
// taken from the server's OpenID Connect discovery document.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// TokenSet is a normalized token response from the upstream server.
// ExpiresIn is relative seconds remaining, not an absolute timestamp.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Error is a token endpoint failure reported by the upstream server.
// Code and Description carry the server's error and error_description
// fields when the response body contained them.
type Error struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream token request failed (%d): %s: %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("upstream token request failed with status %d", e.StatusCode)
}

// Client talks to the upstream authorization server's token endpoint.
type Client interface {
	// Exchange redeems an authorization code for tokens.
	// basicAuth carries client credentials in the Authorization header when
	// true; otherwise they go in the form body.
	Exchange(ctx context.Context, creds ClientCredentials, code string, basicAuth bool) (*TokenSet, error)

	// Refresh redeems a refresh token for a new token set.
	Refresh(ctx context.Context, creds ClientCredentials, refreshToken string) (*TokenSet, error)

	// PostForm forwards a pre-built form to the token endpoint and returns
	// the raw response. The caller owns the body. Used for grant types the
	// proxy passes through verbatim, such as client_credentials.
	PostForm(ctx context.Context, form url.Values, header http.Header) (*http.Response, error)

	// Metadata returns the upstream server's discovery metadata.
	Metadata(ctx context.Context) (*Metadata, error)
}

// ClientCredentials identifies the relying party at the token endpoint.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}
