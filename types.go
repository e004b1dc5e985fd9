package oauthproxy

import (
	"github.com/department-of-veterans-affairs/oauth-proxy/storage"
	"github.com/department-of-veterans-affairs/oauth-proxy/upstream"
)

const tokenTypeBearer = "Bearer"

// TokenResponse is the proxy's normalized token endpoint response. ExpiresIn
// is always seconds from now, even when the upstream reported an absolute
// expiry.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`

	// Patient is the resolved patient ICN for SMART-on-FHIR launches.
	Patient string `json:"patient,omitempty"`

	// IsStatic marks responses served from the static token registry.
	IsStatic bool `json:"is_static,omitempty"`
}

// newTokenResponse converts an upstream token set into the proxy's response
// contract.
func newTokenResponse(set *upstream.TokenSet) *TokenResponse {
	tokenType := set.TokenType
	if tokenType == "" {
		tokenType = tokenTypeBearer
	}
	return &TokenResponse{
		AccessToken:  set.AccessToken,
		RefreshToken: set.RefreshToken,
		IDToken:      set.IDToken,
		TokenType:    tokenType,
		ExpiresIn:    set.ExpiresIn,
		Scope:        set.Scope,
	}
}

// newStaticTokenResponse builds a response from a static registry entry.
func newStaticTokenResponse(entry *storage.StaticTokenEntry) *TokenResponse {
	return &TokenResponse{
		AccessToken:  entry.AccessToken,
		RefreshToken: entry.RefreshToken,
		IDToken:      entry.IDToken,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    entry.ExpiresIn,
		Scope:        entry.Scopes,
		Patient:      entry.ICN,
		IsStatic:     true,
	}
}
