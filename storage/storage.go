// Package storage defines interfaces for persisting OAuth proxy sessions and
// the administrator-provisioned static token registry. It supports various
// backend implementations including in-memory and Valkey.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations. Callers use errors.Is to
// distinguish a missing record from a transient backend failure.
var (
	// ErrSessionNotFound indicates no session matched the lookup key.
	ErrSessionNotFound = errors.New("session not found")

	// ErrCodeAlreadyRedeemed indicates the authorization code was already
	// exchanged once. Returned by RedeemCode on a second redemption attempt.
	ErrCodeAlreadyRedeemed = errors.New("authorization code already redeemed")

	// ErrRefreshTokenAlreadyRedeemed indicates the refresh token was rotated
	// out by a previous exchange.
	ErrRefreshTokenAlreadyRedeemed = errors.New("refresh token already redeemed")

	// ErrStaticTokenNotFound indicates the refresh token has no entry in the
	// static token registry.
	ErrStaticTokenNotFound = errors.New("static token not found")

	// ErrClientNotFound indicates the client id has no entry in the local
	// client registry.
	ErrClientNotFound = errors.New("client not found")

	// ErrInvalidClientSecret indicates the presented secret did not match the
	// registered hash.
	ErrInvalidClientSecret = errors.New("invalid client secret")
)

// SessionDocument is the proxy's persisted correlation record for one
// authorization attempt. It is created at /authorization, gains an
// authorization code at /redirect, and is updated with the rotated refresh
// token and the HMAC of the issued access token at /token.
//
// The raw access token is never stored; only AccessTokenHash, a keyed
// HMAC-SHA256 of it under the server secret.
type SessionDocument struct {
	// State is the client-supplied correlation token and primary key.
	State string `json:"state"`

	ClientID    string `json:"client_id,omitempty"`
	RedirectURI string `json:"redirect_uri,omitempty"`
	Scope       string `json:"scope,omitempty"`

	// Code is the upstream authorization code, set at /redirect and cleared
	// when redeemed.
	Code string `json:"code,omitempty"`

	// RefreshToken is rotated on every successful token exchange.
	RefreshToken string `json:"refresh_token,omitempty"`

	// AccessTokenHash is the keyed hash of the most recently issued access
	// token. Secondary lookup key for launch-context retrieval.
	AccessTokenHash string `json:"access_token_hash,omitempty"`

	// Launch is the opaque SMART launch context supplied at authorization
	// time, carried forward so /launch can retrieve it by access token.
	Launch string `json:"launch,omitempty"`

	// Patient is the resolved patient identifier, if any.
	Patient string `json:"patient,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionStore persists SessionDocuments keyed by state, with secondary
// lookups by code, refresh token, and access token hash.
//
// RedeemCode and RedeemRefreshToken MUST be atomic: concurrent redemptions of
// the same value can succeed at most once. This closes the replay window on
// authorization codes and rotated refresh tokens.
// All methods accept context.Context for tracing and cancellation.
type SessionStore interface {
	// SaveSession creates or replaces the session document for its state.
	SaveSession(ctx context.Context, doc *SessionDocument) error

	// GetSessionByState retrieves a session by its primary key.
	GetSessionByState(ctx context.Context, state string) (*SessionDocument, error)

	// GetSessionByAccessTokenHash retrieves a session by the keyed hash of an
	// access token. Used by the launch-context lookup.
	GetSessionByAccessTokenHash(ctx context.Context, hash string) (*SessionDocument, error)

	// RedeemCode atomically looks up the session holding this authorization
	// code and clears the code so a second redemption fails with
	// ErrCodeAlreadyRedeemed (or ErrSessionNotFound if it never existed).
	RedeemCode(ctx context.Context, code string) (*SessionDocument, error)

	// RedeemRefreshToken atomically looks up the session holding this refresh
	// token and removes the token's index entry so a replay of the same value
	// fails with ErrRefreshTokenAlreadyRedeemed.
	RedeemRefreshToken(ctx context.Context, refreshToken string) (*SessionDocument, error)
}

// StaticTokenEntry is a pre-provisioned token bundle returned without
// contacting the upstream IdP. Entries are written administratively and are
// immutable at runtime.
type StaticTokenEntry struct {
	RefreshToken string `json:"refresh_token"`
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token,omitempty"`

	// ICN is the pre-established patient identifier, if any.
	ICN string `json:"icn,omitempty"`

	Scopes    string `json:"scopes,omitempty"`
	ExpiresIn int64  `json:"expires_in"`
}

// StaticTokenStore is the read path over the static token registry. The proxy
// never writes entries at runtime; provisioning happens out of band.
type StaticTokenStore interface {
	// GetStaticToken returns the entry for an exact refresh token match, or
	// ErrStaticTokenNotFound.
	GetStaticToken(ctx context.Context, refreshToken string) (*StaticTokenEntry, error)
}

// LocalClient is a locally provisioned client registration, consulted before
// the identity directory for API categories that do not register their
// clients there. SecretHash is a bcrypt hash; the plaintext secret is never
// stored. An empty SecretHash marks a public client authenticating with a
// bare client_id.
type LocalClient struct {
	ClientID     string   `json:"client_id"`
	SecretHash   string   `json:"secret_hash,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
}

// ClientStore is the read path over the local client registry. Like the
// static token registry, entries are provisioned out of band.
type ClientStore interface {
	// GetLocalClient returns the registration for a client id, or
	// ErrClientNotFound.
	GetLocalClient(ctx context.Context, clientID string) (*LocalClient, error)

	// ValidateClientSecret checks the presented secret against the registered
	// bcrypt hash. Public clients (no hash) always pass. Returns
	// ErrClientNotFound for unknown ids and ErrInvalidClientSecret on a
	// mismatch.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error
}
