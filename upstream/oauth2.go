package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// OAuth2Client implements Client against a single upstream token endpoint
// using golang.org/x/oauth2.
type OAuth2Client struct {
	metadata   *MetadataClient
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Client = (*OAuth2Client)(nil)

// NewOAuth2Client creates an upstream client. The http.Client is used for
// both x/oauth2 calls and raw form forwards; nil gets a 30s-timeout default.
func NewOAuth2Client(metadata *MetadataClient, httpClient *http.Client, logger *slog.Logger) *OAuth2Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OAuth2Client{
		metadata:   metadata,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Exchange redeems an authorization code at the upstream token endpoint.
func (c *OAuth2Client) Exchange(ctx context.Context, creds ClientCredentials, code string, basicAuth bool) (*TokenSet, error) {
	cfg, err := c.config(ctx, creds, basicAuth)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, translateError(err)
	}
	return normalize(tok), nil
}

// Refresh redeems a refresh token at the upstream token endpoint.
func (c *OAuth2Client) Refresh(ctx context.Context, creds ClientCredentials, refreshToken string) (*TokenSet, error) {
	cfg, err := c.config(ctx, creds, true)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, translateError(err)
	}
	return normalize(tok), nil
}

// PostForm forwards a form to the upstream token endpoint unchanged, carrying
// over only the Authorization header from the caller.
func (c *OAuth2Client) PostForm(ctx context.Context, form url.Values, header http.Header) (*http.Response, error) {
	doc, err := c.metadata.Metadata(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, doc.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if auth := header.Get("Authorization"); auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream token request failed: %w", err)
	}
	return resp, nil
}

// Metadata returns the upstream discovery document.
func (c *OAuth2Client) Metadata(ctx context.Context) (*Metadata, error) {
	return c.metadata.Metadata(ctx)
}

func (c *OAuth2Client) config(ctx context.Context, creds ClientCredentials, basicAuth bool) (*oauth2.Config, error) {
	doc, err := c.metadata.Metadata(ctx)
	if err != nil {
		return nil, err
	}

	authStyle := oauth2.AuthStyleInHeader
	if !basicAuth {
		authStyle = oauth2.AuthStyleInParams
	}

	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  creds.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   doc.AuthorizationEndpoint,
			TokenURL:  doc.TokenEndpoint,
			AuthStyle: authStyle,
		},
	}, nil
}

// normalize converts an oauth2.Token into a TokenSet with a relative
// expires_in and the id_token lifted out of the extras.
func normalize(tok *oauth2.Token) *TokenSet {
	set := &TokenSet{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		if remaining := time.Until(tok.Expiry); remaining > 0 {
			set.ExpiresIn = int64(remaining.Round(time.Second) / time.Second)
		}
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		set.IDToken = idToken
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		set.Scope = scope
	}
	return set
}

// translateError maps x/oauth2 retrieval failures onto *Error so callers can
// relay the upstream status and error body.
func translateError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := http.StatusInternalServerError
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return &Error{
			StatusCode:  status,
			Code:        retrieveErr.ErrorCode,
			Description: retrieveErr.ErrorDescription,
		}
	}
	return err
}
