package oauthproxy

import (
	"context"
	"errors"

	"github.com/department-of-veterans-affairs/oauth-proxy/security"
	"github.com/department-of-veterans-affairs/oauth-proxy/storage"
)

// pullDocumentByCode redeems a single-use authorization code for its session
// document. Storage failures are logged and denied as not-found so backend
// internals never reach the client.
func (p *Proxy) pullDocumentByCode(ctx context.Context, code string) (*storage.SessionDocument, error) {
	if code == "" {
		return nil, ErrInvalidGrant("The authorization code is invalid or expired.")
	}

	doc, err := p.sessions.RedeemCode(ctx, code)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrCodeAlreadyRedeemed):
			p.logger.Warn("Authorization code replay detected")
		case errors.Is(err, storage.ErrSessionNotFound):
		default:
			p.logger.Error("Failed to retrieve session document", "error", err)
		}
		return nil, ErrInvalidGrant("The authorization code is invalid or expired.")
	}
	return doc, nil
}

// pullDocumentByRefreshToken redeems a refresh token for its session
// document. The redemption invalidates the presented token; the rotated
// replacement is indexed by the save strategy.
func (p *Proxy) pullDocumentByRefreshToken(ctx context.Context, refreshToken string) (*storage.SessionDocument, error) {
	doc, err := p.sessions.RedeemRefreshToken(ctx, refreshToken)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrRefreshTokenAlreadyRedeemed):
			p.logger.Warn("Refresh token replay detected")
		case errors.Is(err, storage.ErrSessionNotFound):
		default:
			p.logger.Error("Failed to retrieve session document", "error", err)
		}
		return nil, ErrInvalidGrant("The refresh token is invalid or expired.")
	}
	return doc, nil
}

// saveDocumentState persists the rotated refresh token, the keyed hash of
// the new access token, and the resolved patient on the session document.
// Save failures are logged but never fail token issuance.
func (p *Proxy) saveDocumentState(ctx context.Context, doc *storage.SessionDocument, resp *TokenResponse) {
	if doc == nil {
		return
	}

	if resp.RefreshToken != "" {
		doc.RefreshToken = resp.RefreshToken
	}
	if resp.AccessToken != "" {
		doc.AccessTokenHash = security.HashString(resp.AccessToken, p.config.Security.HashSecret)
	}
	if resp.Patient != "" {
		doc.Patient = resp.Patient
	}

	if err := p.sessions.SaveSession(ctx, doc); err != nil {
		p.logger.Error("Failed to save session state", "error", err, "state", doc.State)
	}
}
