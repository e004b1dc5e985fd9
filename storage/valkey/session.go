package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/department-of-veterans-affairs/oauth-proxy/storage"
)

// luaRedeemIndex atomically consumes a secondary-index key. GETDEL makes the
// redemption single-winner under concurrency; a spent marker distinguishes a
// replay from a value that never existed.
//
// KEYS[1] = index key (code or refresh token -> state)
// KEYS[2] = spent marker key
// ARGV[1] = spent marker TTL in seconds
//
// Returns the state on success, 'ALREADY_USED' on replay, 'NOT_FOUND' otherwise.
const luaRedeemIndex = `
local state = redis.call('GETDEL', KEYS[1])
if not state then
    if redis.call('EXISTS', KEYS[2]) == 1 then
        return 'ALREADY_USED'
    end
    return 'NOT_FOUND'
end
redis.call('SET', KEYS[2], '1', 'EX', ARGV[1])
return state
`

// SaveSession creates or replaces the session document and refreshes its
// secondary-index keys. Index keys for values dropped from the document are
// deleted.
func (s *Store) SaveSession(ctx context.Context, doc *storage.SessionDocument) error {
	if doc == nil || doc.State == "" {
		return fmt.Errorf("session document must have a state")
	}

	stored := *doc
	stored.UpdatedAt = time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = stored.UpdatedAt
	}

	prev, err := s.getByState(ctx, stored.State)
	if err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
		return err
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ttl := int64(s.sessionTTL / time.Second)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.sessionKey(stored.State)).Value(string(data)).ExSeconds(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if prev != nil {
		if prev.Code != "" && prev.Code != stored.Code {
			_ = s.client.Do(ctx, s.client.B().Del().Key(s.codeKey(prev.Code)).Build()).Error()
		}
		if prev.RefreshToken != "" && prev.RefreshToken != stored.RefreshToken {
			_ = s.client.Do(ctx, s.client.B().Del().Key(s.refreshKey(prev.RefreshToken)).Build()).Error()
		}
		if prev.AccessTokenHash != "" && prev.AccessTokenHash != stored.AccessTokenHash {
			_ = s.client.Do(ctx, s.client.B().Del().Key(s.accessHashKey(prev.AccessTokenHash)).Build()).Error()
		}
	}

	if err := s.setIndex(ctx, s.codeKey(stored.Code), stored.Code, stored.State, ttl); err != nil {
		return err
	}
	if err := s.setIndex(ctx, s.refreshKey(stored.RefreshToken), stored.RefreshToken, stored.State, ttl); err != nil {
		return err
	}
	if err := s.setIndex(ctx, s.accessHashKey(stored.AccessTokenHash), stored.AccessTokenHash, stored.State, ttl); err != nil {
		return err
	}

	s.logger.Debug("Saved session", "state", stored.State)
	return nil
}

// GetSessionByState retrieves a session by its primary key.
func (s *Store) GetSessionByState(ctx context.Context, state string) (*storage.SessionDocument, error) {
	return s.getByState(ctx, state)
}

// GetSessionByAccessTokenHash retrieves a session by the keyed hash of an
// access token.
func (s *Store) GetSessionByAccessTokenHash(ctx context.Context, hash string) (*storage.SessionDocument, error) {
	if hash == "" {
		return nil, storage.ErrSessionNotFound
	}

	state, err := s.client.Do(ctx, s.client.B().Get().Key(s.accessHashKey(hash)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to look up access token hash: %w", err)
	}
	return s.getByState(ctx, state)
}

// RedeemCode atomically consumes the authorization code index and clears the
// code on the owning session.
func (s *Store) RedeemCode(ctx context.Context, code string) (*storage.SessionDocument, error) {
	state, err := s.redeemIndex(ctx, s.codeKey(code), s.spentCodeKey(code), storage.ErrCodeAlreadyRedeemed)
	if err != nil {
		return nil, err
	}

	doc, err := s.getByState(ctx, state)
	if err != nil {
		return nil, err
	}
	doc.Code = ""
	if err := s.SaveSession(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// RedeemRefreshToken atomically consumes the refresh token index so a replay
// of the same value fails.
func (s *Store) RedeemRefreshToken(ctx context.Context, refreshToken string) (*storage.SessionDocument, error) {
	state, err := s.redeemIndex(ctx, s.refreshKey(refreshToken), s.spentRefreshKey(refreshToken), storage.ErrRefreshTokenAlreadyRedeemed)
	if err != nil {
		return nil, err
	}
	return s.getByState(ctx, state)
}

func (s *Store) redeemIndex(ctx context.Context, indexKey, spentKey string, replayErr error) (string, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRedeemIndex).
			Numkeys(2).
			Key(indexKey, spentKey).
			Arg(strconv.FormatInt(int64(redeemedRetention/time.Second), 10)).
			Build(),
	).ToString()
	if err != nil {
		return "", fmt.Errorf("failed to execute atomic redemption: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return "", storage.ErrSessionNotFound
	case "ALREADY_USED":
		return "", replayErr
	}
	return result, nil
}

func (s *Store) getByState(ctx context.Context, state string) (*storage.SessionDocument, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.sessionKey(state)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var doc storage.SessionDocument
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &doc, nil
}

func (s *Store) setIndex(ctx context.Context, key, value, state string, ttl int64) error {
	if value == "" {
		return nil
	}
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(state).ExSeconds(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save session index: %w", err)
	}
	return nil
}
