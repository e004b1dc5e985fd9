// Package valkey provides a Valkey-backed implementation of the session
// store for multi-instance deployments. Session documents are stored as JSON
// with secondary-index keys mapping authorization codes, refresh tokens, and
// access token hashes back to the owning state.
package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/department-of-veterans-affairs/oauth-proxy/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys.
	DefaultKeyPrefix = "oauthproxy:"

	// DefaultSessionTTL bounds how long an idle session document is kept.
	DefaultSessionTTL = 42 * 24 * time.Hour

	// redeemedRetention is the TTL on spent code/refresh-token markers. While
	// a marker lives, a replay is reported as already-redeemed rather than
	// not-found.
	redeemedRetention = 24 * time.Hour

	// connectionVerifyTimeout is the timeout for initial connection verification.
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional password for Valkey authentication.
	Password string

	// DB is the optional database number (default 0).
	DB int

	// KeyPrefix is the prefix for all keys (default "oauthproxy:").
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections.
	TLS *tls.Config

	// SessionTTL overrides the idle session lifetime (default 42 days).
	SessionTTL time.Duration

	// Logger is the optional structured logger (default slog.Default()).
	Logger *slog.Logger
}

// Store is a Valkey-backed session store.
type Store struct {
	client     valkeygo.Client
	prefix     string
	sessionTTL time.Duration
	logger     *slog.Logger
}

var _ storage.SessionStore = (*Store)(nil)

// New creates a Valkey-backed store and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	sessionTTL := cfg.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:     client,
		prefix:     prefix,
		sessionTTL: sessionTTL,
		logger:     logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *Store) sessionKey(state string) string {
	return s.prefix + "session:" + state
}

func (s *Store) codeKey(code string) string {
	return s.prefix + "code:" + code
}

func (s *Store) refreshKey(token string) string {
	return s.prefix + "refresh:" + token
}

func (s *Store) accessHashKey(hash string) string {
	return s.prefix + "athash:" + hash
}

func (s *Store) spentCodeKey(code string) string {
	return s.prefix + "spent:code:" + code
}

func (s *Store) spentRefreshKey(token string) string {
	return s.prefix + "spent:refresh:" + token
}

// isNilError checks if the error indicates a nil/not-found result.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
