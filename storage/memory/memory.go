// Package memory provides an in-memory implementation of the session store
// and the static token registry. It is suitable for development, testing, and
// single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/department-of-veterans-affairs/oauth-proxy/instrumentation"
	"github.com/department-of-veterans-affairs/oauth-proxy/storage"
)

const (
	// defaultSessionTTL bounds how long an idle session document is kept.
	// Sessions touched by a token exchange get a fresh window.
	defaultSessionTTL = 42 * 24 * time.Hour

	// redeemedRetention is how long spent code/refresh-token markers are kept
	// so replays can be told apart from unknown values.
	redeemedRetention = 24 * time.Hour
)

// Store is an in-memory session store. Secondary indexes map authorization
// codes, refresh tokens, and access token hashes back to the owning state.
type Store struct {
	mu sync.RWMutex

	sessions     map[string]*storage.SessionDocument // state -> document
	byCode       map[string]string                   // code -> state
	byRefresh    map[string]string                   // refresh token -> state
	byAccessHash map[string]string                   // access token hash -> state

	// Spent values, kept briefly so a replay is distinguishable from a value
	// that never existed.
	redeemedCodes   map[string]time.Time
	redeemedRefresh map[string]time.Time

	sessionTTL      time.Duration
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

var _ storage.SessionStore = (*Store)(nil)

// New creates an in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates an in-memory store with a custom cleanup interval.
// A non-positive interval falls back to 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		sessions:        make(map[string]*storage.SessionDocument),
		byCode:          make(map[string]string),
		byRefresh:       make(map[string]string),
		byAccessHash:    make(map[string]string),
		redeemedCodes:   make(map[string]time.Time),
		redeemedRefresh: make(map[string]time.Time),
		sessionTTL:      defaultSessionTTL,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetSessionTTL overrides the idle session lifetime.
func (s *Store) SetSessionTTL(ttl time.Duration) {
	if ttl > 0 {
		s.mu.Lock()
		s.sessionTTL = ttl
		s.mu.Unlock()
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// Close stops the background cleanup goroutine.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

// SaveSession creates or replaces the document keyed by its state and
// refreshes all secondary indexes.
func (s *Store) SaveSession(ctx context.Context, doc *storage.SessionDocument) error {
	ctx, end := s.startOp(ctx, "SaveSession")
	var err error
	defer func() { end(err) }()

	if doc == nil || doc.State == "" {
		err = fmt.Errorf("session document must have a state")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.sessions[doc.State]; ok {
		s.dropIndexes(prev)
	}

	stored := *doc
	stored.UpdatedAt = time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = stored.UpdatedAt
	}
	s.sessions[stored.State] = &stored
	s.addIndexes(&stored)

	return nil
}

// GetSessionByState retrieves a session by its primary key.
func (s *Store) GetSessionByState(ctx context.Context, state string) (*storage.SessionDocument, error) {
	ctx, end := s.startOp(ctx, "GetSessionByState")
	var err error
	defer func() { end(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.sessions[state]
	if !ok || s.expired(doc) {
		err = storage.ErrSessionNotFound
		return nil, err
	}
	return copyDoc(doc), nil
}

// GetSessionByAccessTokenHash retrieves a session by the keyed hash of an
// access token.
func (s *Store) GetSessionByAccessTokenHash(ctx context.Context, hash string) (*storage.SessionDocument, error) {
	ctx, end := s.startOp(ctx, "GetSessionByAccessTokenHash")
	var err error
	defer func() { end(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.byAccessHash[hash]
	if !ok {
		err = storage.ErrSessionNotFound
		return nil, err
	}
	doc, ok := s.sessions[state]
	if !ok || s.expired(doc) {
		err = storage.ErrSessionNotFound
		return nil, err
	}
	return copyDoc(doc), nil
}

// RedeemCode atomically resolves the session holding this authorization code
// and clears the code. A second redemption of the same code fails.
func (s *Store) RedeemCode(ctx context.Context, code string) (*storage.SessionDocument, error) {
	ctx, end := s.startOp(ctx, "RedeemCode")
	var err error
	defer func() { end(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.byCode[code]
	if !ok {
		if _, spent := s.redeemedCodes[code]; spent {
			err = storage.ErrCodeAlreadyRedeemed
			return nil, err
		}
		err = storage.ErrSessionNotFound
		return nil, err
	}

	doc, ok := s.sessions[state]
	if !ok || s.expired(doc) {
		delete(s.byCode, code)
		err = storage.ErrSessionNotFound
		return nil, err
	}

	delete(s.byCode, code)
	s.redeemedCodes[code] = time.Now()
	doc.Code = ""
	doc.UpdatedAt = time.Now()

	return copyDoc(doc), nil
}

// RedeemRefreshToken atomically resolves the session holding this refresh
// token and drops the token's index so a replay fails.
func (s *Store) RedeemRefreshToken(ctx context.Context, refreshToken string) (*storage.SessionDocument, error) {
	ctx, end := s.startOp(ctx, "RedeemRefreshToken")
	var err error
	defer func() { end(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.byRefresh[refreshToken]
	if !ok {
		if _, spent := s.redeemedRefresh[refreshToken]; spent {
			err = storage.ErrRefreshTokenAlreadyRedeemed
			return nil, err
		}
		err = storage.ErrSessionNotFound
		return nil, err
	}

	doc, ok := s.sessions[state]
	if !ok || s.expired(doc) {
		delete(s.byRefresh, refreshToken)
		err = storage.ErrSessionNotFound
		return nil, err
	}

	delete(s.byRefresh, refreshToken)
	s.redeemedRefresh[refreshToken] = time.Now()
	doc.UpdatedAt = time.Now()

	return copyDoc(doc), nil
}

func (s *Store) addIndexes(doc *storage.SessionDocument) {
	if doc.Code != "" {
		s.byCode[doc.Code] = doc.State
	}
	if doc.RefreshToken != "" {
		s.byRefresh[doc.RefreshToken] = doc.State
	}
	if doc.AccessTokenHash != "" {
		s.byAccessHash[doc.AccessTokenHash] = doc.State
	}
}

func (s *Store) dropIndexes(doc *storage.SessionDocument) {
	if doc.Code != "" {
		delete(s.byCode, doc.Code)
	}
	if doc.RefreshToken != "" {
		delete(s.byRefresh, doc.RefreshToken)
	}
	if doc.AccessTokenHash != "" {
		delete(s.byAccessHash, doc.AccessTokenHash)
	}
}

func (s *Store) expired(doc *storage.SessionDocument) bool {
	return time.Since(doc.UpdatedAt) > s.sessionTTL
}

func copyDoc(doc *storage.SessionDocument) *storage.SessionDocument {
	c := *doc
	return &c
}

// cleanupLoop periodically removes expired sessions and stale redemption
// markers.
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0

	for state, doc := range s.sessions {
		if now.Sub(doc.UpdatedAt) > s.sessionTTL {
			s.dropIndexes(doc)
			delete(s.sessions, state)
			removed++
		}
	}
	for code, at := range s.redeemedCodes {
		if now.Sub(at) > redeemedRetention {
			delete(s.redeemedCodes, code)
		}
	}
	for token, at := range s.redeemedRefresh {
		if now.Sub(at) > redeemedRetention {
			delete(s.redeemedRefresh, token)
		}
	}

	if removed > 0 {
		s.logger.Debug("Cleaned up expired sessions", "count", removed)
	}
}

// startOp begins a trace span and returns a closure that records the span
// result and the storage operation metric.
func (s *Store) startOp(ctx context.Context, operation string) (context.Context, func(error)) {
	start := time.Now()

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "storage."+operation,
			trace.WithAttributes(attribute.String("storage.backend", "memory")))
	}

	return ctx, func(err error) {
		if span != nil {
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}
		if s.instrumentation != nil {
			result := "success"
			if err != nil {
				result = "error"
			}
			durationMs := float64(time.Since(start).Microseconds()) / 1000.0
			s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
		}
	}
}
