package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/department-of-veterans-affairs/oauth-proxy/storage"
)

// StaticRegistry is an in-memory static token registry. Entries are loaded
// administratively and swapped wholesale by Load; lookups are exact refresh
// token matches.
type StaticRegistry struct {
	mu      sync.RWMutex
	entries map[string]*storage.StaticTokenEntry
	logger  *slog.Logger
}

var _ storage.StaticTokenStore = (*StaticRegistry)(nil)

// NewStaticRegistry creates a registry seeded with the given entries.
func NewStaticRegistry(entries []storage.StaticTokenEntry, logger *slog.Logger) *StaticRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &StaticRegistry{
		entries: make(map[string]*storage.StaticTokenEntry),
		logger:  logger,
	}
	r.Load(entries)
	return r
}

// Load replaces the registry contents. Entries without a refresh token are
// skipped.
func (r *StaticRegistry) Load(entries []storage.StaticTokenEntry) {
	next := make(map[string]*storage.StaticTokenEntry, len(entries))
	skipped := 0
	for i := range entries {
		e := entries[i]
		if e.RefreshToken == "" {
			skipped++
			continue
		}
		next[e.RefreshToken] = &e
	}

	r.mu.Lock()
	r.entries = next
	r.mu.Unlock()

	if skipped > 0 {
		r.logger.Warn("Skipped static token entries without a refresh token", "count", skipped)
	}
	r.logger.Info("Loaded static token registry", "entries", len(next))
}

// GetStaticToken returns the entry for an exact refresh token match.
func (r *StaticRegistry) GetStaticToken(ctx context.Context, refreshToken string) (*storage.StaticTokenEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[refreshToken]
	if !ok {
		return nil, storage.ErrStaticTokenNotFound
	}
	c := *entry
	return &c, nil
}

// Len reports the number of loaded entries.
func (r *StaticRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
