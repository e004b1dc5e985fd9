package memory

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/department-of-veterans-affairs/oauth-proxy/storage"
)

// dummySecretHash is a bcrypt hash compared against when the client id is
// unknown, so secret validation costs the same whether or not the client
// exists.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// ClientRegistry is an in-memory local client registry. Entries are loaded
// administratively and swapped wholesale by Load; lookups are exact client id
// matches.
type ClientRegistry struct {
	mu      sync.RWMutex
	entries map[string]*storage.LocalClient
	logger  *slog.Logger
}

var _ storage.ClientStore = (*ClientRegistry)(nil)

// NewClientRegistry creates a registry seeded with the given entries.
func NewClientRegistry(entries []storage.LocalClient, logger *slog.Logger) *ClientRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &ClientRegistry{
		entries: make(map[string]*storage.LocalClient),
		logger:  logger,
	}
	r.Load(entries)
	return r
}

// Load replaces the registry contents. Entries without a client id are
// skipped.
func (r *ClientRegistry) Load(entries []storage.LocalClient) {
	next := make(map[string]*storage.LocalClient, len(entries))
	skipped := 0
	for i := range entries {
		e := entries[i]
		if e.ClientID == "" {
			skipped++
			continue
		}
		next[e.ClientID] = &e
	}

	r.mu.Lock()
	r.entries = next
	r.mu.Unlock()

	if skipped > 0 {
		r.logger.Warn("Skipped local client entries without a client id", "count", skipped)
	}
	r.logger.Info("Loaded local client registry", "entries", len(next))
}

// GetLocalClient returns the registration for an exact client id match.
func (r *ClientRegistry) GetLocalClient(ctx context.Context, clientID string) (*storage.LocalClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	c := *entry
	return &c, nil
}

// ValidateClientSecret checks the presented secret against the registered
// bcrypt hash. The comparison always runs, against a dummy hash when the
// client is unknown, so the failure path does not reveal whether the id
// exists.
func (r *ClientRegistry) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := r.GetLocalClient(ctx, clientID)

	hashToCompare := dummySecretHash
	public := false
	if err == nil {
		if client.SecretHash == "" {
			public = true
		} else {
			hashToCompare = client.SecretHash
		}
	}

	compareErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if err != nil {
		return err
	}
	if public {
		return nil
	}
	if compareErr != nil {
		return storage.ErrInvalidClientSecret
	}
	return nil
}

// Len reports the number of loaded entries.
func (r *ClientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
