package memory

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/department-of-veterans-affairs/oauth-proxy/storage"
)

func secretHash(t *testing.T, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword() error = %v", err)
	}
	return string(hash)
}

func TestClientRegistry(t *testing.T) {
	r := NewClientRegistry([]storage.LocalClient{
		{
			ClientID:     "local-client",
			SecretHash:   secretHash(t, "local-secret"),
			RedirectURIs: []string{"https://app.example.com/callback"},
		},
		{SecretHash: "orphan-without-id"},
	}, nil)

	if r.Len() != 1 {
		t.Errorf("Len() = %d, entries without a client id must be skipped", r.Len())
	}

	client, err := r.GetLocalClient(context.Background(), "local-client")
	if err != nil {
		t.Fatalf("GetLocalClient() error = %v", err)
	}
	if len(client.RedirectURIs) != 1 || client.RedirectURIs[0] != "https://app.example.com/callback" {
		t.Errorf("client = %+v", client)
	}

	_, err = r.GetLocalClient(context.Background(), "unknown")
	if !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("error = %v, want ErrClientNotFound", err)
	}
}

func TestClientRegistry_ValidateClientSecret(t *testing.T) {
	r := NewClientRegistry([]storage.LocalClient{
		{ClientID: "confidential", SecretHash: secretHash(t, "correct-secret")},
		{ClientID: "public-client", RedirectURIs: []string{"https://app.example.com/cb"}},
	}, nil)

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  error
	}{
		{"correct secret", "confidential", "correct-secret", nil},
		{"wrong secret", "confidential", "wrong-secret", storage.ErrInvalidClientSecret},
		{"empty secret against hash", "confidential", "", storage.ErrInvalidClientSecret},
		{"public client passes without secret", "public-client", "", nil},
		{"public client ignores supplied secret", "public-client", "anything", nil},
		{"unknown client", "nobody", "correct-secret", storage.ErrClientNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.ValidateClientSecret(context.Background(), tt.clientID, tt.secret)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateClientSecret() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestClientRegistry_ReturnsCopy(t *testing.T) {
	r := NewClientRegistry([]storage.LocalClient{
		{ClientID: "c", RedirectURIs: []string{"https://a.example.com"}},
	}, nil)

	client, err := r.GetLocalClient(context.Background(), "c")
	if err != nil {
		t.Fatalf("GetLocalClient() error = %v", err)
	}
	client.SecretHash = "mutated"

	again, err := r.GetLocalClient(context.Background(), "c")
	if err != nil {
		t.Fatalf("GetLocalClient() error = %v", err)
	}
	if again.SecretHash != "" {
		t.Error("mutating a returned client must not affect the registry")
	}
}
