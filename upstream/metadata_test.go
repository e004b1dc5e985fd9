package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func discoveryServer(t *testing.T, fetches *atomic.Int64, doc map[string]interface{}) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		if fetches != nil {
			fetches.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}))
}

func TestMetadataClient(t *testing.T) {
	var fetches atomic.Int64
	srv := discoveryServer(t, &fetches, map[string]interface{}{
		"issuer":                 "https://idp.example.com/oauth2/default",
		"authorization_endpoint": "https://idp.example.com/oauth2/default/v1/authorize",
		"token_endpoint":         "https://idp.example.com/oauth2/default/v1/token",
		"userinfo_endpoint":      "https://idp.example.com/oauth2/default/v1/userinfo",
		"jwks_uri":               "https://idp.example.com/oauth2/default/v1/keys",
		"scopes_supported":       []string{"openid", "offline_access"},
	})
	defer srv.Close()

	c := NewMetadataClient(srv.URL, nil, 0, nil)
	ctx := context.Background()

	doc, err := c.Metadata(ctx)
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if doc.Issuer != "https://idp.example.com/oauth2/default" {
		t.Errorf("Issuer = %q", doc.Issuer)
	}
	if doc.AuthorizationEndpoint != "https://idp.example.com/oauth2/default/v1/authorize" {
		t.Errorf("AuthorizationEndpoint = %q", doc.AuthorizationEndpoint)
	}
	if doc.JWKSUri != "https://idp.example.com/oauth2/default/v1/keys" {
		t.Errorf("JWKSUri = %q", doc.JWKSUri)
	}
	if _, ok := doc.Raw["scopes_supported"]; !ok {
		t.Error("Raw should keep the full document")
	}

	// Second call is served from cache.
	if _, err := c.Metadata(ctx); err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if got := fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
}

func TestMetadataClient_MissingEndpoints(t *testing.T) {
	srv := discoveryServer(t, nil, map[string]interface{}{
		"issuer": "https://idp.example.com/oauth2/default",
	})
	defer srv.Close()

	c := NewMetadataClient(srv.URL, nil, 0, nil)
	if _, err := c.Metadata(context.Background()); err == nil {
		t.Error("Metadata() expected error for a document without endpoints")
	}
}

func TestMetadataClient_ServesStaleOnRefreshFailure(t *testing.T) {
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"issuer":                 "https://idp.example.com",
			"authorization_endpoint": "https://idp.example.com/v1/authorize",
			"token_endpoint":         "https://idp.example.com/v1/token",
		})
	}))
	defer srv.Close()

	c := NewMetadataClient(srv.URL, nil, time.Nanosecond, nil)
	ctx := context.Background()

	if _, err := c.Metadata(ctx); err != nil {
		t.Fatalf("initial Metadata() error = %v", err)
	}

	failing.Store(true)
	time.Sleep(time.Millisecond)

	doc, err := c.Metadata(ctx)
	if err != nil {
		t.Fatalf("Metadata() error = %v, want stale document", err)
	}
	if doc.Issuer != "https://idp.example.com" {
		t.Errorf("Issuer = %q", doc.Issuer)
	}
}

func TestMetadataClient_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewMetadataClient(srv.URL, nil, 0, nil)
	if _, err := c.Metadata(context.Background()); err == nil {
		t.Error("Metadata() expected error for a 503 response")
	}
}
