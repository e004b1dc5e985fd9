package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Metadata is the upstream server's OpenID Connect discovery document.
// Only the fields the proxy rewrites or routes on are modeled; Raw keeps the
// full decoded document for metadata passthrough.
type Metadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserInfoEndpoint      string `json:"userinfo_endpoint"`
	IntrospectionEndpoint string `json:"introspection_endpoint"`
	RevocationEndpoint    string `json:"revocation_endpoint"`
	JWKSUri               string `json:"jwks_uri"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`

	Raw map[string]interface{} `json:"-"`
}

// MetadataClient fetches and caches the upstream discovery document.
// Safe for concurrent use.
type MetadataClient struct {
	issuerURL  string
	httpClient *http.Client
	cacheTTL   time.Duration
	logger     *slog.Logger

	mu        sync.Mutex
	cached    *Metadata
	fetchedAt time.Time
}

// NewMetadataClient creates a discovery client for the given issuer.
// A nil httpClient gets a 10s-timeout default, a zero cacheTTL defaults to
// one hour, and a nil logger falls back to slog.Default().
func NewMetadataClient(issuerURL string, httpClient *http.Client, cacheTTL time.Duration, logger *slog.Logger) *MetadataClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cacheTTL == 0 {
		cacheTTL = 1 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MetadataClient{
		issuerURL:  issuerURL,
		httpClient: httpClient,
		cacheTTL:   cacheTTL,
		logger:     logger,
	}
}

// Metadata returns the cached discovery document, fetching it when the cache
// is empty or past its TTL.
func (c *MetadataClient) Metadata(ctx context.Context) (*Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && time.Since(c.fetchedAt) < c.cacheTTL {
		return c.cached, nil
	}

	doc, err := c.fetch(ctx)
	if err != nil {
		if c.cached != nil {
			c.logger.Warn("Metadata refresh failed, serving stale document",
				"issuer", c.issuerURL, "error", err)
			return c.cached, nil
		}
		return nil, err
	}

	c.cached = doc
	c.fetchedAt = time.Now()
	return doc, nil
}

func (c *MetadataClient) fetch(ctx context.Context) (*Metadata, error) {
	discoveryURL := strings.TrimSuffix(c.issuerURL, "/") + "/.well-known/openid-configuration"

	c.logger.Debug("Fetching upstream discovery document", "url", discoveryURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery request failed with status %d", resp.StatusCode)
	}

	var raw map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}

	doc := &Metadata{Raw: raw}
	doc.Issuer, _ = raw["issuer"].(string)
	doc.AuthorizationEndpoint, _ = raw["authorization_endpoint"].(string)
	doc.TokenEndpoint, _ = raw["token_endpoint"].(string)
	doc.UserInfoEndpoint, _ = raw["userinfo_endpoint"].(string)
	doc.IntrospectionEndpoint, _ = raw["introspection_endpoint"].(string)
	doc.RevocationEndpoint, _ = raw["revocation_endpoint"].(string)
	doc.JWKSUri, _ = raw["jwks_uri"].(string)
	doc.EndSessionEndpoint, _ = raw["end_session_endpoint"].(string)

	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
		return nil, fmt.Errorf("discovery document missing authorization or token endpoint")
	}

	c.logger.Info("Upstream discovery successful",
		"issuer", doc.Issuer,
		"authorization_endpoint", doc.AuthorizationEndpoint,
		"token_endpoint", doc.TokenEndpoint)

	return doc, nil
}
