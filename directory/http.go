package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient implements Client against an Okta-compatible directory API.
// Requests authenticate with an API token in the SSWS scheme.
type HTTPClient struct {
	baseURL    string
	apiToken   string
	serverID   string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a directory client. baseURL is the API origin,
// serverID identifies the authorization server record the proxy fronts.
// A nil httpClient gets a 10s-timeout default.
func NewHTTPClient(baseURL, apiToken, serverID string, httpClient *http.Client, logger *slog.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiToken:   apiToken,
		serverID:   serverID,
		httpClient: httpClient,
		logger:     logger,
	}
}

// GetClient fetches an OAuth client registration by id.
func (c *HTTPClient) GetClient(ctx context.Context, clientID string) (*OAuthClient, error) {
	var body struct {
		ClientID     string `json:"client_id"`
		ClientName   string `json:"client_name"`
		Settings     struct {
			OAuthClient struct {
				RedirectURIs []string `json:"redirect_uris"`
			} `json:"oauthClient"`
		} `json:"settings"`
		RedirectURIs []string `json:"redirect_uris"`
	}
	path := "/oauth2/v1/clients/" + url.PathEscape(clientID)
	if err := c.get(ctx, path, &body); err != nil {
		return nil, err
	}

	uris := body.RedirectURIs
	if len(uris) == 0 {
		uris = body.Settings.OAuthClient.RedirectURIs
	}
	return &OAuthClient{
		ClientID:     body.ClientID,
		Name:         body.ClientName,
		RedirectURIs: uris,
	}, nil
}

// FindUserIDs resolves user ids by exact profile email match.
func (c *HTTPClient) FindUserIDs(ctx context.Context, email string) ([]string, error) {
	filter := fmt.Sprintf(`profile.email eq %q`, email)
	path := "/api/v1/users?filter=" + url.QueryEscape(filter)

	var users []struct {
		ID string `json:"id"`
	}
	if err := c.get(ctx, path, &users); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(users))
	for _, u := range users {
		if u.ID != "" {
			ids = append(ids, u.ID)
		}
	}
	return ids, nil
}

// RevokeUserGrant deletes the user's grant for the given client.
func (c *HTTPClient) RevokeUserGrant(ctx context.Context, userID, clientID string) error {
	path := "/api/v1/users/" + url.PathEscape(userID) + "/clients/" + url.PathEscape(clientID) + "/grants"
	req, err := c.newRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("directory request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return c.apiError(resp)
	}
	return nil
}

// GetAuthorizationServer fetches the configured authorization server record.
func (c *HTTPClient) GetAuthorizationServer(ctx context.Context) (*AuthorizationServer, error) {
	var body struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Audiences []string `json:"audiences"`
	}
	path := "/api/v1/authorizationServers/" + url.PathEscape(c.serverID)
	if err := c.get(ctx, path, &body); err != nil {
		return nil, err
	}
	return &AuthorizationServer{
		ID:        body.ID,
		Name:      body.Name,
		Audiences: body.Audiences,
	}, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("directory request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode directory response: %w", err)
	}
	return nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create directory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "SSWS "+c.apiToken)
	return req, nil
}

func (c *HTTPClient) apiError(resp *http.Response) error {
	var body struct {
		ErrorSummary string `json:"errorSummary"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)

	c.logger.Debug("Directory API error",
		"status", resp.StatusCode,
		"summary", body.ErrorSummary)

	return &APIError{
		StatusCode: resp.StatusCode,
		Summary:    body.ErrorSummary,
	}
}
