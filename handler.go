package oauthproxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/department-of-veterans-affairs/oauth-proxy/security"
)

// Route paths served by the proxy.
const (
	RouteAuthorize     = "/authorization"
	RouteRedirect      = "/redirect"
	RouteToken         = "/token"
	RouteLaunch        = "/launch"
	RouteGrants        = "/grants"
	RouteUserInfo      = "/userinfo"
	RouteIntrospection = "/introspect"
	RouteKeys          = "/keys"

	RouteOpenIDConfiguration = "/.well-known/openid-configuration"
	RouteSMARTConfiguration  = "/.well-known/smart-configuration.json"
)

// Handler adapts the proxy core to HTTP.
type Handler struct {
	proxy       *Proxy
	logger      *slog.Logger
	rateLimiter *security.RateLimiter
	tracer      trace.Tracer
}

// NewHandler creates a new HTTP handler.
func NewHandler(proxy *Proxy, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		proxy:  proxy,
		logger: logger,
	}
	if proxy.inst != nil {
		h.tracer = proxy.inst.Tracer("http")
	}
	return h
}

// SetRateLimiter installs a per-IP limiter in front of the authorization and
// token endpoints.
func (h *Handler) SetRateLimiter(rl *security.RateLimiter) {
	h.rateLimiter = rl
}

// RegisterRoutes registers all proxy routes on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(RouteAuthorize, h.ServeAuthorization)
	mux.HandleFunc(RouteRedirect, h.ServeRedirect)
	mux.HandleFunc(RouteToken, h.ServeToken)
	mux.HandleFunc(RouteGrants, h.ServeRevokeGrants)
	mux.HandleFunc(RouteOpenIDConfiguration, h.ServeOpenIDConfiguration)
	mux.HandleFunc(RouteKeys, h.ServePassthrough(func() string { return h.metadataEndpoint("jwks") }))
	mux.HandleFunc(RouteUserInfo, h.ServePassthrough(func() string { return h.metadataEndpoint("userinfo") }))
	mux.HandleFunc(RouteIntrospection, h.ServePassthrough(func() string { return h.metadataEndpoint("introspection") }))

	if h.proxy.config.EnableSMART {
		mux.HandleFunc(RouteSMARTConfiguration, h.ServeSMARTConfiguration)
		mux.HandleFunc(RouteLaunch, h.ServeLaunch)
	}
}

// ServeAuthorization handles GET /authorization.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx, span, finish := h.startRequest(r, RouteAuthorize)
	defer span.End()

	if r.Method != http.MethodGet {
		finish(h.writeError(w, ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed))
		return
	}

	clientIP := security.GetClientIP(r, h.proxy.config.RateLimit.TrustProxy)
	if h.limited(w, clientIP, RouteAuthorize) {
		finish(http.StatusTooManyRequests)
		return
	}

	q := r.URL.Query()
	req := &AuthorizeRequest{
		State:       q.Get("state"),
		ClientID:    q.Get("client_id"),
		RedirectURI: q.Get("redirect_uri"),
		Scope:       q.Get("scope"),
		Aud:         q.Get("aud"),
		Launch:      q.Get("launch"),
		ClientIP:    clientIP,
	}

	location, err := h.proxy.StartAuthorizationFlow(ctx, req)
	if err != nil {
		finish(h.writeOAuthError(w, err))
		return
	}

	http.Redirect(w, r, location, http.StatusFound)
	finish(http.StatusFound)
}

// ServeRedirect handles GET /redirect, the IdP callback.
func (h *Handler) ServeRedirect(w http.ResponseWriter, r *http.Request) {
	ctx, span, finish := h.startRequest(r, RouteRedirect)
	defer span.End()

	q := r.URL.Query()
	if upstreamErr := q.Get("error"); upstreamErr != "" {
		// The IdP declined the authorization; relay its error.
		h.logger.Warn("Upstream authorization failed", "error", upstreamErr)
		finish(h.writeError(w, upstreamErr, q.Get("error_description"), http.StatusInternalServerError))
		return
	}

	location, err := h.proxy.HandleUpstreamRedirect(ctx, q.Get("code"), q.Get("state"))
	if err != nil {
		finish(h.writeOAuthError(w, err))
		return
	}

	http.Redirect(w, r, location, http.StatusFound)
	finish(http.StatusFound)
}

// ServeToken handles POST /token.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	ctx, span, finish := h.startRequest(r, RouteToken)
	defer span.End()

	if r.Method != http.MethodPost {
		finish(h.writeError(w, ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed))
		return
	}

	clientIP := security.GetClientIP(r, h.proxy.config.RateLimit.TrustProxy)
	if h.limited(w, clientIP, RouteToken) {
		finish(http.StatusTooManyRequests)
		return
	}

	if err := r.ParseForm(); err != nil {
		finish(h.writeError(w, ErrorCodeInvalidRequest, "Invalid request body", http.StatusBadRequest))
		return
	}

	req := &TokenRequest{
		GrantType:           r.PostFormValue("grant_type"),
		Code:                r.PostFormValue("code"),
		RefreshToken:        r.PostFormValue("refresh_token"),
		Launch:              r.PostFormValue("launch"),
		ClientID:            r.PostFormValue("client_id"),
		ClientSecret:        r.PostFormValue("client_secret"),
		ClientAssertion:     r.PostFormValue("client_assertion"),
		ClientAssertionType: r.PostFormValue("client_assertion_type"),
		Form:                r.PostForm,
		Header:              r.Header,
		ClientIP:            clientIP,
	}
	if clientID, clientSecret, ok := r.BasicAuth(); ok {
		req.ClientID = clientID
		req.ClientSecret = clientSecret
		req.BasicAuth = true
	}

	resp, err := h.proxy.HandleToken(ctx, req)
	if err != nil {
		finish(h.writeOAuthError(w, err))
		return
	}

	finish(h.writeJSON(w, http.StatusOK, resp))
}

// ServeLaunch handles GET /launch: bearer token in, launch context out.
func (h *Handler) ServeLaunch(w http.ResponseWriter, r *http.Request) {
	ctx, span, finish := h.startRequest(r, RouteLaunch)
	defer span.End()

	launch, err := h.proxy.LookupLaunch(ctx, bearerToken(r))
	if err != nil {
		finish(h.writeOAuthError(w, err))
		return
	}

	finish(h.writeJSON(w, http.StatusOK, map[string]string{"launch": launch}))
}

// ServeRevokeGrants handles the administrative POST /grants.
func (h *Handler) ServeRevokeGrants(w http.ResponseWriter, r *http.Request) {
	ctx, span, finish := h.startRequest(r, RouteGrants)
	defer span.End()

	if r.Method != http.MethodPost {
		finish(h.writeError(w, ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed))
		return
	}

	var body struct {
		ClientID string `json:"client_id"`
		Email    string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		finish(h.writeError(w, ErrorCodeInvalidRequest, "Invalid request body", http.StatusBadRequest))
		return
	}

	clientIP := security.GetClientIP(r, h.proxy.config.RateLimit.TrustProxy)
	status, result, err := h.proxy.RevokeGrants(ctx, body.ClientID, body.Email, clientIP)
	if err != nil {
		finish(h.writeOAuthError(w, err))
		return
	}

	finish(h.writeJSON(w, status, result))
}

// startRequest begins a trace span for the route and returns a finish
// closure that records the HTTP request metric.
func (h *Handler) startRequest(r *http.Request, route string) (context.Context, trace.Span, func(int)) {
	start := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "http."+route,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			))
	} else {
		span = trace.SpanFromContext(ctx)
	}

	finish := func(status int) {
		if h.proxy.metrics != nil {
			durationMs := float64(time.Since(start).Microseconds()) / 1000.0
			h.proxy.metrics.RecordHTTPRequest(ctx, r.Method, route, status, durationMs)
		}
	}
	return ctx, span, finish
}

// limited applies the per-IP rate limiter and writes the 429 response when
// the caller has exceeded its allowance.
func (h *Handler) limited(w http.ResponseWriter, clientIP, endpoint string) bool {
	if h.rateLimiter == nil {
		return false
	}
	if h.rateLimiter.Allow(clientIP) {
		return false
	}

	h.proxy.auditor.LogRateLimitExceeded(clientIP, endpoint)
	if h.proxy.metrics != nil {
		h.proxy.metrics.RateLimitExceeded.Add(context.Background(), 1)
	}
	h.writeError(w, ErrorCodeRateLimitExceeded, "Too many requests. Please try again later.", http.StatusTooManyRequests)
	return true
}

// bearerToken extracts the bearer token from the Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// writeOAuthError renders a structured OAuth error, or the opaque catchall
// for anything the proxy cannot classify.
func (h *Handler) writeOAuthError(w http.ResponseWriter, err error) int {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
	}

	h.logger.Error("Unhandled error", "error", err)
	return h.writeError(w, ErrorCodeServerError, descUnknownError, http.StatusInternalServerError)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
	return status
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
	return status
}
