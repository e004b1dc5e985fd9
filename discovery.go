package oauthproxy

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// openidMetadataWhitelist lists the upstream discovery fields exposed through
// /.well-known/openid-configuration. Everything else is dropped.
var openidMetadataWhitelist = []string{
	"issuer",
	"authorization_endpoint",
	"token_endpoint",
	"userinfo_endpoint",
	"introspection_endpoint",
	"jwks_uri",
	"scopes_supported",
	"response_types_supported",
	"response_modes_supported",
	"grant_types_supported",
	"subject_types_supported",
	"id_token_signing_alg_values_supported",
	"token_endpoint_auth_methods_supported",
	"claims_supported",
	"code_challenge_methods_supported",
	"introspection_endpoint_auth_methods_supported",
	"request_parameter_supported",
	"request_object_signing_alg_values_supported",
}

// smartMetadataWhitelist lists the fields exposed through the SMART
// configuration document.
var smartMetadataWhitelist = []string{
	"authorization_endpoint",
	"token_endpoint",
	"introspection_endpoint",
	"scopes_supported",
	"response_types_supported",
}

// smartCapabilities is the fixed capability set advertised in the SMART
// configuration document.
var smartCapabilities = []string{
	"launch-standalone",
	"client-confidential-symmetric",
	"context-standalone-patient",
	"permission-offline",
	"permission-patient",
}

// metadataRewrite maps discovery endpoint fields to the proxy's own routes.
// The proxy fronts these endpoints, so the upstream URLs must never leak.
func (h *Handler) metadataRewrite() map[string]interface{} {
	base := strings.TrimSuffix(h.proxy.config.BaseURL, "/")
	return map[string]interface{}{
		"authorization_endpoint": base + RouteAuthorize,
		"token_endpoint":         base + RouteToken,
		"userinfo_endpoint":      base + RouteUserInfo,
		"introspection_endpoint": base + RouteIntrospection,
		"jwks_uri":               base + RouteKeys,
	}
}

// filteredMetadata merges the upstream document with the rewrite table and
// keeps only whitelisted fields.
func (h *Handler) filteredMetadata(ctx context.Context, whitelist []string) (map[string]interface{}, error) {
	meta, err := h.proxy.upstream.Metadata(ctx)
	if err != nil {
		return nil, err
	}

	base := make(map[string]interface{}, len(meta.Raw))
	for k, v := range meta.Raw {
		base[k] = v
	}
	for k, v := range h.metadataRewrite() {
		base[k] = v
	}

	filtered := make(map[string]interface{}, len(whitelist))
	for _, key := range whitelist {
		if v, ok := base[key]; ok {
			filtered[key] = v
		}
	}
	return filtered, nil
}

// ServeOpenIDConfiguration handles GET /.well-known/openid-configuration.
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	ctx, span, finish := h.startRequest(r, RouteOpenIDConfiguration)
	defer span.End()

	filtered, err := h.filteredMetadata(ctx, openidMetadataWhitelist)
	if err != nil {
		h.logger.Error("Failed to fetch upstream metadata", "error", err)
		finish(h.writeError(w, ErrorCodeServerError, descUnknownError, http.StatusInternalServerError))
		return
	}

	finish(h.writeJSON(w, http.StatusOK, filtered))
}

// ServeSMARTConfiguration handles GET /.well-known/smart-configuration.json.
func (h *Handler) ServeSMARTConfiguration(w http.ResponseWriter, r *http.Request) {
	ctx, span, finish := h.startRequest(r, RouteSMARTConfiguration)
	defer span.End()

	filtered, err := h.filteredMetadata(ctx, smartMetadataWhitelist)
	if err != nil {
		h.logger.Error("Failed to fetch upstream metadata", "error", err)
		finish(h.writeError(w, ErrorCodeServerError, descUnknownError, http.StatusInternalServerError))
		return
	}
	filtered["capabilities"] = smartCapabilities

	finish(h.writeJSON(w, http.StatusOK, filtered))
}

// metadataEndpoint resolves a passthrough target from the cached upstream
// discovery document.
func (h *Handler) metadataEndpoint(name string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	meta, err := h.proxy.upstream.Metadata(ctx)
	if err != nil {
		h.logger.Error("Failed to fetch upstream metadata", "error", err)
		return ""
	}

	switch name {
	case "jwks":
		return meta.JWKSUri
	case "userinfo":
		return meta.UserInfoEndpoint
	case "introspection":
		return meta.IntrospectionEndpoint
	}
	return ""
}

// ServePassthrough returns a handler that streams the request body and
// headers to an upstream endpoint and relays the response bytes unchanged.
func (h *Handler) ServePassthrough(target func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span, finish := h.startRequest(r, r.URL.Path)
		defer span.End()

		endpoint := target()
		if endpoint == "" {
			finish(h.writeError(w, ErrorCodeServerError, descUnknownError, http.StatusInternalServerError))
			return
		}

		req, err := http.NewRequestWithContext(r.Context(), r.Method, endpoint, r.Body)
		if err != nil {
			finish(h.writeError(w, ErrorCodeServerError, descUnknownError, http.StatusInternalServerError))
			return
		}
		for name, values := range r.Header {
			if strings.EqualFold(name, "Host") {
				continue
			}
			for _, v := range values {
				req.Header.Add(name, v)
			}
		}
		if r.URL.RawQuery != "" {
			req.URL.RawQuery = r.URL.RawQuery
		}

		client := h.proxy.config.HTTPClient
		if client == nil {
			client = http.DefaultClient
		}
		resp, err := client.Do(req)
		if err != nil {
			h.logger.Error("Passthrough request failed", "error", err)
			finish(h.writeError(w, ErrorCodeServerError, descUnknownError, http.StatusBadGateway))
			return
		}
		defer func() { _ = resp.Body.Close() }()

		for name, values := range resp.Header {
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			h.logger.Error("Failed to relay passthrough response", "error", err)
		}
		finish(resp.StatusCode)
	}
}
