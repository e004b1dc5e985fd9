package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the proxy's metric instruments.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth flow
	AuthorizationStarted metric.Int64Counter
	TokenExchanged       metric.Int64Counter
	StaticTokenServed    metric.Int64Counter
	GrantRevoked         metric.Int64Counter

	// Security
	RateLimitExceeded metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram

	// Upstream IdP and directory
	UpstreamCallsTotal metric.Int64Counter
	UpstreamDuration   metric.Float64Histogram
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	httpMeter := inst.Meter("http")
	proxyMeter := inst.Meter("proxy")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	upstreamMeter := inst.Meter("upstream")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"oauth_proxy.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth_proxy.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.AuthorizationStarted, err = proxyMeter.Int64Counter(
		"oauth_proxy.authorization.started",
		metric.WithDescription("Number of authorization flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization.started counter: %w", err)
	}

	m.TokenExchanged, err = proxyMeter.Int64Counter(
		"oauth_proxy.token.exchanged",
		metric.WithDescription("Number of token exchanges by grant type and result"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.exchanged counter: %w", err)
	}

	m.StaticTokenServed, err = proxyMeter.Int64Counter(
		"oauth_proxy.static_token.served",
		metric.WithDescription("Number of refresh exchanges answered from the static token registry"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create static_token.served counter: %w", err)
	}

	m.GrantRevoked, err = proxyMeter.Int64Counter(
		"oauth_proxy.grant.revoked",
		metric.WithDescription("Number of per-user grant revocations"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grant.revoked counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"oauth_proxy.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"oauth_proxy.storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"oauth_proxy.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.UpstreamCallsTotal, err = upstreamMeter.Int64Counter(
		"oauth_proxy.upstream.calls.total",
		metric.WithDescription("Total number of upstream IdP and directory API calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream.calls.total counter: %w", err)
	}

	m.UpstreamDuration, err = upstreamMeter.Float64Histogram(
		"oauth_proxy.upstream.duration",
		metric.WithDescription("Upstream call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream.duration histogram: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with its duration. Nil-safe.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", path),
		attribute.Int("http.status_code", status),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordTokenExchange records a token exchange outcome. Nil-safe.
func (m *Metrics) RecordTokenExchange(ctx context.Context, grantType, result string) {
	if m == nil {
		return
	}
	m.TokenExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("result", result),
	))
}

// RecordStorageOperation records a storage call with its duration. Nil-safe.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}

// RecordUpstreamCall records a call to the upstream IdP or the directory API.
// Nil-safe.
func (m *Metrics) RecordUpstreamCall(ctx context.Context, target, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("target", target),
		attribute.String("operation", operation),
		attribute.String("result", result),
	)
	m.UpstreamCallsTotal.Add(ctx, 1, attrs)
	m.UpstreamDuration.Record(ctx, durationMs, attrs)
}
