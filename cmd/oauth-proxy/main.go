// Command oauth-proxy runs the OAuth proxy server. Configuration comes from
// the environment; a local .env file is loaded when present.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	oauthproxy "github.com/department-of-veterans-affairs/oauth-proxy"
	"github.com/department-of-veterans-affairs/oauth-proxy/directory"
	"github.com/department-of-veterans-affairs/oauth-proxy/instrumentation"
	"github.com/department-of-veterans-affairs/oauth-proxy/security"
	"github.com/department-of-veterans-affairs/oauth-proxy/storage"
	"github.com/department-of-veterans-affairs/oauth-proxy/storage/memory"
	"github.com/department-of-veterans-affairs/oauth-proxy/storage/valkey"
	"github.com/department-of-veterans-affairs/oauth-proxy/upstream"
)

// idleTimeout matches the load balancer in front of the proxy; keeping the
// server's timeout above the LB's avoids races on connection reuse.
const idleTimeout = 75 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to load .env file: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("Could not start the OAuth proxy", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := &oauthproxy.Config{
		BaseURL: os.Getenv("PROXY_BASE_URL"),
		Upstream: oauthproxy.UpstreamConfig{
			Audience: os.Getenv("UPSTREAM_AUDIENCE"),
		},
		Validation: oauthproxy.ValidationConfig{
			URL:    os.Getenv("VALIDATE_ENDPOINT"),
			APIKey: os.Getenv("VALIDATE_API_KEY"),
		},
		RateLimit: oauthproxy.RateLimitConfig{
			Rate:       intEnv("RATE_LIMIT_RPS", 0),
			Burst:      intEnv("RATE_LIMIT_BURST", 0),
			TrustProxy: boolEnv("TRUST_PROXY", true),
		},
		Security: oauthproxy.SecurityConfig{
			HashSecret:         os.Getenv("HASH_SECRET"),
			EnableAuditLogging: boolEnv("ENABLE_AUDIT_LOGGING", true),
		},
		EnableSMART:           boolEnv("ENABLE_SMART", true),
		EnableGrantRevocation: boolEnv("ENABLE_GRANT_REVOCATION", false),
		EnablePKCEClientAuth:  boolEnv("ENABLE_PKCE_CLIENT_AUTH", false),
		Logger:                logger,
	}

	issuerURL := os.Getenv("UPSTREAM_ISSUER")
	if issuerURL == "" {
		return fmt.Errorf("UPSTREAM_ISSUER is required")
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "oauth-proxy",
		ServiceVersion: os.Getenv("SERVICE_VERSION"),
		Enabled:        boolEnv("ENABLE_INSTRUMENTATION", true),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}

	metadata := upstream.NewMetadataClient(issuerURL, nil, 0, logger)
	upstreamClient := upstream.NewOAuth2Client(metadata, nil, logger)

	directoryClient := directory.NewHTTPClient(
		os.Getenv("DIRECTORY_URL"),
		os.Getenv("DIRECTORY_API_TOKEN"),
		os.Getenv("DIRECTORY_AUTHZ_SERVER_ID"),
		nil,
		logger,
	)

	sessions, cleanup, err := buildSessionStore(logger, inst)
	if err != nil {
		return err
	}
	defer cleanup()

	staticTokens, err := loadStaticRegistry(logger)
	if err != nil {
		return err
	}

	var validator oauthproxy.TokenValidator
	if cfg.Validation.URL != "" {
		validator = oauthproxy.NewHTTPTokenValidator(cfg.Validation, nil, logger)
	}

	proxy, err := oauthproxy.NewProxy(cfg, sessions, staticTokens, upstreamClient, directoryClient, validator)
	if err != nil {
		return err
	}
	proxy.SetInstrumentation(inst)

	localClients, err := loadClientRegistry(logger)
	if err != nil {
		return err
	}
	if localClients != nil {
		proxy.SetLocalClients(localClients)
	}

	handler := oauthproxy.NewHandler(proxy, logger)
	if cfg.RateLimit.Rate > 0 {
		limiter := security.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst, logger)
		defer limiter.Stop()
		handler.SetRateLimiter(limiter)
	}

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	port := intEnv("PORT", 7100)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           security.RequestIDMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("OAuth proxy listening", "port", port)
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("Shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return inst.Shutdown(ctx)
}

// buildSessionStore selects the backend from SESSION_STORE: "valkey" for the
// shared multi-instance store, anything else for in-memory.
func buildSessionStore(logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.SessionStore, func(), error) {
	if os.Getenv("SESSION_STORE") == "valkey" {
		store, err := valkey.New(valkey.Config{
			Address:  os.Getenv("VALKEY_ADDR"),
			Password: os.Getenv("VALKEY_PASSWORD"),
			DB:       intEnv("VALKEY_DB", 0),
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}

	store := memory.New()
	store.SetLogger(logger)
	store.SetInstrumentation(inst)
	return store, func() { _ = store.Close() }, nil
}

// loadStaticRegistry reads the static token registry from the JSON file
// named by STATIC_TOKENS_FILE. No file means no static bypass.
func loadStaticRegistry(logger *slog.Logger) (storage.StaticTokenStore, error) {
	path := os.Getenv("STATIC_TOKENS_FILE")
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read static token file: %w", err)
	}
	var entries []storage.StaticTokenEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse static token file: %w", err)
	}
	return memory.NewStaticRegistry(entries, logger), nil
}

// loadClientRegistry reads locally provisioned client registrations from the
// JSON file named by LOCAL_CLIENTS_FILE. No file means every client resolves
// through the identity directory.
func loadClientRegistry(logger *slog.Logger) (*memory.ClientRegistry, error) {
	path := os.Getenv("LOCAL_CLIENTS_FILE")
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read local client file: %w", err)
	}
	var entries []storage.LocalClient
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse local client file: %w", err)
	}
	return memory.NewClientRegistry(entries, logger), nil
}

func logLevel() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func intEnv(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func boolEnv(name string, def bool) bool {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
