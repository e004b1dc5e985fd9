package oauthproxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func signedTestToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return token
}

func TestHTTPTokenValidator(t *testing.T) {
	var gotAuth, gotAPIKey string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAPIKey = r.Header.Get("apiKey")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"va_identifiers":{"icn":"1012845331V153043"}}`))
	}))
	defer srv.Close()

	v := NewHTTPTokenValidator(ValidationConfig{URL: srv.URL, APIKey: "validate-key"}, nil, testLogger())
	result, err := v.ValidateToken(context.Background(), "access-token", "api://default")
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}

	if result.ICN != "1012845331V153043" {
		t.Errorf("ICN = %q", result.ICN)
	}
	if gotAuth != "Bearer access-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotAPIKey != "validate-key" {
		t.Errorf("apiKey = %q", gotAPIKey)
	}
	if gotBody["aud"] != "api://default" {
		t.Errorf("request body aud = %q", gotBody["aud"])
	}
}

func TestHTTPTokenValidator_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "non-200 status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			},
		},
		{
			name: "no identifier in response",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"va_identifiers":{}}`))
			},
		},
		{
			name: "malformed response",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`not json`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			v := NewHTTPTokenValidator(ValidationConfig{URL: srv.URL}, nil, testLogger())
			if _, err := v.ValidateToken(context.Background(), "access-token", "aud"); err == nil {
				t.Error("ValidateToken() expected error")
			}
		})
	}
}

func TestUnverifiedAudience(t *testing.T) {
	token := signedTestToken(t, jwt.MapClaims{"aud": "api://default", "iss": "https://idp.example.com"})

	if got := unverifiedAudience(token); got != "api://default" {
		t.Errorf("unverifiedAudience() = %q", got)
	}
	if got := unverifiedAudience("not-a-jwt"); got != "" {
		t.Errorf("unverifiedAudience(garbage) = %q, want empty", got)
	}
	if got := unverifiedAudience(signedTestToken(t, jwt.MapClaims{"iss": "x"})); got != "" {
		t.Errorf("unverifiedAudience(no aud) = %q, want empty", got)
	}
}

func TestUnverifiedAssertionIssuer(t *testing.T) {
	token := signedTestToken(t, jwt.MapClaims{"iss": "clientid1", "sub": "clientid1"})

	if got := unverifiedAssertionIssuer(token); got != "clientid1" {
		t.Errorf("unverifiedAssertionIssuer() = %q", got)
	}
	if got := unverifiedAssertionIssuer(""); got != "" {
		t.Errorf("unverifiedAssertionIssuer(empty) = %q, want empty", got)
	}
	if got := unverifiedAssertionIssuer("garbage"); got != "" {
		t.Errorf("unverifiedAssertionIssuer(garbage) = %q, want empty", got)
	}
}

func TestLaunchScope(t *testing.T) {
	tests := []struct {
		scope string
		want  bool
	}{
		{scope: "openid launch", want: true},
		{scope: "openid launch/patient offline_access", want: true},
		{scope: "openid profile", want: false},
		{scope: "launcher", want: false},
		{scope: "", want: false},
	}

	for _, tt := range tests {
		if got := launchScope(tt.scope); got != tt.want {
			t.Errorf("launchScope(%q) = %v, want %v", tt.scope, got, tt.want)
		}
	}
}
