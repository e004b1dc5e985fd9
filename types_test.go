package oauthproxy

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/department-of-veterans-affairs/oauth-proxy/storage"
	"github.com/department-of-veterans-affairs/oauth-proxy/upstream"
)

func TestNewTokenResponse(t *testing.T) {
	resp := newTokenResponse(&upstream.TokenSet{
		AccessToken:  "a",
		ExpiresIn:    3600,
		RefreshToken: "r",
		IDToken:      "i",
		Scope:        "openid",
	})

	if resp.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer default", resp.TokenType)
	}
	if resp.AccessToken != "a" || resp.RefreshToken != "r" || resp.IDToken != "i" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.IsStatic {
		t.Error("IsStatic should default to false")
	}
}

func TestNewStaticTokenResponse(t *testing.T) {
	resp := newStaticTokenResponse(&storage.StaticTokenEntry{
		RefreshToken: "r",
		AccessToken:  "a",
		IDToken:      "i",
		ICN:          "123V456",
		Scopes:       "openid launch/patient",
		ExpiresIn:    3600,
	})

	if !resp.IsStatic {
		t.Error("IsStatic = false, want true")
	}
	if resp.Patient != "123V456" {
		t.Errorf("Patient = %q", resp.Patient)
	}
	if resp.Scope != "openid launch/patient" {
		t.Errorf("Scope = %q", resp.Scope)
	}
}

func TestTokenResponse_JSONShape(t *testing.T) {
	data, err := json.Marshal(&TokenResponse{AccessToken: "a", TokenType: "Bearer"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	out := string(data)
	for _, absent := range []string{"refresh_token", "id_token", "expires_in", "scope", "patient", "is_static"} {
		if strings.Contains(out, absent) {
			t.Errorf("serialized response %s should omit empty %q", out, absent)
		}
	}
	if !strings.Contains(out, `"access_token":"a"`) || !strings.Contains(out, `"token_type":"Bearer"`) {
		t.Errorf("serialized response = %s", out)
	}
}
