package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"testing"
	"time"
)

func signTestJWT(t *testing.T, secret string, header, payload map[string]any) string {
	t.Helper()
	h, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	p, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	input := base64.RawURLEncoding.EncodeToString(h) + "." + base64.RawURLEncoding.EncodeToString(p)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(input))
	return input + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestAuthorizeBearerAcceptsSpaceSeparatedScopes(t *testing.T) {
	now := time.Unix(1700000000, 0)
	token := signTestJWT(t, "dev-secret", map[string]any{"alg": "HS256"}, map[string]any{
		"sub":    "agent",
		"aud":    tokenAudience,
		"exp":    now.Add(time.Minute).Unix(),
		"scopes": "documents:read  documents:write",
	})
	claims, authErr := authorizeBearer("Bearer "+token, "dev-secret", ScopeDocumentsWrite, now)
	if authErr != nil {
		t.Fatalf("expected token accepted, got %v", authErr)
	}
	if claims.Subject != "agent" || len(claims.Scopes) != 2 || !claims.Expires.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if claims.allows(ScopeEventsRead) {
		t.Fatalf("expected %s not to be granted", ScopeEventsRead)
	}
}

func TestAuthorizeBearerRejections(t *testing.T) {
	now := time.Unix(1700000000, 0)
	valid := map[string]any{"sub": "agent", "aud": tokenAudience, "exp": now.Add(time.Minute).Unix(), "scopes": []string{ScopeDocumentsRead}}
	with := func(key string, value any) map[string]any {
		out := map[string]any{}
		for k, v := range valid {
			out[k] = v
		}
		if value == nil {
			delete(out, key)
		} else {
			out[key] = value
		}
		return out
	}
	cases := []struct {
		name   string
		header string
		status int
	}{
		{"no bearer prefix", "Token abc", http.StatusUnauthorized},
		{"two segments", "Bearer a.b", http.StatusUnauthorized},
		{"none algorithm", "Bearer " + signTestJWT(t, "dev-secret", map[string]any{"alg": "none"}, valid), http.StatusUnauthorized},
		{"expires now", "Bearer " + signTestJWT(t, "dev-secret", map[string]any{"alg": "HS256"}, with("exp", now.Unix())), http.StatusUnauthorized},
		{"missing exp", "Bearer " + signTestJWT(t, "dev-secret", map[string]any{"alg": "HS256"}, with("exp", nil)), http.StatusUnauthorized},
		{"missing aud", "Bearer " + signTestJWT(t, "dev-secret", map[string]any{"alg": "HS256"}, with("aud", nil)), http.StatusUnauthorized},
		{"empty scopes", "Bearer " + signTestJWT(t, "dev-secret", map[string]any{"alg": "HS256"}, with("scopes", []string{})), http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, authErr := authorizeBearer(tc.header, "dev-secret", ScopeDocumentsRead, now)
			if authErr == nil || authErr.status != tc.status {
				t.Fatalf("expected status %d, got %v", tc.status, authErr)
			}
		})
	}
}
