package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/deckguard/internal/deckguard"
)

// tokenAudience is the aud claim every caller token must carry.
const tokenAudience = "deckguard"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

// tokenClaims is the verified identity behind a request. Subject keys the
// rate limiter and is logged as the actor of every mutation.
type tokenClaims struct {
	Subject string
	Scopes  []string
	Expires time.Time
}

// allows reports whether a granted scope covers required, using the same
// wildcard rules as approval tokens.
func (c tokenClaims) allows(required string) bool {
	for _, granted := range c.Scopes {
		if deckguard.ScopeMatches(granted, required) {
			return true
		}
	}
	return false
}

// scopeList accepts scopes as a JSON array or as one space-separated string.
type scopeList []string

func (l *scopeList) UnmarshalJSON(data []byte) error {
	var joined string
	if err := json.Unmarshal(data, &joined); err == nil {
		*l = strings.Fields(joined)
		return nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*l = out
	return nil
}

type jwtHeader struct {
	Alg string `json:"alg"`
}

type jwtPayload struct {
	Sub    string      `json:"sub"`
	Aud    string      `json:"aud"`
	Exp    json.Number `json:"exp"`
	Scopes scopeList   `json:"scopes"`
}

// authorizeBearer verifies an HS256 bearer token minted for deckguard and
// checks that it grants requiredScope.
func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	claims, authErr := verifyJWT(strings.TrimSpace(raw), []byte(jwtSecret), now)
	if authErr != nil {
		return tokenClaims{}, authErr
	}
	if len(claims.Scopes) == 0 {
		return tokenClaims{}, forbidden("no scopes granted")
	}
	if requiredScope != "" && !claims.allows(requiredScope) {
		return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
	}
	return claims, nil
}

func verifyJWT(token string, secret []byte, now time.Time) (tokenClaims, *authError) {
	header, payload, sig, ok := splitJWT(token)
	if !ok {
		return tokenClaims{}, unauthorized("invalid jwt format")
	}
	var h jwtHeader
	if err := decodeSegment(header, &h); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt header")
	}
	if h.Alg != "HS256" {
		return tokenClaims{}, unauthorized("unsupported jwt algorithm")
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt signature")
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(header + "." + payload))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	}

	var p jwtPayload
	if err := decodeSegment(payload, &p); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	if strings.TrimSpace(p.Sub) == "" {
		return tokenClaims{}, unauthorized("missing sub claim")
	}
	if p.Aud != tokenAudience {
		return tokenClaims{}, unauthorized("invalid aud claim")
	}
	exp, err := p.Exp.Int64()
	if err != nil {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}
	expires := time.Unix(exp, 0).UTC()
	if !now.Before(expires) {
		return tokenClaims{}, unauthorized("token expired")
	}
	return tokenClaims{Subject: p.Sub, Scopes: p.Scopes, Expires: expires}, nil
}

func splitJWT(token string) (header, payload, sig string, ok bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func decodeSegment(seg string, dst any) error {
	data, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(dst)
}
