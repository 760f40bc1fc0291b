package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"bondsettle/services/settlement-gateway/config"
)

// Scopes accepted by the gateway. Tokens carry them in the configured scope
// claim, space separated or as a string list.
const (
	ScopeRead  = "settlement.read"
	ScopeWrite = "settlement.write"
	ScopeAdmin = "settlement.admin"
)

type contextKey string

const (
	ctxKeySubject contextKey = "gateway.subject"
	ctxKeyScopes  contextKey = "gateway.scopes"
)

// SubjectFromContext returns the authenticated token subject, if any.
func SubjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(ctxKeySubject).(string)
	return subject
}

// ScopesFromContext returns the scopes granted to the request.
func ScopesFromContext(ctx context.Context) []string {
	scopes, _ := ctx.Value(ctxKeyScopes).([]string)
	return scopes
}

// Authenticator verifies HS256 bearer tokens and enforces scopes.
type Authenticator struct {
	issuer     string
	audience   string
	scopeClaim string
	secret     []byte
	leeway     time.Duration
}

func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	scopeClaim := strings.TrimSpace(cfg.ScopeClaim)
	if scopeClaim == "" {
		scopeClaim = "scope"
	}
	leeway := cfg.ClockSkew.Duration
	if leeway <= 0 {
		leeway = 2 * time.Minute
	}
	return &Authenticator{
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		scopeClaim: scopeClaim,
		secret:     []byte(cfg.Secret),
		leeway:     leeway,
	}
}

// Middleware authenticates the request and requires every listed scope. The
// token subject and scopes are placed on the request context.
func (a *Authenticator) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := extractBearer(r.Header.Get("Authorization"))
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			claims, err := a.parseToken(raw)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			subject, scopes, err := a.validateClaims(claims)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if !hasScopes(scopes, requiredScopes) {
				writeJSONError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeySubject, subject)
			ctx = context.WithValue(ctx, ctxKeyScopes, scopes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearer(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func (a *Authenticator) parseToken(raw string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.leeway))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", token.Claims)
	}
	return claims, nil
}

// validateClaims checks issuer, audience and subject. The subject keys the
// idempotency cache and rate limiter, so it must be present.
func (a *Authenticator) validateClaims(claims jwt.MapClaims) (string, []string, error) {
	if iss, _ := claims["iss"].(string); iss != a.issuer {
		return "", nil, fmt.Errorf("issuer mismatch")
	}
	if !audienceMatches(claims["aud"], a.audience) {
		return "", nil, fmt.Errorf("audience mismatch")
	}
	subject, _ := claims["sub"].(string)
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", nil, fmt.Errorf("subject missing")
	}
	return subject, extractScopes(claims[a.scopeClaim]), nil
}

func audienceMatches(raw interface{}, want string) bool {
	switch v := raw.(type) {
	case string:
		return v == want
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

func extractScopes(raw interface{}) []string {
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func hasScopes(granted, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(granted))
	for _, scope := range granted {
		set[scope] = struct{}{}
	}
	for _, scope := range required {
		if _, ok := set[scope]; !ok {
			return false
		}
	}
	return true
}
