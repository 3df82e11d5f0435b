package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var ErrUnauthorized = errors.New("unauthorized")

// Authorizer checks the access credential of a request before it reaches
// the tile or admin handlers.
type Authorizer interface {
	Authorize(ctx context.Context, token string, r *http.Request) error
}

type AuthorizerFunc func(ctx context.Context, token string, r *http.Request) error

func (f AuthorizerFunc) Authorize(ctx context.Context, token string, r *http.Request) error {
	return f(ctx, token, r)
}

// AllowAll accepts every request, with or without a token.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, string, *http.Request) error { return nil }

// StaticTokens accepts requests carrying one of a fixed set of tokens.
type StaticTokens []string

func (s StaticTokens) Authorize(_ context.Context, token string, _ *http.Request) error {
	if token == "" {
		return ErrUnauthorized
	}
	for _, t := range s {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return nil
		}
	}
	return ErrUnauthorized
}

// NewAuthorizer returns StaticTokens for a non-empty list, AllowAll otherwise.
func NewAuthorizer(tokens []string) Authorizer {
	var ts StaticTokens
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			ts = append(ts, t)
		}
	}
	if len(ts) == 0 {
		return AllowAll{}
	}
	return ts
}

type tokenKey struct{}

// TokenFromRequest reads access_token from the query, then a bearer
// Authorization header.
func TokenFromRequest(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("access_token")); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// Token returns the credential stored by Auth.
func Token(ctx context.Context) string {
	t, _ := ctx.Value(tokenKey{}).(string)
	return t
}

func Auth(a Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if err := a.Authorize(r.Context(), token, r); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"missing or invalid access token"}}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenKey{}, token)))
		})
	}
}
