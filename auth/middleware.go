package auth

import (
	"context"
	"net/http"
)

type principalKey struct{}

// Validator checks a bearer session token. Implemented by logocheck/internal/session.Store.
type Validator interface {
	Validate(token string) (username string, ok bool)
}

// Middleware extracts the session token from the X-Auth-Token header
// (preferred, per the admin route table) or the session_token cookie, and
// injects the resolved username into the request context. Invalid or
// missing tokens are not rejected here — httpapi's requireSession enforces
// a session on the admin routes.
func Middleware(v Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("X-Auth-Token")
			if token == "" {
				if c, err := r.Cookie("session_token"); err == nil {
					token = c.Value
				}
			}
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			username, ok := v.Validate(token)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), principalKey{}, username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Principal returns the authenticated username from the context, or "" if absent.
func Principal(ctx context.Context) string {
	u, _ := ctx.Value(principalKey{}).(string)
	return u
}
