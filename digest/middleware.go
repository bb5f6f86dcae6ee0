package digest

import (
	"context"
	"net/http"

	"golang.org/x/exp/slog"
)

type ctxKey struct{}

// Username returns the authenticated username stored by Middleware.
func Username(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(ctxKey{}).(string)
	return u, ok
}

// Middleware only passes requests with a valid Authorization header to next.
// Others receive 401 and a fresh challenge.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := a.CheckAuthorization(r.Method, r.Header.Get("Authorization"))
		if !ok {
			challenge, err := Challenge()
			if err != nil {
				a.log.Error("digest:challenge", slog.String("err", err.Error()))
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			w.Header().Set("WWW-Authenticate", challenge)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	})
}
