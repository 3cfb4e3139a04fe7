package auth

import (
	"context"
	"net/http"
)

type contextKey struct{}

var userKey contextKey

// ContextWithUser attaches the authenticated user to the context.
func ContextWithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the user placed by RequireSession.
func UserFromContext(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(userKey).(User)
	return user, ok
}

// RequireSession rejects unauthenticated requests with 401 and makes
// the resolved user available downstream. The user identity is always
// taken from the session, never from client input.
func (s *Service) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.AuthenticateRequest(r)
		if err != nil {
			writeMessage(w, http.StatusUnauthorized, false, "authentication required")
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
	})
}
