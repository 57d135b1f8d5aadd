package middlewares

import (
	"chatline/chatline/services/auth"
	"chatline/chatline/sources/psql/models"
	httputils "chatline/chatline/utils/http"
	"chatline/chatline/utils/logging"
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type contextKey string

const UserIDKey contextKey = "user_id"

// Authenticator resolves a bearer token to a profile, creating the profile if
// it is missing.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*models.User, error)
}

func AuthMiddleware(authn Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
				httputils.WriteError(w, http.StatusUnauthorized, "Not authenticated")
				return
			}
			user, err := authn.Authenticate(r.Context(), parts[1])
			if err != nil {
				if errors.Is(err, auth.ErrInvalidToken) {
					httputils.WriteError(w, http.StatusUnauthorized, "Invalid authentication credentials")
					return
				}
				logging.ErrorLogger.Error("failed to load user profile", zap.Error(err))
				httputils.WriteError(w, http.StatusInternalServerError, "Could not load user profile")
				return
			}
			ctx := context.WithValue(r.Context(), UserIDKey, user.UID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID returns the authenticated uid stored by AuthMiddleware.
func UserID(r *http.Request) string {
	uid, _ := r.Context().Value(UserIDKey).(string)
	return uid
}
