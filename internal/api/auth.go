package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"vodhub/internal/auth"
	"vodhub/internal/models"
)

type userKey struct{}

// ContextWithUser stores the authenticated user in the provided context.
func ContextWithUser(ctx context.Context, user models.User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext retrieves the authenticated user from context if present.
func UserFromContext(ctx context.Context) (models.User, bool) {
	user, ok := ctx.Value(userKey{}).(models.User)
	return user, ok
}

// ExtractToken pulls the bearer token off the Authorization header. Unlike
// refresh tokens, access tokens are never carried in cookies.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// AuthenticateRequest validates the access token on the request and returns
// the user it names. Token and lookup failures collapse into
// auth.ErrTokenInvalid so callers reply 401 without leaking which check
// failed.
func (h *Handler) AuthenticateRequest(r *http.Request) (models.User, error) {
	token := ExtractToken(r)
	if token == "" {
		return models.User{}, auth.ErrTokenInvalid
	}
	userID, err := h.Tokens.VerifyAccessToken(token)
	if err != nil {
		return models.User{}, auth.ErrTokenInvalid
	}
	user, exists := h.Store.GetUser(userID)
	if !exists {
		return models.User{}, auth.ErrTokenInvalid
	}
	return user, nil
}

func (h *Handler) requireAuthenticatedUser(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, fmt.Errorf("authentication required"))
		return models.User{}, false
	}
	return user, true
}
