package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"vodhub/internal/events"
	"vodhub/internal/models"
	"vodhub/internal/storage"
)

type registerRequest struct {
	Handle   string `json:"handle"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
}

type loginRequest struct {
	Handle   string `json:"handle"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type authResponse struct {
	AccessToken      string       `json:"accessToken"`
	AccessExpiresAt  string       `json:"accessExpiresAt"`
	RefreshToken     string       `json:"refreshToken"`
	RefreshExpiresAt string       `json:"refreshExpiresAt"`
	User             userResponse `json:"user"`
}

type userResponse struct {
	ID        string `json:"id"`
	Handle    string `json:"handle"`
	Email     string `json:"email,omitempty"`
	Verified  bool   `json:"verified"`
	CreatedAt string `json:"createdAt"`
}

func newUserResponse(user models.User) userResponse {
	return userResponse{
		ID:        user.ID,
		Handle:    user.Handle,
		Email:     user.Email,
		Verified:  user.Verified,
		CreatedAt: user.CreatedAt.Format(time.RFC3339Nano),
	}
}

func newAuthResponse(user models.User, access string, accessExpires time.Time, refresh string, refreshExpires time.Time) authResponse {
	return authResponse{
		AccessToken:      access,
		AccessExpiresAt:  accessExpires.UTC().Format(time.RFC3339Nano),
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExpires.UTC().Format(time.RFC3339Nano),
		User:             newUserResponse(user),
	}
}

// issueTokens mints the access/refresh pair for a freshly authenticated user
// and mirrors the refresh token into the browser cookie.
func (h *Handler) issueTokens(w http.ResponseWriter, r *http.Request, user models.User) (authResponse, bool) {
	access, accessExpires, err := h.Tokens.IssueAccessToken(user.ID, user.Handle)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return authResponse{}, false
	}
	refresh, refreshExpires, err := h.refreshManager().Create(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return authResponse{}, false
	}
	h.setRefreshCookie(w, r, refresh, refreshExpires)
	return newAuthResponse(user, access, accessExpires, refresh, refreshExpires), true
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("password must be at least 8 characters"))
		return
	}

	user, err := h.Store.CreateUser(storage.CreateUserParams{
		Handle:   req.Handle,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}

	// No mailer is wired yet, so the confirmation token lands in the log
	// where operators can relay it.
	if confirm, _, err := h.Tokens.IssueConfirmToken(user.ID); err == nil {
		h.logger().Info("confirmation token issued", "handle", user.Handle, "token", confirm)
	} else {
		h.logger().Warn("confirmation token mint failed", "handle", user.Handle, "error", err)
	}

	response, ok := h.issueTokens(w, r, user)
	if !ok {
		return
	}
	h.publishEvent(r.Context(), events.Event{Type: events.TypeUserRegistered, UserID: user.ID})
	writeJSON(w, http.StatusCreated, response)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	user, err := h.Store.AuthenticateUser(req.Handle, req.Password)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid credentials"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	response, ok := h.issueTokens(w, r, user)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// RefreshToken rotates a refresh token for a new access/refresh pair. The
// old token is revoked first so a replayed token fails closed.
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req refreshRequest
	if err := decodeJSONAllowUnknown(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	token := refreshTokenFromRequest(r, req.RefreshToken)
	if token == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("refresh token required"))
		return
	}

	userID, valid, err := h.refreshManager().Validate(token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !valid {
		h.ClearRefreshCookie(w, r)
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid or expired refresh token"))
		return
	}
	user, exists := h.Store.GetUser(userID)
	if !exists {
		_ = h.refreshManager().Revoke(token)
		h.ClearRefreshCookie(w, r)
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid or expired refresh token"))
		return
	}

	if err := h.refreshManager().Revoke(token); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	response, ok := h.issueTokens(w, r, user)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// Logout revokes the presented refresh token and clears the cookie. Calling
// it without a token is a no-op, so repeated logouts stay 204.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req refreshRequest
	if err := decodeJSONAllowUnknown(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if token := refreshTokenFromRequest(r, req.RefreshToken); token != "" {
		if err := h.refreshManager().Revoke(token); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	h.ClearRefreshCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// Me resolves the access token on the request to its account. The route
// lives under /api/auth/ which the auth middleware skips, so it validates
// the token itself.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	user, err := h.AuthenticateRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(user))
}

// Confirm marks the account verified when presented with a valid
// confirmation token, typically via the link relayed to the user.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("token query parameter is required"))
		return
	}

	userID, err := h.Tokens.VerifyConfirmToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	user, err := h.Store.MarkUserVerified(userID)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	h.publishEvent(r.Context(), events.Event{Type: events.TypeUserVerified, UserID: user.ID})
	writeJSON(w, http.StatusOK, newUserResponse(user))
}

// ConfirmResend mints a fresh confirmation token for the authenticated
// account.
func (h *Handler) ConfirmResend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	user, err := h.AuthenticateRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	if user.Verified {
		writeError(w, http.StatusConflict, fmt.Errorf("account already verified: %w", storage.ErrInvalidState))
		return
	}

	confirm, _, err := h.Tokens.IssueConfirmToken(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.logger().Info("confirmation token issued", "handle", user.Handle, "token", confirm)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}
