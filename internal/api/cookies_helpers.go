package api

import (
	"net/http"
	"strings"
	"time"
)

// The refresh cookie holds the refresh token for browser clients. It never
// authenticates API calls; only the refresh and logout endpoints read it, so
// its path is scoped to keep it off every other request.
const (
	refreshCookieName = "vodhub_refresh"
	refreshCookiePath = "/api/auth"
)

type RefreshCookieSecureMode int

const (
	RefreshCookieSecureAuto RefreshCookieSecureMode = iota
	RefreshCookieSecureAlways
)

type RefreshCookiePolicy struct {
	SameSite   http.SameSite
	SecureMode RefreshCookieSecureMode
}

func DefaultRefreshCookiePolicy() RefreshCookiePolicy {
	return RefreshCookiePolicy{
		SameSite:   http.SameSiteStrictMode,
		SecureMode: RefreshCookieSecureAuto,
	}
}

func (p RefreshCookiePolicy) secure(r *http.Request) bool {
	if p.SecureMode == RefreshCookieSecureAlways {
		return true
	}
	return isSecureRequest(r)
}

// cookie builds the refresh cookie with the policy's attributes applied. Set
// and clear differ only in value and lifetime, so both go through here.
func (p RefreshCookiePolicy) cookie(r *http.Request, value string, expires time.Time, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     refreshCookieName,
		Value:    value,
		Path:     refreshCookiePath,
		Expires:  expires,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   p.secure(r),
		SameSite: p.SameSite,
	}
}

func (h *Handler) refreshCookiePolicy() RefreshCookiePolicy {
	policy := h.RefreshCookie
	if policy.SameSite == 0 {
		policy.SameSite = http.SameSiteStrictMode
	}
	if policy.SecureMode == 0 {
		policy.SecureMode = RefreshCookieSecureAuto
	}
	return policy
}

func (h *Handler) setRefreshCookie(w http.ResponseWriter, r *http.Request, token string, expires time.Time) {
	if token == "" {
		return
	}
	maxAge := int(time.Until(expires).Seconds())
	if maxAge < 0 {
		maxAge = 0
	}
	http.SetCookie(w, h.refreshCookiePolicy().cookie(r, token, expires.UTC(), maxAge))
}

// ClearRefreshCookie removes the refresh cookie from the response using the
// handler's configured policy.
func (h *Handler) ClearRefreshCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, h.refreshCookiePolicy().cookie(r, "", time.Unix(0, 0).UTC(), -1))
}

// refreshTokenFromRequest prefers an explicit body token and falls back to
// the cookie so both API clients and browsers can rotate.
func refreshTokenFromRequest(r *http.Request, bodyToken string) string {
	if token := strings.TrimSpace(bodyToken); token != "" {
		return token
	}
	if cookie, err := r.Cookie(refreshCookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

func isSecureRequest(r *http.Request) bool {
	if r == nil {
		return false
	}
	if r.TLS != nil {
		return true
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		for _, p := range strings.Split(proto, ",") {
			if strings.EqualFold(strings.TrimSpace(p), "https") {
				return true
			}
		}
	}
	if r.URL != nil && strings.EqualFold(r.URL.Scheme, "https") {
		return true
	}
	return false
}
