package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const (
	corsAllowMethods   = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	corsDefaultHeaders = "Content-Type, Authorization"
	corsPreflightAge   = "600"
)

// CORSConfig declares the origins allowed to call the API across domains.
// ConsoleOrigins authorise the creator console, PlayerOrigins cover watch
// pages and embeds. With both lists empty only same-origin requests pass.
type CORSConfig struct {
	ConsoleOrigins []string
	PlayerOrigins  []string
}

func (cfg CORSConfig) origins() []string {
	combined := make([]string, 0, len(cfg.ConsoleOrigins)+len(cfg.PlayerOrigins))
	combined = append(combined, cfg.ConsoleOrigins...)
	combined = append(combined, cfg.PlayerOrigins...)
	return combined
}

type corsPolicy struct {
	allowed map[string]bool
}

func newCORSPolicy(cfg CORSConfig) (corsPolicy, error) {
	policy := corsPolicy{allowed: make(map[string]bool)}
	for _, origin := range cfg.origins() {
		normalized, err := normalizeOrigin(origin)
		if err != nil {
			return corsPolicy{}, fmt.Errorf("parse origin %q: %w", origin, err)
		}
		if normalized == "" {
			continue
		}
		policy.allowed[normalized] = true
	}
	return policy, nil
}

// normalizeOrigin reduces an origin to lowercase scheme://host so header
// comparisons ignore case and any trailing path. Blank entries normalize
// to the empty string.
func normalizeOrigin(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", nil
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("origin must include scheme and host")
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), nil
}

func (p corsPolicy) allows(origin, sameOrigin string) bool {
	normalized, err := normalizeOrigin(origin)
	if err != nil || normalized == "" {
		return false
	}
	if p.allowed[normalized] {
		return true
	}
	return sameOrigin != "" && normalized == sameOrigin
}

func corsMiddleware(policy corsPolicy, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		if !policy.allows(origin, originForRequest(r)) {
			if logger != nil {
				logger.Warn("blocked CORS origin", "origin", origin, "path", r.URL.Path)
			}
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		headers := w.Header()
		headers.Set("Access-Control-Allow-Origin", origin)
		headers.Set("Access-Control-Allow-Credentials", "true")
		headers.Set("Vary", "Origin")
		headers.Set("Access-Control-Expose-Headers", "Content-Disposition")

		if r.Method == http.MethodOptions {
			answerPreflight(w, r)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func answerPreflight(w http.ResponseWriter, r *http.Request) {
	method := r.Header.Get("Access-Control-Request-Method")
	if method == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	headers := w.Header()
	headers.Set("Access-Control-Allow-Methods", corsAllowMethods)
	if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
		headers.Set("Access-Control-Allow-Headers", requested)
	} else {
		headers.Set("Access-Control-Allow-Headers", corsDefaultHeaders)
	}
	headers.Set("Access-Control-Max-Age", corsPreflightAge)
	w.WriteHeader(http.StatusNoContent)
}

// originForRequest derives the server's own origin from the Host header so
// same-origin browsers that send Origin anyway are not rejected.
func originForRequest(r *http.Request) string {
	host := strings.ToLower(strings.TrimSpace(r.Host))
	if host == "" {
		return ""
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + host
}
