package server

import "net/http"

// SecurityConfig controls the hardening headers stamped on every response:
// clickjacking, MIME sniffing, referrer leakage, and unintended resource
// loading. Zero-valued fields fall back to the baked-in defaults; override
// the ContentSecurityPolicy directive when the console must load assets
// from another host.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameAncestors        string
	FrameOptions          string
	ReferrerPolicy        string
	PermissionsPolicy     string
	ContentTypeOptions    string
}

func fallback(value, def string) string {
	if value == "" {
		return def
	}
	return value
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	cfg.FrameAncestors = fallback(cfg.FrameAncestors, "'none'")
	cfg.FrameOptions = fallback(cfg.FrameOptions, "DENY")
	cfg.ReferrerPolicy = fallback(cfg.ReferrerPolicy, "no-referrer")
	cfg.PermissionsPolicy = fallback(cfg.PermissionsPolicy, "camera=(), microphone=(), geolocation=()")
	cfg.ContentTypeOptions = fallback(cfg.ContentTypeOptions, "nosniff")
	cfg.ContentSecurityPolicy = fallback(cfg.ContentSecurityPolicy, consoleContentSecurityPolicy(cfg.FrameAncestors))
	return cfg
}

// consoleContentSecurityPolicy builds the CSP the embedded console ships
// with. Uploads PUT straight to presigned object storage URLs and playback
// pulls HLS segments from the storage origin, so connect-src and media-src
// reach beyond 'self'; hls.js feeds MediaSource through blob: URLs.
func consoleContentSecurityPolicy(frameAncestors string) string {
	return "default-src 'self'; " +
		"connect-src 'self' https:; " +
		"img-src 'self' data: https:; " +
		"media-src 'self' blob: https:; " +
		"script-src 'self'; " +
		"style-src 'self'; " +
		"font-src 'self'; " +
		"object-src 'none'; " +
		"base-uri 'self'; " +
		"frame-ancestors " + fallback(frameAncestors, "'none'") + "; " +
		"form-action 'self'"
}

// headerPairs flattens the config into the headers the middleware stamps.
func (cfg SecurityConfig) headerPairs() [][2]string {
	all := [][2]string{
		{"Content-Security-Policy", cfg.ContentSecurityPolicy},
		{"X-Frame-Options", cfg.FrameOptions},
		{"X-Content-Type-Options", cfg.ContentTypeOptions},
		{"Referrer-Policy", cfg.ReferrerPolicy},
		{"Permissions-Policy", cfg.PermissionsPolicy},
	}
	kept := all[:0]
	for _, pair := range all {
		if pair[1] != "" {
			kept = append(kept, pair)
		}
	}
	return kept
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	headers := cfg.withDefaults().headerPairs()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, pair := range headers {
			w.Header().Set(pair[0], pair[1])
		}
		next.ServeHTTP(w, r)
	})
}
