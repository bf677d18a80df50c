package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"vodhub/internal/api"
	"vodhub/internal/observability/logging"
	"vodhub/internal/observability/metrics"
	"vodhub/web"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr         string
	TLS          TLSConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Security     SecurityConfig
	Logger       *slog.Logger
	AuditLogger  *slog.Logger
	Metrics      *metrics.Recorder
	PlayerOrigin *url.URL
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	auditLogger *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
	tlsCertFile string
	tlsKeyFile  string
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}

	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/api/auth/register", handler.Register)
	mux.HandleFunc("/api/auth/login", handler.Login)
	mux.HandleFunc("/api/auth/refresh", handler.RefreshToken)
	mux.HandleFunc("/api/auth/logout", handler.Logout)
	mux.HandleFunc("/api/auth/me", handler.Me)
	mux.HandleFunc("/api/auth/confirm", handler.Confirm)
	mux.HandleFunc("/api/auth/confirm/resend", handler.ConfirmResend)
	mux.HandleFunc("/api/videos", handler.Videos)
	mux.HandleFunc("/api/videos/mine", handler.MyVideos)
	mux.HandleFunc("/api/videos/", handler.VideoByID)

	staticFS, err := web.Assets()
	if err != nil {
		return nil, fmt.Errorf("load console assets: %w", err)
	}
	index, err := web.Index()
	if err != nil {
		return nil, fmt.Errorf("read console shell: %w", err)
	}
	fileServer := http.FileServer(http.FS(staticFS))
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))

	if cfg.PlayerOrigin != nil {
		playerProxy := httputil.NewSingleHostReverseProxy(cfg.PlayerOrigin)
		playerProxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			if cfg.Logger != nil {
				cfg.Logger.Error("player proxy error", "error", err, "path", r.URL.Path)
			}
			http.Error(w, "player temporarily unavailable", http.StatusBadGateway)
		}
		playerHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			playerProxy.ServeHTTP(w, r)
		})
		mux.Handle("/watch", playerHandler)
		mux.Handle("/watch/", playerHandler)
	}

	mux.HandleFunc("/", spaHandler(staticFS, index, fileServer))

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	resolver, err := newClientIPResolver(cfg.RateLimit)
	if err != nil {
		return nil, err
	}
	rl, err := newRateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, err
	}
	if pinger := rl.storePinger(); pinger != nil && handler.RateLimiter == nil {
		handler.RateLimiter = pinger
	}

	handlerChain := http.Handler(mux)
	handlerChain = authMiddleware(handler, handlerChain)
	handlerChain = rateLimitMiddleware(rl, resolver, cfg.Logger, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = auditMiddleware(cfg.AuditLogger, resolver, handlerChain)
	handlerChain = loggingMiddleware(cfg.Logger, resolver, handlerChain)
	handlerChain = corsMiddleware(policy, cfg.Logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = requestIDMiddleware(cfg.Logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      cfg.Logger,
		auditLogger: cfg.AuditLogger,
		metrics:     recorder,
		rateLimiter: rl,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}

	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}

	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		return s.httpServer.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	if closeErr := s.rateLimiter.Close(ctx); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// loggingWithRequest returns a logger annotated with request-scoped fields.
// It prefers the logger the request ID middleware stashed in the context and
// adds the path, the resolved client IP, and the IP source so middleware logs
// stay aligned on shared keys.
func loggingWithRequest(base *slog.Logger, resolver *clientIPResolver, r *http.Request) *slog.Logger {
	if base == nil || r == nil {
		return nil
	}
	logger := logging.LoggerFromContext(r.Context())
	if logger == nil {
		logger = logging.WithContext(r.Context(), base)
	}
	if logger == nil {
		return nil
	}
	ip, source := resolveClientIP(r, resolver)
	return logger.With(
		"path", r.URL.Path,
		"remote_ip", ip,
		"ip_source", source,
	)
}

func loggingMiddleware(logger *slog.Logger, resolver *clientIPResolver, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := metrics.NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r)
		requestLogger := loggingWithRequest(logger, resolver, r)
		if requestLogger == nil {
			return
		}
		requestLogger.Info("request completed",
			"method", r.Method,
			"status", recorder.Status(),
			"bytes", recorder.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// writeMiddlewareError normalises middleware rejections to the API JSON shape.
func writeMiddlewareError(w http.ResponseWriter, status int, message string) {
	api.WriteError(w, status, errors.New(message))
}

func rateLimitMiddleware(rl *rateLimiter, resolver *clientIPResolver, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
			ip, _ := resolveClientIP(r, resolver)
			allowed, retryAfter, err := rl.AllowLogin(ip)
			if err != nil {
				if requestLogger := loggingWithRequest(logger, resolver, r); requestLogger != nil {
					requestLogger.Error("rate limiter failure", "error", err)
				}
				writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit failure")
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "too many login attempts")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// auditNote rides the request context so the auth middleware, which runs
// further down the chain, can report the acting user back to the audit layer
// above it.
type auditNote struct {
	mu     sync.Mutex
	userID string
}

func (n *auditNote) setUser(id string) {
	if n == nil {
		return
	}
	n.mu.Lock()
	n.userID = id
	n.mu.Unlock()
}

func (n *auditNote) user() string {
	if n == nil {
		return ""
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.userID
}

type auditNoteKey struct{}

func contextWithAuditNote(ctx context.Context) (context.Context, *auditNote) {
	note := &auditNote{}
	return context.WithValue(ctx, auditNoteKey{}, note), note
}

func auditNoteFromContext(ctx context.Context) *auditNote {
	note, _ := ctx.Value(auditNoteKey{}).(*auditNote)
	return note
}

func auditMiddleware(logger *slog.Logger, resolver *clientIPResolver, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, note := contextWithAuditNote(r.Context())
		r = r.WithContext(ctx)
		sr := metrics.NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(sr, r)
		if !shouldAudit(r) {
			return
		}
		auditLogger := loggingWithRequest(logger, resolver, r)
		if auditLogger == nil {
			return
		}
		fields := []interface{}{
			"method", r.Method,
			"status", sr.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if id := note.user(); id != "" {
			fields = append(fields, "user_id", id)
		}
		auditLogger.Info("audit", fields...)
	})
}

func shouldAudit(r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return false
	}
	switch {
	case strings.HasPrefix(r.URL.Path, "/api/"):
		return true
	default:
		return false
	}
}

func authMiddleware(handler *api.Handler, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/healthz" || path == "/metrics" || strings.HasPrefix(path, "/api/auth/") || !strings.HasPrefix(path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		// The transcoder callback authenticates with its own signature; the
		// webhook handler checks it against the shared secret.
		if r.Method == http.MethodPost && webhookPath(path) {
			next.ServeHTTP(w, r)
			return
		}
		optionalAuth := r.Method == http.MethodGet && (path == "/api/videos" || publicVideoPath(path))
		token := api.ExtractToken(r)
		if token == "" {
			if optionalAuth {
				next.ServeHTTP(w, r)
				return
			}
			writeMiddlewareError(w, http.StatusUnauthorized, "missing access token")
			return
		}
		user, err := handler.AuthenticateRequest(r)
		if err != nil {
			if optionalAuth {
				// A stale token on a public route degrades to an anonymous read.
				next.ServeHTTP(w, r)
				return
			}
			api.WriteError(w, http.StatusUnauthorized, err)
			return
		}
		ctx := api.ContextWithUser(r.Context(), user)
		if note := auditNoteFromContext(ctx); note != nil {
			note.setUser(user.ID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// webhookPath matches POST /api/videos/{id}/processing-webhook.
func webhookPath(path string) bool {
	if !strings.HasPrefix(path, "/api/videos/") {
		return false
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/videos/"), "/"), "/")
	return len(parts) == 2 && parts[0] != "" && parts[1] == "processing-webhook"
}

// publicVideoPath matches GET /api/videos/{id}, the only per-video route an
// anonymous caller may hit. Visibility masking happens in storage.
func publicVideoPath(path string) bool {
	if !strings.HasPrefix(path, "/api/videos/") {
		return false
	}
	rest := strings.Trim(strings.TrimPrefix(path, "/api/videos/"), "/")
	if rest == "" || rest == "mine" {
		return false
	}
	return !strings.Contains(rest, "/")
}

func spaHandler(staticFS fs.FS, index []byte, fileServer http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, fmt.Sprintf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
			return
		}

		requested := strings.TrimPrefix(r.URL.Path, "/")
		if requested != "" {
			file, err := staticFS.Open(requested)
			if err == nil {
				defer file.Close()
				info, statErr := file.Stat()
				if statErr == nil && !info.IsDir() {
					fileServer.ServeHTTP(w, r)
					return
				}
				if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
					http.Error(w, statErr.Error(), http.StatusInternalServerError)
					return
				}
			} else if !errors.Is(err, fs.ErrNotExist) {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = w.Write(index)
	}
}
