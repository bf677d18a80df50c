package storage

import (
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"vodhub/internal/objectstore"
)

// Option tunes a repository at construction time. Both drivers accept the
// same options; each reads the fields that apply to it and ignores the rest.
type Option func(*settings)

// settings collects every tunable the With* options can set. The JSON store
// ignores the pool block entirely.
type settings struct {
	objectStorage objectstore.Config
	objectClient  objectstore.Client
	logger        *slog.Logger
	uploadTTL     time.Duration
	pool          poolSettings
}

type poolSettings struct {
	maxConns        int32
	minConns        int32
	maxConnLifetime time.Duration
	maxConnIdleTime time.Duration
	healthInterval  time.Duration
	acquireTimeout  time.Duration
	applicationName string
}

func newSettings(opts []Option) settings {
	cfg := settings{
		uploadTTL: defaultUploadHandleTTL,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.uploadTTL <= 0 {
		cfg.uploadTTL = defaultUploadHandleTTL
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return cfg
}

// apply copies the configured overrides onto a parsed pgxpool config, leaving
// pgx defaults in place for anything unset.
func (p poolSettings) apply(poolCfg *pgxpool.Config) {
	if p.maxConns > 0 {
		poolCfg.MaxConns = p.maxConns
	}
	if p.minConns > 0 {
		poolCfg.MinConns = p.minConns
	}
	if p.maxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = p.maxConnLifetime
	}
	if p.maxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = p.maxConnIdleTime
	}
	if p.healthInterval > 0 {
		poolCfg.HealthCheckPeriod = p.healthInterval
	}
	if p.acquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = p.acquireTimeout
	}
	if p.applicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = p.applicationName
	}
}

func WithObjectStorage(cfg objectstore.Config) Option {
	return func(s *settings) {
		s.objectStorage = cfg
	}
}

// WithObjectClient injects a pre-built object storage client. Tests use it to
// swap in fakes without touching the AWS SDK.
func WithObjectClient(client objectstore.Client) Option {
	return func(s *settings) {
		s.objectClient = client
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithUploadHandleTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.uploadTTL = ttl
		}
	}
}

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return func(s *settings) {
		if maxConns > 0 {
			s.pool.maxConns = maxConns
		}
		if minConns >= 0 {
			s.pool.minConns = minConns
		}
	}
}

// WithPostgresAcquireTimeout bounds how long the Postgres driver waits for a
// pooled connection. The deadline rides along on the context handed to the
// statement, so slow queries fail inside the same budget.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return func(s *settings) {
		if timeout > 0 {
			s.pool.acquireTimeout = timeout
		}
	}
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return func(s *settings) {
		if maxLifetime > 0 {
			s.pool.maxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			s.pool.maxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			s.pool.healthInterval = healthInterval
		}
	}
}

func WithPostgresApplicationName(name string) Option {
	return func(s *settings) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			s.pool.applicationName = trimmed
		}
	}
}
