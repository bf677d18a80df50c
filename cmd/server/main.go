// Command server starts the vodhub API HTTP service.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"vodhub/internal/api"
	"vodhub/internal/auth"
	"vodhub/internal/events"
	"vodhub/internal/objectstore"
	"vodhub/internal/observability/logging"
	"vodhub/internal/observability/metrics"
	"vodhub/internal/server"
	"vodhub/internal/storage"
	"vodhub/internal/transcode"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")
	authSecret := flag.String("auth-secret", "", "HMAC secret signing access and confirmation tokens")
	accessTTL := flag.Duration("access-ttl", 0, "lifetime of issued access tokens")
	refreshTTL := flag.Duration("refresh-ttl", 0, "lifetime of issued refresh tokens")
	refreshStoreDriver := flag.String("refresh-store", "", "refresh token store driver (memory, postgres, or redis)")
	refreshPostgresDSN := flag.String("refresh-postgres-dsn", "", "Postgres DSN for the refresh token store")
	refreshRedisAddr := flag.String("refresh-redis-addr", "", "Redis address for the refresh token store")
	refreshRedisAddrs := flag.String("refresh-redis-addrs", "", "comma separated Redis addresses for the refresh token store")
	refreshRedisUsername := flag.String("refresh-redis-username", "", "Redis username for the refresh token store")
	refreshRedisPassword := flag.String("refresh-redis-password", "", "Redis password for the refresh token store")
	refreshRedisMasterName := flag.String("refresh-redis-sentinel-master", "", "Redis sentinel master name for the refresh token store")
	refreshRedisPoolSize := flag.Int("refresh-redis-pool-size", 0, "maximum Redis connections for the refresh token store")
	refreshRedisTLSCA := flag.String("refresh-redis-tls-ca", "", "path to Redis TLS CA certificate for the refresh token store")
	refreshRedisTLSCert := flag.String("refresh-redis-tls-cert", "", "path to Redis TLS client certificate for the refresh token store")
	refreshRedisTLSKey := flag.String("refresh-redis-tls-key", "", "path to Redis TLS client key for the refresh token store")
	refreshRedisTLSServerName := flag.String("refresh-redis-tls-server-name", "", "override Redis TLS server name for the refresh token store")
	refreshRedisTLSSkipVerify := flag.Bool("refresh-redis-tls-skip-verify", false, "skip Redis TLS verification for the refresh token store")
	refreshPurgeInterval := flag.Duration("refresh-purge-interval", 0, "interval between expired refresh token sweeps")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	loginLimit := flag.Int("rate-login-limit", 0, "maximum login attempts per window for a single IP")
	loginWindow := flag.Duration("rate-login-window", 0, "window for counting login attempts")
	trustForwarded := flag.Bool("rate-trust-forwarded-headers", false, "trust proxy-provided client IP headers")
	trustedProxies := flag.String("rate-trusted-proxies", "", "comma separated CIDR blocks or IPs of trusted proxies")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed login throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed login throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis rate limit operations")
	rateRedisTLSCA := flag.String("rate-redis-tls-ca", "", "path to Redis TLS CA certificate for login throttling")
	rateRedisTLSCert := flag.String("rate-redis-tls-cert", "", "path to Redis TLS client certificate for login throttling")
	rateRedisTLSKey := flag.String("rate-redis-tls-key", "", "path to Redis TLS client key for login throttling")
	rateRedisTLSServerName := flag.String("rate-redis-tls-server-name", "", "override Redis TLS server name for login throttling")
	rateRedisTLSSkipVerify := flag.Bool("rate-redis-tls-skip-verify", false, "skip Redis TLS verification for login throttling")
	corsConsoleOrigins := flag.String("cors-console-origins", "", "comma separated origins allowed for the creator console")
	corsPlayerOrigins := flag.String("cors-player-origins", "", "comma separated origins allowed for watch pages and embeds")
	playerOrigin := flag.String("player-origin", "", "URL of the watch page runtime to proxy (e.g. http://127.0.0.1:3000)")
	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint (e.g. http://127.0.0.1:9000)")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectUseSSL := flag.Bool("object-use-ssl", false, "enable TLS for object storage requests")
	objectPathStyle := flag.Bool("object-path-style", false, "force path-style object storage addressing")
	objectPrefix := flag.String("object-prefix", "", "object storage key prefix for video objects")
	objectPublicEndpoint := flag.String("object-public-endpoint", "", "public endpoint used for playback URLs")
	objectPresignTTL := flag.Duration("object-presign-ttl", 0, "lifetime of presigned upload and download URLs")
	objectRequestTimeout := flag.Duration("object-request-timeout", 0, "timeout for object storage operations")
	uploadTTL := flag.Duration("upload-ttl", 0, "lifetime of issued upload handles")
	webhookSecret := flag.String("webhook-secret", "", "shared secret authenticating transcoder callbacks")
	transcoderDriver := flag.String("transcoder-driver", "", "transcode submission driver (noop, http, amqp, or kafka)")
	transcoderURL := flag.String("transcoder-url", "", "base URL of the HTTP transcoding service")
	transcoderToken := flag.String("transcoder-token", "", "bearer token for the HTTP transcoding service")
	callbackBase := flag.String("callback-base", "", "public base URL of this API used in webhook callback URLs")
	transcodeQualities := flag.String("transcode-qualities", "", "comma separated rendition qualities (e.g. 480p,720p,1080p)")
	transcodeWorkers := flag.Int("transcode-workers", 0, "number of dispatcher workers")
	transcodeQueueSize := flag.Int("transcode-queue-size", 0, "dispatcher queue capacity")
	transcodeTimeout := flag.Duration("transcode-timeout", 0, "per-video budget for presigning and job submission")
	transcodeMaxAttempts := flag.Int("transcode-max-attempts", 0, "submission attempts before a job is abandoned")
	transcodeRetryInterval := flag.Duration("transcode-retry-interval", 0, "base backoff between submission attempts")
	amqpURL := flag.String("amqp-url", "", "AMQP broker URL for transcode job publishing")
	amqpQueue := flag.String("amqp-queue", "", "AMQP queue name for transcode jobs")
	kafkaBrokers := flag.String("kafka-brokers", "", "comma separated Kafka broker addresses")
	kafkaJobsTopic := flag.String("kafka-jobs-topic", "", "Kafka topic for transcode jobs")
	eventsDriver := flag.String("events-driver", "", "lifecycle event publisher driver (log or kafka)")
	eventsTopic := flag.String("events-topic", "", "Kafka topic for lifecycle events")
	flag.Parse()

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
			os.Exit(1)
		}
	}

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("VODHUB_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("VODHUB_LOG_FORMAT")),
	})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("VODHUB_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("VODHUB_ADDR"))

	tlsCertPath := firstNonEmpty(*tlsCert, os.Getenv("VODHUB_TLS_CERT"))
	tlsKeyPath := firstNonEmpty(*tlsKey, os.Getenv("VODHUB_TLS_KEY"))

	playerURL, err := resolvePlayerOrigin(*playerOrigin, os.Getenv("VODHUB_PLAYER_ORIGIN"))
	if err != nil {
		logger.Error("invalid player origin", "error", err)
		os.Exit(1)
	}

	signingSecret := firstNonEmpty(*authSecret, os.Getenv("VODHUB_AUTH_SECRET"))
	if signingSecret == "" {
		if serverMode == "production" {
			logger.Error("production mode requires VODHUB_AUTH_SECRET")
			os.Exit(1)
		}
		signingSecret, err = generateEphemeralSecret()
		if err != nil {
			logger.Error("failed to generate signing secret", "error", err)
			os.Exit(1)
		}
		logger.Warn("VODHUB_AUTH_SECRET not set, using an ephemeral secret; access tokens will not survive restarts")
	}
	tokens, err := auth.NewTokenManager(signingSecret,
		auth.WithAccessTTL(resolveDuration(*accessTTL, "VODHUB_ACCESS_TTL", 0)),
	)
	if err != nil {
		logger.Error("failed to initialise token manager", "error", err)
		os.Exit(1)
	}

	objectCfg := objectstore.Config{
		Endpoint:       firstNonEmpty(*objectEndpoint, os.Getenv("VODHUB_OBJECT_ENDPOINT")),
		Region:         firstNonEmpty(*objectRegion, os.Getenv("VODHUB_OBJECT_REGION")),
		AccessKey:      firstNonEmpty(*objectAccessKey, os.Getenv("VODHUB_OBJECT_ACCESS_KEY")),
		SecretKey:      firstNonEmpty(*objectSecretKey, os.Getenv("VODHUB_OBJECT_SECRET_KEY")),
		Bucket:         firstNonEmpty(*objectBucket, os.Getenv("VODHUB_OBJECT_BUCKET")),
		Prefix:         strings.TrimSpace(firstNonEmpty(*objectPrefix, os.Getenv("VODHUB_OBJECT_PREFIX"))),
		UseSSL:         resolveBool(*objectUseSSL, "VODHUB_OBJECT_USE_SSL"),
		UsePathStyle:   resolveBool(*objectPathStyle, "VODHUB_OBJECT_PATH_STYLE"),
		PublicEndpoint: firstNonEmpty(*objectPublicEndpoint, os.Getenv("VODHUB_OBJECT_PUBLIC_ENDPOINT")),
		PresignTTL:     resolveDuration(*objectPresignTTL, "VODHUB_OBJECT_PRESIGN_TTL", 0),
		RequestTimeout: resolveDuration(*objectRequestTimeout, "VODHUB_OBJECT_REQUEST_TIMEOUT", 0),
	}
	objects, err := objectstore.New(objectCfg)
	if err != nil {
		logger.Error("failed to initialise object storage", "error", err)
		os.Exit(1)
	}
	if !objects.Enabled() {
		logger.Warn("object storage not configured, uploads are disabled")
	}

	options := []storage.Option{
		storage.WithLogger(logging.WithComponent(logger, "storage")),
		storage.WithObjectStorage(objectCfg),
		storage.WithObjectClient(objects),
	}
	if ttl := resolveDuration(*uploadTTL, "VODHUB_UPLOAD_TTL", 0); ttl > 0 {
		options = append(options, storage.WithUploadHandleTTL(ttl))
	}

	postgresDefaultDSN := resolvePostgresDSN(*postgresDSN)
	driver, _, err := resolveStorageDriver(*storageDriver, os.Getenv("VODHUB_STORAGE_DRIVER"), postgresDefaultDSN)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" {
		if err := validateProductionDatastore(driver, postgresDefaultDSN, os.Getenv("VODHUB_POSTGRES_DSN")); err != nil {
			logger.Error("production datastore validation failed", "error", err)
			os.Exit(1)
		}
	}
	var (
		store              storage.Repository
		storagePath        string
		storagePostgresDSN string
	)
	switch driver {
	case "json":
		storagePath = resolveDataPath(*dataPath, os.Getenv("VODHUB_DATA"))
		store, err = storage.NewJSONRepository(storagePath, options...)
	case "postgres":
		storagePostgresDSN = postgresDefaultDSN
		if storagePostgresDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		pgOptions := append([]storage.Option(nil), options...)
		maxConns := resolveInt(*postgresMaxConns, "VODHUB_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "VODHUB_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(*postgresMaxConnLifetime, "VODHUB_POSTGRES_MAX_CONN_LIFETIME", 0)
		maxIdle := resolveDuration(*postgresMaxConnIdle, "VODHUB_POSTGRES_MAX_CONN_IDLE", 0)
		healthInterval := resolveDuration(*postgresHealthInterval, "VODHUB_POSTGRES_HEALTH_INTERVAL", 0)
		if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
		}
		if acquireTimeout := resolveDuration(*postgresAcquireTimeout, "VODHUB_POSTGRES_ACQUIRE_TIMEOUT", 0); acquireTimeout > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresAcquireTimeout(acquireTimeout))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("VODHUB_POSTGRES_APP_NAME")); appName != "" {
			pgOptions = append(pgOptions, storage.WithPostgresApplicationName(appName))
		}
		store, err = storage.NewPostgresRepository(storagePostgresDSN, pgOptions...)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	refreshConfig, err := resolveRefreshStoreConfig(
		*refreshStoreDriver,
		os.Getenv("VODHUB_REFRESH_STORE"),
		driver,
		storagePostgresDSN,
		*refreshPostgresDSN,
		os.Getenv("VODHUB_REFRESH_POSTGRES_DSN"),
		serverMode == "production",
	)
	if err != nil {
		logger.Error("failed to resolve refresh store", "error", err)
		os.Exit(1)
	}

	var (
		refreshStore  auth.RefreshStore
		refreshCloser func(context.Context) error
		refreshAddr   string
	)
	switch refreshConfig.Driver {
	case "memory":
		refreshStore = auth.NewMemoryRefreshStore()
	case "postgres":
		pgStore, err := auth.NewPostgresRefreshStore(refreshConfig.DSN)
		if err != nil {
			logger.Error("failed to open refresh store", "error", err)
			os.Exit(1)
		}
		refreshStore = pgStore
		refreshCloser = pgStore.Close
	case "redis":
		redisCfg := auth.RedisRefreshStoreConfig{
			Addr:       firstNonEmpty(*refreshRedisAddr, os.Getenv("VODHUB_REFRESH_REDIS_ADDR")),
			Addrs:      splitAndTrim(firstNonEmpty(*refreshRedisAddrs, os.Getenv("VODHUB_REFRESH_REDIS_ADDRS"))),
			Username:   firstNonEmpty(*refreshRedisUsername, os.Getenv("VODHUB_REFRESH_REDIS_USERNAME")),
			Password:   firstNonEmpty(*refreshRedisPassword, os.Getenv("VODHUB_REFRESH_REDIS_PASSWORD")),
			MasterName: firstNonEmpty(*refreshRedisMasterName, os.Getenv("VODHUB_REFRESH_REDIS_SENTINEL_MASTER")),
			PoolSize:   resolveInt(*refreshRedisPoolSize, "VODHUB_REFRESH_REDIS_POOL_SIZE"),
			TLS: auth.RedisTLSConfig{
				CAFile:             firstNonEmpty(*refreshRedisTLSCA, os.Getenv("VODHUB_REFRESH_REDIS_TLS_CA")),
				CertFile:           firstNonEmpty(*refreshRedisTLSCert, os.Getenv("VODHUB_REFRESH_REDIS_TLS_CERT")),
				KeyFile:            firstNonEmpty(*refreshRedisTLSKey, os.Getenv("VODHUB_REFRESH_REDIS_TLS_KEY")),
				ServerName:         firstNonEmpty(*refreshRedisTLSServerName, os.Getenv("VODHUB_REFRESH_REDIS_TLS_SERVER_NAME")),
				InsecureSkipVerify: resolveBool(*refreshRedisTLSSkipVerify, "VODHUB_REFRESH_REDIS_TLS_SKIP_VERIFY"),
			},
		}
		refreshAddr = firstNonEmpty(redisCfg.Addr, strings.Join(redisCfg.Addrs, ","))
		redisStore, err := auth.NewRedisRefreshStore(redisCfg)
		if err != nil {
			logger.Error("failed to open refresh store", "error", err)
			os.Exit(1)
		}
		refreshStore = redisStore
		refreshCloser = redisStore.Close
	default:
		logger.Error("unsupported refresh store driver", "driver", refreshConfig.Driver)
		os.Exit(1)
	}
	refresh := auth.NewRefreshManager(
		resolveDuration(*refreshTTL, "VODHUB_REFRESH_TTL", 0),
		auth.WithStore(refreshStore),
	)

	publisher, err := configureEventPublisher(
		firstNonEmpty(*eventsDriver, os.Getenv("VODHUB_EVENTS_DRIVER")),
		splitAndTrim(firstNonEmpty(*kafkaBrokers, os.Getenv("VODHUB_KAFKA_BROKERS"))),
		firstNonEmpty(*eventsTopic, os.Getenv("VODHUB_EVENTS_TOPIC")),
		logger,
	)
	if err != nil {
		logger.Error("failed to configure event publisher", "error", err)
		os.Exit(1)
	}

	submitter, err := configureSubmitter(submitterSettings{
		Driver:       firstNonEmpty(*transcoderDriver, os.Getenv("VODHUB_TRANSCODER_DRIVER")),
		URL:          firstNonEmpty(*transcoderURL, os.Getenv("VODHUB_TRANSCODER_URL")),
		Token:        firstNonEmpty(*transcoderToken, os.Getenv("VODHUB_TRANSCODER_TOKEN")),
		AMQPURL:      firstNonEmpty(*amqpURL, os.Getenv("VODHUB_AMQP_URL")),
		AMQPQueue:    firstNonEmpty(*amqpQueue, os.Getenv("VODHUB_AMQP_QUEUE")),
		KafkaBrokers: splitAndTrim(firstNonEmpty(*kafkaBrokers, os.Getenv("VODHUB_KAFKA_BROKERS"))),
		KafkaTopic:   firstNonEmpty(*kafkaJobsTopic, os.Getenv("VODHUB_KAFKA_JOBS_TOPIC")),
	}, logger)
	if err != nil {
		logger.Error("failed to configure transcode submitter", "error", err)
		os.Exit(1)
	}

	dispatcher := transcode.NewDispatcher(transcode.DispatcherConfig{
		Store:         store,
		Objects:       objects,
		Submitter:     submitter,
		CallbackBase:  firstNonEmpty(*callbackBase, os.Getenv("VODHUB_CALLBACK_BASE")),
		Qualities:     splitAndTrim(firstNonEmpty(*transcodeQualities, os.Getenv("VODHUB_TRANSCODE_QUALITIES"))),
		Workers:       resolveInt(*transcodeWorkers, "VODHUB_TRANSCODE_WORKERS"),
		QueueSize:     resolveInt(*transcodeQueueSize, "VODHUB_TRANSCODE_QUEUE_SIZE"),
		Timeout:       resolveDuration(*transcodeTimeout, "VODHUB_TRANSCODE_TIMEOUT", 0),
		MaxAttempts:   resolveInt(*transcodeMaxAttempts, "VODHUB_TRANSCODE_MAX_ATTEMPTS"),
		RetryInterval: resolveDuration(*transcodeRetryInterval, "VODHUB_TRANSCODE_RETRY_INTERVAL", 0),
		Logger:        logging.WithComponent(logger, "dispatch"),
	})
	dispatcher.Start()

	handler := api.NewHandler(store, tokens, refresh)
	handler.Objects = objects
	handler.Dispatcher = dispatcher
	handler.Events = publisher
	handler.Logger = logging.WithComponent(logger, "api")
	handler.WebhookSecret = firstNonEmpty(*webhookSecret, os.Getenv("VODHUB_WEBHOOK_SECRET"))
	handler.RefreshCookie = api.RefreshCookiePolicy{SecureMode: resolveRefreshCookieSecureMode(serverMode)}
	if handler.WebhookSecret == "" {
		logger.Warn("VODHUB_WEBHOOK_SECRET not set, processing webhook is disabled")
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	purgeInterval := resolveDuration(*refreshPurgeInterval, "VODHUB_REFRESH_PURGE_INTERVAL", 15*time.Minute)
	purgeStop := startRefreshPurgeWorker(workerCtx, logging.WithComponent(logger, "refresh-purger"), refresh, purgeInterval)
	defer purgeStop()

	rateCfg := server.RateLimitConfig{
		GlobalRPS:             resolveFloat(*globalRPS, "VODHUB_RATE_GLOBAL_RPS"),
		GlobalBurst:           resolveInt(*globalBurst, "VODHUB_RATE_GLOBAL_BURST"),
		LoginLimit:            resolveInt(*loginLimit, "VODHUB_RATE_LOGIN_LIMIT"),
		LoginWindow:           resolveDuration(*loginWindow, "VODHUB_RATE_LOGIN_WINDOW", time.Minute),
		TrustForwardedHeaders: resolveBool(*trustForwarded, "VODHUB_RATE_TRUST_FORWARDED_HEADERS"),
		TrustedProxies:        splitAndTrim(firstNonEmpty(*trustedProxies, os.Getenv("VODHUB_RATE_TRUSTED_PROXIES"))),
		RedisAddr:             firstNonEmpty(*rateRedisAddr, os.Getenv("VODHUB_RATE_REDIS_ADDR")),
		RedisPassword:         firstNonEmpty(*rateRedisPassword, os.Getenv("VODHUB_RATE_REDIS_PASSWORD")),
		RedisTimeout:          resolveDuration(*rateRedisTimeout, "VODHUB_RATE_REDIS_TIMEOUT", 2*time.Second),
		RedisTLS: server.RedisTLSConfig{
			CAFile:             firstNonEmpty(*rateRedisTLSCA, os.Getenv("VODHUB_RATE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*rateRedisTLSCert, os.Getenv("VODHUB_RATE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*rateRedisTLSKey, os.Getenv("VODHUB_RATE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*rateRedisTLSServerName, os.Getenv("VODHUB_RATE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*rateRedisTLSSkipVerify, "VODHUB_RATE_REDIS_TLS_SKIP_VERIFY"),
		},
	}

	tlsCfg := server.TLSConfig{
		CertFile: tlsCertPath,
		KeyFile:  tlsKeyPath,
	}

	srv, err := server.New(handler, server.Config{
		Addr:      listenAddr,
		TLS:       tlsCfg,
		RateLimit: rateCfg,
		CORS: server.CORSConfig{
			ConsoleOrigins: splitAndTrim(firstNonEmpty(*corsConsoleOrigins, os.Getenv("VODHUB_CORS_CONSOLE_ORIGINS"))),
			PlayerOrigins:  splitAndTrim(firstNonEmpty(*corsPlayerOrigins, os.Getenv("VODHUB_CORS_PLAYER_ORIGINS"))),
		},
		Security:     server.SecurityConfig{},
		Logger:       logger,
		AuditLogger:  auditLogger,
		Metrics:      recorder,
		PlayerOrigin: playerURL,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	summary := newStartupSummary(startupSummaryInput{
		StorageDriver:    driver,
		StoragePath:      storagePath,
		StorageDSN:       storagePostgresDSN,
		RefreshConfig:    refreshConfig,
		RefreshRedisAddr: refreshAddr,
		RateLimit:        rateCfg,
		ObjectsEnabled:   objects.Enabled(),
		ObjectBucket:     objectCfg.Bucket,
		ObjectEndpoint:   objectCfg.Endpoint,
		TranscoderDriver: firstNonEmpty(*transcoderDriver, os.Getenv("VODHUB_TRANSCODER_DRIVER")),
		TranscoderURL:    firstNonEmpty(*transcoderURL, os.Getenv("VODHUB_TRANSCODER_URL")),
		AMQPQueue:        firstNonEmpty(*amqpQueue, os.Getenv("VODHUB_AMQP_QUEUE")),
		KafkaTopic:       firstNonEmpty(*kafkaJobsTopic, os.Getenv("VODHUB_KAFKA_JOBS_TOPIC")),
		EventsDriver:     firstNonEmpty(*eventsDriver, os.Getenv("VODHUB_EVENTS_DRIVER")),
		EventsTopic:      firstNonEmpty(*eventsTopic, os.Getenv("VODHUB_EVENTS_TOPIC")),
	})

	errs := make(chan error, 1)
	go func() {
		logger.Info("vodhub API listening", "addr", listenAddr, "mode", serverMode)
		logger.Info("startup configuration", summary.LogArgs()...)
		if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
			logger.Info("TLS enabled", "cert_file", tlsCfg.CertFile)
		}
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	purgeStop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	if err := dispatcher.Shutdown(ctx); err != nil {
		logger.Warn("failed to stop dispatcher", "error", err)
	}

	if closer, ok := submitter.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close transcode submitter", "error", err)
		}
	}

	if closer, ok := publisher.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close event publisher", "error", err)
		}
	}

	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(ctx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	} else if closer, ok := store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}

	if refreshCloser != nil {
		if err := refreshCloser(ctx); err != nil {
			logger.Warn("failed to close refresh store", "error", err)
		}
	}

	logger.Info("server stopped")
}

type refreshStoreConfig struct {
	Driver string
	DSN    string
}

// resolveRefreshStoreConfig picks the refresh token backend. An explicit
// driver always wins; otherwise a refresh DSN or a Postgres datastore pulls
// the tokens into Postgres, and everything else falls back to memory.
// Production refuses the memory store because a restart would log every
// user out.
func resolveRefreshStoreConfig(flagDriver, envDriver, storageDriver, storageDSN, flagDSN, envDSN string, requirePersistent bool) (refreshStoreConfig, error) {
	driver := strings.ToLower(strings.TrimSpace(flagDriver))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(envDriver))
	}

	refreshDSN := strings.TrimSpace(firstNonEmpty(flagDSN, envDSN))
	if driver == "" {
		switch {
		case refreshDSN != "":
			driver = "postgres"
		case storageDriver == "postgres":
			driver = "postgres"
		default:
			driver = "memory"
		}
	}

	switch driver {
	case "", "memory":
		if requirePersistent {
			return refreshStoreConfig{}, fmt.Errorf("production mode requires a postgres or redis refresh store")
		}
		return refreshStoreConfig{Driver: "memory"}, nil
	case "postgres":
		if refreshDSN == "" {
			refreshDSN = strings.TrimSpace(storageDSN)
		}
		if refreshDSN == "" {
			return refreshStoreConfig{}, fmt.Errorf("postgres refresh store selected without DSN")
		}
		return refreshStoreConfig{Driver: "postgres", DSN: refreshDSN}, nil
	case "redis":
		return refreshStoreConfig{Driver: "redis"}, nil
	default:
		return refreshStoreConfig{}, fmt.Errorf("unsupported refresh store driver %q", driver)
	}
}

// resolveRefreshCookieSecureMode forces the Secure attribute on refresh
// cookies in production; development keeps auto-detection so plain-HTTP
// local setups still receive the cookie.
func resolveRefreshCookieSecureMode(mode string) api.RefreshCookieSecureMode {
	if strings.EqualFold(strings.TrimSpace(mode), "production") {
		return api.RefreshCookieSecureAlways
	}
	return api.RefreshCookieSecureAuto
}

type submitterSettings struct {
	Driver       string
	URL          string
	Token        string
	AMQPURL      string
	AMQPQueue    string
	KafkaBrokers []string
	KafkaTopic   string
}

func configureSubmitter(settings submitterSettings, logger *slog.Logger) (transcode.Submitter, error) {
	driver := strings.ToLower(strings.TrimSpace(settings.Driver))
	switch driver {
	case "http":
		if strings.TrimSpace(settings.URL) == "" {
			return nil, fmt.Errorf("transcoder url is required for the http driver")
		}
		return transcode.NewHTTPSubmitter(settings.URL, settings.Token, nil, logging.WithComponent(logger, "transcode")), nil
	case "amqp":
		if strings.TrimSpace(settings.AMQPURL) == "" {
			return nil, fmt.Errorf("amqp url is required for the amqp driver")
		}
		return transcode.NewAMQPSubmitter(settings.AMQPURL, settings.AMQPQueue, logging.WithComponent(logger, "transcode"))
	case "kafka":
		if len(settings.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("kafka brokers are required for the kafka driver")
		}
		return transcode.NewKafkaSubmitter(settings.KafkaBrokers, settings.KafkaTopic, logging.WithComponent(logger, "transcode"))
	case "", "noop":
		return transcode.NoopSubmitter{}, nil
	default:
		return nil, fmt.Errorf("unsupported transcoder driver %q", driver)
	}
}

func configureEventPublisher(driver string, brokers []string, topic string, logger *slog.Logger) (events.Publisher, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "kafka":
		if len(brokers) == 0 {
			return nil, fmt.Errorf("kafka brokers are required for the events kafka driver")
		}
		return events.NewKafkaPublisher(brokers, topic, logging.WithComponent(logger, "events"))
	case "", "log":
		return events.NewLogPublisher(logging.WithComponent(logger, "events")), nil
	default:
		return nil, fmt.Errorf("unsupported events driver %q", driver)
	}
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, bool, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, true, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, true, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", false, nil
	}
	return "", false, fmt.Errorf("no datastore configured: provide --storage-driver json or configure Postgres via VODHUB_POSTGRES_DSN, DATABASE_URL, or --postgres-dsn")
}

func validateProductionDatastore(driver, resolvedPostgresDSN, envPostgresDSN string) error {
	if driver != "postgres" {
		if driver == "" {
			return fmt.Errorf("production mode requires the postgres datastore driver")
		}
		return fmt.Errorf("production mode requires the postgres datastore driver, got %q", driver)
	}
	if strings.TrimSpace(envPostgresDSN) == "" {
		return fmt.Errorf("production mode requires VODHUB_POSTGRES_DSN to be set")
	}
	if strings.TrimSpace(resolvedPostgresDSN) == "" {
		return fmt.Errorf("postgres storage selected without DSN")
	}
	return nil
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/store.json"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("VODHUB_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func resolvePlayerOrigin(flagValue, envValue string) (*url.URL, error) {
	raw := strings.TrimSpace(flagValue)
	if raw == "" {
		raw = strings.TrimSpace(envValue)
	}
	if raw == "" {
		return nil, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse player origin: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("player origin must include scheme and host")
	}
	return parsed, nil
}

func generateEphemeralSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
