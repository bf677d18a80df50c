package auth

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisRefreshStoreConfig configures the Redis-backed refresh token store.
type RedisRefreshStoreConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
}

// RedisRefreshStore keeps refresh token state in Redis so multiple API
// replicas can share authentication state. Expiry is enforced twice: the key
// TTL lets Redis reclaim space and the stored record keeps the exact instant.
type RedisRefreshStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

type redisRefreshRecord struct {
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewRedisRefreshStore initialises a refresh store backed by Redis. The
// caller is responsible for ensuring the Redis instance is reachable.
func NewRedisRefreshStore(cfg RedisRefreshStoreConfig) (*RedisRefreshStore, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	keyPrefix := strings.TrimSpace(cfg.KeyPrefix)
	if keyPrefix == "" {
		keyPrefix = "vodhub:refresh:"
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	return &RedisRefreshStore{client: client, keyPrefix: keyPrefix}, nil
}

func (s *RedisRefreshStore) key(tokenHash string) string {
	return s.keyPrefix + tokenHash
}

// Save records the refresh token hash with a TTL matching its expiry.
func (s *RedisRefreshStore) Save(tokenHash, userID string, expiresAt time.Time) error {
	payload, err := json.Marshal(redisRefreshRecord{UserID: userID, ExpiresAt: expiresAt.UTC()})
	if err != nil {
		return fmt.Errorf("marshal refresh record: %w", err)
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}
	return s.client.Set(context.Background(), s.key(tokenHash), payload, ttl).Err()
}

// Get retrieves the refresh record for the provided hash.
func (s *RedisRefreshStore) Get(tokenHash string) (RefreshRecord, bool, error) {
	payload, err := s.client.Get(context.Background(), s.key(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return RefreshRecord{}, false, nil
		}
		return RefreshRecord{}, false, err
	}
	var record redisRefreshRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return RefreshRecord{}, false, fmt.Errorf("decode refresh record: %w", err)
	}
	return RefreshRecord{TokenHash: tokenHash, UserID: record.UserID, ExpiresAt: record.ExpiresAt}, true, nil
}

// Delete removes the refresh token hash.
func (s *RedisRefreshStore) Delete(tokenHash string) error {
	return s.client.Del(context.Background(), s.key(tokenHash)).Err()
}

// PurgeExpired is a no-op: Redis evicts expired keys on its own.
func (s *RedisRefreshStore) PurgeExpired(time.Time) error {
	return nil
}

// Ping verifies the Redis connection is reachable.
func (s *RedisRefreshStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis client resources.
func (s *RedisRefreshStore) Close(context.Context) error {
	return s.client.Close()
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		caPath := filepath.Clean(cfg.CAFile)
		pemData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		certPath := filepath.Clean(cfg.CertFile)
		keyPath := filepath.Clean(cfg.KeyFile)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
