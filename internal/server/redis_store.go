package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RedisTLSConfig controls TLS behaviour for the rate limit Redis connection.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

func (c RedisTLSConfig) enabled() bool {
	return c.CAFile != "" || c.CertFile != "" || c.ServerName != "" || c.InsecureSkipVerify
}

type redisStoreConfig struct {
	Addr     string
	Password string
	Timeout  time.Duration
	TLS      RedisTLSConfig
}

// redisStore counts login attempts in Redis so throttling holds across API
// replicas. It speaks just enough RESP for INCR, EXPIRE, TTL, and PING,
// reusing a single connection and re-dialling after IO errors.
type redisStore struct {
	cfg       redisStoreConfig
	tlsConfig *tls.Config

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	closed bool
}

func newRedisStore(cfg redisStoreConfig) (*redisStore, error) {
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	store := &redisStore{cfg: cfg}
	if cfg.TLS.enabled() {
		tlsConfig, err := buildRedisTLSConfig(cfg.Addr, cfg.TLS)
		if err != nil {
			return nil, err
		}
		store.tlsConfig = tlsConfig
	}
	return store, nil
}

func buildRedisTLSConfig(addr string, cfg RedisTLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		ServerName:         strings.TrimSpace(cfg.ServerName),
	}
	if tlsConfig.ServerName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			tlsConfig.ServerName = host
		}
	}
	if cfg.CAFile != "" {
		pemBytes, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read redis CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("redis CA file %s contains no certificates", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func (s *redisStore) Allow(key string, limit int, window time.Duration) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, 0, errors.New("redis store is closed")
	}
	if err := s.ensureConnLocked(); err != nil {
		return false, 0, err
	}
	allowed, retryAfter, err := s.allowLocked(key, limit, window)
	if err != nil {
		s.dropConnLocked()
		return false, 0, err
	}
	return allowed, retryAfter, nil
}

func (s *redisStore) allowLocked(key string, limit int, window time.Duration) (bool, time.Duration, error) {
	countReply, err := s.doLocked("INCR", key)
	if err != nil {
		return false, 0, err
	}
	count, err := asInt(countReply)
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		seconds := int64(window / time.Second)
		if seconds <= 0 {
			seconds = 1
		}
		if _, err := s.doLocked("EXPIRE", key, strconv.FormatInt(seconds, 10)); err != nil {
			return false, 0, err
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttlReply, err := s.doLocked("TTL", key)
	if err != nil {
		return false, 0, err
	}
	ttl, err := asInt(ttlReply)
	if err != nil {
		return false, 0, err
	}
	if ttl < 0 {
		return false, window, nil
	}
	return false, time.Duration(ttl) * time.Second, nil
}

// Ping verifies the Redis backend answers, surfacing limiter reachability in
// health checks.
func (s *redisStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("redis store is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureConnLocked(); err != nil {
		return err
	}
	reply, err := s.doLocked("PING")
	if err != nil {
		s.dropConnLocked()
		return err
	}
	if text, ok := reply.(string); !ok || !strings.EqualFold(text, "PONG") {
		s.dropConnLocked()
		return fmt.Errorf("unexpected ping reply %v", reply)
	}
	return nil
}

// Close releases the pooled connection. Later calls fail rather than redial.
func (s *redisStore) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.dropConnLocked()
	return nil
}

func (s *redisStore) ensureConnLocked() error {
	if s.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", s.cfg.Addr, s.cfg.Timeout)
	if err != nil {
		return err
	}
	if s.tlsConfig != nil {
		tlsConn := tls.Client(conn, s.tlsConfig)
		if err := tlsConn.SetDeadline(time.Now().Add(s.cfg.Timeout)); err != nil {
			conn.Close()
			return err
		}
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return err
		}
		conn = tlsConn
	}
	s.conn = conn
	s.reader = bufio.NewReader(conn)
	s.writer = bufio.NewWriter(conn)
	if s.cfg.Password != "" {
		if _, err := s.doLocked("AUTH", s.cfg.Password); err != nil {
			s.dropConnLocked()
			return err
		}
	}
	return nil
}

func (s *redisStore) doLocked(args ...string) (interface{}, error) {
	if err := s.conn.SetDeadline(time.Now().Add(s.cfg.Timeout)); err != nil {
		return nil, err
	}
	if err := writeCommand(s.writer, args...); err != nil {
		return nil, err
	}
	return readReply(s.reader)
}

func (s *redisStore) dropConnLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = nil
	s.reader = nil
	s.writer = nil
}

func writeCommand(w *bufio.Writer, args ...string) error {
	if len(args) == 0 {
		return errors.New("redis command requires arguments")
	}
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(args)); err != nil {
		return err
	}
	for _, arg := range args {
		if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(arg), arg); err != nil {
			return err
		}
	}
	return w.Flush()
}

func readReply(r *bufio.Reader) (interface{}, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch prefix {
	case '+':
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		return line, nil
	case '-':
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		return nil, errors.New(line)
	case ':':
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		return strconv.ParseInt(line, 10, 64)
	case '$':
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		length, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if length < 0 {
			return nil, nil
		}
		buf := make([]byte, length+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		return string(buf[:length]), nil
	default:
		return nil, fmt.Errorf("unexpected redis reply prefix %q", prefix)
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

func asInt(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case string:
		return strconv.ParseInt(val, 10, 64)
	case nil:
		return 0, errors.New("nil reply")
	default:
		return 0, fmt.Errorf("unexpected redis reply type %T", v)
	}
}
