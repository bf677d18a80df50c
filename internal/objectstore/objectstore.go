package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrUnavailable is returned when object storage has not been configured or a
// signing operation cannot be performed.
var ErrUnavailable = errors.New("object storage unavailable")

const (
	defaultPresignTTL     = 15 * time.Minute
	defaultRequestTimeout = 10 * time.Second
)

// Config describes the S3-compatible backend holding raw uploads and
// transcoded outputs. Leaving Bucket empty disables object storage, in which
// case New returns a noop client and upload requests are rejected upstream.
type Config struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	Prefix         string
	UseSSL         bool
	UsePathStyle   bool
	PublicEndpoint string
	PresignTTL     time.Duration
	RequestTimeout time.Duration
}

func (cfg Config) presignTTL() time.Duration {
	if cfg.PresignTTL <= 0 {
		return defaultPresignTTL
	}
	return cfg.PresignTTL
}

// RequestBudget returns the per-call timeout applied to storage operations.
func (cfg Config) RequestBudget() time.Duration {
	if cfg.RequestTimeout <= 0 {
		return defaultRequestTimeout
	}
	return cfg.RequestTimeout
}

// Client is the contract the video store depends on. Presigned URLs are
// computed locally by the SDK; only Delete performs a network round trip.
type Client interface {
	Enabled() bool
	PresignPut(ctx context.Context, key, contentType string) (string, time.Time, error)
	PresignGet(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	PublicURL(key string) string
}

type noopClient struct{}

func (noopClient) Enabled() bool { return false }

func (noopClient) PresignPut(context.Context, string, string) (string, time.Time, error) {
	return "", time.Time{}, ErrUnavailable
}

func (noopClient) PresignGet(context.Context, string) (string, error) {
	return "", ErrUnavailable
}

func (noopClient) Delete(context.Context, string) error { return nil }

func (noopClient) PublicURL(string) string { return "" }

// New builds a client for the configured backend. Missing bucket or
// credentials produce a disabled noop client rather than an error so the
// service can run without object storage in development.
func New(cfg Config) (Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return noopClient{}, nil
	}
	if strings.TrimSpace(cfg.AccessKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return noopClient{}, nil
	}

	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			strings.TrimSpace(cfg.AccessKey),
			strings.TrimSpace(cfg.SecretKey),
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("load object storage config: %w", err)
	}

	endpoint := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &s3Client{
		cfg:     cfg,
		bucket:  strings.TrimSpace(cfg.Bucket),
		api:     api,
		presign: s3.NewPresignClient(api),
	}, nil
}

type s3Client struct {
	cfg     Config
	bucket  string
	api     *s3.Client
	presign *s3.PresignClient
}

func (c *s3Client) Enabled() bool { return true }

// PresignPut signs a write-scoped PUT for the given key. The returned expiry
// bounds the upload itself, not the later completion signal.
func (c *s3Client) PresignPut(ctx context.Context, key, contentType string) (string, time.Time, error) {
	finalKey := c.applyPrefix(key)
	if finalKey == "" {
		return "", time.Time{}, fmt.Errorf("presign put: key is required")
	}
	ttl := c.cfg.presignTTL()
	input := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(finalKey),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	out, err := c.presign.PresignPutObject(ctx, input, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("presign put %s: %w", finalKey, err)
	}
	return out.URL, time.Now().UTC().Add(ttl), nil
}

// PresignGet signs a read URL for a stored object, used when handing the raw
// source to the transcoding worker.
func (c *s3Client) PresignGet(ctx context.Context, key string) (string, error) {
	finalKey := c.applyPrefix(key)
	if finalKey == "" {
		return "", fmt.Errorf("presign get: key is required")
	}
	out, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(finalKey),
	}, s3.WithPresignExpires(c.cfg.presignTTL()))
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", finalKey, err)
	}
	return out.URL, nil
}

func (c *s3Client) Delete(ctx context.Context, key string) error {
	finalKey := c.applyPrefix(key)
	if finalKey == "" {
		return nil
	}
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(finalKey),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", finalKey, err)
	}
	return nil
}

// PublicURL maps a key onto the public playback endpoint when one is
// configured, otherwise returns an empty string.
func (c *s3Client) PublicURL(key string) string {
	base := strings.TrimSpace(c.cfg.PublicEndpoint)
	if base == "" {
		return ""
	}
	trimmedBase := strings.TrimRight(base, "/")
	trimmedKey := strings.TrimLeft(c.applyPrefix(key), "/")
	if trimmedKey == "" {
		return trimmedBase
	}
	return trimmedBase + "/" + trimmedKey
}

func (c *s3Client) applyPrefix(key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix := strings.Trim(strings.TrimSpace(c.cfg.Prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return prefix
	}
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

func normalizeEndpoint(endpoint string, useSSL bool) string {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return ""
	}
	if strings.Contains(trimmed, "://") {
		return strings.TrimRight(trimmed, "/")
	}
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return scheme + "://" + strings.TrimRight(trimmed, "/")
}
