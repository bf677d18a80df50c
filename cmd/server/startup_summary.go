package main

import (
	"net/url"
	"strings"

	"vodhub/internal/server"
)

type startupSummaryInput struct {
	StorageDriver    string
	StoragePath      string
	StorageDSN       string
	RefreshConfig    refreshStoreConfig
	RefreshRedisAddr string
	RateLimit        server.RateLimitConfig
	ObjectsEnabled   bool
	ObjectBucket     string
	ObjectEndpoint   string
	TranscoderDriver string
	TranscoderURL    string
	AMQPQueue        string
	KafkaTopic       string
	EventsDriver     string
	EventsTopic      string
}

type startupSummary struct {
	input startupSummaryInput
}

func newStartupSummary(input startupSummaryInput) startupSummary {
	return startupSummary{input: input}
}

// LogArgs renders the summary as slog key/value pairs, one map per
// subsystem, with credentials embedded in DSNs redacted.
func (s startupSummary) LogArgs() []any {
	datastore := map[string]any{"driver": s.input.StorageDriver}
	if s.input.StoragePath != "" {
		datastore["path"] = s.input.StoragePath
	}
	if s.input.StorageDSN != "" {
		datastore["dsn"] = redactDSN(s.input.StorageDSN)
	}

	refreshStore := map[string]any{"driver": s.input.RefreshConfig.Driver}
	if s.input.RefreshConfig.DSN != "" {
		refreshStore["dsn"] = redactDSN(s.input.RefreshConfig.DSN)
	}
	if s.input.RefreshRedisAddr != "" {
		refreshStore["addr"] = s.input.RefreshRedisAddr
	}

	login := map[string]any{"driver": "memory"}
	if addr := strings.TrimSpace(s.input.RateLimit.RedisAddr); addr != "" {
		login["driver"] = "redis"
		login["addr"] = addr
	}

	objects := map[string]any{"enabled": s.input.ObjectsEnabled}
	if s.input.ObjectBucket != "" {
		objects["bucket"] = s.input.ObjectBucket
	}
	if s.input.ObjectEndpoint != "" {
		objects["endpoint"] = s.input.ObjectEndpoint
	}

	transcoderDriver := strings.ToLower(strings.TrimSpace(s.input.TranscoderDriver))
	if transcoderDriver == "" {
		transcoderDriver = "noop"
	}
	transcoder := map[string]any{"driver": transcoderDriver}
	switch transcoderDriver {
	case "http":
		transcoder["url"] = s.input.TranscoderURL
	case "amqp":
		if s.input.AMQPQueue != "" {
			transcoder["queue"] = s.input.AMQPQueue
		}
	case "kafka":
		if s.input.KafkaTopic != "" {
			transcoder["topic"] = s.input.KafkaTopic
		}
	}

	eventsDriver := strings.ToLower(strings.TrimSpace(s.input.EventsDriver))
	if eventsDriver == "" {
		eventsDriver = "log"
	}
	eventsSummary := map[string]any{"driver": eventsDriver}
	if eventsDriver == "kafka" && s.input.EventsTopic != "" {
		eventsSummary["topic"] = s.input.EventsTopic
	}

	return []any{
		"datastore", datastore,
		"refresh_store", refreshStore,
		"login_throttle", login,
		"object_storage", objects,
		"transcoder", transcoder,
		"events", eventsSummary,
	}
}

// redactDSN masks the password portion of a connection URL so startup logs
// never leak credentials. Strings that do not parse are returned untouched.
func redactDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.User == nil {
		return dsn
	}
	if _, hasPassword := parsed.User.Password(); hasPassword {
		parsed.User = url.UserPassword(parsed.User.Username(), "*****")
	}
	return parsed.String()
}
