package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"vodhub/internal/observability/logging"
)

// maxHeaderIDLength caps inbound correlation IDs so a hostile client cannot
// bloat every log line the request produces.
const maxHeaderIDLength = 128

type idGenerator func() string

func requestIDMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return requestIDMiddlewareWithGenerator(logger, newRequestID, next)
}

// requestIDMiddlewareWithGenerator honours an inbound X-Request-Id, minting
// one otherwise, and installs a context logger carrying it. X-Video-Id lets
// the transcoder callback tie its log lines to the video it reports on.
func requestIDMiddlewareWithGenerator(logger *slog.Logger, generator idGenerator, next http.Handler) http.Handler {
	if generator == nil {
		generator = newRequestID
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := correlationID(r, "X-Request-Id")
		if requestID == "" {
			requestID = generator()
		}

		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		if videoID := correlationID(r, "X-Video-Id"); videoID != "" {
			ctx = logging.ContextWithVideoID(ctx, videoID)
		}
		ctxLogger := logging.WithContext(ctx, logger)
		ctx = logging.ContextWithLogger(ctx, ctxLogger)

		if requestID != "" {
			w.Header().Set("X-Request-Id", requestID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// correlationID reads a correlation header and discards anything a
// well-behaved client would not send. A discarded request ID gets replaced by
// a minted one rather than failing the request; correlation is best effort.
func correlationID(r *http.Request, name string) string {
	value := strings.TrimSpace(r.Header.Get(name))
	if value == "" || len(value) > maxHeaderIDLength {
		return ""
	}
	for _, c := range value {
		if !isCorrelationIDChar(c) {
			return ""
		}
	}
	return value
}

func isCorrelationIDChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == ':':
		return true
	}
	return false
}

func newRequestID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return id.String()
}
