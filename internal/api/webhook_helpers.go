package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
)

// maxWebhookBody caps how much callback payload we buffer for signature
// verification.
const maxWebhookBody = 1 << 20

func constantTimeEqual(expected, provided string) bool {
	if expected == "" || provided == "" {
		return false
	}
	if len(expected) != len(provided) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

// webhookAuthorized verifies a transcoder callback against the shared
// secret. The preferred scheme is an X-Webhook-Signature header carrying a
// hex HMAC-SHA256 of the request body; a plain bearer token is accepted as a
// fallback for transcoders that cannot sign. The body is buffered and
// restored so the caller can still decode it.
func (h *Handler) webhookAuthorized(r *http.Request) bool {
	secret := strings.TrimSpace(h.WebhookSecret)
	if secret == "" || r == nil {
		return false
	}

	var body []byte
	if r.Body != nil {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
		r.Body.Close()
		if err != nil || len(data) > maxWebhookBody {
			r.Body = io.NopCloser(bytes.NewReader(nil))
			return false
		}
		body = data
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	if signature := strings.TrimSpace(r.Header.Get("X-Webhook-Signature")); signature != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		if constantTimeEqual(expected, strings.ToLower(signature)) {
			return true
		}
	}

	if authHeader := strings.TrimSpace(r.Header.Get("Authorization")); authHeader != "" {
		if parts := strings.SplitN(authHeader, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			if constantTimeEqual(secret, strings.TrimSpace(parts[1])) {
				return true
			}
		}
	}

	return false
}
