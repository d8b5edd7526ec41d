package marketchat

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, optionally
// prefixed with "sha256=".
const SignatureHeader = "X-Marketchat-Signature"

const maxWebhookBody = 1 << 20

// Sign returns the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against body in constant time.
func VerifySignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	expected := strings.TrimPrefix(Sign(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ============================================================================
// EventWebhook
// ============================================================================

// EventWebhook accepts realtime envelopes pushed over signed HTTP POSTs and
// hands them to an EventHandler, for integrations that cannot hold a websocket.
//
// Example:
//
//	wh, _ := marketchat.NewEventWebhook(secret, session.HandleEvent)
//	http.Handle("/hooks/marketchat", wh)
type EventWebhook struct {
	secret  string
	handler EventHandler
	log     *slog.Logger
}

func NewEventWebhook(secret string, handler EventHandler, log *slog.Logger) (*EventWebhook, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if handler == nil {
		return nil, errors.New("webhook handler is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &EventWebhook{secret: secret, handler: handler, log: log.With("component", "webhook")}, nil
}

// Handle verifies and dispatches one delivery, returning the status code and
// response body for the caller to write. Heartbeats are acknowledged without
// reaching the handler.
func (w *EventWebhook) Handle(body []byte, signature string) (int, any) {
	if !VerifySignature(body, signature, w.secret) {
		w.log.Warn("rejected webhook with invalid signature")
		return http.StatusUnauthorized, map[string]string{"error": "invalid signature"}
	}

	ev, err := ParseEvent(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if ev.Kind != EventPing {
		w.handler(ev)
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

func (w *EventWebhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	status, data := w.Handle(body, r.Header.Get(SignatureHeader))
	writeJSON(rw, status, data)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
