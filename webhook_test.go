package marketchat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

func makeTestEnvelope() []byte {
	b, _ := json.Marshal(map[string]any{
		"type": "new_message",
		"message": map[string]any{
			"id":              "msg-001",
			"conversation_id": "conv-001",
			"sender_id":       "user-001",
			"text":            "Hello from test",
			"created_at":      "2026-01-01T00:00:00Z",
		},
	})
	return b
}

func recordingWebhook(t *testing.T) (*EventWebhook, *[]Event) {
	t.Helper()
	var got []Event
	wh, err := NewEventWebhook(testSecret, func(ev Event) { got = append(got, ev) }, nil)
	require.NoError(t, err)
	return wh, &got
}

// ============================================================================
// VerifySignature
// ============================================================================

func TestVerifySignature(t *testing.T) {
	body := makeTestEnvelope()

	t.Run("valid signature", func(t *testing.T) {
		assert.True(t, VerifySignature(body, Sign(body, testSecret), testSecret))
	})

	t.Run("valid without prefix", func(t *testing.T) {
		sig := strings.TrimPrefix(Sign(body, testSecret), "sha256=")
		assert.True(t, VerifySignature(body, sig, testSecret))
	})

	t.Run("wrong signature", func(t *testing.T) {
		assert.False(t, VerifySignature(body, "sha256="+strings.Repeat("0", 64), testSecret))
	})

	t.Run("wrong secret", func(t *testing.T) {
		assert.False(t, VerifySignature(body, Sign(body, "wrong-secret"), testSecret))
	})

	t.Run("tampered body", func(t *testing.T) {
		sig := Sign(body, testSecret)
		assert.False(t, VerifySignature(append(body, 'x'), sig, testSecret))
	})

	t.Run("empty inputs", func(t *testing.T) {
		assert.False(t, VerifySignature(nil, "sha256=abc", testSecret))
		assert.False(t, VerifySignature([]byte("body"), "", testSecret))
		assert.False(t, VerifySignature([]byte("body"), "sha256=abc", ""))
		assert.False(t, VerifySignature([]byte("body"), "sha256=", testSecret))
	})
}

// ============================================================================
// EventWebhook
// ============================================================================

func TestNewEventWebhook(t *testing.T) {
	_, err := NewEventWebhook("", func(Event) {}, nil)
	assert.Error(t, err)

	_, err = NewEventWebhook(testSecret, nil, nil)
	assert.Error(t, err)

	wh, err := NewEventWebhook(testSecret, func(Event) {}, nil)
	require.NoError(t, err)
	assert.NotNil(t, wh)
}

func TestEventWebhookHandle(t *testing.T) {
	t.Run("invalid signature", func(t *testing.T) {
		wh, got := recordingWebhook(t)
		status, data := wh.Handle(makeTestEnvelope(), "sha256=bad")
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "invalid signature", data.(map[string]string)["error"])
		assert.Empty(t, *got)
	})

	t.Run("malformed envelope", func(t *testing.T) {
		wh, got := recordingWebhook(t)
		body := []byte(`{"type":"new_message"}`)
		status, _ := wh.Handle(body, Sign(body, testSecret))
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Empty(t, *got)
	})

	t.Run("message dispatched", func(t *testing.T) {
		wh, got := recordingWebhook(t)
		body := makeTestEnvelope()
		status, data := wh.Handle(body, Sign(body, testSecret))
		assert.Equal(t, http.StatusOK, status)
		assert.True(t, data.(map[string]bool)["ok"])
		require.Len(t, *got, 1)
		ev := (*got)[0]
		assert.Equal(t, EventNewMessage, ev.Kind)
		assert.Equal(t, "Hello from test", ev.Message.Text)
		assert.Equal(t, "conv-001", ev.Message.ConversationID)
	})

	t.Run("heartbeat acknowledged", func(t *testing.T) {
		wh, got := recordingWebhook(t)
		body := []byte(`{"type":"ping"}`)
		status, _ := wh.Handle(body, Sign(body, testSecret))
		assert.Equal(t, http.StatusOK, status)
		assert.Empty(t, *got)
	})
}

func TestEventWebhookServeHTTP(t *testing.T) {
	t.Run("GET returns 405", func(t *testing.T) {
		wh, _ := recordingWebhook(t)
		w := httptest.NewRecorder()
		wh.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/hook", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("invalid signature returns 401", func(t *testing.T) {
		wh, _ := recordingWebhook(t)
		req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(string(makeTestEnvelope())))
		req.Header.Set(SignatureHeader, "sha256=bad")
		w := httptest.NewRecorder()
		wh.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("offer status reaches handler", func(t *testing.T) {
		wh, got := recordingWebhook(t)
		body := []byte(`{"type":"offer_status_update","offer":{"id":"off-1","conversation_id":"conv-001","status":"paid"}}`)
		req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(string(body)))
		req.Header.Set(SignatureHeader, Sign(body, testSecret))
		w := httptest.NewRecorder()
		wh.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var result map[string]any
		require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
		assert.Equal(t, true, result["ok"])
		require.Len(t, *got, 1)
		assert.Equal(t, OfferPaid, (*got)[0].Offer.Status)
	})
}
