package handlers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-casedesk/internal/domain"
)

const testSigningSecret = "test-signing-secret"

type fakeQueue struct {
	mu   sync.Mutex
	msgs []domain.InboundMessage
	full bool
}

func (q *fakeQueue) Enqueue(msg domain.InboundMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return false
	}
	q.msgs = append(q.msgs, msg)
	return true
}

func (q *fakeQueue) queued() []domain.InboundMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.InboundMessage, len(q.msgs))
	copy(out, q.msgs)
	return out
}

func newSlackRouter(queue *fakeQueue, secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := New(nil, queue, secret)
	r.POST("/slack/events", h.SlackEvents)
	return r
}

// signSlack computes the v0 signature Slack would send for body at ts.
func signSlack(secret string, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:", ts)
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func signedRequest(t *testing.T, secret string, body []byte) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/slack/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", signSlack(secret, ts, body))
	return req
}

func messageEnvelope(eventID, user, text string) []byte {
	b, _ := json.Marshal(map[string]any{
		"type":     "event_callback",
		"event_id": eventID,
		"event": map[string]any{
			"type": "message",
			"user": user,
			"text": text,
			"ts":   "1756500000.000200",
		},
	})
	return b
}

func TestSlackEvents_ChallengeAnsweredWithoutSignature(t *testing.T) {
	r := newSlackRouter(&fakeQueue{}, testSigningSecret)

	body := []byte(`{"type":"url_verification","challenge":"chal-123"}`)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/slack/events", bytes.NewReader(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if resp["challenge"] != "chal-123" {
		t.Fatalf("challenge = %q", resp["challenge"])
	}
}

func TestSlackEvents_MissingHeadersRejected(t *testing.T) {
	r := newSlackRouter(&fakeQueue{}, testSigningSecret)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/slack/events",
		bytes.NewReader(messageEnvelope("Ev1", "U1", "hi"))))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestSlackEvents_BadSignatureRejected(t *testing.T) {
	queue := &fakeQueue{}
	r := newSlackRouter(queue, testSigningSecret)

	body := messageEnvelope("Ev2", "U1", "hi")
	req := signedRequest(t, "wrong-secret", body)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if len(queue.queued()) != 0 {
		t.Fatal("message enqueued despite bad signature")
	}
}

func TestSlackEvents_EmptySecretFailsClosed(t *testing.T) {
	r := newSlackRouter(&fakeQueue{}, "")

	body := messageEnvelope("Ev3", "U1", "hi")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, "", body))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 with no secret configured", w.Code)
	}
}

func TestSlackEvents_StaleTimestampRejected(t *testing.T) {
	r := newSlackRouter(&fakeQueue{}, testSigningSecret)

	body := messageEnvelope("Ev4", "U1", "hi")
	ts := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/slack/events", bytes.NewReader(body))
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", signSlack(testSigningSecret, ts, body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for replayed timestamp", w.Code)
	}
}

func TestSlackEvents_ValidMessageQueued(t *testing.T) {
	queue := &fakeQueue{}
	r := newSlackRouter(queue, testSigningSecret)

	body := messageEnvelope("Ev5", "U42", "my printer is on fire")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, testSigningSecret, body))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if resp["status"] != "queued" {
		t.Fatalf("status field = %q", resp["status"])
	}

	msgs := queue.queued()
	if len(msgs) != 1 {
		t.Fatalf("queued %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.ExternalID != "Ev5" || m.Source != domain.SourceChat || m.Sender != "U42" || m.Body != "my printer is on fire" {
		t.Fatalf("queued message = %+v", m)
	}
	if m.ObservedAt.Unix() != 1756500000 {
		t.Errorf("observed at = %v, want event ts", m.ObservedAt)
	}
}

func TestSlackEvents_IgnoredEvents(t *testing.T) {
	payloads := map[string][]byte{
		"bot message": mustJSON(map[string]any{
			"type": "event_callback", "event_id": "EvB",
			"event": map[string]any{"type": "message", "bot_id": "B1", "user": "U1", "text": "beep"},
		}),
		"channel join": mustJSON(map[string]any{
			"type": "event_callback", "event_id": "EvJ",
			"event": map[string]any{"type": "message", "subtype": "channel_join", "user": "U1"},
		}),
		"non message event": mustJSON(map[string]any{
			"type": "event_callback", "event_id": "EvR",
			"event": map[string]any{"type": "reaction_added", "user": "U1"},
		}),
		"missing event id": mustJSON(map[string]any{
			"type":  "event_callback",
			"event": map[string]any{"type": "message", "user": "U1", "text": "hi"},
		}),
		"missing user": mustJSON(map[string]any{
			"type": "event_callback", "event_id": "EvU",
			"event": map[string]any{"type": "message", "text": "hi"},
		}),
	}

	for name, body := range payloads {
		t.Run(name, func(t *testing.T) {
			queue := &fakeQueue{}
			r := newSlackRouter(queue, testSigningSecret)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, signedRequest(t, testSigningSecret, body))

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			var resp map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("response not JSON: %v", err)
			}
			if resp["status"] != "ignored" {
				t.Fatalf("status field = %q", resp["status"])
			}
			if len(queue.queued()) != 0 {
				t.Fatal("ignored event was enqueued")
			}
		})
	}
}

func TestSlackEvents_QueueFullReturns503(t *testing.T) {
	r := newSlackRouter(&fakeQueue{full: true}, testSigningSecret)

	body := messageEnvelope("Ev6", "U1", "hello")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, testSigningSecret, body))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if resp.Code != ErrCodeQueueFull {
		t.Fatalf("code = %q", resp.Code)
	}
}

func TestSlackEvents_InvalidJSONRejected(t *testing.T) {
	r := newSlackRouter(&fakeQueue{}, testSigningSecret)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/slack/events",
		bytes.NewReader([]byte("{not json"))))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
