// Slack Events API webhook handler.
//
// This file implements POST /slack/events: it answers the url_verification
// handshake, authenticates requests with the v0 HMAC signing scheme, filters
// out bot traffic and uninteresting message subtypes, and hands accepted
// messages to the ingest queue. The webhook acknowledges with 200 as soon as
// the message is enqueued; processing happens asynchronously.
package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-casedesk/internal/domain"
	"github.com/tbourn/go-casedesk/internal/http/middleware"
)

const (
	headerSlackTimestamp = "X-Slack-Request-Timestamp"
	headerSlackSignature = "X-Slack-Signature"

	// signatureWindow bounds the timestamp skew accepted from Slack to limit
	// replay attacks.
	signatureWindow = 5 * time.Minute
)

// ignoredSubtypes lists message subtypes that never represent customer or
// admin conversation.
var ignoredSubtypes = map[string]struct{}{
	"channel_join":    {},
	"channel_leave":   {},
	"bot_message":     {},
	"message_deleted": {},
}

// slackEnvelope is the subset of the Events API payload the webhook needs.
type slackEnvelope struct {
	Type      string     `json:"type"`
	Challenge string     `json:"challenge"`
	EventID   string     `json:"event_id"`
	Event     slackEvent `json:"event"`
}

type slackEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	BotID   string `json:"bot_id"`
	User    string `json:"user"`
	Text    string `json:"text"`
	TS      string `json:"ts"`
}

// SlackEvents handles the Events API webhook. Responses:
//   - 200 with the challenge for url_verification handshakes
//   - 401 when signature headers are missing or invalid
//   - 200 {"status":"ignored"} for events the pipeline does not consume
//   - 503 when the ingest queue is saturated, so the delivery is retried
//   - 200 {"status":"queued"} once the message is accepted
func (h *Handlers) SlackEvents(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable body")
		return
	}

	var env slackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	// The URL verification handshake precedes signature configuration on
	// Slack's side, so answer it before authenticating.
	if env.Type == "url_verification" && env.Challenge != "" {
		ok(c, http.StatusOK, gin.H{"challenge": env.Challenge})
		return
	}

	ts := c.GetHeader(headerSlackTimestamp)
	sig := c.GetHeader(headerSlackSignature)
	if ts == "" || sig == "" {
		lg := middleware.LoggerFrom(c)
		lg.Warn().Str("client_ip", c.ClientIP()).Msg("missing slack signature headers")
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing signature headers")
		return
	}
	if !verifySlackSignature(raw, ts, sig, h.slackSigningSecret, time.Now()) {
		lg := middleware.LoggerFrom(c)
		lg.Warn().Str("client_ip", c.ClientIP()).Str("timestamp", ts).Msg("invalid slack signature")
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid signature")
		return
	}

	if !isConsumableMessage(env) {
		ok(c, http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	msg := domain.InboundMessage{
		ExternalID: env.EventID,
		Source:     domain.SourceChat,
		Sender:     env.Event.User,
		Body:       env.Event.Text,
		ObservedAt: slackTimestamp(env.Event.TS),
	}
	if !h.queue.Enqueue(msg) {
		fail(c, http.StatusServiceUnavailable, ErrCodeQueueFull, "ingest queue full, retry later")
		return
	}

	ok(c, http.StatusOK, gin.H{"status": "queued"})
}

// isConsumableMessage reports whether the envelope carries a human message
// event the pipeline should process.
func isConsumableMessage(env slackEnvelope) bool {
	if env.Type != "event_callback" || env.EventID == "" {
		return false
	}
	ev := env.Event
	if ev.Type != "message" || ev.BotID != "" || ev.User == "" {
		return false
	}
	if _, skip := ignoredSubtypes[ev.Subtype]; skip {
		return false
	}
	return true
}

// verifySlackSignature checks the v0 signing scheme: the signature must be
// hex(HMAC-SHA256(secret, "v0:<timestamp>:<body>")) prefixed with "v0=", and
// the timestamp must be within signatureWindow of now. An empty secret fails
// closed.
func verifySlackSignature(rawBody []byte, timestamp, signature, secret string, now time.Time) bool {
	if secret == "" {
		return false
	}

	reqTime, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if math.Abs(float64(now.Unix()-reqTime)) > signatureWindow.Seconds() {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(rawBody)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

// slackTimestamp converts Slack's "seconds.micros" event timestamp to a UTC
// time, falling back to now when the value is absent or malformed.
func slackTimestamp(ts string) time.Time {
	if ts == "" {
		return time.Now().UTC()
	}
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil || f <= 0 {
		return time.Now().UTC()
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}
