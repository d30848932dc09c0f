package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const defaultAPIURL = "https://slack.com/api/chat.postMessage"

// SlackConfig configures the Slack notifier: the bot token, the channel per
// category, and the retry/backoff envelope.
type SlackConfig struct {
	BotToken string
	// Channels maps a category to its destination channel. Categories with
	// no channel configured are logged and dropped.
	Channels map[Category]string

	// MaxRetries is the number of re-attempts after the first try.
	MaxRetries int
	// BaseDelay seeds the exponential backoff; MaxDelay caps it.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// RPS and Burst feed the process-local send pacer.
	RPS   float64
	Burst int

	// APIURL overrides the Slack endpoint (tests).
	APIURL string
}

// SlackNotifier posts notifications to per-category Slack channels with
// bounded retries, exponential backoff with jitter, and Retry-After handling
// for rate-limit responses. Sends are paced by a token bucket so a burst of
// case activity cannot trip the API limit in the first place.
type SlackNotifier struct {
	cfg     SlackConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewSlackNotifier constructs a SlackNotifier with sane defaults for unset
// retry and pacing knobs.
func NewSlackNotifier(cfg SlackConfig, logger zerolog.Logger) *SlackNotifier {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	return &SlackNotifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		logger:  logger.With().Str("component", "slack_notifier").Logger(),
	}
}

// Notify posts text to the channel configured for category. It reports
// whether delivery ultimately succeeded; exhausting retries is a logged,
// non-fatal failure.
func (n *SlackNotifier) Notify(ctx context.Context, category Category, caseID, text string) bool {
	channel, ok := n.cfg.Channels[category]
	if !ok || channel == "" {
		n.logger.Error().Str("category", string(category)).Msg("no channel configured")
		return false
	}

	payload, err := json.Marshal(map[string]string{"channel": channel, "text": text})
	if err != nil {
		return false
	}

	for attempt := 0; attempt <= n.cfg.MaxRetries; attempt++ {
		if err := n.limiter.Wait(ctx); err != nil {
			return false
		}

		retryAfter, err := n.post(ctx, payload)
		if err == nil {
			if attempt > 0 {
				n.logger.Info().Int("retries", attempt).Str("case_id", caseID).Msg("notification succeeded after retry")
			}
			return true
		}
		var ae *apiError
		if errors.As(err, &ae) && ae.permanent {
			n.logger.Error().Err(err).
				Str("case_id", caseID).
				Str("category", string(category)).
				Msg("notification rejected, not retrying")
			return false
		}
		if attempt == n.cfg.MaxRetries {
			n.logger.Error().Err(err).
				Str("case_id", caseID).
				Str("category", string(category)).
				Int("attempts", attempt+1).
				Msg("notification failed, giving up")
			return false
		}

		delay := n.backoff(attempt, retryAfter)
		n.logger.Warn().Err(err).
			Str("case_id", caseID).
			Dur("delay", delay).
			Int("attempt", attempt+1).
			Msg("notification failed, retrying")

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
	return false
}

// post performs one chat.postMessage call. On a 429 it returns the parsed
// Retry-After (zero when absent) alongside the error.
func (n *SlackNotifier) post(ctx context.Context, payload []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.APIURL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+n.cfg.BotToken)

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		var after time.Duration
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, perr := strconv.Atoi(v); perr == nil {
				after = time.Duration(secs) * time.Second
			}
		}
		return after, &apiError{status: resp.StatusCode}
	}
	if resp.StatusCode >= 500 {
		return 0, &apiError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return 0, &apiError{status: resp.StatusCode, permanent: true}
	}

	var body struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	if !body.OK {
		return 0, &apiError{status: resp.StatusCode, code: body.Error, permanent: true}
	}
	return 0, nil
}

// backoff computes the delay before the next attempt: the server-provided
// Retry-After when present, otherwise exponential backoff with jitter,
// always capped at MaxDelay.
func (n *SlackNotifier) backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return min(retryAfter, n.cfg.MaxDelay)
	}
	d := n.cfg.BaseDelay*(1<<attempt) + time.Duration(rand.Int63n(int64(time.Second)))
	return min(d, n.cfg.MaxDelay)
}

// apiError is a non-2xx or application-level Slack API failure. permanent
// covers 4xx responses other than 429 and "ok": false bodies, which no
// amount of retrying will fix.
type apiError struct {
	status    int
	code      string
	permanent bool
}

func (e *apiError) Error() string {
	if e.code != "" {
		return "slack api: " + e.code
	}
	return "slack api: http " + strconv.Itoa(e.status)
}
