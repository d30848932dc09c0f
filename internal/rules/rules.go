// Package rules implements the escalation rule evaluator and the small text
// classifiers used by the lifecycle engine (admin membership, closure-phrase
// detection, body sanitization).
//
// Everything here is pure: functions take the case, its ordered history, and
// an explicit "now", and never touch storage. Repeated evaluation for a fixed
// now is deterministic, which is what lets the sweeper re-run the evaluator
// safely every cycle. The lifecycle engine and the sweeper decide what to do
// with the returned reasons.
package rules

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tbourn/go-casedesk/internal/domain"
)

// Defaults for the evaluator knobs. Config values of zero fall back to these.
const (
	DefaultInactivityThreshold = 48 * time.Hour
	DefaultFollowupThreshold   = 3
)

// DefaultUrgentKeywords is the fixed keyword set checked by the urgent rule
// when the configuration does not override it.
var DefaultUrgentKeywords = []string{"urgent", "immediately", "asap", "emergency", "critical"}

// closurePatterns match admin messages that express closure intent. Matching
// is case-insensitive and looks anywhere in the body.
var closurePatterns = []*regexp.Regexp{
	regexp.MustCompile(`i'm closing this case\.`),
	regexp.MustCompile(`i am closing this case\.`),
	regexp.MustCompile(`closing this case\.`),
	regexp.MustCompile(`case closed\.`),
	regexp.MustCompile(`i'll close this case\.`),
}

// Config holds the evaluator thresholds. The zero value is usable and
// behaves like the documented defaults.
type Config struct {
	// UrgentKeywords are matched case-insensitively as substrings of a new
	// message body.
	UrgentKeywords []string
	// InactivityThreshold is how long a case may sit without a message
	// before the time rule fires.
	InactivityThreshold time.Duration
	// FollowupThreshold is the trailing run of consecutive customer
	// messages that trips the follow-up rule.
	FollowupThreshold int
}

func (c Config) keywords() []string {
	if len(c.UrgentKeywords) == 0 {
		return DefaultUrgentKeywords
	}
	return c.UrgentKeywords
}

func (c Config) inactivity() time.Duration {
	if c.InactivityThreshold <= 0 {
		return DefaultInactivityThreshold
	}
	return c.InactivityThreshold
}

func (c Config) followups() int {
	if c.FollowupThreshold <= 0 {
		return DefaultFollowupThreshold
	}
	return c.FollowupThreshold
}

// Reasons evaluates all escalation rules against the case and returns the
// distinct reasons that apply, in rule order. The rules are combined, never
// short-circuited, so a single alert can cite several simultaneous causes.
// newBody is the body of the message that triggered evaluation; pass "" when
// there is no new message (sweeper cycles), which disables the keyword rule.
func Reasons(c *domain.Case, history []domain.Message, newBody string, now time.Time, cfg Config) []string {
	var reasons []string

	if newBody != "" && ContainsUrgentKeywords(newBody, cfg.keywords()) {
		reasons = append(reasons, "Urgent keywords detected in message")
	}
	if InactiveTooLong(c, now, cfg.inactivity()) {
		reasons = append(reasons, fmt.Sprintf("Inactive for more than %d hours", int(cfg.inactivity().Hours())))
	}
	if TooManyFollowups(c, history, cfg.followups()) {
		reasons = append(reasons, fmt.Sprintf("More than %d follow-ups without admin reply", cfg.followups()))
	}

	return reasons
}

// ContainsUrgentKeywords reports whether body contains any of the keywords,
// case-insensitively, as substrings.
func ContainsUrgentKeywords(body string, keywords []string) bool {
	low := strings.ToLower(body)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(low, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// InactiveTooLong reports whether the open case has gone at least threshold
// without a message, measured against now rather than message arrival time.
func InactiveTooLong(c *domain.Case, now time.Time, threshold time.Duration) bool {
	if !c.IsOpen() {
		return false
	}
	return now.Sub(c.LastMessageAt) >= threshold
}

// TooManyFollowups reports whether, scanning backward from the newest message
// in the canonical (timestamp, id) order, the run of consecutive non-admin
// messages is at least threshold. Any admin message inside that trailing run
// ends the count.
func TooManyFollowups(c *domain.Case, history []domain.Message, threshold int) bool {
	if !c.IsOpen() {
		return false
	}
	run := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].IsAdmin {
			break
		}
		run++
		if run >= threshold {
			return true
		}
	}
	return false
}

// IsAdmin reports whether sender appears in the configured admin identifier
// list, compared case-insensitively.
func IsAdmin(sender string, admins []string) bool {
	for _, a := range admins {
		if strings.EqualFold(strings.TrimSpace(a), sender) {
			return true
		}
	}
	return false
}

// ContainsClosurePhrase reports whether an admin message expresses closure
// intent ("closing this case.", "case closed.", and close variants).
func ContainsClosurePhrase(body string) bool {
	low := strings.ToLower(body)
	for _, p := range closurePatterns {
		if p.MatchString(low) {
			return true
		}
	}
	return false
}

// SanitizeBody strips NUL bytes and surrounding whitespace and caps the body
// at maxRunes, marking truncation so the stored text is self-describing.
func SanitizeBody(body string, maxRunes int) string {
	s := strings.TrimSpace(strings.ReplaceAll(body, "\x00", ""))
	if maxRunes > 0 {
		if r := []rune(s); len(r) > maxRunes {
			return string(r[:maxRunes]) + "... [truncated]"
		}
	}
	return s
}
