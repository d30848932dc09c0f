// Package notify delivers formatted text about case activity to destination
// channels. The core hands work to a bounded asynchronous dispatcher so that
// a slow or failing destination can never roll back a case mutation; delivery
// is best-effort.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Category selects the destination channel for a notification.
type Category string

const (
	// CategorySupport carries the running summary of new customer messages.
	CategorySupport Category = "support"
	// CategoryEscalation carries escalation alerts.
	CategoryEscalation Category = "escalation"
	// CategoryClosure carries case-closure log lines.
	CategoryClosure Category = "closure"
)

// Notifier is the outbound contract consumed by the core. Implementations
// may fail; the returned bool only feeds logging and metrics.
type Notifier interface {
	Notify(ctx context.Context, category Category, caseID, text string) bool
}

// summaryMaxLen caps the message excerpt included in support summaries.
const summaryMaxLen = 200

var titleCaser = cases.Title(language.English)

// DisplayName derives a readable customer name from a channel identity:
// the local part of an email address, title-cased, or "User <id>" for
// opaque chat identifiers.
func DisplayName(sender string) string {
	if at := strings.IndexByte(sender, '@'); at > 0 {
		local := sender[:at]
		local = strings.NewReplacer(".", " ", "_", " ", "-", " ").Replace(local)
		return titleCaser.String(local)
	}
	return "User " + sender
}

// FormatSupportSummary renders the support-channel line for a new customer
// message, truncating long bodies.
func FormatSupportSummary(caseID, body, customerName string) string {
	display := body
	if len(display) > summaryMaxLen {
		display = display[:summaryMaxLen] + "..."
	}
	short := caseID
	if len(short) > 12 {
		short = short[:12] + "..."
	}
	return fmt.Sprintf("*%s* (Case #%s):\n%s", customerName, short, display)
}

// FormatEscalationAlert renders the combined escalation alert. reason is the
// semicolon-joined list of everything that fired at once.
func FormatEscalationAlert(caseID, reason, customerIdentifier string) string {
	return fmt.Sprintf("🚨 *ESCALATION ALERT*\nCase #%s for %s\nReason: %s", caseID, customerIdentifier, reason)
}

// FormatClosureLog renders the audit line emitted when an admin closes a case.
func FormatClosureLog(caseID, adminIdentifier string, closedAt time.Time) string {
	return fmt.Sprintf("Case #%s closed at %s by %s",
		caseID, closedAt.UTC().Format("2006-01-02 15:04:05 UTC"), adminIdentifier)
}
