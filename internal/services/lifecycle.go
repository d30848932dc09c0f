// Package services – LifecycleService
//
// This file implements the lifecycle engine that takes one normalized
// inbound event end-to-end: dedup check, sender classification, the admin
// closure path or the customer append-and-evaluate path, best-effort
// notification dispatch, and finally the ledger record that makes the event
// idempotent. A failure anywhere before the ledger write leaves the event
// unrecorded so that a redelivery can retry full processing.
//
// Observability: Process is OpenTelemetry-instrumented; spans carry the
// source channel and resulting case identifier.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/tbourn/go-casedesk/internal/domain"
	"github.com/tbourn/go-casedesk/internal/notify"
	"github.com/tbourn/go-casedesk/internal/repo"
	"github.com/tbourn/go-casedesk/internal/rules"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Outcome describes what processing an inbound event amounted to.
type Outcome string

const (
	// OutcomeProcessed means the event mutated case state.
	OutcomeProcessed Outcome = "processed"
	// OutcomeSkipped means the event was a duplicate and nothing happened.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeIgnored means the event was accepted without touching a case
	// (admin chatter, or a closure command with no open case).
	OutcomeIgnored Outcome = "ignored"
)

var (
	inboundProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casedesk_inbound_messages_total",
			Help: "Inbound messages processed, by source channel and outcome.",
		},
		[]string{"source", "outcome"},
	)
	casesOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casedesk_cases_opened_total",
			Help: "Cases created by inbound processing.",
		},
	)
	casesClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casedesk_cases_closed_total",
			Help: "Cases closed by admin closure commands.",
		},
	)
	casesEscalated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casedesk_cases_escalated_total",
			Help: "Cases escalated, by what drove the evaluation.",
		},
		[]string{"trigger"},
	)
)

func init() {
	prometheus.MustRegister(inboundProcessed, casesOpened, casesClosed, casesEscalated)
}

// LedgerRepo defines the dedup-ledger contract required by the engine.
type LedgerRepo interface {
	HasProcessed(ctx context.Context, db *gorm.DB, externalID, source string) (bool, error)
	RecordProcessed(ctx context.Context, db *gorm.DB, externalID, source string, caseID *string) error
}

// NotificationSink is where the engine hands notification requests. Enqueue
// must never block; delivery is best-effort.
type NotificationSink interface {
	Enqueue(req notify.Request) bool
}

// LifecycleService orchestrates inbound event processing.
type LifecycleService struct {
	DB     *gorm.DB
	Cases  *CaseService
	Ledger LedgerRepo
	Notify NotificationSink

	// Admins is the configured admin identifier list (case-insensitive).
	Admins []string
	// Rules carries the evaluator thresholds.
	Rules rules.Config
	// MaxBodyRunes caps stored message bodies.
	MaxBodyRunes int
}

// Process handles one inbound event. The returned error means the event was
// NOT recorded as processed and the adapter should withhold acknowledgement
// so the channel redelivers it.
func (s *LifecycleService) Process(ctx context.Context, msg domain.InboundMessage) (Outcome, error) {
	tr := otel.Tracer("services/LifecycleService")
	ctx, span := tr.Start(ctx, "Process",
		trace.WithAttributes(
			attribute.String("message.source", msg.Source),
			attribute.String("message.sender", msg.Sender),
		),
	)
	defer span.End()

	if strings.TrimSpace(msg.ExternalID) == "" {
		return "", ErrMissingExternalID
	}
	if !domain.ValidSource(msg.Source) {
		return "", ErrUnknownSource
	}

	seen, err := s.Ledger.HasProcessed(ctx, s.DB, msg.ExternalID, msg.Source)
	if err != nil {
		return "", err
	}
	if seen {
		inboundProcessed.WithLabelValues(msg.Source, string(OutcomeSkipped)).Inc()
		return OutcomeSkipped, nil
	}

	body := rules.SanitizeBody(msg.Body, s.MaxBodyRunes)
	if body == "" {
		return "", ErrEmptyBody
	}

	var outcome Outcome
	var caseID *string
	if rules.IsAdmin(msg.Sender, s.Admins) {
		outcome, caseID, err = s.processAdmin(ctx, msg, body)
	} else {
		outcome, caseID, err = s.processCustomer(ctx, msg, body)
	}
	if err != nil {
		return "", err
	}

	// The ledger entry is written last so a partial failure above leaves the
	// event retryable. A duplicate here means a concurrent delivery beat us
	// to it; the event is handled either way.
	if err := s.Ledger.RecordProcessed(ctx, s.DB, msg.ExternalID, msg.Source, caseID); err != nil && !errors.Is(err, repo.ErrDuplicate) {
		return "", err
	}

	if caseID != nil {
		span.SetAttributes(attribute.String("case.id", *caseID))
	}
	inboundProcessed.WithLabelValues(msg.Source, string(outcome)).Inc()
	return outcome, nil
}

// processAdmin handles a message from a recognized administrator. A closure
// command closes the most recently active open case system-wide; this
// mirrors the legacy behavior and is called out in DESIGN.md as an open
// question, since it only makes sense when one case is worked at a time.
// Any other admin message is accepted with no state change.
func (s *LifecycleService) processAdmin(ctx context.Context, msg domain.InboundMessage, body string) (Outcome, *string, error) {
	if !rules.ContainsClosurePhrase(body) {
		return OutcomeIgnored, nil, nil
	}

	c, err := s.Cases.MostRecentOpen(ctx)
	if errors.Is(err, ErrCaseNotFound) {
		// Nothing to close. Recording the event anyway keeps a stale
		// closure command from being redelivered forever.
		return OutcomeIgnored, nil, nil
	}
	if err != nil {
		return "", nil, err
	}

	if err := s.Cases.Close(ctx, c); err != nil {
		return "", nil, err
	}
	casesClosed.Inc()

	closedAt := time.Now().UTC()
	if c.ClosedAt != nil {
		closedAt = *c.ClosedAt
	}
	s.Notify.Enqueue(notify.Request{
		Category: notify.CategoryClosure,
		CaseID:   c.ID,
		Text:     notify.FormatClosureLog(c.ID, msg.Sender, closedAt),
	})

	return OutcomeProcessed, &c.ID, nil
}

// processCustomer handles a message from a customer: get-or-create the open
// case, append, evaluate escalation, notify.
func (s *LifecycleService) processCustomer(ctx context.Context, msg domain.InboundMessage, body string) (Outcome, *string, error) {
	c, created, err := s.Cases.OpenFor(ctx, msg.Sender)
	if err != nil {
		return "", nil, err
	}
	if created {
		casesOpened.Inc()
	}

	// Inactivity is judged by the gap this message ends, so the pre-append
	// activity time is what the evaluator must see.
	prevLastMessage := c.LastMessageAt

	if _, err := s.Cases.Append(ctx, c, msg.Sender, body, msg.Source, false, !created); err != nil {
		return "", nil, err
	}

	history, err := s.Cases.History(ctx, c.ID)
	if err != nil {
		return "", nil, err
	}

	eval := *c
	eval.LastMessageAt = prevLastMessage
	reasons := rules.Reasons(&eval, history, body, time.Now().UTC(), s.Rules)

	if len(reasons) > 0 && !c.Escalated {
		if err := s.Cases.Escalate(ctx, c); err != nil {
			return "", nil, err
		}
		casesEscalated.WithLabelValues("message").Inc()
		s.Notify.Enqueue(notify.Request{
			Category: notify.CategoryEscalation,
			CaseID:   c.ID,
			Text:     notify.FormatEscalationAlert(c.ID, strings.Join(reasons, "; "), c.CustomerIdentifier),
		})
	}

	s.Notify.Enqueue(notify.Request{
		Category: notify.CategorySupport,
		CaseID:   c.ID,
		Text:     notify.FormatSupportSummary(c.ID, body, notify.DisplayName(msg.Sender)),
	})

	return OutcomeProcessed, &c.ID, nil
}
