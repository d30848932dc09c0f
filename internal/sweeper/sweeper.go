// Package sweeper runs the periodic escalation sweep: a timer-driven pass
// over open, not-yet-escalated cases that re-applies the time-based and
// follow-up escalation rules so cases escalate even when no new message
// arrives. A second, slower timer prunes aged dedup-ledger entries.
package sweeper

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-casedesk/internal/domain"
	"github.com/tbourn/go-casedesk/internal/notify"
	"github.com/tbourn/go-casedesk/internal/repo"
	"github.com/tbourn/go-casedesk/internal/rules"
	"github.com/tbourn/go-casedesk/internal/services"
)

var (
	sweepCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casedesk_sweep_cycles_total",
			Help: "Completed escalation sweep cycles.",
		},
	)
	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "casedesk_sweep_duration_seconds",
			Help:    "Duration of escalation sweep cycles.",
			Buckets: prometheus.DefBuckets,
		},
	)
	sweepEscalated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casedesk_sweep_escalations_total",
			Help: "Cases escalated by the sweeper.",
		},
	)
	ledgerPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casedesk_ledger_pruned_total",
			Help: "Dedup ledger entries deleted by retention sweeps.",
		},
	)
)

func init() {
	prometheus.MustRegister(sweepCycles, sweepDuration, sweepEscalated, ledgerPruned)
}

// Config holds the sweeper intervals and rule thresholds.
type Config struct {
	// SweepInterval is how often the escalation sweep runs.
	SweepInterval time.Duration
	// AlertInterval throttles repeated escalation alerts per case.
	AlertInterval time.Duration
	// LedgerRetention is how long processed-message records are kept.
	LedgerRetention time.Duration
	// RetentionInterval is how often the ledger retention sweep runs.
	RetentionInterval time.Duration
	// Rules carries the evaluator thresholds (rule 1 never applies here:
	// a sweep has no new message).
	Rules rules.Config
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 300 * time.Second
	}
	if c.AlertInterval <= 0 {
		c.AlertInterval = time.Hour
	}
	if c.LedgerRetention <= 0 {
		c.LedgerRetention = 30 * 24 * time.Hour
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = 24 * time.Hour
	}
	return c
}

// Sweeper drives the periodic escalation and retention sweeps.
type Sweeper struct {
	db     *gorm.DB
	cases  *services.CaseService
	sink   services.NotificationSink
	cfg    Config
	logger zerolog.Logger
}

// New constructs a Sweeper. Zero config fields fall back to the documented
// defaults.
func New(db *gorm.DB, cases *services.CaseService, sink services.NotificationSink, cfg Config, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		db:     db,
		cases:  cases,
		sink:   sink,
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "sweeper").Logger(),
	}
}

// Run blocks, firing sweep cycles until ctx is cancelled. Cancellation stops
// further timer firing; a cycle already in flight finishes its current case
// before returning.
func (s *Sweeper) Run(ctx context.Context) {
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	retention := time.NewTicker(s.cfg.RetentionInterval)
	defer retention.Stop()

	s.logger.Info().
		Dur("sweep_interval", s.cfg.SweepInterval).
		Dur("alert_interval", s.cfg.AlertInterval).
		Msg("sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweeper stopped")
			return
		case <-sweep.C:
			s.SweepOnce(ctx, time.Now().UTC())
		case <-retention.C:
			s.PruneLedger(ctx, time.Now().UTC())
		}
	}
}

// SweepOnce runs a single escalation sweep against a fixed now. Each case is
// evaluated and updated independently: an error on one case is logged and
// the cycle moves on, so a crash mid-sweep at worst loses progress on the
// remaining cases.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) {
	start := time.Now()
	defer func() {
		sweepDuration.Observe(time.Since(start).Seconds())
		sweepCycles.Inc()
	}()

	// Already-escalated cases are excluded at the query: the sweeper never
	// re-evaluates or re-alerts an escalated case.
	cases, err := repo.ListOpenUnescalated(ctx, s.db)
	if err != nil {
		s.logger.Error().Err(err).Msg("sweep: listing open cases failed")
		return
	}

	escalated := 0
	for i := range cases {
		c := &cases[i]
		if err := s.sweepCase(ctx, c, now); err != nil {
			s.logger.Error().Err(err).Str("case_id", c.ID).Msg("sweep: case evaluation failed")
			continue
		}
		if c.Escalated {
			escalated++
		}
	}

	if escalated > 0 {
		s.logger.Info().Int("escalated", escalated).Int("checked", len(cases)).Msg("sweep cycle completed")
	} else {
		s.logger.Debug().Int("checked", len(cases)).Msg("sweep cycle completed, nothing to escalate")
	}
}

func (s *Sweeper) sweepCase(ctx context.Context, c *domain.Case, now time.Time) error {
	history, err := s.cases.History(ctx, c.ID)
	if err != nil {
		return err
	}

	// No new message in a sweep, so the keyword rule is off.
	reasons := rules.Reasons(c, history, "", now, s.cfg.Rules)
	if len(reasons) == 0 {
		return nil
	}

	if err := s.cases.Escalate(ctx, c); err != nil {
		return err
	}
	sweepEscalated.Inc()

	// The alert gate only covers the window between escalation and alert
	// dispatch confirmation; once escalated the case never re-enters the
	// sweep at all.
	if s.cases.DueForAlert(c, s.cfg.AlertInterval) {
		s.sink.Enqueue(notify.Request{
			Category: notify.CategoryEscalation,
			CaseID:   c.ID,
			Text:     notify.FormatEscalationAlert(c.ID, strings.Join(reasons, "; "), c.CustomerIdentifier),
		})
		if err := s.cases.MarkAlertSent(ctx, c); err != nil {
			return err
		}
	}

	s.logger.Info().Str("case_id", c.ID).Strs("reasons", reasons).Msg("case escalated by sweep")
	return nil
}

// PruneLedger deletes processed-message records older than the retention
// window. It never touches case or message rows.
func (s *Sweeper) PruneLedger(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.cfg.LedgerRetention)
	n, err := repo.PruneProcessedBefore(ctx, s.db, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("ledger retention sweep failed")
		return
	}
	if n > 0 {
		ledgerPruned.Add(float64(n))
		s.logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("ledger retention sweep completed")
	}
}
