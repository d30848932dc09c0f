package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-casedesk/internal/domain"
)

// Fetcher is the seam for polling transports (the IMAP mailbox client lives
// behind it). Fetch returns whatever new messages are available right now;
// an empty slice is a normal quiet poll. Fetch is never called concurrently
// with itself.
type Fetcher interface {
	Fetch(ctx context.Context) ([]domain.InboundMessage, error)
}

// Poller periodically drives a Fetcher and enqueues its results. Transport
// errors and full-queue rejections are logged and left for the next poll;
// the mailbox keeps unacknowledged messages around, so nothing is lost.
type Poller struct {
	fetcher  Fetcher
	queue    *Queue
	interval time.Duration
	logger   zerolog.Logger
}

// NewPoller constructs a Poller with the given poll interval.
func NewPoller(f Fetcher, q *Queue, interval time.Duration, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		fetcher:  f,
		queue:    q,
		interval: interval,
		logger:   logger.With().Str("component", "poller").Logger(),
	}
}

// Run blocks, polling until ctx is cancelled. An in-flight poll observes the
// cancellation through its context.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info().Dur("interval", p.interval).Msg("poller started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("poller stopped")
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	msgs, err := p.fetcher.Fetch(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("fetch failed")
		return
	}
	for _, m := range msgs {
		if !p.queue.Enqueue(m) {
			// Queue is saturated; the rest of the batch stays with the
			// transport until the next poll.
			p.logger.Warn().Str("external_id", m.ExternalID).Msg("enqueue rejected, deferring batch")
			return
		}
	}
	if len(msgs) > 0 {
		p.logger.Debug().Int("fetched", len(msgs)).Msg("poll completed")
	}
}
