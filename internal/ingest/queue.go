// Package ingest decouples channel transport cadence from processing
// concurrency: adapters push normalized InboundMessage events onto a bounded
// queue, and a fixed pool of consumers drains it through the lifecycle
// engine. A processing failure is logged and the event dropped from the
// queue; because the failure happened before the dedup record was written,
// the channel's own redelivery can retry it safely.
package ingest

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-casedesk/internal/domain"
	"github.com/tbourn/go-casedesk/internal/services"
)

var (
	ingestQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "casedesk_ingest_queue_depth",
			Help: "Current depth of the inbound event queue.",
		},
	)
	ingestRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casedesk_ingest_rejected_total",
			Help: "Inbound events rejected because the queue was full.",
		},
	)
	ingestFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casedesk_ingest_failures_total",
			Help: "Inbound events whose processing returned an error, by source.",
		},
		[]string{"source"},
	)
)

func init() {
	prometheus.MustRegister(ingestQueueDepth, ingestRejected, ingestFailures)
}

// Processor consumes one inbound event; the lifecycle engine implements it.
type Processor interface {
	Process(ctx context.Context, msg domain.InboundMessage) (services.Outcome, error)
}

// Queue is the bounded inbound event queue plus its consumer pool.
type Queue struct {
	proc   Processor
	events chan domain.InboundMessage
	logger zerolog.Logger

	workers int
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewQueue creates the queue and starts its consumers. ctx is handed to
// every Process call, Close included: give it a lifetime that outlasts
// Close, or queued events drain against a dead context and fail.
func NewQueue(ctx context.Context, proc Processor, size, workers int, logger zerolog.Logger) *Queue {
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 4
	}
	q := &Queue{
		proc:    proc,
		events:  make(chan domain.InboundMessage, size),
		logger:  logger.With().Str("component", "ingest_queue").Logger(),
		workers: workers,
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.consume(ctx)
	}
	return q
}

// Enqueue offers an event to the queue without blocking. A false return
// means the queue is full (or shut down) and the adapter should withhold
// acknowledgement so the channel redelivers the event later.
func (q *Queue) Enqueue(msg domain.InboundMessage) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	select {
	case q.events <- msg:
		q.mu.Unlock()
		ingestQueueDepth.Set(float64(len(q.events)))
		return true
	default:
		q.mu.Unlock()
		ingestRejected.Inc()
		q.logger.Warn().Str("source", msg.Source).Msg("inbound queue full, rejecting event")
		return false
	}
}

// Close stops intake and waits for the consumers to drain the queue.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.events)
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) consume(ctx context.Context) {
	defer q.wg.Done()
	for msg := range q.events {
		ingestQueueDepth.Set(float64(len(q.events)))
		outcome, err := q.proc.Process(ctx, msg)
		if err != nil {
			ingestFailures.WithLabelValues(msg.Source).Inc()
			q.logger.Error().Err(err).
				Str("source", msg.Source).
				Str("external_id", msg.ExternalID).
				Msg("inbound processing failed")
			continue
		}
		q.logger.Debug().
			Str("source", msg.Source).
			Str("external_id", msg.ExternalID).
			Str("outcome", string(outcome)).
			Msg("inbound event handled")
	}
}
