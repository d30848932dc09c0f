package notify

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var (
	// notifySent counts notifications by category and delivery outcome.
	notifySent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casedesk_notifications_total",
			Help: "Notifications handed to the notifier, by category and outcome.",
		},
		[]string{"category", "outcome"},
	)

	// notifyDropped counts requests rejected because the queue was full.
	notifyDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "casedesk_notifications_dropped_total",
			Help: "Notification requests dropped because the dispatch queue was full.",
		},
	)

	// notifyQueueDepth gauges the number of queued, not-yet-sent requests.
	notifyQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "casedesk_notification_queue_depth",
			Help: "Current depth of the notification dispatch queue.",
		},
	)
)

func init() {
	prometheus.MustRegister(notifySent, notifyDropped, notifyQueueDepth)
}

// Request is one queued notification.
type Request struct {
	Category Category
	CaseID   string
	Text     string
}

// Dispatcher decouples case processing from notification delivery. The
// lifecycle engine enqueues and moves on while a fixed worker pool drains
// the queue, so delivery failures stay inside the pool. When the bounded queue
// is full the request is dropped and counted; a notification must never
// block or fail a case mutation.
type Dispatcher struct {
	notifier Notifier
	queue    chan Request
	logger   zerolog.Logger

	workers int
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewDispatcher creates a dispatcher with the given queue capacity and
// worker count and starts the workers. ctx is handed to every Notify call,
// including those drained by Close: give it a lifetime that outlasts Close,
// or pending sends fail against a dead context.
func NewDispatcher(ctx context.Context, n Notifier, queueSize, workers int, logger zerolog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 128
	}
	if workers <= 0 {
		workers = 2
	}
	d := &Dispatcher{
		notifier: n,
		queue:    make(chan Request, queueSize),
		logger:   logger.With().Str("component", "notify_dispatcher").Logger(),
		workers:  workers,
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.work(ctx)
	}
	return d
}

// Enqueue hands a notification to the worker pool. It never blocks: when the
// queue is full the request is dropped, logged, and counted. The return
// value exists for tests and metrics only.
func (d *Dispatcher) Enqueue(req Request) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	select {
	case d.queue <- req:
		d.mu.Unlock()
		notifyQueueDepth.Set(float64(len(d.queue)))
		return true
	default:
		d.mu.Unlock()
		notifyDropped.Inc()
		d.logger.Warn().
			Str("category", string(req.Category)).
			Str("case_id", req.CaseID).
			Msg("notification queue full, dropping")
		return false
	}
}

// Close stops intake, waits for the workers to drain the queue, and returns.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for req := range d.queue {
		notifyQueueDepth.Set(float64(len(d.queue)))
		ok := d.notifier.Notify(ctx, req.Category, req.CaseID, req.Text)
		outcome := "sent"
		if !ok {
			outcome = "failed"
		}
		notifySent.WithLabelValues(string(req.Category), outcome).Inc()
	}
}
