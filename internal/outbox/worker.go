package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 100
)

// Publisher hands a committed message to the downstream bus.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Worker relays pending outbox rows to a Publisher, oldest first. Delivery is
// at-least-once: a crash between publish and mark re-sends the message.
type Worker struct {
	store     Store
	publisher Publisher
	interval  time.Duration
	batch     int
	logger    *slog.Logger
	now       func() time.Time

	published prometheus.Counter
	failures  prometheus.Counter
}

type WorkerOption func(*Worker)

func WithLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithBatchSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.batch = n
		}
	}
}

// WithRegisterer exports publish counters to reg.
func WithRegisterer(reg prometheus.Registerer) WorkerOption {
	return func(w *Worker) {
		factory := promauto.With(reg)
		w.published = factory.NewCounter(prometheus.CounterOpts{
			Name: "nostrsync_outbox_published_total",
			Help: "Outbox messages handed to the downstream bus",
		})
		w.failures = factory.NewCounter(prometheus.CounterOpts{
			Name: "nostrsync_outbox_publish_failures_total",
			Help: "Outbox publish attempts that failed and will be retried",
		})
	}
}

func NewWorker(store Store, publisher Publisher, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:     store,
		publisher: publisher,
		interval:  defaultPollInterval,
		batch:     defaultBatchSize,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run drains the outbox every poll interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.Drain(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("outbox drain failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain publishes one batch. It stops at the first publish failure so messages
// for the same aggregate keep their order; already published ones are marked.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	pending, err := w.store.Pending(ctx, w.batch)
	if err != nil {
		return 0, err
	}

	done := make([]uuid.UUID, 0, len(pending))
	var publishErr error
	for _, msg := range pending {
		if err := w.publisher.Publish(ctx, msg); err != nil {
			publishErr = err
			if w.failures != nil {
				w.failures.Inc()
			}
			w.logger.Warn("outbox publish failed",
				"message_id", msg.ID,
				"event_type", msg.EventType,
				"error", err,
			)
			break
		}
		done = append(done, msg.ID)
	}

	if len(done) > 0 {
		if err := w.store.MarkPublished(ctx, done, w.now()); err != nil {
			return 0, err
		}
		if w.published != nil {
			w.published.Add(float64(len(done)))
		}
	}
	return len(done), publishErr
}
