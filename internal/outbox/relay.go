// Package outbox drains committed-but-unpublished events from the store onto
// the message bus, preserving per-order ordering and at-least-once delivery.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/minicommerce/orders/internal/schema"
	"github.com/minicommerce/orders/internal/shared/events"
	"github.com/minicommerce/orders/internal/store"
)

// Publisher hands a message to the bus and returns after acknowledgment.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

type Config struct {
	BatchSize         int
	PollInterval      time.Duration
	ProcessingTimeout time.Duration
	// MaxAttempts is the publish attempt budget per event before it is
	// quarantined; schema violations quarantine immediately.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
}

type Relay struct {
	log       *slog.Logger
	store     store.Store
	registry  *schema.Registry
	publisher Publisher
	metrics   *Metrics
	cfg       Config
}

func NewRelay(log *slog.Logger, st store.Store, reg *schema.Registry, pub Publisher, m *Metrics, cfg Config) *Relay {
	cfg.applyDefaults()
	return &Relay{log: log, store: st, registry: reg, publisher: pub, metrics: m, cfg: cfg}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	r.log.Info("relay_start",
		slog.Int("batch_size", r.cfg.BatchSize),
		slog.String("poll_interval", r.cfg.PollInterval.String()),
		slog.Int("max_attempts", r.cfg.MaxAttempts),
	)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay_shutdown")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single poll cycle: requeue stuck rows, claim a batch,
// publish each event in sequence order.
func (r *Relay) RunOnce(ctx context.Context) {
	r.metrics.PollsTotal.Inc()

	if n, err := r.store.RequeueStuck(ctx, r.cfg.ProcessingTimeout); err != nil {
		r.metrics.ErrorsTotal.WithLabelValues("requeue_stuck").Inc()
		r.log.Error("outbox_requeue_failed", slog.String("err", err.Error()))
	} else if n > 0 {
		r.metrics.RequeuedTotal.Add(float64(n))
		r.log.Warn("outbox_requeued_stuck", slog.Int64("count", n))
	}

	batch, err := r.store.ClaimUnpublished(ctx, r.cfg.BatchSize)
	if err != nil {
		r.metrics.ErrorsTotal.WithLabelValues("claim").Inc()
		r.log.Error("outbox_claim_failed", slog.String("err", err.Error()))
		return
	}
	r.metrics.ClaimedTotal.Add(float64(len(batch)))

	// A claim can span several events of one order. Once one of them fails,
	// its successors must not go out ahead of it: release them unpublished
	// and let the claim barrier line them up again behind the retry.
	held := make(map[string]struct{})
	for _, evt := range batch {
		if _, ok := held[evt.OrderID]; ok {
			r.release(ctx, evt)
			continue
		}
		if !r.dispatch(ctx, evt) {
			held[evt.OrderID] = struct{}{}
		}
	}

	r.refreshGauges(ctx)
}

// dispatch reports whether the event reached the bus.
func (r *Relay) dispatch(ctx context.Context, evt store.OutboxEvent) bool {
	var env events.Envelope
	if err := json.Unmarshal(evt.Payload, &env); err != nil {
		r.quarantine(ctx, evt, fmt.Sprintf("malformed envelope: %v", err), "malformed_envelope")
		return false
	}

	// Producer-side gate: a violation here means the committed row and the
	// registered contract disagree, which is a bug, not a transient fault.
	if err := r.registry.Validate(evt.EventType, evt.SchemaVersion, env.Payload); err != nil {
		reason := "schema_violation"
		if errors.Is(err, schema.ErrUnknownSchema) {
			reason = "unknown_schema"
		}
		r.quarantine(ctx, evt, err.Error(), reason)
		return false
	}

	headers := map[string]string{
		events.HeaderEventID:       evt.EventID,
		events.HeaderEventType:     evt.EventType,
		events.HeaderSchemaVersion: evt.SchemaVersion,
	}

	publish := func() (struct{}, error) {
		return struct{}{}, r.publisher.Publish(ctx, evt.Topic, []byte(evt.OrderID), evt.Payload, headers)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialBackoff
	_, err := backoff.Retry(ctx, publish,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		r.publishFailed(ctx, evt, err)
		return false
	}

	if err := r.store.MarkPublished(ctx, evt.EventID); err != nil {
		// Row stays processing and is requeued as stuck, so the event is
		// republished. At-least-once: downstream dedup absorbs it. The
		// message did reach the bus, so successors may follow.
		r.metrics.ErrorsTotal.WithLabelValues("mark_published").Inc()
		r.log.Error("outbox_mark_published_failed",
			slog.String("event_id", evt.EventID),
			slog.String("err", err.Error()),
		)
		return true
	}

	r.metrics.PublishedTotal.WithLabelValues(evt.EventType).Inc()
	r.log.Info("outbox_published",
		slog.Int64("seq", evt.Seq),
		slog.String("event_id", evt.EventID),
		slog.String("event_type", evt.EventType),
		slog.String("order_id", evt.OrderID),
		slog.Int("attempts", evt.Attempts),
	)
	return true
}

func (r *Relay) release(ctx context.Context, evt store.OutboxEvent) {
	if err := r.store.ReleaseEvent(ctx, evt.EventID); err != nil {
		r.metrics.ErrorsTotal.WithLabelValues("release").Inc()
		r.log.Error("outbox_release_failed", slog.String("event_id", evt.EventID), slog.String("err", err.Error()))
		return
	}
	r.metrics.HeldBackTotal.Inc()
	r.log.Warn("outbox_held_back",
		slog.Int64("seq", evt.Seq),
		slog.String("event_id", evt.EventID),
		slog.String("order_id", evt.OrderID),
	)
}

func (r *Relay) publishFailed(ctx context.Context, evt store.OutboxEvent, pubErr error) {
	if evt.Attempts >= r.cfg.MaxAttempts {
		r.quarantine(ctx, evt, fmt.Sprintf("max attempts reached: %v", pubErr), "max_attempts")
		return
	}

	delay := r.cfg.InitialBackoff
	for i := 1; i < evt.Attempts; i++ {
		delay *= 2
		if delay >= r.cfg.MaxBackoff {
			delay = r.cfg.MaxBackoff
			break
		}
	}

	if err := r.store.ReschedulePublish(ctx, evt.EventID, time.Now().Add(delay), pubErr.Error()); err != nil {
		r.metrics.ErrorsTotal.WithLabelValues("reschedule").Inc()
		r.log.Error("outbox_reschedule_failed", slog.String("event_id", evt.EventID), slog.String("err", err.Error()))
		return
	}
	r.metrics.RetriedTotal.WithLabelValues(evt.EventType).Inc()
	r.log.Warn("outbox_publish_retry",
		slog.String("event_id", evt.EventID),
		slog.String("event_type", evt.EventType),
		slog.Int("attempts", evt.Attempts),
		slog.String("next_retry_in", delay.String()),
		slog.String("err", pubErr.Error()),
	)
}

func (r *Relay) quarantine(ctx context.Context, evt store.OutboxEvent, reason, label string) {
	if err := r.store.Quarantine(ctx, evt.EventID, reason); err != nil {
		r.metrics.ErrorsTotal.WithLabelValues("quarantine").Inc()
		r.log.Error("outbox_quarantine_failed", slog.String("event_id", evt.EventID), slog.String("err", err.Error()))
		return
	}
	r.metrics.QuarantinedTotal.WithLabelValues(label).Inc()
	r.log.Error("outbox_quarantined",
		slog.String("event_id", evt.EventID),
		slog.String("event_type", evt.EventType),
		slog.String("order_id", evt.OrderID),
		slog.String("reason", reason),
	)
}

func (r *Relay) refreshGauges(ctx context.Context) {
	st, err := r.store.Stats(ctx)
	if err != nil {
		r.metrics.ErrorsTotal.WithLabelValues("stats").Inc()
		return
	}
	r.metrics.PendingGauge.Set(float64(st.Pending))
	r.metrics.FailedGauge.Set(float64(st.Failed))
	r.metrics.LagSeconds.Set(st.OldestPendingAge.Seconds())
}
