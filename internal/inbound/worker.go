package inbound

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageSource is the partition-bound message feed. kafkax.Consumer
// satisfies it; messages for one order arrive in partition order because
// producers key by order ID.
type MessageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// DeadLetterPublisher receives messages that failed terminally.
type DeadLetterPublisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

type Worker struct {
	log     *slog.Logger
	source  MessageSource
	handler *Handler
	dlq     DeadLetterPublisher
	metrics *Metrics

	fetchBackoff time.Duration
}

func NewWorker(log *slog.Logger, source MessageSource, handler *Handler, dlq DeadLetterPublisher, m *Metrics) *Worker {
	return &Worker{
		log:          log,
		source:       source,
		handler:      handler,
		dlq:          dlq,
		metrics:      m,
		fetchBackoff: 300 * time.Millisecond,
	}
}

// Run fetches and handles messages until ctx is cancelled. An offset is
// committed only once its message is durably applied, recorded as duplicate,
// or parked on the dead-letter topic; transient failures leave the offset
// uncommitted so the message is redelivered.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("consumer_start")

	for {
		select {
		case <-ctx.Done():
			w.log.Info("consumer_shutdown")
			return
		default:
			msg, err := w.source.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				w.metrics.FetchErrorsTotal.Inc()
				w.log.Error("kafka_fetch_failed", slog.String("err", err.Error()))
				time.Sleep(w.fetchBackoff)
				continue
			}
			w.process(ctx, msg)
		}
	}
}

func (w *Worker) process(ctx context.Context, msg kafka.Message) {
	result, err := w.handler.Handle(ctx, msg.Value)

	switch {
	case err == nil:
		w.metrics.ProcessedTotal.WithLabelValues(string(result)).Inc()
		if result == ResultApplied {
			w.log.Info("inbound_applied", slog.String("topic", msg.Topic), slog.Int64("offset", msg.Offset))
		}

	case Terminal(err):
		w.log.Error("inbound_dead_letter",
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
			slog.String("err", err.Error()),
		)
		headers := map[string]string{"error": err.Error()}
		for _, h := range msg.Headers {
			headers[h.Key] = string(h.Value)
		}
		if dlqErr := w.dlq.Publish(ctx, msg.Topic+".dlq", msg.Key, msg.Value, headers); dlqErr != nil {
			// Keep the offset uncommitted; losing the message entirely is
			// worse than a duplicate dead letter.
			w.metrics.DeadLetterErrorsTotal.Inc()
			w.log.Error("dead_letter_publish_failed", slog.String("err", dlqErr.Error()))
			return
		}
		w.metrics.DeadLetteredTotal.Inc()

	default:
		// Transient: do not commit; the message will be redelivered.
		w.metrics.TransientErrorsTotal.Inc()
		w.log.Error("inbound_handle_failed",
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
			slog.String("err", err.Error()),
		)
		return
	}

	if err := w.source.CommitMessages(ctx, msg); err != nil {
		w.metrics.CommitErrorsTotal.Inc()
		w.log.Error("kafka_commit_failed", slog.String("err", err.Error()))
	}
}
