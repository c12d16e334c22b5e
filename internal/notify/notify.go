// Package notify drains the transactional outbox to the push-notification
// dispatcher. Delivery is fire-and-forget from the protocol's point of view;
// failed rows stay queued and are retried on the next drain.
package notify

import (
	"context"
	"time"

	"meetupflow/internal/store"

	log "github.com/sirupsen/logrus"
)

type Outbox interface {
	ListPendingOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
	MarkOutboxSent(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64) error
}

// Notifier delivers one event to the external dispatcher.
type Notifier interface {
	Notify(ctx context.Context, topic string, payload []byte) error
}

// LogNotifier is the default sink when no dispatcher is wired up.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, topic string, payload []byte) error {
	log.WithFields(log.Fields{"topic": topic, "payload": string(payload)}).Info("notify")
	return nil
}

type Dispatcher struct {
	Outbox   Outbox
	Notifier Notifier
	Interval time.Duration
	Batch    int
}

func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()

	for {
		if err := d.DrainOnce(ctx); err != nil {
			log.WithError(err).Error("outbox drain failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) DrainOnce(ctx context.Context) error {
	batch := d.Batch
	if batch <= 0 {
		batch = 50
	}
	msgs, err := d.Outbox.ListPendingOutbox(ctx, batch)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := d.Notifier.Notify(ctx, m.Topic, m.Payload); err != nil {
			log.WithFields(log.Fields{"outbox_id": m.ID, "topic": m.Topic, "error": err}).Warn("notify failed")
			if err := d.Outbox.MarkOutboxFailed(ctx, m.ID); err != nil {
				return err
			}
			continue
		}
		if err := d.Outbox.MarkOutboxSent(ctx, m.ID); err != nil {
			return err
		}
	}
	return nil
}
