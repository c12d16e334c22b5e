// Package worker runs the background sweeps: expiring stale sessions and
// re-driving holds whose gateway release never landed.
package worker

import (
	"context"
	"time"

	"meetupflow/internal/models"
	"meetupflow/internal/store"

	"github.com/jackc/pgx/v5"
	log "github.com/sirupsen/logrus"
)

const TopicMeetupExpired = "meetup.expired"

type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]*models.MeetupSession, error)
	MarkSessionExpired(ctx context.Context, tx pgx.Tx, sessionID string) (bool, error)
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	ListPendingCaptures(ctx context.Context, limit int) ([]store.PendingRelease, error)
	ListPendingRefunds(ctx context.Context, limit int) ([]store.PendingRelease, error)
}

type Escrow interface {
	OnVerified(ctx context.Context, sessionID string, ref models.MeetupRef) error
	OnTerminalFailure(ctx context.Context, sessionID string, ref models.MeetupRef, reason string) error
}

type Sweeper struct {
	Store    Store
	Escrow   Escrow
	Interval time.Duration
	Batch    int
}

func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		if err := w.SweepOnce(ctx); err != nil {
			log.WithError(err).Error("sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce expires overdue sessions, then re-drives unreleased holds.
func (w *Sweeper) SweepOnce(ctx context.Context) error {
	now := time.Now().UTC()
	batch := w.Batch
	if batch <= 0 {
		batch = 50
	}

	sessions, err := w.Store.ListExpiredSessions(ctx, now, batch)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if err := w.expire(ctx, sess); err != nil {
			log.WithFields(log.Fields{"session_id": sess.ID, "error": err}).Error("expire session failed")
		}
	}

	refunds, err := w.Store.ListPendingRefunds(ctx, batch)
	if err != nil {
		return err
	}
	for _, r := range refunds {
		if err := w.Escrow.OnTerminalFailure(ctx, r.SessionID, r.Ref, "session ended without verification"); err != nil {
			log.WithFields(log.Fields{"session_id": r.SessionID, "error": err}).Error("refund retry failed")
		}
	}

	captures, err := w.Store.ListPendingCaptures(ctx, batch)
	if err != nil {
		return err
	}
	for _, r := range captures {
		if err := w.Escrow.OnVerified(ctx, r.SessionID, r.Ref); err != nil {
			log.WithFields(log.Fields{"session_id": r.SessionID, "error": err}).Error("capture retry failed")
		}
	}
	return nil
}

// expire force-transitions one session. The guarded update is a no-op when a
// live call moved the session first, in which case no refund is triggered.
func (w *Sweeper) expire(ctx context.Context, sess *models.MeetupSession) error {
	tx, err := w.Store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	expired, err := w.Store.MarkSessionExpired(ctx, tx, sess.ID)
	if err != nil {
		return err
	}
	if !expired {
		return tx.Rollback(ctx)
	}
	if err := w.Store.EnqueueOutbox(ctx, tx, TopicMeetupExpired, map[string]any{
		"session_id": sess.ID,
		"expired_at": sess.ExpiresAt,
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.WithFields(log.Fields{"session_id": sess.ID}).Info("session expired")

	if err := w.Escrow.OnTerminalFailure(ctx, sess.ID, sess.Ref, "session expired"); err != nil {
		log.WithFields(log.Fields{"session_id": sess.ID, "error": err}).Error("refund after expiry failed")
	}
	return nil
}
