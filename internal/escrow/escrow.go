// Package escrow is the sole caller of the payment gateway. It releases a
// hold exactly once per purchase: capture after a verified handoff, refund
// after a cancelled or expired one, never both.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meetupflow/internal/gateway"
	"meetupflow/internal/models"
	"meetupflow/internal/store"

	"github.com/jackc/pgx/v5"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrCaptureExhausted means the gateway kept failing and the purchase was
	// parked at Failed for operator review.
	ErrCaptureExhausted = errors.New("escrow: capture attempts exhausted")
	// ErrRefundExhausted means the refund could not be delivered; the hold
	// stays in place and the sweep retries it.
	ErrRefundExhausted = errors.New("escrow: refund attempts exhausted")
	// ErrHoldUnavailable means the hold is not in a state this release applies
	// to (already captured for a refund, already refunded for a capture).
	ErrHoldUnavailable = errors.New("escrow: hold not available for this release")
)

const (
	TopicEscrowCaptured      = "escrow.captured"
	TopicEscrowCaptureFailed = "escrow.capture_failed"
	TopicEscrowRefunded      = "escrow.refunded"
	TopicEscrowRefundFailed  = "escrow.refund_failed"
)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Gateway is the external capture/refund operation, keyed by idempotency key.
type Gateway interface {
	Capture(ctx context.Context, idempotencyKey string, amountCents int64, currency string) error
	Refund(ctx context.Context, idempotencyKey string, amountCents int64, currency string) error
}

// Repo is the slice of the store the coordinator needs.
type Repo interface {
	GetSessionForUpdate(ctx context.Context, tx pgx.Tx, sessionID string) (*models.MeetupSession, error)
	MarkSessionCompleted(ctx context.Context, tx pgx.Tx, sessionID string) error
	GetPurchaseForUpdate(ctx context.Context, tx pgx.Tx, purchaseID string) (*models.Purchase, error)
	SetPurchasePayment(ctx context.Context, tx pgx.Tx, purchaseID string, from []models.PaymentStatus, to models.PaymentStatus) (bool, error)
	GetRentalForUpdate(ctx context.Context, tx pgx.Tx, transactionID string) (*models.RentalTransaction, error)
	SetRentalDeposit(ctx context.Context, tx pgx.Tx, transactionID string, from []models.PaymentStatus, to models.PaymentStatus) (bool, error)
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Coordinator struct {
	Pool        TxBeginner
	Repo        Repo
	Gateway     Gateway
	MaxAttempts int
	Backoff     time.Duration
	CallTimeout time.Duration
}

// hold is the common view over a purchase payment and a rental deposit.
type hold struct {
	id          string
	amountCents int64
	currency    string
	status      models.PaymentStatus
}

// OnVerified captures the hold behind a Verified session and completes the
// session. The idempotency key derives from the hold id, never the session
// id, so a crashed-and-rescheduled capture cannot double-charge.
func (c *Coordinator) OnVerified(ctx context.Context, sessionID string, ref models.MeetupRef) error {
	tx, err := c.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock order everywhere is session first, then hold.
	sess, err := c.Repo.GetSessionForUpdate(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == models.SessionCompleted {
		return nil
	}
	if sess.Status != models.SessionVerified {
		return fmt.Errorf("escrow: session %s is %s, not verified", sessionID, sess.Status)
	}

	h, err := c.lockHold(ctx, tx, ref)
	if err != nil {
		return err
	}
	switch h.status {
	case models.PaymentCaptured:
		// A previous attempt charged the gateway but crashed before completing
		// the session. Finish the bookkeeping.
		if err := c.Repo.MarkSessionCompleted(ctx, tx, sessionID); err != nil {
			return err
		}
		return tx.Commit(ctx)
	case models.PaymentHeld:
	default:
		return fmt.Errorf("%w: payment is %s", ErrHoldUnavailable, h.status)
	}

	key := "capture-" + h.id
	if err := c.recordKey(ctx, tx, key); err != nil {
		return err
	}
	if gerr := c.callGateway(ctx, c.Gateway.Capture, key, h); gerr != nil {
		if _, err := c.setHoldStatus(ctx, tx, ref, []models.PaymentStatus{models.PaymentHeld}, models.PaymentFailed); err != nil {
			return err
		}
		if err := c.Repo.EnqueueOutbox(ctx, tx, TopicEscrowCaptureFailed, map[string]any{
			"session_id": sessionID,
			"hold_id":    h.id,
			"error":      gerr.Error(),
		}); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("escrow: commit capture failure: %w", err)
		}
		return fmt.Errorf("%w: %s", ErrCaptureExhausted, gerr)
	}

	if ok, err := c.setHoldStatus(ctx, tx, ref, []models.PaymentStatus{models.PaymentHeld}, models.PaymentCaptured); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("escrow: hold %s changed state under capture", h.id)
	}
	if err := c.Repo.MarkSessionCompleted(ctx, tx, sessionID); err != nil {
		return err
	}
	if err := c.Repo.EnqueueOutbox(ctx, tx, TopicEscrowCaptured, map[string]any{
		"session_id":   sessionID,
		"hold_id":      h.id,
		"amount_cents": h.amountCents,
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit capture: %w", err)
	}

	log.WithFields(log.Fields{"session_id": sessionID, "hold_id": h.id, "amount_cents": h.amountCents}).
		Info("escrow captured")
	return nil
}

// OnTerminalFailure refunds the hold behind a session that ended without a
// verified handoff. A hold still Pending has nothing at the gateway to
// release and is just cancelled.
func (c *Coordinator) OnTerminalFailure(ctx context.Context, sessionID string, ref models.MeetupRef, reason string) error {
	tx, err := c.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := c.Repo.GetSessionForUpdate(ctx, tx, sessionID); err != nil {
		return err
	}

	h, err := c.lockHold(ctx, tx, ref)
	if err != nil {
		return err
	}
	switch h.status {
	case models.PaymentRefunded, models.PaymentCancelled:
		return nil
	case models.PaymentPending:
		if _, err := c.setHoldStatus(ctx, tx, ref, []models.PaymentStatus{models.PaymentPending}, models.PaymentCancelled); err != nil {
			return err
		}
		return tx.Commit(ctx)
	case models.PaymentHeld:
	default:
		return fmt.Errorf("%w: payment is %s", ErrHoldUnavailable, h.status)
	}

	key := "refund-" + h.id
	if err := c.recordKey(ctx, tx, key); err != nil {
		return err
	}
	if gerr := c.callGateway(ctx, c.Gateway.Refund, key, h); gerr != nil {
		if err := c.Repo.EnqueueOutbox(ctx, tx, TopicEscrowRefundFailed, map[string]any{
			"session_id": sessionID,
			"hold_id":    h.id,
			"error":      gerr.Error(),
		}); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("escrow: commit refund failure: %w", err)
		}
		return fmt.Errorf("%w: %s", ErrRefundExhausted, gerr)
	}

	if ok, err := c.setHoldStatus(ctx, tx, ref, []models.PaymentStatus{models.PaymentHeld}, models.PaymentRefunded); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("escrow: hold %s changed state under refund", h.id)
	}
	if err := c.Repo.EnqueueOutbox(ctx, tx, TopicEscrowRefunded, map[string]any{
		"session_id":   sessionID,
		"hold_id":      h.id,
		"amount_cents": h.amountCents,
		"reason":       reason,
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit refund: %w", err)
	}

	log.WithFields(log.Fields{"session_id": sessionID, "hold_id": h.id, "reason": reason}).
		Info("escrow refunded")
	return nil
}

// recordKey reserves the gateway idempotency key in the same transaction as
// the status flip, so operators can tie gateway activity back to holds. A
// duplicate means an earlier attempt already reached the gateway with this
// key, which is exactly what the key exists to make safe.
func (c *Coordinator) recordKey(ctx context.Context, tx pgx.Tx, key string) error {
	if err := c.Repo.InsertIdempotencyKey(ctx, tx, key); err != nil && !errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		return err
	}
	return nil
}

func (c *Coordinator) lockHold(ctx context.Context, tx pgx.Tx, ref models.MeetupRef) (hold, error) {
	switch ref.Kind {
	case models.RefPurchase:
		p, err := c.Repo.GetPurchaseForUpdate(ctx, tx, ref.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return hold{}, fmt.Errorf("escrow: purchase %s not found", ref.ID)
			}
			return hold{}, err
		}
		return hold{id: p.ID, amountCents: p.AmountCents, currency: p.Currency, status: p.PaymentStatus}, nil
	case models.RefTransaction:
		t, err := c.Repo.GetRentalForUpdate(ctx, tx, ref.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return hold{}, fmt.Errorf("escrow: rental transaction %s not found", ref.ID)
			}
			return hold{}, err
		}
		return hold{id: t.ID, amountCents: t.DepositCents, currency: t.Currency, status: t.DepositStatus}, nil
	}
	return hold{}, fmt.Errorf("escrow: invalid ref kind %q", ref.Kind)
}

func (c *Coordinator) setHoldStatus(ctx context.Context, tx pgx.Tx, ref models.MeetupRef, from []models.PaymentStatus, to models.PaymentStatus) (bool, error) {
	if ref.Kind == models.RefTransaction {
		return c.Repo.SetRentalDeposit(ctx, tx, ref.ID, from, to)
	}
	return c.Repo.SetPurchasePayment(ctx, tx, ref.ID, from, to)
}

// callGateway retries with exponential backoff up to MaxAttempts. Each attempt
// gets its own request-scoped timeout; a timed-out attempt counts as unknown
// outcome and is retried under the same idempotency key.
func (c *Coordinator) callGateway(
	ctx context.Context,
	call func(ctx context.Context, key string, amountCents int64, currency string) error,
	key string,
	h hold,
) error {
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if c.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.CallTimeout)
		}
		err := call(callCtx, key, h.amountCents, h.currency)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if !gateway.Retryable(err) {
			return err
		}
		log.WithFields(log.Fields{"key": key, "attempt": attempt, "error": err}).
			Warn("gateway call failed")
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff << (attempt - 1)):
		}
	}
	return lastErr
}
