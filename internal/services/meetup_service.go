package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meetupflow/internal/geo"
	"meetupflow/internal/models"
	"meetupflow/internal/store"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// MeetupService owns session scheduling, cancellation, and reads.
type MeetupService struct {
	Pool       TxBeginner
	Repo       Repo
	Escrow     Escrow
	SessionTTL time.Duration
}

type ScheduleParams struct {
	Ref           models.MeetupRef
	Location      models.GeoPoint
	Address       *string
	ScheduledTime time.Time
	Notes         *string
}

// Schedule creates the single active session for a purchase or rental hold.
func (s *MeetupService) Schedule(ctx context.Context, actor Actor, params ScheduleParams) (*models.MeetupSession, error) {
	if !params.Ref.Valid() {
		return nil, Validationf("exactly one of purchaseId or transactionId is required")
	}
	if !geo.ValidCoordinate(params.Location.Lat, params.Location.Lng) {
		return nil, Validationf("meetup location is out of range")
	}

	now := time.Now().UTC()
	scheduled := params.ScheduledTime
	if scheduled.IsZero() {
		scheduled = now
	}
	if scheduled.Before(now.Add(-time.Minute)) {
		return nil, Validationf("scheduled time is in the past")
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("services: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sess := &models.MeetupSession{
		ID:             uuid.NewString(),
		Ref:            params.Ref,
		MeetupLocation: params.Location,
		Address:        params.Address,
		ScheduledTime:  scheduled,
		Status:         models.SessionScheduled,
		Notes:          params.Notes,
		ExpiresAt:      scheduled.Add(s.SessionTTL),
	}

	switch params.Ref.Kind {
	case models.RefPurchase:
		purchase, err := s.Repo.GetPurchaseForUpdate(ctx, tx, params.Ref.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, NotFoundf("purchase %s not found", params.Ref.ID)
			}
			return nil, err
		}
		if actor.ID != purchase.BuyerID && actor.ID != purchase.SellerID {
			return nil, Validationf("actor is not a party to this purchase")
		}
		if purchase.PaymentStatus != models.PaymentHeld {
			return nil, StateConflictf("purchase payment is %s, not held", purchase.PaymentStatus)
		}
		if now.After(purchase.Deadline) {
			return nil, Expiredf("purchase deadline has passed")
		}
		sess.BuyerID = purchase.BuyerID
		sess.SellerID = purchase.SellerID
	case models.RefTransaction:
		rental, err := s.Repo.GetRentalForUpdate(ctx, tx, params.Ref.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, NotFoundf("rental transaction %s not found", params.Ref.ID)
			}
			return nil, err
		}
		if actor.ID != rental.RenterID && actor.ID != rental.OwnerID {
			return nil, Validationf("actor is not a party to this rental")
		}
		if rental.DepositStatus != models.PaymentHeld {
			return nil, StateConflictf("rental deposit is %s, not held", rental.DepositStatus)
		}
		// Renter receives the item, so the renter plays the buyer role.
		sess.BuyerID = rental.RenterID
		sess.SellerID = rental.OwnerID
	}

	if err := s.Repo.CreateSession(ctx, tx, sess); err != nil {
		if errors.Is(err, store.ErrDuplicateSession) {
			return nil, StateConflictf("an active session already exists for this hold")
		}
		return nil, err
	}

	switch params.Ref.Kind {
	case models.RefPurchase:
		if err := s.Repo.SetPurchaseMeetup(ctx, tx, params.Ref.ID, sess.ID); err != nil {
			return nil, err
		}
	case models.RefTransaction:
		if err := s.Repo.SetRentalMeetup(ctx, tx, params.Ref.ID, sess.ID); err != nil {
			return nil, err
		}
	}

	if err := s.Repo.EnqueueOutbox(ctx, tx, TopicMeetupScheduled, map[string]any{
		"session_id": sess.ID,
		"ref_kind":   sess.Ref.Kind,
		"ref_id":     sess.Ref.ID,
		"expires_at": sess.ExpiresAt,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("services: commit schedule: %w", err)
	}

	sess.CreatedAt = now
	sess.UpdatedAt = now
	return sess, nil
}

// Cancel force-ends a non-terminal session. Admin override uses this same
// path; nothing writes the status column directly.
func (s *MeetupService) Cancel(ctx context.Context, actor Actor, sessionID, reason string) error {
	if reason == "" {
		return Validationf("a cancellation reason is required")
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("services: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sess, err := s.Repo.GetSessionForUpdate(ctx, tx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundf("session %s not found", sessionID)
		}
		return err
	}
	if !actor.Admin && sess.PartyOf(actor.ID) == "" {
		return Validationf("actor is not a party to this session")
	}
	if !models.CanTransition(sess.Status, models.SessionCancelled) {
		return StateConflictf("session is already %s", sess.Status)
	}

	if err := s.Repo.MarkSessionCancelled(ctx, tx, sessionID, reason); err != nil {
		return err
	}
	if err := s.Repo.EnqueueOutbox(ctx, tx, TopicMeetupCancelled, map[string]any{
		"session_id": sessionID,
		"reason":     reason,
		"actor_id":   actor.ID,
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("services: commit cancel: %w", err)
	}

	// Every cancel drives the refund path; the sweep retries it on the same
	// rows, so live call and sweep agree on what a cancelled session means. A
	// hold that was already captured is unavailable for refund and surfaces to
	// operators through the coordinator.
	if err := s.Escrow.OnTerminalFailure(ctx, sessionID, sess.Ref, reason); err != nil {
		log.WithFields(log.Fields{"session_id": sessionID, "error": err}).Error("refund after cancel failed")
	}
	return nil
}

// Get returns the session for either party or an admin.
func (s *MeetupService) Get(ctx context.Context, actor Actor, sessionID string) (*models.MeetupSession, error) {
	sess, err := s.Repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NotFoundf("session %s not found", sessionID)
		}
		return nil, err
	}
	if !actor.Admin && sess.PartyOf(actor.ID) == "" {
		return nil, Validationf("actor is not a party to this session")
	}
	return sess, nil
}

// Snapshot returns the read-only proximity view.
func (s *MeetupService) Snapshot(ctx context.Context, actor Actor, sessionID string) (models.ProximityStatus, error) {
	sess, err := s.Get(ctx, actor, sessionID)
	if err != nil {
		return models.ProximityStatus{}, err
	}
	return sess.Proximity(time.Now().UTC()), nil
}
