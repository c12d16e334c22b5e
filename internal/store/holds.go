package store

import (
	"context"
	"errors"
	"fmt"

	"meetupflow/internal/models"

	"github.com/jackc/pgx/v5"
)

// GetPurchaseForUpdate takes the per-purchase lock. Capture and refund both
// run under it, which is what makes them mutually exclusive.
func (s *Store) GetPurchaseForUpdate(ctx context.Context, tx pgx.Tx, purchaseID string) (*models.Purchase, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, listing_id, buyer_id, seller_id, amount_cents, currency,
			payment_status, verification_status, deadline, meetup_id, created_at, updated_at
		FROM purchases WHERE id=$1 FOR UPDATE
	`, purchaseID)

	var p models.Purchase
	if err := row.Scan(
		&p.ID, &p.ListingID, &p.BuyerID, &p.SellerID, &p.AmountCents, &p.Currency,
		&p.PaymentStatus, &p.VerificationStatus, &p.Deadline, &p.MeetupID, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get purchase: %w", err)
	}
	return &p, nil
}

func (s *Store) SetPurchaseMeetup(ctx context.Context, tx pgx.Tx, purchaseID, meetupID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE purchases SET meetup_id=$2, updated_at=now() WHERE id=$1
	`, purchaseID, meetupID); err != nil {
		return fmt.Errorf("store: set purchase meetup: %w", err)
	}
	return nil
}

func (s *Store) SetPurchaseVerification(ctx context.Context, tx pgx.Tx, purchaseID string, vs models.VerificationStatus) error {
	if _, err := tx.Exec(ctx, `
		UPDATE purchases SET verification_status=$2, updated_at=now() WHERE id=$1
	`, purchaseID, vs); err != nil {
		return fmt.Errorf("store: set purchase verification: %w", err)
	}
	return nil
}

// SetPurchasePayment is guarded on the expected current status so a stale
// writer loses the compare-and-swap instead of clobbering a terminal status.
func (s *Store) SetPurchasePayment(ctx context.Context, tx pgx.Tx, purchaseID string, from []models.PaymentStatus, to models.PaymentStatus) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE purchases SET payment_status=$2, updated_at=now()
		WHERE id=$1 AND payment_status=ANY($3)
	`, purchaseID, to, paymentList(from))
	if err != nil {
		return false, fmt.Errorf("store: set purchase payment: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) GetRentalForUpdate(ctx context.Context, tx pgx.Tx, transactionID string) (*models.RentalTransaction, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, listing_id, renter_id, owner_id, deposit_cents, currency,
			deposit_status, meetup_id, created_at, updated_at
		FROM rental_transactions WHERE id=$1 FOR UPDATE
	`, transactionID)

	var t models.RentalTransaction
	if err := row.Scan(
		&t.ID, &t.ListingID, &t.RenterID, &t.OwnerID, &t.DepositCents, &t.Currency,
		&t.DepositStatus, &t.MeetupID, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get rental transaction: %w", err)
	}
	return &t, nil
}

func (s *Store) SetRentalMeetup(ctx context.Context, tx pgx.Tx, transactionID, meetupID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE rental_transactions SET meetup_id=$2, updated_at=now() WHERE id=$1
	`, transactionID, meetupID); err != nil {
		return fmt.Errorf("store: set rental meetup: %w", err)
	}
	return nil
}

func (s *Store) SetRentalDeposit(ctx context.Context, tx pgx.Tx, transactionID string, from []models.PaymentStatus, to models.PaymentStatus) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE rental_transactions SET deposit_status=$2, updated_at=now()
		WHERE id=$1 AND deposit_status=ANY($3)
	`, transactionID, to, paymentList(from))
	if err != nil {
		return false, fmt.Errorf("store: set rental deposit: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func paymentList(statuses []models.PaymentStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, string(st))
	}
	return out
}
