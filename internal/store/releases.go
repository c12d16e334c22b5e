package store

import (
	"context"
	"fmt"

	"meetupflow/internal/models"
)

// PendingRelease is a session whose hold still needs a gateway release.
type PendingRelease struct {
	SessionID string
	Ref       models.MeetupRef
}

// ListPendingCaptures finds sessions that verified but whose hold is still
// held: a crash between verification and capture leaves exactly this shape,
// and the retry is safe because the capture idempotency key is stable.
func (s *Store) ListPendingCaptures(ctx context.Context, limit int) ([]PendingRelease, error) {
	return s.listReleases(ctx, `
		SELECT s.id, s.purchase_id, s.transaction_id
		FROM meetup_sessions s
		LEFT JOIN purchases p ON p.id = s.purchase_id
		LEFT JOIN rental_transactions t ON t.id = s.transaction_id
		WHERE s.status = 'verified'
		  AND (p.payment_status = 'held' OR t.deposit_status = 'held')
		ORDER BY s.updated_at
		LIMIT $1
	`, limit)
}

// ListPendingRefunds finds cancelled or expired sessions whose hold was never
// released, including refunds whose gateway delivery previously failed.
func (s *Store) ListPendingRefunds(ctx context.Context, limit int) ([]PendingRelease, error) {
	return s.listReleases(ctx, `
		SELECT s.id, s.purchase_id, s.transaction_id
		FROM meetup_sessions s
		LEFT JOIN purchases p ON p.id = s.purchase_id
		LEFT JOIN rental_transactions t ON t.id = s.transaction_id
		WHERE s.status IN ('cancelled','expired')
		  AND (p.payment_status IN ('held','pending') OR t.deposit_status IN ('held','pending'))
		ORDER BY s.updated_at
		LIMIT $1
	`, limit)
}

func (s *Store) listReleases(ctx context.Context, query string, limit int) ([]PendingRelease, error) {
	rows, err := s.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list releases: %w", err)
	}
	defer rows.Close()

	var out []PendingRelease
	for rows.Next() {
		var (
			r             PendingRelease
			purchaseID    *string
			transactionID *string
		)
		if err := rows.Scan(&r.SessionID, &purchaseID, &transactionID); err != nil {
			return nil, fmt.Errorf("store: scan release: %w", err)
		}
		ref, err := models.NewRef(purchaseID, transactionID)
		if err != nil {
			return nil, fmt.Errorf("store: session %s: %w", r.SessionID, err)
		}
		r.Ref = ref
		out = append(out, r)
	}
	return out, rows.Err()
}
