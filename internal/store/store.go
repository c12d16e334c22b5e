package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"meetupflow/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateSession signals the one-active-session-per-hold guard fired.
	ErrDuplicateSession = errors.New("store: active session already exists for this hold")
	// ErrDuplicateCode signals a code was already issued for the session.
	ErrDuplicateCode = errors.New("store: code already issued for session")
	// ErrDuplicateIdempotencyKey signals the key was reserved by an earlier attempt.
	ErrDuplicateIdempotencyKey = errors.New("store: duplicate idempotency key")
)

const pgUniqueViolation = "23505"

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.Pool.Begin(ctx)
}

const sessionColumns = `
	id, purchase_id, transaction_id, buyer_id, seller_id,
	meetup_lat, meetup_lng, address, scheduled_time,
	buyer_lat, buyer_lng, buyer_reported_at,
	seller_lat, seller_lng, seller_reported_at,
	buyer_arrived_at, seller_arrived_at,
	proximity_verified_at, verified_at, verification_method,
	status, notes, cancel_reason, expires_at, created_at, updated_at`

func (s *Store) CreateSession(ctx context.Context, tx pgx.Tx, sess *models.MeetupSession) error {
	purchaseID, transactionID := sess.Ref.Columns()
	_, err := tx.Exec(ctx, `
		INSERT INTO meetup_sessions (
			id, purchase_id, transaction_id, buyer_id, seller_id,
			meetup_lat, meetup_lng, address, scheduled_time,
			status, notes, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		sess.ID,
		purchaseID,
		transactionID,
		sess.BuyerID,
		sess.SellerID,
		sess.MeetupLocation.Lat,
		sess.MeetupLocation.Lng,
		sess.Address,
		sess.ScheduledTime,
		sess.Status,
		sess.Notes,
		sess.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateSession
		}
		return fmt.Errorf("store: insert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.MeetupSession, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM meetup_sessions WHERE id=$1`, sessionID)
	return scanSession(row)
}

// GetSessionForUpdate locks the session row for the rest of the transaction.
// Every mutation of a session goes through this lock, which serializes the
// buyer's and seller's concurrent calls. Lock order is session first, then
// purchase/transaction.
func (s *Store) GetSessionForUpdate(ctx context.Context, tx pgx.Tx, sessionID string) (*models.MeetupSession, error) {
	row := tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM meetup_sessions WHERE id=$1 FOR UPDATE`, sessionID)
	return scanSession(row)
}

type SaveLocationParams struct {
	SessionID  string
	Party      models.Party
	Point      models.GeoPoint
	ReportedAt time.Time
}

func (s *Store) SaveLocation(ctx context.Context, tx pgx.Tx, p SaveLocationParams) error {
	col := "buyer"
	if p.Party == models.PartySeller {
		col = "seller"
	}
	q := fmt.Sprintf(`
		UPDATE meetup_sessions
		SET %[1]s_lat=$2, %[1]s_lng=$3, %[1]s_reported_at=$4, updated_at=now()
		WHERE id=$1
	`, col)
	if _, err := tx.Exec(ctx, q, p.SessionID, p.Point.Lat, p.Point.Lng, p.ReportedAt); err != nil {
		return fmt.Errorf("store: save location: %w", err)
	}
	return nil
}

type RecordArrivalParams struct {
	SessionID  string
	Party      models.Party
	ArrivedAt  time.Time
	NextStatus models.SessionStatus
	// BothArrived additionally stamps proximity_verified_at.
	BothArrived bool
}

// RecordArrival stamps the set-once arrival column and advances the status.
// COALESCE keeps the first write when a retry lands after the flag is set.
func (s *Store) RecordArrival(ctx context.Context, tx pgx.Tx, p RecordArrivalParams) error {
	col := "buyer_arrived_at"
	if p.Party == models.PartySeller {
		col = "seller_arrived_at"
	}
	q := fmt.Sprintf(`
		UPDATE meetup_sessions
		SET %s=COALESCE(%s,$2),
			status=$3,
			proximity_verified_at=CASE WHEN $4 THEN COALESCE(proximity_verified_at,$2) ELSE proximity_verified_at END,
			updated_at=now()
		WHERE id=$1
	`, col, col)
	if _, err := tx.Exec(ctx, q, p.SessionID, p.ArrivedAt, p.NextStatus, p.BothArrived); err != nil {
		return fmt.Errorf("store: record arrival: %w", err)
	}
	return nil
}

func (s *Store) SetSessionMethod(ctx context.Context, tx pgx.Tx, sessionID string, method models.VerificationMethod) error {
	if _, err := tx.Exec(ctx, `
		UPDATE meetup_sessions SET verification_method=$2, updated_at=now() WHERE id=$1
	`, sessionID, method); err != nil {
		return fmt.Errorf("store: set verification method: %w", err)
	}
	return nil
}

func (s *Store) MarkSessionVerified(ctx context.Context, tx pgx.Tx, sessionID string, verifiedAt time.Time) error {
	if _, err := tx.Exec(ctx, `
		UPDATE meetup_sessions SET status=$2, verified_at=$3, updated_at=now() WHERE id=$1
	`, sessionID, models.SessionVerified, verifiedAt); err != nil {
		return fmt.Errorf("store: mark verified: %w", err)
	}
	return nil
}

// MarkSessionCompleted is guarded on Verified so a crashed-and-retried capture
// cannot complete a session that moved elsewhere.
func (s *Store) MarkSessionCompleted(ctx context.Context, tx pgx.Tx, sessionID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE meetup_sessions SET status=$2, updated_at=now() WHERE id=$1 AND status=$3
	`, sessionID, models.SessionCompleted, models.SessionVerified)
	if err != nil {
		return fmt.Errorf("store: mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) MarkSessionCancelled(ctx context.Context, tx pgx.Tx, sessionID, reason string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE meetup_sessions SET status=$2, cancel_reason=$3, updated_at=now() WHERE id=$1
	`, sessionID, models.SessionCancelled, reason); err != nil {
		return fmt.Errorf("store: mark cancelled: %w", err)
	}
	return nil
}

// MarkSessionExpired is a compare-and-swap: it only fires while the session is
// still in an active status, so a concurrent verification wins the race.
func (s *Store) MarkSessionExpired(ctx context.Context, tx pgx.Tx, sessionID string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE meetup_sessions
		SET status=$2, updated_at=now()
		WHERE id=$1 AND status=ANY($3)
	`, sessionID, models.SessionExpired, statusList(models.ActiveStatuses()))
	if err != nil {
		return false, fmt.Errorf("store: mark expired: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListExpiredSessions returns sessions the sweep should force to Expired.
func (s *Store) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]*models.MeetupSession, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM meetup_sessions
		WHERE status=ANY($1) AND expires_at < $2
		ORDER BY expires_at
		LIMIT $3
	`, statusList(models.ActiveStatuses()), now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list expired sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.MeetupSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) InsertCode(ctx context.Context, tx pgx.Tx, code *models.VerificationCode) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO verification_codes (id, session_id, code_type, code_hash, expires_at)
		VALUES ($1,$2,$3,$4,$5)
	`, code.ID, code.SessionID, code.CodeType, code.CodeHash, code.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateCode
		}
		return fmt.Errorf("store: insert code: %w", err)
	}
	return nil
}

func (s *Store) GetCodeForUpdate(ctx context.Context, tx pgx.Tx, sessionID string) (*models.VerificationCode, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, session_id, code_type, code_hash, expires_at, consumed_at, created_at
		FROM verification_codes WHERE session_id=$1 FOR UPDATE
	`, sessionID)

	var code models.VerificationCode
	var consumedAt sql.NullTime
	if err := row.Scan(&code.ID, &code.SessionID, &code.CodeType, &code.CodeHash, &code.ExpiresAt, &consumedAt, &code.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get code: %w", err)
	}
	if consumedAt.Valid {
		code.ConsumedAt = &consumedAt.Time
	}
	return &code, nil
}

// ConsumeCode sets consumed_at once; a second consume attempt is rejected.
func (s *Store) ConsumeCode(ctx context.Context, tx pgx.Tx, codeID string, at time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE verification_codes SET consumed_at=$2 WHERE id=$1 AND consumed_at IS NULL
	`, codeID, at)
	if err != nil {
		return fmt.Errorf("store: consume code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func statusList(statuses []models.SessionStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, string(st))
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.MeetupSession, error) {
	var (
		sess             models.MeetupSession
		purchaseID       *string
		transactionID    *string
		buyerLat         sql.NullFloat64
		buyerLng         sql.NullFloat64
		buyerReportedAt  sql.NullTime
		sellerLat        sql.NullFloat64
		sellerLng        sql.NullFloat64
		sellerReportedAt sql.NullTime
		buyerArrivedAt   sql.NullTime
		sellerArrivedAt  sql.NullTime
		proximityAt      sql.NullTime
		verifiedAt       sql.NullTime
		method           sql.NullString
	)

	err := row.Scan(
		&sess.ID,
		&purchaseID,
		&transactionID,
		&sess.BuyerID,
		&sess.SellerID,
		&sess.MeetupLocation.Lat,
		&sess.MeetupLocation.Lng,
		&sess.Address,
		&sess.ScheduledTime,
		&buyerLat,
		&buyerLng,
		&buyerReportedAt,
		&sellerLat,
		&sellerLng,
		&sellerReportedAt,
		&buyerArrivedAt,
		&sellerArrivedAt,
		&proximityAt,
		&verifiedAt,
		&method,
		&sess.Status,
		&sess.Notes,
		&sess.CancelReason,
		&sess.ExpiresAt,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan session: %w", err)
	}

	ref, err := models.NewRef(purchaseID, transactionID)
	if err != nil {
		return nil, fmt.Errorf("store: session %s: %w", sess.ID, err)
	}
	sess.Ref = ref

	if buyerLat.Valid && buyerLng.Valid && buyerReportedAt.Valid {
		sess.BuyerLocation = &models.PartyLocation{
			Point:      models.GeoPoint{Lat: buyerLat.Float64, Lng: buyerLng.Float64},
			ReportedAt: buyerReportedAt.Time,
		}
	}
	if sellerLat.Valid && sellerLng.Valid && sellerReportedAt.Valid {
		sess.SellerLocation = &models.PartyLocation{
			Point:      models.GeoPoint{Lat: sellerLat.Float64, Lng: sellerLng.Float64},
			ReportedAt: sellerReportedAt.Time,
		}
	}
	if buyerArrivedAt.Valid {
		sess.BuyerArrivedAt = &buyerArrivedAt.Time
	}
	if sellerArrivedAt.Valid {
		sess.SellerArrivedAt = &sellerArrivedAt.Time
	}
	if proximityAt.Valid {
		sess.ProximityVerifiedAt = &proximityAt.Time
	}
	if verifiedAt.Valid {
		sess.VerifiedAt = &verifiedAt.Time
	}
	if method.Valid {
		m := models.VerificationMethod(method.String)
		sess.VerificationMethod = &m
	}
	return &sess, nil
}
