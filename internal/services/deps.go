package services

import (
	"context"
	"time"

	"meetupflow/internal/models"
	"meetupflow/internal/store"

	"github.com/jackc/pgx/v5"
)

// Actor is the authenticated identity an operation runs as. Identity is always
// passed explicitly; the services keep no ambient "current user".
type Actor struct {
	ID    string
	Admin bool
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repo is the slice of the store the meetup services depend on.
type Repo interface {
	CreateSession(ctx context.Context, tx pgx.Tx, sess *models.MeetupSession) error
	GetSession(ctx context.Context, sessionID string) (*models.MeetupSession, error)
	GetSessionForUpdate(ctx context.Context, tx pgx.Tx, sessionID string) (*models.MeetupSession, error)
	SaveLocation(ctx context.Context, tx pgx.Tx, p store.SaveLocationParams) error
	RecordArrival(ctx context.Context, tx pgx.Tx, p store.RecordArrivalParams) error
	SetSessionMethod(ctx context.Context, tx pgx.Tx, sessionID string, method models.VerificationMethod) error
	MarkSessionVerified(ctx context.Context, tx pgx.Tx, sessionID string, verifiedAt time.Time) error
	MarkSessionCancelled(ctx context.Context, tx pgx.Tx, sessionID, reason string) error

	InsertCode(ctx context.Context, tx pgx.Tx, code *models.VerificationCode) error
	GetCodeForUpdate(ctx context.Context, tx pgx.Tx, sessionID string) (*models.VerificationCode, error)
	ConsumeCode(ctx context.Context, tx pgx.Tx, codeID string, at time.Time) error

	GetPurchaseForUpdate(ctx context.Context, tx pgx.Tx, purchaseID string) (*models.Purchase, error)
	SetPurchaseMeetup(ctx context.Context, tx pgx.Tx, purchaseID, meetupID string) error
	SetPurchaseVerification(ctx context.Context, tx pgx.Tx, purchaseID string, vs models.VerificationStatus) error
	GetRentalForUpdate(ctx context.Context, tx pgx.Tx, transactionID string) (*models.RentalTransaction, error)
	SetRentalMeetup(ctx context.Context, tx pgx.Tx, transactionID, meetupID string) error

	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Escrow is the coordinator hook invoked after a terminal session outcome
// commits. Its failures are never surfaced to the calling party.
type Escrow interface {
	OnVerified(ctx context.Context, sessionID string, ref models.MeetupRef) error
	OnTerminalFailure(ctx context.Context, sessionID string, ref models.MeetupRef, reason string) error
}

// Outbox topics emitted on session transitions.
const (
	TopicMeetupScheduled   = "meetup.scheduled"
	TopicMeetupArrival     = "meetup.arrival"
	TopicMeetupBothArrived = "meetup.both_arrived"
	TopicMeetupCodeIssued  = "meetup.code_issued"
	TopicMeetupVerified    = "meetup.verified"
	TopicMeetupCancelled   = "meetup.cancelled"
)
