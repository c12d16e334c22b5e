package models

import "time"

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentHeld      PaymentStatus = "held"
	PaymentCaptured  PaymentStatus = "captured"
	PaymentRefunded  PaymentStatus = "refunded"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentFailed    PaymentStatus = "failed"
)

type VerificationStatus string

const (
	VerificationPending         VerificationStatus = "pending"
	VerificationSellerConfirmed VerificationStatus = "seller_confirmed"
	VerificationBuyerConfirmed  VerificationStatus = "buyer_confirmed"
	VerificationBothConfirmed   VerificationStatus = "both_confirmed"
	VerificationFailed          VerificationStatus = "failed"
)

type Purchase struct {
	ID                 string
	ListingID          string
	BuyerID            string
	SellerID           string
	AmountCents        int64
	Currency           string
	PaymentStatus      PaymentStatus
	VerificationStatus VerificationStatus
	Deadline           time.Time
	MeetupID           *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RentalTransaction carries the refundable deposit hold for a rental handoff.
// The deposit follows the same held/captured/refunded lifecycle as a purchase.
type RentalTransaction struct {
	ID            string
	ListingID     string
	RenterID      string
	OwnerID       string
	DepositCents  int64
	Currency      string
	DepositStatus PaymentStatus
	MeetupID      *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type VerificationMethod string

const (
	MethodPIN VerificationMethod = "pin"
	MethodQR  VerificationMethod = "qr"
)

type VerificationCode struct {
	ID        string
	SessionID string
	CodeType  VerificationMethod
	// CodeHash is a bcrypt hash; the plaintext value leaves the service exactly
	// once, in the issue response.
	CodeHash   string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// PartyLocation is a party's last accepted location report for a session.
type PartyLocation struct {
	Point      GeoPoint
	ReportedAt time.Time
}

type MeetupSession struct {
	ID                  string
	Ref                 MeetupRef
	BuyerID             string
	SellerID            string
	MeetupLocation      GeoPoint
	Address             *string
	ScheduledTime       time.Time
	BuyerLocation       *PartyLocation
	SellerLocation      *PartyLocation
	BuyerArrivedAt      *time.Time
	SellerArrivedAt     *time.Time
	ProximityVerifiedAt *time.Time
	VerifiedAt          *time.Time
	VerificationMethod  *VerificationMethod
	Status              SessionStatus
	Notes               *string
	CancelReason        *string
	ExpiresAt           time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Party names which side of the handoff an actor is on.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
)

// PartyOf resolves an actor id to its role in the session, or "" when the
// actor is neither party.
func (s *MeetupSession) PartyOf(actorID string) Party {
	switch actorID {
	case s.BuyerID:
		return PartyBuyer
	case s.SellerID:
		return PartySeller
	default:
		return ""
	}
}

func (s *MeetupSession) LocationOf(p Party) *PartyLocation {
	if p == PartyBuyer {
		return s.BuyerLocation
	}
	return s.SellerLocation
}

func (s *MeetupSession) ArrivedAtOf(p Party) *time.Time {
	if p == PartyBuyer {
		return s.BuyerArrivedAt
	}
	return s.SellerArrivedAt
}

func (s *MeetupSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
