package models

import (
	"time"

	"meetupflow/internal/geo"
)

// ProximityStatus is the single server-computed snapshot clients render from.
// Every derived flag (canVerify, isExpired) lives here so the server and the
// clients cannot drift apart on what the state machine means.
type ProximityStatus struct {
	SessionID             string              `json:"sessionId"`
	Status                SessionStatus       `json:"status"`
	BuyerArrived          bool                `json:"buyerArrived"`
	SellerArrived         bool                `json:"sellerArrived"`
	BothArrived           bool                `json:"bothArrived"`
	BuyerDistanceMeters   *float64            `json:"buyerDistanceMeters,omitempty"`
	SellerDistanceMeters  *float64            `json:"sellerDistanceMeters,omitempty"`
	PartiesDistanceMeters *float64            `json:"partiesDistanceMeters,omitempty"`
	CanVerify             bool                `json:"canVerify"`
	IsExpired             bool                `json:"isExpired"`
	ExpiresAt             time.Time           `json:"expiresAt"`
	VerificationMethod    *VerificationMethod `json:"verificationMethod,omitempty"`
}

// DistanceToMeetup returns the party's last reported distance to the meetup
// point, or nil when the party has not reported yet.
func (s *MeetupSession) DistanceToMeetup(p Party) *float64 {
	loc := s.LocationOf(p)
	if loc == nil {
		return nil
	}
	d := geo.Distance(loc.Point.Lat, loc.Point.Lng, s.MeetupLocation.Lat, s.MeetupLocation.Lng)
	return &d
}

// PartiesDistance returns the distance between the two parties' last reports,
// or nil until both have reported.
func (s *MeetupSession) PartiesDistance() *float64 {
	if s.BuyerLocation == nil || s.SellerLocation == nil {
		return nil
	}
	d := geo.Distance(
		s.BuyerLocation.Point.Lat, s.BuyerLocation.Point.Lng,
		s.SellerLocation.Point.Lat, s.SellerLocation.Point.Lng,
	)
	return &d
}

// Proximity derives the snapshot from canonical session state at now.
func (s *MeetupSession) Proximity(now time.Time) ProximityStatus {
	buyerArrived := s.BuyerArrivedAt != nil
	sellerArrived := s.SellerArrivedAt != nil
	both := buyerArrived && sellerArrived
	expired := s.Expired(now)

	return ProximityStatus{
		SessionID:             s.ID,
		Status:                s.Status,
		BuyerArrived:          buyerArrived,
		SellerArrived:         sellerArrived,
		BothArrived:           both,
		BuyerDistanceMeters:   s.DistanceToMeetup(PartyBuyer),
		SellerDistanceMeters:  s.DistanceToMeetup(PartySeller),
		PartiesDistanceMeters: s.PartiesDistance(),
		CanVerify:             both && !expired && s.Status == SessionBothArrived,
		IsExpired:             expired,
		ExpiresAt:             s.ExpiresAt,
		VerificationMethod:    s.VerificationMethod,
	}
}
