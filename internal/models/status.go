package models

type SessionStatus string

const (
	SessionScheduled     SessionStatus = "scheduled"
	SessionBuyerArrived  SessionStatus = "buyer_arrived"
	SessionSellerArrived SessionStatus = "seller_arrived"
	SessionBothArrived   SessionStatus = "both_arrived"
	SessionVerified      SessionStatus = "verified"
	SessionCompleted     SessionStatus = "completed"
	SessionCancelled     SessionStatus = "cancelled"
	SessionExpired       SessionStatus = "expired"
)

// rank orders the forward progress of a session. Cancelled and Expired sit
// outside the order; they are reachable from any non-terminal status.
var rank = map[SessionStatus]int{
	SessionScheduled:     0,
	SessionBuyerArrived:  1,
	SessionSellerArrived: 1,
	SessionBothArrived:   2,
	SessionVerified:      3,
	SessionCompleted:     4,
}

func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionCancelled, SessionExpired:
		return true
	}
	return false
}

// Active reports whether location reports are still accepted for the status.
func (s SessionStatus) Active() bool {
	switch s {
	case SessionScheduled, SessionBuyerArrived, SessionSellerArrived, SessionBothArrived:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal forward edge. The same
// status twice is not a transition. Moving into Cancelled or Expired is legal
// from any non-terminal status; everything else must strictly advance the rank
// without skipping BuyerArrived/SellerArrived siblings backward.
func CanTransition(from, to SessionStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == SessionCancelled || to == SessionExpired {
		return true
	}
	fr, ok := rank[from]
	if !ok {
		return false
	}
	tr, ok := rank[to]
	if !ok {
		return false
	}
	if tr != fr+1 {
		return false
	}
	// Scheduled fans out to either single-arrival status; the two single-arrival
	// statuses converge only on BothArrived.
	switch from {
	case SessionBuyerArrived, SessionSellerArrived:
		return to == SessionBothArrived
	}
	return true
}

// ActiveStatuses is the SQL-side guard list for statuses that still accept
// arrivals and expiry. Verified is deliberately absent: a Verified session is
// past the handoff and must not be expired out from under a pending capture.
func ActiveStatuses() []SessionStatus {
	return []SessionStatus{SessionScheduled, SessionBuyerArrived, SessionSellerArrived, SessionBothArrived}
}

// ArrivalStatus yields the status a session should hold after the given party
// arrives, from the current status. ok is false when arrival does not change
// the status (already arrived, or status not active).
func ArrivalStatus(current SessionStatus, p Party) (SessionStatus, bool) {
	switch current {
	case SessionScheduled:
		if p == PartyBuyer {
			return SessionBuyerArrived, true
		}
		return SessionSellerArrived, true
	case SessionBuyerArrived:
		if p == PartySeller {
			return SessionBothArrived, true
		}
	case SessionSellerArrived:
		if p == PartyBuyer {
			return SessionBothArrived, true
		}
	}
	return current, false
}
