package models

import "testing"

func TestTerminalAndActive(t *testing.T) {
	tests := []struct {
		status   SessionStatus
		terminal bool
		active   bool
	}{
		{SessionScheduled, false, true},
		{SessionBuyerArrived, false, true},
		{SessionSellerArrived, false, true},
		{SessionBothArrived, false, true},
		{SessionVerified, false, false},
		{SessionCompleted, true, false},
		{SessionCancelled, true, false},
		{SessionExpired, true, false},
	}
	for _, tc := range tests {
		if got := tc.status.Terminal(); got != tc.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tc.status, got, tc.terminal)
		}
		if got := tc.status.Active(); got != tc.active {
			t.Errorf("%s.Active() = %v, want %v", tc.status, got, tc.active)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from SessionStatus
		to   SessionStatus
		want bool
	}{
		{"scheduled to buyer arrived", SessionScheduled, SessionBuyerArrived, true},
		{"scheduled to seller arrived", SessionScheduled, SessionSellerArrived, true},
		{"buyer arrived to both", SessionBuyerArrived, SessionBothArrived, true},
		{"seller arrived to both", SessionSellerArrived, SessionBothArrived, true},
		{"both arrived to verified", SessionBothArrived, SessionVerified, true},
		{"verified to completed", SessionVerified, SessionCompleted, true},

		{"scheduled skips to both", SessionScheduled, SessionBothArrived, false},
		{"scheduled skips to verified", SessionScheduled, SessionVerified, false},
		{"buyer arrived sideways to seller arrived", SessionBuyerArrived, SessionSellerArrived, false},
		{"both arrived back to buyer arrived", SessionBothArrived, SessionBuyerArrived, false},
		{"verified back to both arrived", SessionVerified, SessionBothArrived, false},
		{"same status is not a transition", SessionBothArrived, SessionBothArrived, false},

		{"cancel from scheduled", SessionScheduled, SessionCancelled, true},
		{"cancel from verified", SessionVerified, SessionCancelled, true},
		{"expire from both arrived", SessionBothArrived, SessionExpired, true},

		{"nothing leaves completed", SessionCompleted, SessionCancelled, false},
		{"nothing leaves cancelled", SessionCancelled, SessionExpired, false},
		{"nothing leaves expired", SessionExpired, SessionScheduled, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanTransition(tc.from, tc.to); got != tc.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
			}
		})
	}
}

// Every legal forward edge must strictly increase rank: the machine never
// moves backwards except into the two failure statuses.
func TestTransitionsNeverMoveBackward(t *testing.T) {
	all := []SessionStatus{
		SessionScheduled, SessionBuyerArrived, SessionSellerArrived,
		SessionBothArrived, SessionVerified, SessionCompleted,
	}
	for _, from := range all {
		for _, to := range all {
			if !CanTransition(from, to) {
				continue
			}
			if rank[to] <= rank[from] {
				t.Errorf("CanTransition(%s, %s) allows a non-forward move", from, to)
			}
		}
	}
}

func TestArrivalStatus(t *testing.T) {
	tests := []struct {
		name    string
		current SessionStatus
		party   Party
		want    SessionStatus
		changed bool
	}{
		{"buyer first", SessionScheduled, PartyBuyer, SessionBuyerArrived, true},
		{"seller first", SessionScheduled, PartySeller, SessionSellerArrived, true},
		{"seller completes pair", SessionBuyerArrived, PartySeller, SessionBothArrived, true},
		{"buyer completes pair", SessionSellerArrived, PartyBuyer, SessionBothArrived, true},
		{"buyer repeats", SessionBuyerArrived, PartyBuyer, SessionBuyerArrived, false},
		{"seller repeats", SessionSellerArrived, PartySeller, SessionSellerArrived, false},
		{"both arrived is settled", SessionBothArrived, PartyBuyer, SessionBothArrived, false},
		{"verified ignores arrivals", SessionVerified, PartySeller, SessionVerified, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, changed := ArrivalStatus(tc.current, tc.party)
			if got != tc.want || changed != tc.changed {
				t.Errorf("ArrivalStatus(%s, %s) = (%s, %v), want (%s, %v)",
					tc.current, tc.party, got, changed, tc.want, tc.changed)
			}
		})
	}
}
