package services

import (
	"context"
	"testing"
	"time"

	"meetupflow/internal/models"
)

func newMeetupService(repo *fakeRepo, escrow *fakeEscrow) *MeetupService {
	return &MeetupService{
		Pool:       &fakePool{},
		Repo:       repo,
		Escrow:     escrow,
		SessionTTL: time.Hour,
	}
}

func scheduleParams(ref models.MeetupRef) ScheduleParams {
	return ScheduleParams{
		Ref:           ref,
		Location:      meetupPoint,
		ScheduledTime: time.Now().UTC().Add(time.Hour),
	}
}

func TestScheduleForPurchase(t *testing.T) {
	repo := newFakeRepo()
	seedPurchase(repo, "p-1", models.PaymentHeld)
	svc := newMeetupService(repo, &fakeEscrow{})

	ctx := context.Background()
	sess, err := svc.Schedule(ctx, Actor{ID: buyerID}, scheduleParams(models.PurchaseRef("p-1")))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if sess.Status != models.SessionScheduled {
		t.Errorf("status = %s, want scheduled", sess.Status)
	}
	if sess.BuyerID != buyerID || sess.SellerID != sellerID {
		t.Errorf("parties = %s/%s, want taken from the purchase", sess.BuyerID, sess.SellerID)
	}
	if got := sess.ExpiresAt.Sub(sess.ScheduledTime); got != time.Hour {
		t.Errorf("expiry window = %s, want 1h after the scheduled time", got)
	}

	purchase, _ := repo.GetPurchaseForUpdate(ctx, nil, "p-1")
	if purchase.MeetupID == nil || *purchase.MeetupID != sess.ID {
		t.Error("purchase must be linked to the new session")
	}
	if repo.countTopic(TopicMeetupScheduled) != 1 {
		t.Error("scheduled event expected")
	}
}

func TestScheduleForRental(t *testing.T) {
	repo := newFakeRepo()
	repo.rentals["t-1"] = &models.RentalTransaction{
		ID:            "t-1",
		ListingID:     "listing-2",
		RenterID:      "renter-1",
		OwnerID:       "owner-1",
		DepositCents:  5000,
		Currency:      "USD",
		DepositStatus: models.PaymentHeld,
	}
	svc := newMeetupService(repo, &fakeEscrow{})

	sess, err := svc.Schedule(context.Background(), Actor{ID: "owner-1"}, scheduleParams(models.TransactionRef("t-1")))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	// The renter receives the item, so the renter takes the buyer side.
	if sess.BuyerID != "renter-1" || sess.SellerID != "owner-1" {
		t.Errorf("parties = %s/%s, want renter-1/owner-1", sess.BuyerID, sess.SellerID)
	}
}

func TestScheduleValidation(t *testing.T) {
	repo := newFakeRepo()
	seedPurchase(repo, "p-1", models.PaymentHeld)
	svc := newMeetupService(repo, &fakeEscrow{})
	ctx := context.Background()

	_, err := svc.Schedule(ctx, Actor{ID: buyerID}, scheduleParams(models.MeetupRef{}))
	wantKind(t, err, KindValidation)

	params := scheduleParams(models.PurchaseRef("p-1"))
	params.Location = models.GeoPoint{Lat: 200, Lng: 0}
	_, err = svc.Schedule(ctx, Actor{ID: buyerID}, params)
	wantKind(t, err, KindValidation)

	params = scheduleParams(models.PurchaseRef("p-1"))
	params.ScheduledTime = time.Now().UTC().Add(-time.Hour)
	_, err = svc.Schedule(ctx, Actor{ID: buyerID}, params)
	wantKind(t, err, KindValidation)

	_, err = svc.Schedule(ctx, Actor{ID: "stranger"}, scheduleParams(models.PurchaseRef("p-1")))
	wantKind(t, err, KindValidation)

	_, err = svc.Schedule(ctx, Actor{ID: buyerID}, scheduleParams(models.PurchaseRef("missing")))
	wantKind(t, err, KindNotFound)
}

func TestScheduleRequiresHeldPayment(t *testing.T) {
	repo := newFakeRepo()
	seedPurchase(repo, "p-1", models.PaymentPending)
	svc := newMeetupService(repo, &fakeEscrow{})

	_, err := svc.Schedule(context.Background(), Actor{ID: buyerID}, scheduleParams(models.PurchaseRef("p-1")))
	wantKind(t, err, KindStateConflict)
}

func TestSchedulePastDeadline(t *testing.T) {
	repo := newFakeRepo()
	seedPurchase(repo, "p-1", models.PaymentHeld)
	repo.purchases["p-1"].Deadline = time.Now().UTC().Add(-time.Hour)
	svc := newMeetupService(repo, &fakeEscrow{})

	_, err := svc.Schedule(context.Background(), Actor{ID: buyerID}, scheduleParams(models.PurchaseRef("p-1")))
	wantKind(t, err, KindExpired)
}

func TestScheduleSecondActiveSessionConflicts(t *testing.T) {
	repo := newFakeRepo()
	seedPurchase(repo, "p-1", models.PaymentHeld)
	svc := newMeetupService(repo, &fakeEscrow{})

	ctx := context.Background()
	if _, err := svc.Schedule(ctx, Actor{ID: buyerID}, scheduleParams(models.PurchaseRef("p-1"))); err != nil {
		t.Fatalf("first schedule: %v", err)
	}
	_, err := svc.Schedule(ctx, Actor{ID: sellerID}, scheduleParams(models.PurchaseRef("p-1")))
	wantKind(t, err, KindStateConflict)
}

func TestCancelTriggersRefund(t *testing.T) {
	repo := newFakeRepo()
	seedSession(repo, "sess-1", models.SessionBuyerArrived)
	escrow := &fakeEscrow{}
	svc := newMeetupService(repo, escrow)

	ctx := context.Background()
	if err := svc.Cancel(ctx, Actor{ID: buyerID}, "sess-1", "seller never showed"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	sess, _ := repo.GetSession(ctx, "sess-1")
	if sess.Status != models.SessionCancelled {
		t.Errorf("status = %s, want cancelled", sess.Status)
	}
	if sess.CancelReason == nil || *sess.CancelReason != "seller never showed" {
		t.Error("cancel reason must be recorded")
	}
	if len(escrow.failed) != 1 || escrow.failed[0] != "sess-1" {
		t.Errorf("refund calls = %v, want [sess-1]", escrow.failed)
	}
	if repo.countTopic(TopicMeetupCancelled) != 1 {
		t.Error("cancelled event expected")
	}
}

func TestCancelRequiresReason(t *testing.T) {
	repo := newFakeRepo()
	seedSession(repo, "sess-1", models.SessionScheduled)
	svc := newMeetupService(repo, &fakeEscrow{})

	err := svc.Cancel(context.Background(), Actor{ID: buyerID}, "sess-1", "")
	wantKind(t, err, KindValidation)
}

func TestCancelTerminalSessionConflicts(t *testing.T) {
	repo := newFakeRepo()
	seedSession(repo, "sess-1", models.SessionCompleted)
	svc := newMeetupService(repo, &fakeEscrow{})

	err := svc.Cancel(context.Background(), Actor{ID: buyerID}, "sess-1", "too late")
	wantKind(t, err, KindStateConflict)
}

func TestCancelByNonParty(t *testing.T) {
	repo := newFakeRepo()
	seedSession(repo, "sess-1", models.SessionScheduled)
	escrow := &fakeEscrow{}
	svc := newMeetupService(repo, escrow)

	err := svc.Cancel(context.Background(), Actor{ID: "stranger"}, "sess-1", "not mine")
	wantKind(t, err, KindValidation)

	// An admin passes the same check.
	if err := svc.Cancel(context.Background(), Actor{ID: "ops", Admin: true}, "sess-1", "support request"); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	if len(escrow.failed) != 1 {
		t.Errorf("refund calls = %v, want one after admin cancel", escrow.failed)
	}
}

// Cancelling a Verified session still drives the refund path. The coordinator
// decides from the hold status whether money actually moves back; a hold the
// capture already claimed is simply unavailable to the refund.
func TestCancelAfterVerifiedTriggersRefund(t *testing.T) {
	repo := newFakeRepo()
	seedSession(repo, "sess-1", models.SessionVerified)
	escrow := &fakeEscrow{}
	svc := newMeetupService(repo, escrow)

	if err := svc.Cancel(context.Background(), Actor{ID: "ops", Admin: true}, "sess-1", "dispute"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(escrow.failed) != 1 || escrow.failed[0] != "sess-1" {
		t.Errorf("refund calls = %v, want [sess-1]", escrow.failed)
	}
	sess := repo.sessions["sess-1"]
	if sess.Status != models.SessionCancelled {
		t.Errorf("status = %s, want cancelled", sess.Status)
	}
}

func TestGetEnforcesParties(t *testing.T) {
	repo := newFakeRepo()
	seedSession(repo, "sess-1", models.SessionScheduled)
	svc := newMeetupService(repo, &fakeEscrow{})
	ctx := context.Background()

	if _, err := svc.Get(ctx, Actor{ID: buyerID}, "sess-1"); err != nil {
		t.Fatalf("buyer get: %v", err)
	}
	if _, err := svc.Get(ctx, Actor{ID: "ops", Admin: true}, "sess-1"); err != nil {
		t.Fatalf("admin get: %v", err)
	}

	_, err := svc.Get(ctx, Actor{ID: "stranger"}, "sess-1")
	wantKind(t, err, KindValidation)

	_, err = svc.Get(ctx, Actor{ID: buyerID}, "missing")
	wantKind(t, err, KindNotFound)
}

func TestSnapshot(t *testing.T) {
	repo := newFakeRepo()
	seedSession(repo, "sess-1", models.SessionBothArrived)
	svc := newMeetupService(repo, &fakeEscrow{})

	snap, err := svc.Snapshot(context.Background(), Actor{ID: sellerID}, "sess-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.SessionID != "sess-1" || !snap.CanVerify {
		t.Errorf("snapshot = %+v, want canVerify for both_arrived", snap)
	}
}
