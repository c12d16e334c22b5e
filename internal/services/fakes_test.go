package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"meetupflow/internal/models"
	"meetupflow/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakePool hands out transactions that hold a single mutex from Begin until
// Commit or Rollback, which mirrors how the session row lock serializes
// concurrent callers against Postgres.
type fakePool struct {
	mu sync.Mutex
}

func (p *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	p.mu.Lock()
	return &fakeTx{pool: p}, nil
}

type fakeTx struct {
	pool      *fakePool
	done      bool
	committed bool
}

func (t *fakeTx) Commit(context.Context) error {
	if !t.done {
		t.done = true
		t.committed = true
		t.pool.mu.Unlock()
	}
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if !t.done {
		t.done = true
		t.pool.mu.Unlock()
	}
	return nil
}

func (t *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (t *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (t *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (t *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (t *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (t *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (t *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (t *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (t *fakeTx) Conn() *pgx.Conn {
	return nil
}

type outboxEntry struct {
	topic   string
	payload map[string]any
}

// fakeRepo is an in-memory Repo. Reads hand back copies so service-side
// mutation of the snapshot never leaks into the stored state; writes replace
// stored fields the way the SQL updates do.
type fakeRepo struct {
	mu        sync.Mutex
	sessions  map[string]*models.MeetupSession
	codes     map[string]*models.VerificationCode
	purchases map[string]*models.Purchase
	rentals   map[string]*models.RentalTransaction
	outbox    []outboxEntry
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions:  map[string]*models.MeetupSession{},
		codes:     map[string]*models.VerificationCode{},
		purchases: map[string]*models.Purchase{},
		rentals:   map[string]*models.RentalTransaction{},
	}
}

func (f *fakeRepo) CreateSession(ctx context.Context, tx pgx.Tx, sess *models.MeetupSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.sessions {
		if existing.Ref == sess.Ref && !existing.Status.Terminal() {
			return store.ErrDuplicateSession
		}
	}
	cp := *sess
	f.sessions[sess.ID] = &cp
	return nil
}

func (f *fakeRepo) GetSession(ctx context.Context, sessionID string) (*models.MeetupSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (f *fakeRepo) GetSessionForUpdate(ctx context.Context, tx pgx.Tx, sessionID string) (*models.MeetupSession, error) {
	return f.GetSession(ctx, sessionID)
}

func (f *fakeRepo) SaveLocation(ctx context.Context, tx pgx.Tx, p store.SaveLocationParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[p.SessionID]
	if !ok {
		return store.ErrNotFound
	}
	loc := &models.PartyLocation{Point: p.Point, ReportedAt: p.ReportedAt}
	if p.Party == models.PartyBuyer {
		sess.BuyerLocation = loc
	} else {
		sess.SellerLocation = loc
	}
	return nil
}

func (f *fakeRepo) RecordArrival(ctx context.Context, tx pgx.Tx, p store.RecordArrivalParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[p.SessionID]
	if !ok {
		return store.ErrNotFound
	}
	at := p.ArrivedAt
	if p.Party == models.PartyBuyer {
		if sess.BuyerArrivedAt == nil {
			sess.BuyerArrivedAt = &at
		}
	} else {
		if sess.SellerArrivedAt == nil {
			sess.SellerArrivedAt = &at
		}
	}
	sess.Status = p.NextStatus
	if p.BothArrived && sess.ProximityVerifiedAt == nil {
		sess.ProximityVerifiedAt = &at
	}
	return nil
}

func (f *fakeRepo) SetSessionMethod(ctx context.Context, tx pgx.Tx, sessionID string, method models.VerificationMethod) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	sess.VerificationMethod = &method
	return nil
}

func (f *fakeRepo) MarkSessionVerified(ctx context.Context, tx pgx.Tx, sessionID string, verifiedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	sess.Status = models.SessionVerified
	sess.VerifiedAt = &verifiedAt
	return nil
}

func (f *fakeRepo) MarkSessionCancelled(ctx context.Context, tx pgx.Tx, sessionID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	sess.Status = models.SessionCancelled
	sess.CancelReason = &reason
	return nil
}

func (f *fakeRepo) InsertCode(ctx context.Context, tx pgx.Tx, code *models.VerificationCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.codes[code.SessionID]; exists {
		return store.ErrDuplicateCode
	}
	cp := *code
	f.codes[code.SessionID] = &cp
	return nil
}

func (f *fakeRepo) GetCodeForUpdate(ctx context.Context, tx pgx.Tx, sessionID string) (*models.VerificationCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	code, ok := f.codes[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *code
	return &cp, nil
}

func (f *fakeRepo) ConsumeCode(ctx context.Context, tx pgx.Tx, codeID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, code := range f.codes {
		if code.ID == codeID {
			if code.ConsumedAt != nil {
				return store.ErrNotFound
			}
			code.ConsumedAt = &at
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeRepo) GetPurchaseForUpdate(ctx context.Context, tx pgx.Tx, purchaseID string) (*models.Purchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.purchases[purchaseID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeRepo) SetPurchaseMeetup(ctx context.Context, tx pgx.Tx, purchaseID, meetupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.purchases[purchaseID]
	if !ok {
		return store.ErrNotFound
	}
	p.MeetupID = &meetupID
	return nil
}

func (f *fakeRepo) SetPurchaseVerification(ctx context.Context, tx pgx.Tx, purchaseID string, vs models.VerificationStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.purchases[purchaseID]
	if !ok {
		return store.ErrNotFound
	}
	p.VerificationStatus = vs
	return nil
}

func (f *fakeRepo) GetRentalForUpdate(ctx context.Context, tx pgx.Tx, transactionID string) (*models.RentalTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rentals[transactionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRepo) SetRentalMeetup(ctx context.Context, tx pgx.Tx, transactionID, meetupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rentals[transactionID]
	if !ok {
		return store.ErrNotFound
	}
	r.MeetupID = &meetupID
	return nil
}

func (f *fakeRepo) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbox = append(f.outbox, outboxEntry{topic: topic, payload: payload})
	return nil
}

func (f *fakeRepo) outboxTopics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.outbox))
	for _, e := range f.outbox {
		out = append(out, e.topic)
	}
	return out
}

func (f *fakeRepo) countTopic(topic string) int {
	n := 0
	for _, got := range f.outboxTopics() {
		if got == topic {
			n++
		}
	}
	return n
}

type fakeEscrow struct {
	mu        sync.Mutex
	verified  []string
	failed    []string
	verifyErr error
	failErr   error
}

func (f *fakeEscrow) OnVerified(ctx context.Context, sessionID string, ref models.MeetupRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified = append(f.verified, sessionID)
	return f.verifyErr
}

func (f *fakeEscrow) OnTerminalFailure(ctx context.Context, sessionID string, ref models.MeetupRef, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, sessionID)
	return f.failErr
}

// Shared fixture coordinates: the meetup point and positions near and far
// from it relative to the 50m threshold used in the tests.
var (
	meetupPoint = models.GeoPoint{Lat: 40.7128, Lng: -74.0060}
	nearPoint   = models.GeoPoint{Lat: 40.71282, Lng: -74.00603}
	farPoint    = models.GeoPoint{Lat: 40.7200, Lng: -74.0060}
)

const (
	buyerID  = "buyer-1"
	sellerID = "seller-1"
)

func seedPurchase(repo *fakeRepo, id string, status models.PaymentStatus) {
	repo.purchases[id] = &models.Purchase{
		ID:                 id,
		ListingID:          "listing-1",
		BuyerID:            buyerID,
		SellerID:           sellerID,
		AmountCents:        12500,
		Currency:           "USD",
		PaymentStatus:      status,
		VerificationStatus: models.VerificationPending,
		Deadline:           time.Now().UTC().Add(48 * time.Hour),
	}
}

func seedSession(repo *fakeRepo, id string, status models.SessionStatus) *models.MeetupSession {
	now := time.Now().UTC()
	sess := &models.MeetupSession{
		ID:             id,
		Ref:            models.PurchaseRef("p-1"),
		BuyerID:        buyerID,
		SellerID:       sellerID,
		MeetupLocation: meetupPoint,
		ScheduledTime:  now,
		Status:         status,
		ExpiresAt:      now.Add(time.Hour),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if status == models.SessionBothArrived {
		at := now.Add(-time.Minute)
		sess.BuyerArrivedAt = &at
		sess.SellerArrivedAt = &at
		sess.ProximityVerifiedAt = &at
	}
	repo.sessions[id] = sess
	return sess
}

func wantKind(t interface {
	Helper()
	Fatalf(string, ...any)
	Errorf(string, ...any)
}, err error, kind Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	got, ok := KindOf(err)
	if !ok {
		t.Fatalf("expected %s error, got untyped %v", kind, err)
	}
	if got != kind {
		t.Errorf("error kind = %s, want %s (err: %v)", got, kind, err)
	}
}
