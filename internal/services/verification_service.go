package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"meetupflow/internal/models"
	"meetupflow/internal/store"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const qrSecretBytes = 20

// VerificationService issues and validates the one-time handoff code.
type VerificationService struct {
	Pool          TxBeginner
	Repo          Repo
	Escrow        Escrow
	CodeTTL       time.Duration
	PINLength     int
	DefaultMethod models.VerificationMethod
	// BcryptCost is overridable so tests can use bcrypt.MinCost.
	BcryptCost int
}

// IssuedCode carries the plaintext value back to the caller. Only the bcrypt
// hash is stored.
type IssuedCode struct {
	ID        string
	SessionID string
	Method    models.VerificationMethod
	Value     string
	ExpiresAt time.Time
}

// Issue mints the session's single code. Only legal at BothArrived, once.
func (s *VerificationService) Issue(ctx context.Context, actor Actor, sessionID string, method models.VerificationMethod) (*IssuedCode, error) {
	if method == "" {
		method = s.DefaultMethod
	}
	if method != models.MethodPIN && method != models.MethodQR {
		return nil, Validationf("unknown verification method %q", method)
	}

	now := time.Now().UTC()

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("services: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sess, err := s.Repo.GetSessionForUpdate(ctx, tx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NotFoundf("session %s not found", sessionID)
		}
		return nil, err
	}
	if sess.PartyOf(actor.ID) == "" {
		return nil, Validationf("actor is not a party to this session")
	}
	if sess.Expired(now) {
		return nil, Expiredf("session expired at %s", sess.ExpiresAt.Format(time.RFC3339))
	}
	if sess.Status != models.SessionBothArrived {
		return nil, StateConflictf("code issuance requires both parties arrived; session is %s", sess.Status)
	}

	value, err := s.generate(method)
	if err != nil {
		return nil, fmt.Errorf("services: generate code: %w", err)
	}
	cost := s.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(value), cost)
	if err != nil {
		return nil, fmt.Errorf("services: hash code: %w", err)
	}

	code := &models.VerificationCode{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		CodeType:  method,
		CodeHash:  string(hash),
		ExpiresAt: now.Add(s.CodeTTL),
	}
	if err := s.Repo.InsertCode(ctx, tx, code); err != nil {
		if errors.Is(err, store.ErrDuplicateCode) {
			return nil, StateConflictf("a code was already issued for this session")
		}
		return nil, err
	}
	if err := s.Repo.SetSessionMethod(ctx, tx, sessionID, method); err != nil {
		return nil, err
	}
	if err := s.Repo.EnqueueOutbox(ctx, tx, TopicMeetupCodeIssued, map[string]any{
		"session_id": sessionID,
		"method":     method,
		"expires_at": code.ExpiresAt,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("services: commit issue: %w", err)
	}

	return &IssuedCode{
		ID:        code.ID,
		SessionID: sessionID,
		Method:    method,
		Value:     value,
		ExpiresAt: code.ExpiresAt,
	}, nil
}

// Validate consumes the code and flips the session to Verified. Either party
// may submit: one reads or displays the code to the other at the handoff.
func (s *VerificationService) Validate(ctx context.Context, actor Actor, sessionID, value string) (models.ProximityStatus, error) {
	if value == "" {
		return models.ProximityStatus{}, Validationf("a code value is required")
	}
	now := time.Now().UTC()

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return models.ProximityStatus{}, fmt.Errorf("services: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sess, err := s.Repo.GetSessionForUpdate(ctx, tx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.ProximityStatus{}, NotFoundf("session %s not found", sessionID)
		}
		return models.ProximityStatus{}, err
	}
	if sess.PartyOf(actor.ID) == "" {
		return models.ProximityStatus{}, Validationf("actor is not a party to this session")
	}
	if !models.CanTransition(sess.Status, models.SessionVerified) {
		return models.ProximityStatus{}, StateConflictf("session is %s, not awaiting verification", sess.Status)
	}
	// The session deadline wins over the code's own expiry, even before the
	// sweep has run.
	if sess.Expired(now) {
		return models.ProximityStatus{}, Expiredf("session expired at %s", sess.ExpiresAt.Format(time.RFC3339))
	}

	code, err := s.Repo.GetCodeForUpdate(ctx, tx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.ProximityStatus{}, StateConflictf("no code has been issued for this session")
		}
		return models.ProximityStatus{}, err
	}
	if code.ConsumedAt != nil {
		return models.ProximityStatus{}, StateConflictf("code was already consumed")
	}
	if now.After(code.ExpiresAt) {
		return models.ProximityStatus{}, Expiredf("code expired at %s", code.ExpiresAt.Format(time.RFC3339))
	}
	if bcrypt.CompareHashAndPassword([]byte(code.CodeHash), []byte(value)) != nil {
		return models.ProximityStatus{}, Validationf("code value does not match")
	}

	if err := s.Repo.ConsumeCode(ctx, tx, code.ID, now); err != nil {
		return models.ProximityStatus{}, err
	}
	if err := s.Repo.MarkSessionVerified(ctx, tx, sessionID, now); err != nil {
		return models.ProximityStatus{}, err
	}
	if sess.Ref.Kind == models.RefPurchase {
		if _, err := s.Repo.GetPurchaseForUpdate(ctx, tx, sess.Ref.ID); err != nil {
			return models.ProximityStatus{}, err
		}
		if err := s.Repo.SetPurchaseVerification(ctx, tx, sess.Ref.ID, models.VerificationBothConfirmed); err != nil {
			return models.ProximityStatus{}, err
		}
	}
	if err := s.Repo.EnqueueOutbox(ctx, tx, TopicMeetupVerified, map[string]any{
		"session_id":  sessionID,
		"verified_at": now,
		"actor_id":    actor.ID,
	}); err != nil {
		return models.ProximityStatus{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.ProximityStatus{}, fmt.Errorf("services: commit verify: %w", err)
	}

	sess.Status = models.SessionVerified
	sess.VerifiedAt = &now

	// Capture runs after the verification committed. Its failure is an
	// operator concern; the party still sees Verified.
	if err := s.Escrow.OnVerified(ctx, sessionID, sess.Ref); err != nil {
		log.WithFields(log.Fields{"session_id": sessionID, "error": err}).Error("escrow capture failed")
	}

	return sess.Proximity(now), nil
}

func (s *VerificationService) generate(method models.VerificationMethod) (string, error) {
	if method == models.MethodQR {
		buf := make([]byte, qrSecretBytes)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		return "mq1" + base58.Encode(buf), nil
	}

	length := s.PINLength
	if length <= 0 {
		length = 4
	}
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}
