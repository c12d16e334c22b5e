package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meetupflow/internal/geo"
	"meetupflow/internal/models"
	"meetupflow/internal/store"
)

// LocationService ingests location reports and explicit arrival claims. It
// computes distances read-only, but every arrival-flag write runs under the
// session row lock.
type LocationService struct {
	Pool            TxBeginner
	Repo            Repo
	ThresholdMeters float64
}

// Report applies a party's position update and returns the fresh snapshot.
// Reports older than the party's last accepted one are rejected; equal
// timestamps overwrite.
func (s *LocationService) Report(ctx context.Context, actor Actor, sessionID string, point models.GeoPoint, reportedAt time.Time) (models.ProximityStatus, error) {
	if !geo.ValidCoordinate(point.Lat, point.Lng) {
		return models.ProximityStatus{}, Validationf("coordinates are out of range")
	}
	now := time.Now().UTC()
	if reportedAt.IsZero() {
		reportedAt = now
	}

	return s.apply(ctx, actor, sessionID, func(sess *models.MeetupSession, party models.Party) (*time.Time, error) {
		if last := sess.LocationOf(party); last != nil && reportedAt.Before(last.ReportedAt) {
			return nil, Validationf("location report is older than the last accepted report")
		}

		loc := &models.PartyLocation{Point: point, ReportedAt: reportedAt}
		if party == models.PartyBuyer {
			sess.BuyerLocation = loc
		} else {
			sess.SellerLocation = loc
		}

		dist := geo.Distance(point.Lat, point.Lng, sess.MeetupLocation.Lat, sess.MeetupLocation.Lng)
		if dist <= s.ThresholdMeters {
			arrivedAt := now
			return &arrivedAt, nil
		}
		return nil, nil
	})
}

// Arrive is the explicit arrival claim, used when proximity is not
// self-reported continuously. It judges the party's last report against the
// threshold and fails with a proximity error when that report is missing or
// too far out.
func (s *LocationService) Arrive(ctx context.Context, actor Actor, sessionID string) (models.ProximityStatus, error) {
	now := time.Now().UTC()
	return s.apply(ctx, actor, sessionID, func(sess *models.MeetupSession, party models.Party) (*time.Time, error) {
		last := sess.LocationOf(party)
		if last == nil {
			return nil, Proximityf("no location report on file for this party")
		}
		dist := geo.Distance(last.Point.Lat, last.Point.Lng, sess.MeetupLocation.Lat, sess.MeetupLocation.Lng)
		if dist > s.ThresholdMeters {
			return nil, Proximityf("party is %.0fm from the meetup point (threshold %.0fm)", dist, s.ThresholdMeters)
		}
		arrivedAt := now
		return &arrivedAt, nil
	})
}

// apply runs the shared guarded-transaction shell. decide inspects the locked
// session, may mutate the in-memory location, and returns a non-nil arrival
// time when the party now counts as arrived.
func (s *LocationService) apply(
	ctx context.Context,
	actor Actor,
	sessionID string,
	decide func(sess *models.MeetupSession, party models.Party) (*time.Time, error),
) (models.ProximityStatus, error) {
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

	party := sess.PartyOf(actor.ID)
	if party == "" {
		return models.ProximityStatus{}, Validationf("actor is not a party to this session")
	}
	if !sess.Status.Active() {
		return models.ProximityStatus{}, StateConflictf("session is %s and no longer accepts location updates", sess.Status)
	}
	if sess.Expired(now) {
		return models.ProximityStatus{}, Expiredf("session expired at %s", sess.ExpiresAt.Format(time.RFC3339))
	}

	before := sess.LocationOf(party)
	arrivedAt, err := decide(sess, party)
	if err != nil {
		return models.ProximityStatus{}, err
	}

	if after := sess.LocationOf(party); after != nil && after != before {
		if err := s.Repo.SaveLocation(ctx, tx, store.SaveLocationParams{
			SessionID:  sessionID,
			Party:      party,
			Point:      after.Point,
			ReportedAt: after.ReportedAt,
		}); err != nil {
			return models.ProximityStatus{}, err
		}
	}

	if arrivedAt != nil && sess.ArrivedAtOf(party) == nil {
		next, changed := models.ArrivalStatus(sess.Status, party)
		if !changed {
			next = sess.Status
		}
		if err := s.Repo.RecordArrival(ctx, tx, store.RecordArrivalParams{
			SessionID:   sessionID,
			Party:       party,
			ArrivedAt:   *arrivedAt,
			NextStatus:  next,
			BothArrived: next == models.SessionBothArrived,
		}); err != nil {
			return models.ProximityStatus{}, err
		}

		if party == models.PartyBuyer {
			sess.BuyerArrivedAt = arrivedAt
		} else {
			sess.SellerArrivedAt = arrivedAt
		}
		if changed {
			sess.Status = next
			topic := TopicMeetupArrival
			if next == models.SessionBothArrived {
				sess.ProximityVerifiedAt = arrivedAt
				topic = TopicMeetupBothArrived
			}
			if err := s.Repo.EnqueueOutbox(ctx, tx, topic, map[string]any{
				"session_id": sessionID,
				"party":      party,
				"status":     next,
			}); err != nil {
				return models.ProximityStatus{}, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.ProximityStatus{}, fmt.Errorf("services: commit location update: %w", err)
	}

	return sess.Proximity(now), nil
}
