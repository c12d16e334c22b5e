package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"meetupflow/internal/models"
	"meetupflow/internal/services"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	Meetups      *services.MeetupService
	Locations    *services.LocationService
	Verification *services.VerificationService
}

func NewHandler(meetups *services.MeetupService, locations *services.LocationService, verification *services.VerificationService) *Handler {
	return &Handler{Meetups: meetups, Locations: locations, Verification: verification}
}

type createMeetupRequest struct {
	PurchaseID    *string         `json:"purchaseId"`
	TransactionID *string         `json:"transactionId"`
	Location      models.GeoPoint `json:"location"`
	Address       *string         `json:"address"`
	ScheduledTime *time.Time      `json:"scheduledTime"`
	Notes         *string         `json:"notes"`
}

type sessionResponse struct {
	ID                  string                     `json:"id"`
	Status              models.SessionStatus       `json:"status"`
	PurchaseID          *string                    `json:"purchaseId,omitempty"`
	TransactionID       *string                    `json:"transactionId,omitempty"`
	BuyerID             string                     `json:"buyerId"`
	SellerID            string                     `json:"sellerId"`
	MeetupLocation      models.GeoPoint            `json:"meetupLocation"`
	Address             *string                    `json:"address,omitempty"`
	ScheduledTime       time.Time                  `json:"scheduledTime"`
	BuyerArrivedAt      *time.Time                 `json:"buyerArrivedAt,omitempty"`
	SellerArrivedAt     *time.Time                 `json:"sellerArrivedAt,omitempty"`
	ProximityVerifiedAt *time.Time                 `json:"proximityVerifiedAt,omitempty"`
	VerifiedAt          *time.Time                 `json:"verifiedAt,omitempty"`
	VerificationMethod  *models.VerificationMethod `json:"verificationMethod,omitempty"`
	Notes               *string                    `json:"notes,omitempty"`
	CancelReason        *string                    `json:"cancelReason,omitempty"`
	ExpiresAt           time.Time                  `json:"expiresAt"`
}

func toSessionResponse(sess *models.MeetupSession) sessionResponse {
	purchaseID, transactionID := sess.Ref.Columns()
	return sessionResponse{
		ID:                  sess.ID,
		Status:              sess.Status,
		PurchaseID:          purchaseID,
		TransactionID:       transactionID,
		BuyerID:             sess.BuyerID,
		SellerID:            sess.SellerID,
		MeetupLocation:      sess.MeetupLocation,
		Address:             sess.Address,
		ScheduledTime:       sess.ScheduledTime,
		BuyerArrivedAt:      sess.BuyerArrivedAt,
		SellerArrivedAt:     sess.SellerArrivedAt,
		ProximityVerifiedAt: sess.ProximityVerifiedAt,
		VerifiedAt:          sess.VerifiedAt,
		VerificationMethod:  sess.VerificationMethod,
		Notes:               sess.Notes,
		CancelReason:        sess.CancelReason,
		ExpiresAt:           sess.ExpiresAt,
	}
}

func (h *Handler) CreateMeetup(w http.ResponseWriter, r *http.Request) {
	var req createMeetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(services.KindValidation), "invalid json body")
		return
	}

	ref, err := models.NewRef(req.PurchaseID, req.TransactionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(services.KindValidation), "exactly one of purchaseId or transactionId is required")
		return
	}

	params := services.ScheduleParams{
		Ref:      ref,
		Location: req.Location,
		Address:  req.Address,
		Notes:    req.Notes,
	}
	if req.ScheduledTime != nil {
		params.ScheduledTime = req.ScheduledTime.UTC()
	}

	sess, err := h.Meetups.Schedule(r.Context(), actorFrom(r), params)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		Success bool            `json:"success"`
		Session sessionResponse `json:"session"`
	}{true, toSessionResponse(sess)})
}

func (h *Handler) GetMeetup(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Meetups.Get(r.Context(), actorFrom(r), chi.URLParam(r, "meetupId"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool            `json:"success"`
		Session sessionResponse `json:"session"`
	}{true, toSessionResponse(sess)})
}

type reportLocationRequest struct {
	Lat       float64    `json:"lat"`
	Lng       float64    `json:"lng"`
	Timestamp *time.Time `json:"timestamp"`
}

func (h *Handler) ReportLocation(w http.ResponseWriter, r *http.Request) {
	var req reportLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(services.KindValidation), "invalid json body")
		return
	}
	var at time.Time
	if req.Timestamp != nil {
		at = req.Timestamp.UTC()
	}

	status, err := h.Locations.Report(r.Context(), actorFrom(r), chi.URLParam(r, "meetupId"), models.GeoPoint{Lat: req.Lat, Lng: req.Lng}, at)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeProximity(w, status)
}

func (h *Handler) Arrive(w http.ResponseWriter, r *http.Request) {
	status, err := h.Locations.Arrive(r.Context(), actorFrom(r), chi.URLParam(r, "meetupId"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeProximity(w, status)
}

type issueCodeRequest struct {
	Method string `json:"method"`
}

type issueCodeResponse struct {
	Success   bool                      `json:"success"`
	Method    models.VerificationMethod `json:"method"`
	Code      string                    `json:"code"`
	ExpiresAt time.Time                 `json:"expiresAt"`
}

// decodeBody decodes a JSON request body into dst. An empty body is fine;
// handlers with optional bodies rely on that. ContentLength is not consulted
// because chunked requests report -1.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (h *Handler) IssueCode(w http.ResponseWriter, r *http.Request) {
	var req issueCodeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(services.KindValidation), "invalid json body")
		return
	}

	code, err := h.Verification.Issue(r.Context(), actorFrom(r), chi.URLParam(r, "meetupId"), models.VerificationMethod(req.Method))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issueCodeResponse{
		Success:   true,
		Method:    code.Method,
		Code:      code.Value,
		ExpiresAt: code.ExpiresAt,
	})
}

type verifyRequest struct {
	Code string `json:"code"`
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(services.KindValidation), "invalid json body")
		return
	}

	status, err := h.Verification.Validate(r.Context(), actorFrom(r), chi.URLParam(r, "meetupId"), req.Code)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeProximity(w, status)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(services.KindValidation), "invalid json body")
		return
	}
	if err := h.Meetups.Cancel(r.Context(), actorFrom(r), chi.URLParam(r, "meetupId"), req.Reason); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
	}{true})
}

func (h *Handler) Proximity(w http.ResponseWriter, r *http.Request) {
	status, err := h.Meetups.Snapshot(r.Context(), actorFrom(r), chi.URLParam(r, "meetupId"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeProximity(w, status)
}

func writeProximity(w http.ResponseWriter, status models.ProximityStatus) {
	writeJSON(w, http.StatusOK, struct {
		Success   bool                   `json:"success"`
		Proximity models.ProximityStatus `json:"proximity"`
	}{true, status})
}
