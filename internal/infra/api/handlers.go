package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"eduvault-payments/internal/domain"
	"eduvault-payments/internal/infra/logging"
	"eduvault-payments/internal/usecase"
)

const (
	maxRequestBytes  = 16 << 10
	maxCallbackBytes = 64 << 10
)

type initiateRequest struct {
	CourseID    string `json:"courseId"`
	Year        int    `json:"year"`
	PhoneNumber string `json:"phoneNumber"`
}

type initiateResponse struct {
	SubscriptionID    string    `json:"subscriptionId"`
	Amount            int64     `json:"amount"`
	Currency          string    `json:"currency"`
	ExpiryTime        time.Time `json:"expiryTime"`
	Status            string    `json:"status"`
	CheckoutRequestID string    `json:"checkoutRequestId"`
	CustomerMessage   string    `json:"customerMessage,omitempty"`
}

type subscriptionResponse struct {
	ID                string     `json:"id"`
	CourseID          string     `json:"courseId"`
	Year              int        `json:"year"`
	Amount            int64      `json:"amount"`
	Currency          string     `json:"currency"`
	Status            string     `json:"status"`
	IsCurrentlyActive bool       `json:"isCurrentlyActive"`
	DaysRemaining     int        `json:"daysRemaining"`
	StartTime         time.Time  `json:"startTime"`
	ExpiryTime        time.Time  `json:"expiryTime"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	ReceiptID         *string    `json:"receiptId,omitempty"`
	CheckoutRequestID *string    `json:"checkoutRequestId,omitempty"`
	FailureReason     *string    `json:"failureReason,omitempty"`
	CourseName        string     `json:"courseName,omitempty"`
	InstitutionName   string     `json:"institutionName,omitempty"`
}

type entitlementResponse struct {
	HasSubscription bool                  `json:"hasSubscription"`
	Details         *subscriptionResponse `json:"details,omitempty"`
}

func toSubscriptionResponse(v *usecase.SubscriptionView) *subscriptionResponse {
	s := v.Subscription
	return &subscriptionResponse{
		ID:                s.ID,
		CourseID:          s.CourseID,
		Year:              s.Year,
		Amount:            s.Amount,
		Currency:          s.Currency,
		Status:            string(s.Status),
		IsCurrentlyActive: v.IsCurrentlyActive,
		DaysRemaining:     v.DaysRemaining,
		StartTime:         s.StartTime,
		ExpiryTime:        s.ExpiryTime,
		CompletedAt:       s.CompletedAt,
		ReceiptID:         s.ExternalReceiptID,
		CheckoutRequestID: s.ExternalCorrelationID,
		FailureReason:     s.FailureReason,
		CourseName:        s.Metadata.CourseName,
		InstitutionName:   s.Metadata.InstitutionName,
	}
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.With(ctx, s.log)

	var req initiateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, log, domain.NewFieldError("body", "must be a JSON object"))
		return
	}

	res, err := s.payUC.Initiate(ctx, usecase.InitiateRequest{
		SubscriberID: subscriberFrom(ctx),
		CourseID:     req.CourseID,
		Year:         req.Year,
		PhoneNumber:  req.PhoneNumber,
	})
	if err != nil {
		writeError(w, log, err)
		return
	}

	sub := res.Subscription
	writeJSON(w, http.StatusCreated, initiateResponse{
		SubscriptionID:    sub.ID,
		Amount:            sub.Amount,
		Currency:          sub.Currency,
		ExpiryTime:        sub.ExpiryTime,
		Status:            string(sub.Status),
		CheckoutRequestID: res.Acknowledgement.CheckoutRequestID,
		CustomerMessage:   res.Acknowledgement.CustomerMessage,
	})
}

// handleCallback always answers 200 with the provider ack; the provider
// retries anything else.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBytes))
	if err != nil {
		logging.With(r.Context(), s.log).Warn().Err(err).Msg("failed to read payment callback body")
	}
	ack := s.payUC.HandleCallback(r.Context(), body)
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	view, err := s.subUC.GetStatus(ctx, subscriberFrom(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, logging.With(ctx, s.log), err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionResponse(view))
}

func (s *Server) handleQuerySubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	view, err := s.payUC.QueryStatus(ctx, subscriberFrom(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, logging.With(ctx, s.log), err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionResponse(view))
}

func (s *Server) handleEntitlement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.With(ctx, s.log)
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		writeError(w, log, domain.NewFieldError("year", "must be a number"))
		return
	}
	ent, err := s.subUC.CheckEntitlement(ctx, subscriberFrom(ctx), chi.URLParam(r, "courseId"), year)
	if err != nil {
		writeError(w, log, err)
		return
	}
	resp := entitlementResponse{HasSubscription: ent.HasSubscription}
	if ent.Details != nil {
		resp.Details = toSubscriptionResponse(ent.Details)
	}
	writeJSON(w, http.StatusOK, resp)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
