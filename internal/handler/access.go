package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/nicqtran/umami-server/internal/domain"
	"github.com/nicqtran/umami-server/internal/service"
)

// =============================================================================
// Access Handler
// =============================================================================

// AccessHandler exposes the entitlement gate over the internal RPC surface.
// The API gateway is the only caller; user identity arrives in the request
// body, already authenticated upstream.
type AccessHandler struct {
	entitlements service.EntitlementService
	validate     *validator.Validate
	logger       *slog.Logger
}

// NewAccessHandler creates a new AccessHandler.
func NewAccessHandler(entitlements service.EntitlementService, logger *slog.Logger) *AccessHandler {
	return &AccessHandler{
		entitlements: entitlements,
		validate:     validator.New(),
		logger:       logger,
	}
}

// accessStatusRequest is the body for POST /internal/v1/access-status.
type accessStatusRequest struct {
	UserID    string `json:"user_id" validate:"required,uuid"`
	Timezone  string `json:"timezone" validate:"omitempty,max=64"`
	Increment bool   `json:"increment"`
}

// trialRequest is the body for POST /internal/v1/trial.
type trialRequest struct {
	UserID   string `json:"user_id" validate:"required,uuid"`
	Timezone string `json:"timezone" validate:"omitempty,max=64"`
}

// refundRequest is the body for POST /internal/v1/refund.
type refundRequest struct {
	UserID   string `json:"user_id" validate:"required,uuid"`
	Timezone string `json:"timezone" validate:"omitempty,max=64"`
}

// AccessStatus handles POST /internal/v1/access-status.
//
// With increment=false this is a pure read; with increment=true it is the
// gate's consume path. Denials are 200s with a reason, never HTTP errors.
// Consume calls are not idempotent: a retried increment burns a second
// scan. Callers that must retry should refund the duplicate.
func (h *AccessHandler) AccessStatus(w http.ResponseWriter, r *http.Request) {
	const op = "handler.access_status"

	var req accessStatusRequest
	userID, ok := h.decode(w, r, op, &req, &req.UserID)
	if !ok {
		return
	}

	status, err := h.entitlements.GetAccessStatus(r.Context(), userID, req.Timezone, req.Increment)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	JSON(w, http.StatusOK, status)
}

// StartTrial handles POST /internal/v1/trial.
func (h *AccessHandler) StartTrial(w http.ResponseWriter, r *http.Request) {
	const op = "handler.start_trial"

	var req trialRequest
	userID, ok := h.decode(w, r, op, &req, &req.UserID)
	if !ok {
		return
	}

	status, err := h.entitlements.StartTrial(r.Context(), userID, req.Timezone)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	JSON(w, http.StatusOK, status)
}

// Refund handles POST /internal/v1/refund.
func (h *AccessHandler) Refund(w http.ResponseWriter, r *http.Request) {
	const op = "handler.refund"

	var req refundRequest
	userID, ok := h.decode(w, r, op, &req, &req.UserID)
	if !ok {
		return
	}

	result, err := h.entitlements.RefundScan(r.Context(), userID, req.Timezone)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	JSON(w, http.StatusOK, result)
}

// decode parses and validates a request body, returning the parsed user ID.
func (h *AccessHandler) decode(w http.ResponseWriter, r *http.Request, op string, req any, rawUserID *string) (uuid.UUID, bool) {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "Invalid JSON body"))
		return uuid.Nil, false
	}
	if err := h.validate.Struct(req); err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "user_id is required and must be a UUID"))
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(*rawUserID)
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "user_id must be a UUID"))
		return uuid.Nil, false
	}
	return userID, true
}
