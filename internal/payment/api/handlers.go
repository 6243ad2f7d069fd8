package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"qrpay/internal/common/api"
	"qrpay/internal/common/database"
	"qrpay/internal/common/middleware"
	"qrpay/internal/payment"
	"qrpay/internal/qr"
)

// Handler handles payment session HTTP requests
type Handler struct {
	service *payment.Service
	store   payment.Store
}

// NewHandler creates a new payment handler
func NewHandler(service *payment.Service, store payment.Store) *Handler {
	return &Handler{service: service, store: store}
}

// Routes returns the payment session routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/sessions", h.OpenSession)
	r.Get("/sessions/{id}", h.GetSession)
	r.Post("/sessions/{id}/amount", h.SetAmount)
	r.Post("/sessions/{id}/submit", h.Submit)
	r.Post("/sessions/{id}/reset", h.Reset)
	r.Post("/sessions/{id}/hold/start", h.StartHold)
	r.Post("/sessions/{id}/hold/release", h.ReleaseHold)

	r.Get("/history", h.History)

	return r
}

// OpenSessionRequest is the API request for opening a session from a scan
type OpenSessionRequest struct {
	RawCode      string `json:"raw_code" validate:"required"`
	DeclaredType string `json:"declared_type" validate:"required"`
}

// OpenSession handles POST /sessions
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		api.BadRequest(w, "user ID required")
		return
	}

	var req OpenSessionRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	sess := h.service.Open(r.Context(), userID, qr.Descriptor{
		RawCode:      req.RawCode,
		DeclaredType: req.DeclaredType,
		ScannedAt:    time.Now().UTC(),
	})

	snap, err := h.service.Snapshot(sess.ID)
	if err != nil {
		api.InternalError(w, "failed to read session")
		return
	}

	api.WriteData(w, http.StatusCreated, snap)
}

// GetSession handles GET /sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		api.NotFound(w, "session not found")
		return
	}
	api.WriteData(w, http.StatusOK, snap)
}

// SetAmountRequest is the API request for entering an amount
type SetAmountRequest struct {
	AmountMinor int64 `json:"amount_minor" validate:"required,gt=0"`
}

// SetAmount handles POST /sessions/{id}/amount
func (h *Handler) SetAmount(w http.ResponseWriter, r *http.Request) {
	var req SetAmountRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.service.SetAmount(id, req.AmountMinor); err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeSnapshot(w, id)
}

// Submit handles POST /sessions/{id}/submit
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := h.service.Submit(r.Context(), id)

	var validationErr *payment.ValidationError
	switch {
	case err == nil:
	case errors.Is(err, payment.ErrSessionNotFound):
		api.NotFound(w, "session not found")
		return
	case errors.Is(err, payment.ErrInvalidState), errors.Is(err, payment.ErrAmountRequired):
		api.Conflict(w, err.Error())
		return
	case errors.Is(err, payment.ErrBlockedByKYC):
		api.WriteError(w, http.StatusForbidden, "KYC_REQUIRED", "identity verification required")
		return
	case errors.As(err, &validationErr):
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, validationErr.Result.Reason)
		return
	default:
		// Execution outcome is in the session snapshot.
	}

	h.writeSnapshot(w, id)
}

// Reset handles POST /sessions/{id}/reset
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	h.service.Reset(chi.URLParam(r, "id"))
	api.WriteData(w, http.StatusOK, map[string]string{"status": "reset"})
}

// StartHold handles POST /sessions/{id}/hold/start
func (h *Handler) StartHold(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.StartHold(id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeSnapshot(w, id)
}

// ReleaseHold handles POST /sessions/{id}/hold/release
func (h *Handler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.ReleaseHold(id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeSnapshot(w, id)
}

// History handles GET /history
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		api.BadRequest(w, "user ID required")
		return
	}
	if h.store == nil {
		api.WriteData(w, http.StatusOK, []payment.SessionRecord{})
		return
	}

	records, err := h.store.ListSessionsByUser(r.Context(), userID, 50)
	if err != nil && !database.IsNotFound(err) {
		api.InternalError(w, "failed to list sessions")
		return
	}
	if records == nil {
		records = []payment.SessionRecord{}
	}

	api.WriteData(w, http.StatusOK, records)
}

func (h *Handler) writeSnapshot(w http.ResponseWriter, id string) {
	snap, err := h.service.Snapshot(id)
	if err != nil {
		api.NotFound(w, "session not found")
		return
	}
	api.WriteData(w, http.StatusOK, snap)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payment.ErrSessionNotFound):
		api.NotFound(w, "session not found")
	case errors.Is(err, payment.ErrInvalidState):
		api.Conflict(w, "operation not valid in current state")
	case errors.Is(err, payment.ErrAmountFixed):
		api.Conflict(w, "amount is set by the merchant")
	case errors.Is(err, payment.ErrAmountRequired):
		api.BadRequest(w, "amount must be positive")
	default:
		api.InternalError(w, "unexpected error")
	}
}
