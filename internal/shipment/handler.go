package shipment

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/order-fulfillment/internal/httpx"
)

// IdempotencyKeyHeader carries the client-supplied retry token. Optional on
// scan, mandatory on dispatch.
const IdempotencyKeyHeader = "Idempotency-Key"

type ScanRequest struct {
	Barcode  string `json:"barcode" validate:"required"`
	Quantity int    `json:"quantity" validate:"required,gt=0"`
}

type DispatchRequest struct {
	TruckID string `json:"truckId" validate:"required"`
}

type Handler struct {
	svc      Service
	validate *validator.Validate
}

func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc, validate: validator.New()}
}

func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Group(func(r chi.Router) {
		r.Use(httpx.Authenticated)
		r.Get("/shipments", h.handleListShipments)
		r.Get("/shipments/{id}", h.handleGetShipment)
		r.Post("/shipments/{id}/scan", h.handleScan)
		r.Post("/shipments/{id}/dispatch", h.handleDispatch)
	})
}

func (h *Handler) handleListShipments(w http.ResponseWriter, r *http.Request) {
	status := Status(r.URL.Query().Get("status"))
	if status == "" {
		status = StatusPending
	}
	switch status {
	case StatusPending, StatusLoading, StatusDispatched, StatusFailed:
	default:
		httpx.RespondError(w, http.StatusBadRequest, httpx.CodeValidation, "validation failed",
			httpx.FieldError{Field: "status", Message: "must be one of PENDING, LOADING, DISPATCHED, FAILED"})
		return
	}

	shipments, err := h.svc.ListShipments(r.Context(), status)
	if err != nil {
		log.Error().Err(err).Str("status", status.String()).Msg("Failed to list shipments via service")
		httpx.RespondError(w, http.StatusInternalServerError, httpx.CodeInternal, "failed to list shipments")
		return
	}

	httpx.RespondJSON(w, http.StatusOK, shipments)
}

func (h *Handler) handleGetShipment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sh, err := h.svc.GetShipment(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrShipmentNotFound) {
			httpx.RespondError(w, http.StatusNotFound, httpx.CodeShipmentNotFound, "shipment not found")
			return
		}
		log.Error().Err(err).Str("shipment_id", id).Msg("Failed to get shipment via service")
		httpx.RespondError(w, http.StatusInternalServerError, httpx.CodeInternal, "failed to get shipment")
		return
	}

	httpx.RespondJSON(w, http.StatusOK, sh)
}

func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ScanRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	cmd := ScanCommand{
		ShipmentID:     id,
		Barcode:        req.Barcode,
		Quantity:       req.Quantity,
		ScannedBy:      httpx.Identity(r.Context()),
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
	}

	result, err := h.svc.RecordScan(r.Context(), cmd)
	if err != nil {
		h.respondScanOrDispatchError(w, err, id, "Failed to record scan via service")
		return
	}

	httpx.RespondJSON(w, http.StatusOK, result)
}

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req DispatchRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	cmd := DispatchCommand{
		ShipmentID:     id,
		TruckID:        req.TruckID,
		DispatchedBy:   httpx.Identity(r.Context()),
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
	}

	result, err := h.svc.DispatchShipment(r.Context(), cmd)
	if err != nil {
		h.respondScanOrDispatchError(w, err, id, "Failed to dispatch shipment via service")
		return
	}

	httpx.RespondJSON(w, http.StatusOK, result)
}

func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(req); err != nil {
		log.Warn().Err(err).Msg("Failed to decode request body")
		httpx.RespondError(w, http.StatusBadRequest, httpx.CodeValidation, "invalid request payload")
		return false
	}

	if err := h.validate.Struct(req); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			details := make([]httpx.FieldError, 0, len(validationErrors))
			for _, fe := range validationErrors {
				details = append(details, httpx.FieldError{Field: fe.Field(), Message: "failed on rule: " + fe.Tag()})
			}
			httpx.RespondError(w, http.StatusBadRequest, httpx.CodeValidation, "validation failed", details...)
			return false
		}
		log.Error().Err(err).Msg("Unexpected error type during validation")
		httpx.RespondError(w, http.StatusInternalServerError, httpx.CodeInternal, "internal validation error")
		return false
	}

	return true
}

func (h *Handler) respondScanOrDispatchError(w http.ResponseWriter, err error, shipmentID, logMsg string) {
	var vErr *ValidationError
	switch {
	case errors.As(err, &vErr):
		details := make([]httpx.FieldError, 0, len(vErr.Fields))
		for _, f := range vErr.Fields {
			details = append(details, httpx.FieldError{Field: f.Field, Message: f.Message})
		}
		httpx.RespondError(w, http.StatusBadRequest, httpx.CodeValidation, "validation failed", details...)
	case errors.Is(err, ErrShipmentNotFound):
		httpx.RespondError(w, http.StatusNotFound, httpx.CodeShipmentNotFound, "shipment not found")
	case errors.Is(err, ErrAlreadyDispatched):
		httpx.RespondError(w, http.StatusConflict, httpx.CodeAlreadyDispatched, "shipment already dispatched, no further scans accepted")
	case errors.Is(err, ErrShipmentFailed):
		httpx.RespondError(w, http.StatusConflict, httpx.CodeShipmentFailed, "failed shipment cannot be dispatched")
	default:
		log.Error().Err(err).Str("shipment_id", shipmentID).Msg(logMsg)
		httpx.RespondError(w, http.StatusInternalServerError, httpx.CodeInternal, "internal error")
	}
}
