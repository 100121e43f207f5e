package order

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/order-fulfillment/internal/httpx"
)

type CreateOrderRequest struct {
	ClientID          string `json:"clientId" validate:"required"`
	RequestedShipDate string `json:"requestedShipDate" validate:"required"`
	Items             []Item `json:"items" validate:"required,min=1,dive"`
	Notes             string `json:"notes"`
}

type TimelineResponse struct {
	OrderID  string          `json:"orderId"`
	Timeline []TimelineEvent `json:"timeline"`
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
		r.Post("/orders", h.handleCreateOrder)
		r.Get("/orders", h.handleListOrders)
		r.Get("/orders/{id}", h.handleGetOrder)
		r.Get("/orders/{id}/timeline", h.handleGetTimeline)
	})
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		log.Warn().Err(err).Msg("Failed to decode create order request")
		httpx.RespondError(w, http.StatusBadRequest, httpx.CodeValidation, "invalid request payload")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			httpx.RespondError(w, http.StatusBadRequest, httpx.CodeValidation, "validation failed", formatValidationErrors(validationErrors)...)
			return
		}
		log.Error().Err(err).Msg("Unexpected error type during validation")
		httpx.RespondError(w, http.StatusInternalServerError, httpx.CodeInternal, "internal validation error")
		return
	}

	cmd := CreateOrderCommand{
		ClientID:          req.ClientID,
		RequestedShipDate: req.RequestedShipDate,
		Items:             req.Items,
		Notes:             req.Notes,
		CreatedBy:         httpx.Identity(r.Context()),
	}

	created, err := h.svc.CreateOrder(r.Context(), cmd)
	if err != nil {
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			httpx.RespondError(w, http.StatusBadRequest, httpx.CodeValidation, "validation failed", toFieldErrors(vErr)...)
			return
		}
		log.Error().Err(err).Msg("Failed to create order via service")
		httpx.RespondError(w, http.StatusInternalServerError, httpx.CodeInternal, "failed to create order")
		return
	}

	httpx.RespondJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleListOrders(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		httpx.RespondError(w, http.StatusBadRequest, httpx.CodeValidation, "validation failed",
			httpx.FieldError{Field: "clientId", Message: "query parameter is required"})
		return
	}

	orders, err := h.svc.ListOrdersByClient(r.Context(), clientID)
	if err != nil {
		log.Error().Err(err).Str("client_id", clientID).Msg("Failed to list orders via service")
		httpx.RespondError(w, http.StatusInternalServerError, httpx.CodeInternal, "failed to list orders")
		return
	}

	httpx.RespondJSON(w, http.StatusOK, orders)
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	found, err := h.svc.GetOrder(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			httpx.RespondError(w, http.StatusNotFound, httpx.CodeOrderNotFound, "order not found")
			return
		}
		log.Error().Err(err).Str("order_id", id).Msg("Failed to get order via service")
		httpx.RespondError(w, http.StatusInternalServerError, httpx.CodeInternal, "failed to get order")
		return
	}

	httpx.RespondJSON(w, http.StatusOK, found)
}

func (h *Handler) handleGetTimeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	timeline, err := h.svc.GetTimeline(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			httpx.RespondError(w, http.StatusNotFound, httpx.CodeOrderNotFound, "order not found")
			return
		}
		log.Error().Err(err).Str("order_id", id).Msg("Failed to get timeline via service")
		httpx.RespondError(w, http.StatusInternalServerError, httpx.CodeInternal, "failed to get order timeline")
		return
	}

	httpx.RespondJSON(w, http.StatusOK, TimelineResponse{OrderID: id, Timeline: timeline})
}

func formatValidationErrors(errs validator.ValidationErrors) []httpx.FieldError {
	details := make([]httpx.FieldError, 0, len(errs))
	for _, fe := range errs {
		details = append(details, httpx.FieldError{
			Field:   fe.Field(),
			Message: "failed on rule: " + fe.Tag(),
		})
	}
	return details
}

func toFieldErrors(vErr *ValidationError) []httpx.FieldError {
	details := make([]httpx.FieldError, 0, len(vErr.Fields))
	for _, f := range vErr.Fields {
		details = append(details, httpx.FieldError{Field: f.Field, Message: f.Message})
	}
	return details
}
