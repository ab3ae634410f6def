// Package api provides the HTTP surface of the quota service: request
// validation, checkout and portal session brokering, subscription status, and
// the billing webhook mount.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

const (
	maxUserIDLen  = 255
	maxBodyLength = 64 * 1024
)

// Handler provides the HTTP endpoints.
type Handler struct {
	config Config
}

// Register mounts all routes on the given chi router. API routes sit behind
// the CORS middleware; the webhook endpoint does not, since billing providers
// call it server to server.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(corsMiddleware(h.config.AllowedOrigins))
		r.Post("/validate-request", h.ValidateRequest)
		r.Post("/create-checkout-session", h.CreateCheckoutSession)
		r.Post("/create-portal-session", h.CreatePortalSession)
		r.Get("/subscription-status/{userId}", h.SubscriptionStatus)
	})
	r.Method(http.MethodPost, "/webhook/stripe", h.config.Webhook)
}

// ValidateRequest consumes one request from the user's quota. Allowed
// requests answer 200; a free-tier user at the limit answers 403 with the
// count, the limit, and a user-facing message.
func (h *Handler) ValidateRequest(w http.ResponseWriter, r *http.Request) {
	var body ValidateRequestBody
	if !h.decodeBody(w, r, &body) {
		return
	}
	if !validUserID(body.UserID) {
		h.writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	result, err := h.config.Gate.CheckAndConsume(r.Context(), body.UserID)
	if err != nil {
		h.config.Logger.Error().Err(err).Str("user_id", body.UserID).Msg("quota check failed")
		h.writeError(w, http.StatusInternalServerError, "failed to validate request")
		return
	}

	status := http.StatusOK
	if !result.Allowed {
		status = http.StatusForbidden
	}
	h.writeJSON(w, status, result)
}

// CreateCheckoutSession creates a billing checkout session for the user and
// returns its id and redirect URL.
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var body CheckoutSessionRequest
	if !h.decodeBody(w, r, &body) {
		return
	}
	if !validUserID(body.UserID) {
		h.writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	session, err := h.config.Sessions.CreateCheckoutSession(r.Context(), body.UserID, body.Email, body.PriceID)
	if err != nil {
		h.config.Logger.Error().Err(err).Str("user_id", body.UserID).Msg("failed to create checkout session")
		h.writeError(w, http.StatusInternalServerError, "failed to create checkout session")
		return
	}

	h.writeJSON(w, http.StatusOK, CheckoutSessionResponse{
		SessionID: session.ID,
		URL:       session.URL,
	})
}

// CreatePortalSession creates a billing portal session for the customer and
// returns its redirect URL.
func (h *Handler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	var body PortalSessionRequest
	if !h.decodeBody(w, r, &body) {
		return
	}
	if body.CustomerID == "" {
		h.writeError(w, http.StatusBadRequest, "customerId is required")
		return
	}

	url, err := h.config.Sessions.CreatePortalSession(r.Context(), body.CustomerID)
	if err != nil {
		h.config.Logger.Error().Err(err).Str("customer_id", body.CustomerID).Msg("failed to create portal session")
		h.writeError(w, http.StatusInternalServerError, "failed to create portal session")
		return
	}

	h.writeJSON(w, http.StatusOK, PortalSessionResponse{URL: url})
}

// SubscriptionStatus returns a snapshot of the user's quota record.
func (h *Handler) SubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if !validUserID(userID) {
		h.writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	rec, err := h.config.Store.GetRecord(r.Context(), userID)
	if errors.Is(err, quotagate.ErrRecordNotFound) {
		h.writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		h.config.Logger.Error().Err(err).Str("user_id", userID).Msg("failed to get quota record")
		h.writeError(w, http.StatusInternalServerError, "failed to get subscription status")
		return
	}

	h.writeJSON(w, http.StatusOK, SubscriptionStatusResponse{
		IsPremium:           rec.IsPremium,
		RequestCount:        rec.RequestCount,
		SubscriptionStatus:  rec.SubscriptionStatus,
		SubscriptionEndDate: rec.SubscriptionEndDate,
		StripeCustomerID:    rec.StripeCustomerID,
	})
}

// decodeBody decodes a JSON request body, answering 400 on failure.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyLength)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.config.Logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, ErrorResponse{Error: msg})
}

func validUserID(userID string) bool {
	return userID != "" && len(userID) <= maxUserIDLen
}
