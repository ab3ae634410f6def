package api

import "time"

// ValidateRequestBody is the request body for POST /api/validate-request.
type ValidateRequestBody struct {
	UserID string `json:"userId"`
}

// CheckoutSessionRequest is the request body for POST /api/create-checkout-session.
type CheckoutSessionRequest struct {
	UserID  string `json:"userId"`
	Email   string `json:"email"`
	PriceID string `json:"priceId,omitempty"`
}

// CheckoutSessionResponse is the response body for POST /api/create-checkout-session.
type CheckoutSessionResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// PortalSessionRequest is the request body for POST /api/create-portal-session.
type PortalSessionRequest struct {
	CustomerID string `json:"customerId"`
}

// PortalSessionResponse is the response body for POST /api/create-portal-session.
type PortalSessionResponse struct {
	URL string `json:"url"`
}

// SubscriptionStatusResponse is the response body for GET /api/subscription-status/{userId}.
type SubscriptionStatusResponse struct {
	IsPremium           bool       `json:"isPremium"`
	RequestCount        int        `json:"requestCount"`
	SubscriptionStatus  string     `json:"subscriptionStatus"`
	SubscriptionEndDate *time.Time `json:"subscriptionEndDate,omitempty"`
	StripeCustomerID    string     `json:"stripeCustomerId,omitempty"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
