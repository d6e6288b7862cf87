package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/synclune/api/internal/platform/httpx"
	"github.com/synclune/api/internal/platform/requestctx"
	"github.com/synclune/api/internal/services"
)

// CheckoutHandlers exposes the storefront checkout and discount preview endpoints.
type CheckoutHandlers struct {
	checkout  services.CheckoutService
	discounts services.DiscountService
	limiter   rateLimiter
	startMW   []func(http.Handler) http.Handler
}

// CheckoutOption customises checkout handlers.
type CheckoutOption func(*CheckoutHandlers)

// WithDiscountPreviewLimit caps discount lookups per client within window. Codes are short
// enough to enumerate otherwise.
func WithDiscountPreviewLimit(limit int, window time.Duration) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, nil)
	}
}

// WithStartCheckoutMiddlewares wraps only the checkout start route, e.g. with idempotency keys.
func WithStartCheckoutMiddlewares(mw ...func(http.Handler) http.Handler) CheckoutOption {
	return func(h *CheckoutHandlers) {
		for _, m := range mw {
			if m != nil {
				h.startMW = append(h.startMW, m)
			}
		}
	}
}

// NewCheckoutHandlers constructs checkout handlers.
func NewCheckoutHandlers(checkout services.CheckoutService, discounts services.DiscountService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		checkout:  checkout,
		discounts: discounts,
		limiter:   newSimpleRateLimiter(30, time.Minute, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.With(h.startMW...).Post("/checkout", h.startCheckout)
	r.With(rateLimitMiddleware(h.limiter)).Post("/discounts:validate", h.validateDiscount)
}

type cartLineRequest struct {
	SKUID    string `json:"skuId"`
	Quantity int    `json:"quantity"`
}

type addressRequest struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone"`
}

func (a *addressRequest) toAddress() services.Address {
	if a == nil {
		return services.Address{}
	}
	return services.Address{
		Recipient:  strings.TrimSpace(a.Recipient),
		Line1:      strings.TrimSpace(a.Line1),
		Line2:      strings.TrimSpace(a.Line2),
		City:       strings.TrimSpace(a.City),
		PostalCode: strings.TrimSpace(a.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(a.Country)),
		Phone:      strings.TrimSpace(a.Phone),
	}
}

type checkoutRequest struct {
	CustomerID      string            `json:"customerId"`
	Email           string            `json:"email"`
	Name            string            `json:"name"`
	Phone           string            `json:"phone"`
	ShippingAddress *addressRequest   `json:"shippingAddress"`
	BillingAddress  *addressRequest   `json:"billingAddress"`
	Currency        string            `json:"currency"`
	Items           []cartLineRequest `json:"items"`
	ShippingTotal   int64             `json:"shippingTotal"`
	DiscountCode    string            `json:"discountCode"`
	SuccessURL      string            `json:"successUrl"`
	CancelURL       string            `json:"cancelUrl"`
	Locale          string            `json:"locale"`
}

type checkoutResponse struct {
	Order       orderPayload `json:"order"`
	SessionID   string       `json:"sessionId"`
	RedirectURL string       `json:"redirectUrl"`
	ExpiresAt   string       `json:"expiresAt,omitempty"`
}

func (h *CheckoutHandlers) startCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		unavailable(ctx, w, "checkout")
		return
	}

	var req checkoutRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	lines := make([]services.CartLine, 0, len(req.Items))
	for _, item := range req.Items {
		lines = append(lines, services.CartLine{SKUID: strings.TrimSpace(item.SKUID), Quantity: item.Quantity})
	}
	billing := req.BillingAddress
	if billing == nil {
		billing = req.ShippingAddress
	}

	actor := requestctx.Actor(ctx)
	if actor == "" {
		actor = strings.TrimSpace(req.CustomerID)
	}
	result, err := h.checkout.StartCheckout(ctx, services.StartCheckoutCommand{
		Order: services.CreateOrderCommand{
			CustomerID: strings.TrimSpace(req.CustomerID),
			Contact: services.OrderContact{
				Email: strings.TrimSpace(req.Email),
				Name:  strings.TrimSpace(req.Name),
				Phone: strings.TrimSpace(req.Phone),
			},
			ShippingAddress: req.ShippingAddress.toAddress(),
			BillingAddress:  billing.toAddress(),
			Currency:        strings.ToUpper(strings.TrimSpace(req.Currency)),
			Lines:           lines,
			ShippingTotal:   req.ShippingTotal,
			DiscountCode:    strings.TrimSpace(req.DiscountCode),
			ActorID:         actor,
		},
		SuccessURL: strings.TrimSpace(req.SuccessURL),
		CancelURL:  strings.TrimSpace(req.CancelURL),
		Locale:     strings.TrimSpace(req.Locale),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, checkoutResponse{
		Order:       buildOrderPayload(result.Order),
		SessionID:   result.SessionID,
		RedirectURL: result.RedirectURL,
		ExpiresAt:   formatTime(result.ExpiresAt),
	})
}

type validateDiscountRequest struct {
	Code       string `json:"code"`
	Subtotal   int64  `json:"subtotal"`
	CustomerID string `json:"customerId"`
}

type validateDiscountResponse struct {
	Code   string `json:"code"`
	Type   string `json:"type"`
	Amount int64  `json:"amount"`
}

func (h *CheckoutHandlers) validateDiscount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.discounts == nil {
		unavailable(ctx, w, "discount")
		return
	}

	var req validateDiscountRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	quote, err := h.discounts.Validate(ctx, services.ValidateDiscountCommand{
		Code:       req.Code,
		Subtotal:   req.Subtotal,
		CustomerID: strings.TrimSpace(req.CustomerID),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, validateDiscountResponse{
		Code:   quote.Discount.Code,
		Type:   string(quote.Discount.Type),
		Amount: quote.Amount,
	})
}
