package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/synclune/api/internal/platform/httpx"
	"github.com/synclune/api/internal/services"
)

// OrderHandlers exposes read-only order endpoints used by the order confirmation page.
type OrderHandlers struct {
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{orders: orders}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}/history", h.listHistory)
}

type orderItemPayload struct {
	ID           string `json:"id"`
	SKUID        string `json:"skuId"`
	ProductTitle string `json:"productTitle"`
	Quantity     int    `json:"quantity"`
	UnitPrice    int64  `json:"unitPrice"`
	LineTotal    int64  `json:"lineTotal"`
}

type addressPayload struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type orderPayload struct {
	ID                string             `json:"id"`
	Number            string             `json:"number"`
	Status            string             `json:"status"`
	PaymentStatus     string             `json:"paymentStatus"`
	FulfillmentStatus string             `json:"fulfillmentStatus"`
	Currency          string             `json:"currency"`
	Subtotal          int64              `json:"subtotal"`
	DiscountTotal     int64              `json:"discountTotal"`
	ShippingTotal     int64              `json:"shippingTotal"`
	Total             int64              `json:"total"`
	DiscountCode      string             `json:"discountCode,omitempty"`
	Email             string             `json:"email"`
	ShippingAddress   addressPayload     `json:"shippingAddress"`
	Items             []orderItemPayload `json:"items"`
	CreatedAt         string             `json:"createdAt"`
	UpdatedAt         string             `json:"updatedAt"`
}

type historyPayload struct {
	ID            string `json:"id"`
	Field         string `json:"field"`
	PreviousValue string `json:"previousValue"`
	NewValue      string `json:"newValue"`
	Actor         string `json:"actor"`
	Reason        string `json:"reason,omitempty"`
	CreatedAt     string `json:"createdAt"`
}

func buildOrderPayload(order services.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ID:           item.ID,
			SKUID:        item.SKUID,
			ProductTitle: item.ProductTitle,
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice,
			LineTotal:    item.LineTotal(),
		})
	}
	addr := order.ShippingAddress
	return orderPayload{
		ID:                order.ID,
		Number:            order.Number,
		Status:            string(order.Status),
		PaymentStatus:     string(order.PaymentStatus),
		FulfillmentStatus: string(order.FulfillmentStatus),
		Currency:          order.Currency,
		Subtotal:          order.Subtotal,
		DiscountTotal:     order.DiscountTotal,
		ShippingTotal:     order.ShippingTotal,
		Total:             order.Total,
		DiscountCode:      order.DiscountCode,
		Email:             order.Contact.Email,
		ShippingAddress: addressPayload{
			Recipient:  addr.Recipient,
			Line1:      addr.Line1,
			Line2:      addr.Line2,
			City:       addr.City,
			PostalCode: addr.PostalCode,
			Country:    addr.Country,
			Phone:      addr.Phone,
		},
		Items:     items,
		CreatedAt: formatTime(order.CreatedAt),
		UpdatedAt: formatTime(order.UpdatedAt),
	}
}

func buildHistoryPayloads(history []services.OrderHistory) []historyPayload {
	rows := make([]historyPayload, 0, len(history))
	for _, row := range history {
		rows = append(rows, historyPayload{
			ID:            row.ID,
			Field:         string(row.Field),
			PreviousValue: row.PreviousValue,
			NewValue:      row.NewValue,
			Actor:         row.Actor,
			Reason:        row.Reason,
			CreatedAt:     formatTime(row.CreatedAt),
		})
	}
	return rows
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		unavailable(ctx, w, "order")
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"order": buildOrderPayload(order)})
}

func (h *OrderHandlers) listHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		unavailable(ctx, w, "order")
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))

	history, err := h.orders.ListHistory(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": buildHistoryPayloads(history)})
}
