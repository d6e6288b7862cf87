package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the processor's view of a refund at the moment the call returns.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRefunded Status = "refunded"
	StatusFailed   Status = "failed"
)

// ErrUnsupportedCurrency is returned when an order is priced in a currency the processor account
// does not settle.
var ErrUnsupportedCurrency = errors.New("payments: unsupported currency")

// CheckoutLineItem is one priced order line shown on the hosted payment page.
type CheckoutLineItem struct {
	Name        string
	Description string
	SKU         string
	Quantity    int64
	Amount      int64
	Currency    string
}

// CheckoutSessionRequest opens a hosted payment session for one order.
type CheckoutSessionRequest struct {
	Amount         int64
	Currency       string
	CustomerEmail  string
	SuccessURL     string
	CancelURL      string
	Locale         string
	Metadata       map[string]string
	IdempotencyKey string
	Items          []CheckoutLineItem
}

// CheckoutSession is the processor session the storefront redirects to.
type CheckoutSession struct {
	ID           string
	Processor    string
	ClientSecret string
	RedirectURL  string
	IntentID     string
	ExpiresAt    time.Time
}

// RefundRequest asks the processor to return money on a captured payment. Metadata is echoed
// back on the refund webhooks.
type RefundRequest struct {
	IntentID       string
	Amount         *int64
	Currency       string
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// RefundResult is what the processor acknowledged. Completion is confirmed later by webhook.
type RefundResult struct {
	Processor   string
	IntentID    string
	RefundID    string
	Status      Status
	Amount      int64
	Currency    string
	CompletedAt *time.Time
}

// Processor is implemented by payment processor adapters.
type Processor interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// Gateway fronts the configured processor for checkout and refunds.
type Gateway struct {
	name       string
	processor  Processor
	currencies map[string]struct{}
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithCurrencies limits the gateway to the given ISO currency codes. Without it every currency
// is passed through to the processor.
func WithCurrencies(codes ...string) GatewayOption {
	return func(g *Gateway) {
		for _, code := range codes {
			if code = strings.ToUpper(strings.TrimSpace(code)); code != "" {
				if g.currencies == nil {
					g.currencies = make(map[string]struct{}, len(codes))
				}
				g.currencies[code] = struct{}{}
			}
		}
	}
}

// NewGateway wraps processor under the given name.
func NewGateway(name string, processor Processor, opts ...GatewayOption) (*Gateway, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || processor == nil {
		return nil, fmt.Errorf("payments: invalid processor registration %q", name)
	}
	g := &Gateway{name: name, processor: processor}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Gateway) accepts(currency string) error {
	if len(g.currencies) == 0 {
		return nil
	}
	code := strings.ToUpper(strings.TrimSpace(currency))
	if _, ok := g.currencies[code]; !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedCurrency, currency)
	}
	return nil
}

// CreateCheckoutSession opens a session and stamps it with the processor name.
func (g *Gateway) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if err := g.accepts(req.Currency); err != nil {
		return CheckoutSession{}, err
	}
	session, err := g.processor.CreateCheckoutSession(ctx, req)
	if err != nil {
		return CheckoutSession{}, err
	}
	session.Processor = g.name
	return session, nil
}

// Refund forwards the refund. A blank currency is left to the processor, which refunds in the
// currency of the original charge.
func (g *Gateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if strings.TrimSpace(req.Currency) != "" {
		if err := g.accepts(req.Currency); err != nil {
			return RefundResult{}, err
		}
	}
	result, err := g.processor.Refund(ctx, req)
	if err != nil {
		return RefundResult{}, err
	}
	result.Processor = g.name
	return result, nil
}
