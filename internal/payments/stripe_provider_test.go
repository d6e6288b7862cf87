package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78"
)

type fakeStripeSessions struct {
	params  *stripe.CheckoutSessionParams
	session *stripe.CheckoutSession
	err     error
}

func (f *fakeStripeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.params = params
	return f.session, f.err
}

type fakeStripeRefunds struct {
	params *stripe.RefundParams
	refund *stripe.Refund
	err    error
}

func (f *fakeStripeRefunds) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	f.params = params
	return f.refund, f.err
}

func newTestStripeProvider(t *testing.T, clients stripeClients) *StripeProvider {
	t.Helper()
	provider, err := NewStripeProvider(StripeProviderConfig{
		Clients: &clients,
		Clock: func() time.Time {
			return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		},
	})
	require.NoError(t, err)
	return provider
}

func TestStripeProviderCreateCheckoutSessionCarriesOrderReference(t *testing.T) {
	sessions := &fakeStripeSessions{session: &stripe.CheckoutSession{
		ID:            "cs_test_1",
		URL:           "https://checkout.stripe.test/cs_test_1",
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_1"},
	}}
	provider := newTestStripeProvider(t, stripeClients{sessions: sessions, refunds: &fakeStripeRefunds{}})

	session, err := provider.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{
		Amount:         4000,
		Currency:       "EUR",
		CustomerEmail:  "buyer@example.com",
		SuccessURL:     "https://shop.test/ok",
		CancelURL:      "https://shop.test/cancel",
		Locale:         "fr_FR",
		IdempotencyKey: "ord_1",
		Metadata:       map[string]string{"order_id": "ord_1"},
		Items: []CheckoutLineItem{
			{Name: "Ring", SKU: "sku_ring", Quantity: 2, Amount: 2000},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "cs_test_1", session.ID)
	assert.Equal(t, "pi_1", session.IntentID)
	assert.Equal(t, "stripe", session.Processor)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC), session.ExpiresAt)

	params := sessions.params
	require.NotNil(t, params)
	assert.Equal(t, "ord_1", *params.ClientReferenceID)
	assert.Equal(t, "buyer@example.com", *params.CustomerEmail)
	assert.Equal(t, "fr-fr", *params.Locale)
	assert.Equal(t, "ord_1", params.Metadata["order_id"])
	assert.Equal(t, "ord_1", params.PaymentIntentData.Metadata["order_id"])
	require.Len(t, params.LineItems, 1)
	assert.Equal(t, int64(2), *params.LineItems[0].Quantity)
	assert.Equal(t, "eur", *params.LineItems[0].PriceData.Currency)
	assert.Equal(t, "sku_ring", params.LineItems[0].PriceData.ProductData.Metadata["sku"])
}

func TestStripeProviderCreateCheckoutSessionWrapsError(t *testing.T) {
	provider := newTestStripeProvider(t, stripeClients{
		sessions: &fakeStripeSessions{err: errors.New("rate limited")},
		refunds:  &fakeStripeRefunds{},
	})
	_, err := provider.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{Currency: "EUR", Amount: 100})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestStripeProviderRefundReturnsRefundID(t *testing.T) {
	refunds := &fakeStripeRefunds{refund: &stripe.Refund{
		ID:       "re_1",
		Amount:   1500,
		Currency: "eur",
		Status:   stripe.RefundStatusPending,
	}}
	provider := newTestStripeProvider(t, stripeClients{sessions: &fakeStripeSessions{}, refunds: refunds})

	amount := int64(1500)
	result, err := provider.Refund(context.Background(), RefundRequest{
		IntentID:       "pi_1",
		Amount:         &amount,
		Reason:         "requested_by_customer",
		IdempotencyKey: "rfd_1",
		Metadata:       map[string]string{"order_id": "ord_1", "refund_id": "rfd_1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "re_1", result.RefundID)
	assert.Equal(t, StatusPending, result.Status)
	assert.Equal(t, int64(1500), result.Amount)
	assert.Equal(t, "EUR", result.Currency)
	assert.Nil(t, result.CompletedAt)
	assert.Equal(t, "pi_1", *refunds.params.PaymentIntent)
	assert.Equal(t, "requested_by_customer", *refunds.params.Reason)
	assert.Equal(t, "rfd_1", refunds.params.Metadata["refund_id"])
}

func TestStripeProviderRefundRequiresIntent(t *testing.T) {
	provider := newTestStripeProvider(t, stripeClients{sessions: &fakeStripeSessions{}, refunds: &fakeStripeRefunds{}})
	_, err := provider.Refund(context.Background(), RefundRequest{})
	require.Error(t, err)
}

func TestStripeProviderRefundSucceededImmediately(t *testing.T) {
	refunds := &fakeStripeRefunds{refund: &stripe.Refund{
		ID:       "re_9",
		Amount:   3000,
		Currency: "eur",
		Status:   stripe.RefundStatusSucceeded,
		Created:  1714568400,
	}}
	provider := newTestStripeProvider(t, stripeClients{sessions: &fakeStripeSessions{}, refunds: refunds})

	result, err := provider.Refund(context.Background(), RefundRequest{IntentID: "pi_1", IdempotencyKey: "rfd_9"})
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, result.Status)
	require.NotNil(t, result.CompletedAt)
	assert.Equal(t, int64(1714568400), result.CompletedAt.Unix())
	assert.Nil(t, refunds.params.Amount)
}

func TestMapStripeRefundReasonDropsFreeText(t *testing.T) {
	assert.Equal(t, "duplicate", mapStripeRefundReason(" Duplicate "))
	assert.Equal(t, "", mapStripeRefundReason("item arrived scratched"))
}
