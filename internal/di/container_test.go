package di

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/synclune/api/internal/domain"
	"github.com/synclune/api/internal/payments"
	"github.com/synclune/api/internal/platform/config"
	"github.com/synclune/api/internal/repositories"
	"github.com/synclune/api/internal/repositories/memory"
	"github.com/synclune/api/internal/services"
)

type fakeGateway struct {
	sessions []payments.CheckoutSessionRequest
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	g.sessions = append(g.sessions, req)
	return payments.CheckoutSession{ID: "cs_test_1", RedirectURL: "https://pay.example/cs_test_1", IntentID: "pi_1"}, nil
}

func (g *fakeGateway) Refund(context.Context, payments.RefundRequest) (payments.RefundResult, error) {
	return payments.RefundResult{}, errors.New("not used")
}

func testConfig() config.Config {
	return config.Config{
		Server:   config.ServerConfig{Environment: "test"},
		PSP:      config.PSPConfig{CallTimeout: time.Second},
		Checkout: config.CheckoutConfig{DefaultCurrency: "EUR", SuccessURL: "https://shop.example/ok", CancelURL: "https://shop.example/cancel"},
		Sweeper: config.SweeperConfig{
			ReminderAfter: 24 * time.Hour,
			CancelAfter:   72 * time.Hour,
			BatchSize:     50,
			QueryTimeout:  time.Second,
		},
	}
}

func TestNewContainer_RequiresRegistry(t *testing.T) {
	_, err := NewContainer(testConfig(), nil, Infrastructure{})
	require.Error(t, err)
}

func TestNewContainer_WithoutPaymentsSkipsCheckoutAndRefunds(t *testing.T) {
	container, err := NewContainer(testConfig(), memory.NewRegistry(), Infrastructure{})
	require.NoError(t, err)

	assert.NotNil(t, container.Services.Orders)
	assert.NotNil(t, container.Services.Payments)
	assert.NotNil(t, container.Services.Sweeper)
	assert.Nil(t, container.Services.Checkout)
	assert.Nil(t, container.Services.Refunds)
	assert.Nil(t, container.Services.System)
	require.NoError(t, container.Close(context.Background()))
}

func TestNewContainer_CheckoutFlow(t *testing.T) {
	reg := memory.NewRegistry()
	reg.PutSKU(domain.ProductSKU{ID: "sku_ring", ProductTitle: "Silver ring", Price: 2500, Inventory: 3, Active: true})
	gateway := &fakeGateway{}

	container, err := NewContainer(testConfig(), reg, Infrastructure{Payments: gateway})
	require.NoError(t, err)
	require.NotNil(t, container.Services.Checkout)
	require.NotNil(t, container.Services.Refunds)

	result, err := container.Services.Checkout.StartCheckout(context.Background(), services.StartCheckoutCommand{
		Order: services.CreateOrderCommand{
			Contact:         services.OrderContact{Email: "ada@example.com"},
			ShippingAddress: services.Address{Line1: "1 Rue", Country: "FR"},
			Lines:           []services.CartLine{{SKUID: "sku_ring", Quantity: 2}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "cs_test_1", result.SessionID)
	assert.Equal(t, "EUR", result.Order.Currency)
	assert.Equal(t, int64(5000), result.Order.Total)
	assert.Equal(t, "pi_1", result.Order.PaymentIntentID)
	require.Len(t, gateway.sessions, 1)
	assert.Equal(t, "https://shop.example/ok", gateway.sessions[0].SuccessURL)

	// Stock only moves once payment is confirmed.
	inventory, ok := reg.Inventory("sku_ring")
	require.True(t, ok)
	assert.Equal(t, 3, inventory)
}

type staticProbe struct{ report domain.ReadinessReport }

func (p staticProbe) Probe(context.Context) (domain.ReadinessReport, error) { return p.report, nil }

var _ repositories.ReadinessProbe = staticProbe{}

func TestNewContainer_SystemServiceUsesConfiguredEnvironment(t *testing.T) {
	probe := staticProbe{report: domain.ReadinessReport{Status: domain.HealthStatusOK}}
	container, err := NewContainer(testConfig(), memory.NewRegistry(), Infrastructure{
		Probe: probe,
		Build: services.BuildInfo{Version: "1.0.0"},
	})
	require.NoError(t, err)
	require.NotNil(t, container.Services.System)

	build := container.Services.System.Build()
	assert.Equal(t, "1.0.0", build.Version)
	assert.Equal(t, "test", build.Environment)
}
