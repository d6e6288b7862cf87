package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/synclune/api/internal/domain"
	"github.com/synclune/api/internal/platform/observability"
	"github.com/synclune/api/internal/services"
)

type stubOrderService struct {
	getFn        func(context.Context, string) (services.Order, error)
	historyFn    func(context.Context, string) ([]services.OrderHistory, error)
	transitionFn func(context.Context, services.TransitionOrderCommand) (services.Order, error)
	bulkFn       func(context.Context, []services.TransitionOrderCommand) []services.TransitionResult
}

func (s *stubOrderService) CreateOrder(context.Context, services.CreateOrderCommand) (services.Order, error) {
	return services.Order{}, nil
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID)
	}
	return services.Order{}, services.ErrOrderNotFound
}

func (s *stubOrderService) ListHistory(ctx context.Context, orderID string) ([]services.OrderHistory, error) {
	if s.historyFn != nil {
		return s.historyFn(ctx, orderID)
	}
	return nil, nil
}

func (s *stubOrderService) TransitionOrder(ctx context.Context, cmd services.TransitionOrderCommand) (services.Order, error) {
	return s.transitionFn(ctx, cmd)
}

func (s *stubOrderService) BulkTransition(ctx context.Context, cmds []services.TransitionOrderCommand) []services.TransitionResult {
	return s.bulkFn(ctx, cmds)
}

type stubCheckoutService struct {
	startFn func(context.Context, services.StartCheckoutCommand) (services.CheckoutResult, error)
}

func (s *stubCheckoutService) StartCheckout(ctx context.Context, cmd services.StartCheckoutCommand) (services.CheckoutResult, error) {
	return s.startFn(ctx, cmd)
}

type stubDiscountService struct {
	validateFn func(context.Context, services.ValidateDiscountCommand) (services.DiscountQuote, error)
}

func (s *stubDiscountService) Validate(ctx context.Context, cmd services.ValidateDiscountCommand) (services.DiscountQuote, error) {
	return s.validateFn(ctx, cmd)
}

func (s *stubDiscountService) Redeem(context.Context, services.Order) (bool, error) {
	return false, nil
}

type stubRefundCoordinator struct {
	requestFn func(context.Context, services.RequestRefundCommand) (services.RefundRequest, error)
	decideFn  func(bool, services.RefundDecisionCommand) []services.RefundDecisionResult
	listFn    func(context.Context, string) ([]services.RefundRequest, error)
}

func (s *stubRefundCoordinator) RequestRefund(ctx context.Context, cmd services.RequestRefundCommand) (services.RefundRequest, error) {
	return s.requestFn(ctx, cmd)
}

func (s *stubRefundCoordinator) ApproveRefunds(_ context.Context, cmd services.RefundDecisionCommand) []services.RefundDecisionResult {
	return s.decideFn(true, cmd)
}

func (s *stubRefundCoordinator) RejectRefunds(_ context.Context, cmd services.RefundDecisionCommand) []services.RefundDecisionResult {
	return s.decideFn(false, cmd)
}

func (s *stubRefundCoordinator) ListRefunds(ctx context.Context, orderID string) ([]services.RefundRequest, error) {
	return s.listFn(ctx, orderID)
}

type stubSystemService struct {
	report services.ReadinessReport
	err    error
	build  services.BuildInfo
}

func (s *stubSystemService) Readiness(context.Context) (services.ReadinessReport, error) {
	return s.report, s.err
}

func (s *stubSystemService) Build() services.BuildInfo { return s.build }

var (
	_ services.OrderService      = (*stubOrderService)(nil)
	_ services.CheckoutService   = (*stubCheckoutService)(nil)
	_ services.DiscountService   = (*stubDiscountService)(nil)
	_ services.RefundCoordinator = (*stubRefundCoordinator)(nil)
	_ services.SystemService     = (*stubSystemService)(nil)
)

func sampleOrder(id string) services.Order {
	return services.Order{
		ID:                id,
		Number:            "SL-000042",
		Currency:          "EUR",
		Subtotal:          4000,
		Total:             4500,
		ShippingTotal:     500,
		Status:            domain.OrderStatusPending,
		PaymentStatus:     domain.PaymentStatusPending,
		FulfillmentStatus: domain.FulfillmentStatusUnfulfilled,
		Contact:           services.OrderContact{Email: "ada@example.com"},
		Items: []services.OrderItem{
			{ID: "itm_1", SKUID: "sku_ring", ProductTitle: "Silver ring", Quantity: 2, UnitPrice: 2000},
		},
	}
}

// serve mounts registrar on a fresh router the way NewRouter does and executes one request.
func serve(t *testing.T, registrar RouteRegistrar, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	router.Use(ActorMiddleware)
	router.Group(func(r chi.Router) { registrar(r) })

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func asActor(actor string) map[string]string {
	return map[string]string{observability.ActorHeader: actor}
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}
