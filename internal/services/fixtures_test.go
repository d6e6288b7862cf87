package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/synclune/api/internal/domain"
	"github.com/synclune/api/internal/repositories/memory"
)

var testEpoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func sequentialIDs() func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%06d", n)
	}
}

type capturedLog struct {
	event  string
	fields map[string]any
}

type captureLogger struct {
	mu      sync.Mutex
	entries []capturedLog
}

func (c *captureLogger) Log(_ context.Context, event string, fields map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, capturedLog{event: event, fields: fields})
}

func (c *captureLogger) Has(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.entries {
		if entry.event == event {
			return true
		}
	}
	return false
}

type sentNotification struct {
	orderID  string
	template domain.NotificationTemplate
}

type stubNotifier struct {
	mu     sync.Mutex
	sendFn func(context.Context, string, domain.NotificationTemplate) error
	sent   []sentNotification
}

func (s *stubNotifier) Send(ctx context.Context, orderID string, template domain.NotificationTemplate) error {
	if s.sendFn != nil {
		if err := s.sendFn(ctx, orderID, template); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentNotification{orderID: orderID, template: template})
	return nil
}

func (s *stubNotifier) count(template domain.NotificationTemplate) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, msg := range s.sent {
		if msg.template == template {
			n++
		}
	}
	return n
}

type captureInvalidations struct {
	mu     sync.Mutex
	err    error
	events []InvalidationEvent
}

func (c *captureInvalidations) PublishInvalidation(_ context.Context, event InvalidationEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return c.err
}

func (c *captureInvalidations) hasKey(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, event := range c.events {
		for _, k := range event.Keys {
			if k == key {
				return true
			}
		}
	}
	return false
}

// lifecycle wires every service against one in-memory registry.
type lifecycle struct {
	t             *testing.T
	reg           *memory.Registry
	clock         *testClock
	logs          *captureLogger
	notifier      *stubNotifier
	invalidations *captureInvalidations
	ledger        StockLedger
	discounts     DiscountService
	orders        OrderService
	events        PaymentEventProcessor
}

func newLifecycle(t *testing.T) *lifecycle {
	t.Helper()
	l := &lifecycle{
		t:             t,
		reg:           memory.NewRegistry(),
		clock:         &testClock{now: testEpoch},
		logs:          &captureLogger{},
		notifier:      &stubNotifier{},
		invalidations: &captureInvalidations{},
	}
	ids := sequentialIDs()

	ledger, err := NewStockLedger(StockLedgerDeps{
		Orders:      l.reg.Orders(),
		Stock:       l.reg.Stock(),
		UnitOfWork:  l.reg,
		Clock:       l.clock.Now,
		IDGenerator: ids,
		Logger:      l.logs.Log,
	})
	if err != nil {
		t.Fatalf("new stock ledger: %v", err)
	}
	l.ledger = ledger

	discounts, err := NewDiscountService(DiscountServiceDeps{
		Discounts:   l.reg.Discounts(),
		Usages:      l.reg.DiscountUsage(),
		Clock:       l.clock.Now,
		IDGenerator: ids,
		Logger:      l.logs.Log,
	})
	if err != nil {
		t.Fatalf("new discount service: %v", err)
	}
	l.discounts = discounts

	orders, err := NewOrderService(OrderServiceDeps{
		Orders:        l.reg.Orders(),
		History:       l.reg.OrderHistory(),
		Stock:         l.reg.Stock(),
		Counters:      l.reg.Counters(),
		Ledger:        ledger,
		Discounts:     discounts,
		UnitOfWork:    l.reg,
		Notifications: l.notifier,
		Invalidations: l.invalidations,
		Clock:         l.clock.Now,
		IDGenerator:   ids,
		Logger:        l.logs.Log,
	})
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	l.orders = orders

	events, err := NewPaymentEventProcessor(PaymentEventProcessorDeps{
		Orders:        l.reg.Orders(),
		History:       l.reg.OrderHistory(),
		Events:        l.reg.PaymentEvents(),
		Disputes:      l.reg.Disputes(),
		Refunds:       l.reg.Refunds(),
		Ledger:        ledger,
		Discounts:     discounts,
		UnitOfWork:    l.reg,
		Notifications: l.notifier,
		Invalidations: l.invalidations,
		Clock:         l.clock.Now,
		IDGenerator:   ids,
		Logger:        l.logs.Log,
	})
	if err != nil {
		t.Fatalf("new payment event processor: %v", err)
	}
	l.events = events
	return l
}

func (l *lifecycle) putSKU(id string, inventory int, price int64) {
	l.reg.PutSKU(domain.ProductSKU{
		ID:           id,
		ProductTitle: "Ring " + strings.ToUpper(id),
		Price:        price,
		Inventory:    inventory,
		Active:       true,
		UpdatedAt:    testEpoch,
	})
}

func (l *lifecycle) inventory(id string) int {
	l.t.Helper()
	count, ok := l.reg.Inventory(id)
	if !ok {
		l.t.Fatalf("sku %s missing", id)
	}
	return count
}

func orderCommand(lines ...CartLine) CreateOrderCommand {
	return CreateOrderCommand{
		CustomerID: "cus_1",
		Contact:    OrderContact{Email: "buyer@example.com", Name: "Ana"},
		ShippingAddress: Address{
			Recipient:  "Ana",
			Line1:      "12 rue des Lilas",
			City:       "Lyon",
			PostalCode: "69001",
			Country:    "FR",
		},
		Lines:         lines,
		ShippingTotal: 500,
	}
}

func (l *lifecycle) createOrder(cmd CreateOrderCommand) Order {
	l.t.Helper()
	order, err := l.orders.CreateOrder(context.Background(), cmd)
	if err != nil {
		l.t.Fatalf("create order: %v", err)
	}
	return order
}

func (l *lifecycle) order(id string) Order {
	l.t.Helper()
	order, err := l.orders.GetOrder(context.Background(), id)
	if err != nil {
		l.t.Fatalf("get order %s: %v", id, err)
	}
	return order
}

func (l *lifecycle) apply(event PaymentEvent) PaymentEventResult {
	l.t.Helper()
	result, err := l.events.ApplyPaymentEvent(context.Background(), event)
	if err != nil {
		l.t.Fatalf("apply %s: %v", event.ID, err)
	}
	return result
}

func (l *lifecycle) pay(order Order, eventID string) PaymentEventResult {
	l.t.Helper()
	return l.apply(checkoutCompleted(eventID, order))
}

func checkoutCompleted(eventID string, order Order) PaymentEvent {
	return PaymentEvent{
		ID:             eventID,
		Type:           domain.PaymentEventCheckoutCompleted,
		OrderReference: order.ID,
		Payload: domain.PaymentEventPayload{
			CheckoutSessionID: "cs_" + order.ID,
			PaymentIntentID:   "pi_" + order.ID,
			AmountTotal:       order.Total,
			Currency:          order.Currency,
		},
		ReceivedAt: testEpoch,
	}
}

func strPtr(v string) *string { return &v }
func intPtr(v int) *int       { return &v }
