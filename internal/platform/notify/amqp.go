package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/synclune/api/internal/services"
)

const (
	defaultExchange      = "synclune.notifications"
	defaultRoutingPrefix = "order"
	defaultTimeout       = 5 * time.Second
)

// channel is the subset of *amqp.Channel the sender publishes through.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Config locates the exchange notification requests are published to.
type Config struct {
	Exchange      string
	RoutingPrefix string
	Timeout       time.Duration
	Clock         func() time.Time
}

// message is the request body the mail worker consumes. Rendering and delivery are its concern.
type message struct {
	OrderID     string    `json:"orderId"`
	Template    string    `json:"template"`
	RequestedAt time.Time `json:"requestedAt"`
}

// AMQPSender hands (order, template) pairs to a topic exchange, one routing key per template
// (for example "order.payment_reminder").
type AMQPSender struct {
	mu       sync.Mutex
	ch       channel
	conn     *amqp.Connection
	exchange string
	prefix   string
	timeout  time.Duration
	now      func() time.Time
}

var _ services.NotificationSender = (*AMQPSender)(nil)

// Dial connects to the broker and declares the notification exchange.
func Dial(url string, cfg Config) (*AMQPSender, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("notify: amqp url is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("notify: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("notify: open channel: %w", err)
	}
	sender, err := newAMQPSender(ch, cfg)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	sender.conn = conn
	return sender, nil
}

func newAMQPSender(ch channel, cfg Config) (*AMQPSender, error) {
	if ch == nil {
		return nil, errors.New("notify: channel is required")
	}
	exchange := strings.TrimSpace(cfg.Exchange)
	if exchange == "" {
		exchange = defaultExchange
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.RoutingPrefix), ".")
	if prefix == "" {
		prefix = defaultRoutingPrefix
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return nil, fmt.Errorf("notify: declare exchange %s: %w", exchange, err)
	}

	return &AMQPSender{
		ch:       ch,
		exchange: exchange,
		prefix:   prefix,
		timeout:  timeout,
		now:      now,
	}, nil
}

// Send publishes a persistent notification request. A returned error means the broker did not
// accept the message; the caller decides whether to retry.
func (s *AMQPSender) Send(ctx context.Context, orderID string, template services.NotificationTemplate) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" || strings.TrimSpace(string(template)) == "" {
		return errors.New("notify: order id and template are required")
	}

	now := s.now().UTC()
	body, err := json.Marshal(message{OrderID: orderID, Template: string(template), RequestedAt: now})
	if err != nil {
		return fmt.Errorf("notify: encode message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.ch.PublishWithContext(ctx, s.exchange, s.routingKey(template), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    orderID + ":" + string(template),
		Timestamp:    now,
		Type:         string(template),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("notify: publish %s for %s: %w", template, orderID, err)
	}
	return nil
}

func (s *AMQPSender) routingKey(template services.NotificationTemplate) string {
	return s.prefix + "." + string(template)
}

// Close shuts the channel and, for dialled senders, the connection.
func (s *AMQPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.ch.Close()
	if s.conn != nil {
		err = errors.Join(err, s.conn.Close())
	}
	return err
}

// LogSender records notification requests instead of publishing them. Local environments
// without a broker use it.
type LogSender struct {
	logger *zap.Logger
}

var _ services.NotificationSender = LogSender{}

// NewLogSender returns a sender that writes each request to logger.
func NewLogSender(logger *zap.Logger) LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return LogSender{logger: logger}
}

func (s LogSender) Send(_ context.Context, orderID string, template services.NotificationTemplate) error {
	s.logger.Info("notification requested",
		zap.String("order_id", orderID),
		zap.String("template", string(template)),
	)
	return nil
}
