package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/synclune/api/internal/domain"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	declared   []string
	kinds      []string
	published  []published
	publishErr error
	closed     bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	f.declared = append(f.declared, name)
	f.kinds = append(f.kinds, kind)
	return nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("publish without deadline")
	}
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQPSenderPublishesPersistentRequest(t *testing.T) {
	ch := &fakeChannel{}
	at := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	sender, err := newAMQPSender(ch, Config{Exchange: "mail", RoutingPrefix: "orders.", Clock: func() time.Time { return at }})
	require.NoError(t, err)
	assert.Equal(t, []string{"mail"}, ch.declared)
	assert.Equal(t, []string{amqp.ExchangeTopic}, ch.kinds)

	require.NoError(t, sender.Send(context.Background(), "ord_1", domain.TemplatePaymentReminder))

	require.Len(t, ch.published, 1)
	got := ch.published[0]
	assert.Equal(t, "mail", got.exchange)
	assert.Equal(t, "orders.payment_reminder", got.key)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)
	assert.Equal(t, "ord_1:payment_reminder", got.msg.MessageId)

	var body message
	require.NoError(t, json.Unmarshal(got.msg.Body, &body))
	assert.Equal(t, message{OrderID: "ord_1", Template: "payment_reminder", RequestedAt: at}, body)
}

func TestAMQPSenderDefaults(t *testing.T) {
	ch := &fakeChannel{}
	sender, err := newAMQPSender(ch, Config{})
	require.NoError(t, err)
	require.NoError(t, sender.Send(context.Background(), "ord_2", domain.TemplateOrderCancelled))

	assert.Equal(t, defaultExchange, ch.published[0].exchange)
	assert.Equal(t, "order.order_cancelled", ch.published[0].key)
}

func TestAMQPSenderSurfacesBrokerFailure(t *testing.T) {
	ch := &fakeChannel{publishErr: amqp.ErrClosed}
	sender, err := newAMQPSender(ch, Config{})
	require.NoError(t, err)

	err = sender.Send(context.Background(), "ord_3", domain.TemplateRefundCompleted)
	require.Error(t, err)
	assert.ErrorIs(t, err, amqp.ErrClosed)

	assert.Error(t, sender.Send(context.Background(), " ", domain.TemplateRefundCompleted))
	require.NoError(t, sender.Close())
	assert.True(t, ch.closed)
}

func TestLogSenderRecordsRequest(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sender := NewLogSender(zap.New(core))

	require.NoError(t, sender.Send(context.Background(), "ord_4", domain.TemplatePaymentReminder))

	entries := logs.FilterMessage("notification requested").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "ord_4", entries[0].ContextMap()["order_id"])
	assert.Equal(t, "payment_reminder", entries[0].ContextMap()["template"])
}
