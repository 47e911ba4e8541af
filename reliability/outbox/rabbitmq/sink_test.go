//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-reliability/reliability/outbox"
)

type confirmMode int

const (
	confirmAck confirmMode = iota
	confirmNack
	confirmNone
)

type published struct {
	exchange   string
	routingKey string
	mandatory  bool
	msg        amqp.Publishing
}

type fakeChannel struct {
	mu          sync.Mutex
	confirmErr  error
	publishErr  error
	mode        confirmMode
	confirms    chan amqp.Confirmation
	closeNotify chan *amqp.Error
	published   []published
	tag         uint64
	closed      bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{closeNotify: make(chan *amqp.Error, 1)}
}

func (f *fakeChannel) Confirm(bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.confirmErr
}

func (f *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.confirms = confirm

	return confirm
}

func (f *fakeChannel) NotifyClose(chan *amqp.Error) chan *amqp.Error {
	return f.closeNotify
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, mandatory, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return f.publishErr
	}

	f.tag++
	f.published = append(f.published, published{exchange: exchange, routingKey: key, mandatory: mandatory, msg: msg})

	switch f.mode {
	case confirmAck:
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: true}
	case confirmNack:
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: false}
	case confirmNone:
	}

	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.closed {
		f.closed = true
		close(f.confirms)
	}

	return nil
}

func (f *fakeChannel) setMode(mode confirmMode) {
	f.mu.Lock()
	f.mode = mode
	f.mu.Unlock()
}

func (f *fakeChannel) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]published(nil), f.published...)
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

func newTestSink(t *testing.T, ch *fakeChannel, opts ...Option) *Sink {
	t.Helper()

	sink, err := NewSink(ch, "orders", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	return sink
}

func TestNewSink_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewSink(nil, "orders")
	require.ErrorIs(t, err, ErrChannelRequired)

	ch := newFakeChannel()
	ch.confirmErr = errors.New("not supported")

	_, err = NewSink(ch, "orders")
	require.ErrorIs(t, err, ErrConfirmModeUnavailable)
}

func TestSink_PublishEventCarriesEnvelope(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	sink := newTestSink(t, ch, WithMandatory(true))

	event, err := outbox.NewEvent(context.Background(), "Order", "42", "order.created", []byte(`{"id":"42"}`), time.Now())
	require.NoError(t, err)

	event.TenantID = "tenant-a"
	event.RetryCount = 2
	event.Headers = map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"}

	require.NoError(t, sink.PublishEvent(context.Background(), event))

	msgs := ch.messages()
	require.Len(t, msgs, 1)

	got := msgs[0]
	assert.Equal(t, "orders", got.exchange)
	assert.Equal(t, "order.created", got.routingKey)
	assert.True(t, got.mandatory)
	assert.Equal(t, event.ID.String(), got.msg.MessageId)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, []byte(`{"id":"42"}`), got.msg.Body)
	assert.Equal(t, event.ID.String(), got.msg.Headers[HeaderEventID])
	assert.Equal(t, "Order", got.msg.Headers[HeaderAggregateType])
	assert.Equal(t, "42", got.msg.Headers[HeaderAggregateID])
	assert.Equal(t, "tenant-a", got.msg.Headers[HeaderTenantID])
	assert.Equal(t, int32(2), got.msg.Headers[HeaderRetryCount])
	assert.Contains(t, got.msg.Headers, "traceparent")
	assert.True(t, sink.Healthy())
}

func TestSink_RoutingKeyMapping(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	sink := newTestSink(t, ch, WithRoutingKey(func(eventType string) string { return "events." + eventType }))

	require.NoError(t, sink.Publish(context.Background(), "Created", []byte(`{}`)))

	msgs := ch.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "events.Created", msgs[0].routingKey)
	assert.Equal(t, "Created", msgs[0].msg.Headers[HeaderEventType])
	assert.Empty(t, msgs[0].msg.MessageId)
}

func TestSink_Nack(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	ch.mode = confirmNack
	sink := newTestSink(t, ch)

	err := sink.Publish(context.Background(), "Created", []byte(`{}`))
	require.ErrorIs(t, err, ErrPublishNacked)
	assert.True(t, sink.Healthy(), "a nack keeps the confirm stream in sync")

	ch.setMode(confirmAck)
	require.NoError(t, sink.Publish(context.Background(), "Created", []byte(`{}`)))
}

func TestSink_PublishError(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	ch.publishErr = errors.New("channel/connection is not open")
	sink := newTestSink(t, ch)

	err := sink.Publish(context.Background(), "Created", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not open")
}

func TestSink_ConfirmTimeoutInvalidatesChannel(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	ch.mode = confirmNone
	sink := newTestSink(t, ch, WithConfirmTimeout(20*time.Millisecond))

	err := sink.Publish(context.Background(), "Created", []byte(`{}`))
	require.ErrorIs(t, err, ErrConfirmTimeout)
	assert.False(t, sink.Healthy())
	assert.True(t, ch.isClosed())

	err = sink.Publish(context.Background(), "Created", []byte(`{}`))
	require.ErrorIs(t, err, ErrSinkClosed)

	replacement := newFakeChannel()
	require.NoError(t, sink.Reconnect(replacement))
	require.NoError(t, sink.Publish(context.Background(), "Created", []byte(`{}`)))
	assert.Len(t, replacement.messages(), 1)
}

func TestSink_ContextCancelledWhileWaiting(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	ch.mode = confirmNone
	sink := newTestSink(t, ch)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := sink.Publish(ctx, "Created", []byte(`{}`))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, sink.Healthy())
}

func TestSink_BrokerClosesChannel(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	sink := newTestSink(t, ch)

	ch.closeNotify <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "shutdown"}

	require.Eventually(t, func() bool { return !sink.Healthy() }, time.Second, 5*time.Millisecond)

	err := sink.Publish(context.Background(), "Created", []byte(`{}`))
	require.ErrorIs(t, err, ErrSinkClosed)
}

func TestSink_ReconnectRules(t *testing.T) {
	t.Parallel()

	sink := newTestSink(t, newFakeChannel())

	require.ErrorIs(t, sink.Reconnect(nil), ErrChannelRequired)
	require.ErrorIs(t, sink.Reconnect(newFakeChannel()), ErrReconnectWhileOpen)

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	require.ErrorIs(t, sink.Reconnect(newFakeChannel()), ErrReconnectAfterClose)
	require.ErrorIs(t, sink.Publish(context.Background(), "Created", nil), ErrSinkClosed)
}

func TestSink_NilReceiver(t *testing.T) {
	t.Parallel()

	var sink *Sink

	require.ErrorIs(t, sink.Publish(context.Background(), "Created", nil), ErrSinkRequired)
	require.ErrorIs(t, sink.PublishEvent(context.Background(), &outbox.Event{}), ErrSinkRequired)
	require.ErrorIs(t, sink.Close(), ErrSinkRequired)
	assert.False(t, sink.Healthy())
}

func TestSink_DeliversOutboxEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ch := newFakeChannel()
	sink := newTestSink(t, ch)

	box, err := outbox.New(outbox.NewMemoryRepository(), nil, outbox.WithEventSink(sink))
	require.NoError(t, err)

	_, err = box.Publish(ctx, "Order", "42", "order.created", map[string]string{"id": "42"})
	require.NoError(t, err)

	result := box.Dispatcher().DispatchOnce(ctx)
	assert.Equal(t, 1, result.Delivered)

	msgs := ch.messages()
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"id":"42"}`, string(msgs[0].msg.Body))
}
