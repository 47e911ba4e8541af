//go:build unit

package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type plainSink struct {
	eventType string
	payload   []byte
}

func (sink *plainSink) Publish(_ context.Context, eventType string, payload []byte) error {
	sink.eventType = eventType
	sink.payload = payload

	return nil
}

func TestHandlerRegistry_Register(t *testing.T) {
	t.Parallel()

	registry := NewHandlerRegistry()
	handler := func(context.Context, *Event) error { return nil }

	require.ErrorIs(t, registry.Register("  ", handler), ErrEventTypeRequired)
	require.ErrorIs(t, registry.Register("Created", nil), ErrEventHandlerRequired)
	require.NoError(t, registry.Register(" Created ", handler))
	require.ErrorIs(t, registry.Register("Created", handler), ErrHandlerAlreadyRegistered)

	var nilRegistry *HandlerRegistry
	require.ErrorIs(t, nilRegistry.Register("Created", handler), ErrHandlerRegistryRequired)
	assert.False(t, nilRegistry.HasDefault())
}

func TestHandlerRegistry_Handle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	registry := NewHandlerRegistry()

	var handled []string

	require.NoError(t, registry.Register("Created", func(_ context.Context, event *Event) error {
		handled = append(handled, "created:"+event.AggregateID)

		return nil
	}))

	require.NoError(t, registry.Handle(ctx, &Event{EventType: "Created", AggregateID: "1"}))

	err := registry.Handle(ctx, &Event{EventType: "Shipped"})
	require.ErrorIs(t, err, ErrHandlerNotRegistered)
	assert.Contains(t, err.Error(), "Shipped")

	require.ErrorIs(t, registry.SetDefault(nil), ErrEventHandlerRequired)
	require.NoError(t, registry.SetDefault(func(_ context.Context, event *Event) error {
		handled = append(handled, "default:"+event.EventType)

		return nil
	}))
	assert.True(t, registry.HasDefault())

	require.NoError(t, registry.Handle(ctx, &Event{EventType: "Shipped"}))
	assert.Equal(t, []string{"created:1", "default:Shipped"}, handled)

	require.ErrorIs(t, registry.Handle(ctx, nil), ErrEventRequired)
	require.ErrorIs(t, registry.Handle(ctx, &Event{}), ErrEventTypeRequired)
}

func TestHandlerRegistry_ConcurrentRegisterAndHandle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	registry := NewHandlerRegistry()
	require.NoError(t, registry.SetDefault(func(context.Context, *Event) error { return nil }))

	var wg sync.WaitGroup

	for i := range 16 {
		wg.Add(2)

		go func() {
			defer wg.Done()

			_ = registry.Register("Type"+string(rune('A'+i)), func(context.Context, *Event) error { return nil })
		}()

		go func() {
			defer wg.Done()

			assert.NoError(t, registry.Handle(ctx, &Event{EventType: "TypeA"}))
		}()
	}

	wg.Wait()
}

func TestSinkHandler(t *testing.T) {
	t.Parallel()

	_, err := SinkHandler(nil)
	require.ErrorIs(t, err, ErrEventSinkRequired)

	plain := &plainSink{}
	handler, err := SinkHandler(plain)
	require.NoError(t, err)
	require.NoError(t, handler(context.Background(), &Event{EventType: "Created", Payload: []byte(`{}`)}))
	assert.Equal(t, "Created", plain.eventType)
	assert.Equal(t, []byte(`{}`), plain.payload)

	envelope := &recordingSink{err: errors.New("closed")}
	handler, err = SinkHandler(envelope)
	require.NoError(t, err)
	require.EqualError(t, handler(context.Background(), &Event{EventType: "Created"}), "closed")
}

func TestLoggingHandler_NilLogger(t *testing.T) {
	t.Parallel()

	handler := LoggingHandler(nil)
	require.NoError(t, handler(context.Background(), &Event{EventType: "Created"}))
}
