package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var received *Event
	calls := 0
	bus.Subscribe(EventBookingConfirmed, func(event *Event) error {
		received = event
		calls++
		return nil
	})

	err := bus.PublishJSON(EventBookingConfirmed, BookingEventPayload{BookingID: "b1", Cost: 5})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	require.NotNil(t, received)
	assert.Equal(t, EventBookingConfirmed, received.Type)
	assert.False(t, received.CreatedAt.IsZero())

	var decoded BookingEventPayload
	require.NoError(t, received.Decode(&decoded))
	assert.Equal(t, "b1", decoded.BookingID)
	assert.Equal(t, int64(5), decoded.Cost)
}

func TestEventBusWildcardAndOtherTypes(t *testing.T) {
	bus := NewEventBus()
	var specific, all int

	bus.Subscribe(EventBookingCompleted, func(_ *Event) error { specific++; return nil })
	bus.Subscribe(AllEvents, func(_ *Event) error { all++; return nil })

	require.NoError(t, bus.PublishJSON(EventBookingCompleted, nil))
	require.NoError(t, bus.PublishJSON(EventBookingCancelled, nil))

	assert.Equal(t, 1, specific)
	assert.Equal(t, 2, all)
}

func TestEventBusJoinsHandlerErrors(t *testing.T) {
	bus := NewEventBus()
	boom := errors.New("boom")
	bus.Subscribe(EventBookingNoShow, func(_ *Event) error { return boom })
	bus.Subscribe(EventBookingNoShow, func(_ *Event) error { return nil })

	err := bus.PublishJSON(EventBookingNoShow, nil)
	assert.ErrorIs(t, err, boom)
}

func TestNilBusIsNoop(t *testing.T) {
	var bus *EventBus
	assert.NoError(t, bus.PublishJSON(EventBookingRequested, map[string]string{"a": "b"}))
}

func TestPublishJSONMarshalError(t *testing.T) {
	bus := NewEventBus()
	err := bus.PublishJSON(EventBookingRequested, make(chan int))
	assert.Error(t, err)
}
