package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInOrder(t *testing.T) {
	hub := New[int](4)
	sub := hub.Subscribe()

	hub.Publish(1)
	hub.Publish(2)
	hub.Publish(3)

	for _, want := range []int{1, 2, 3} {
		select {
		case got := <-sub:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestPublishFanOutToMultipleSubscribers(t *testing.T) {
	hub := New[string](1)
	a := hub.Subscribe()
	b := hub.Subscribe()

	hub.Publish("hello")

	require.Equal(t, "hello", <-a)
	require.Equal(t, "hello", <-b)
}

func TestPublishDoesNotBlockOnAFullSubscriberChannel(t *testing.T) {
	hub := New[int](1)
	sub := hub.Subscribe()

	done := make(chan struct{})
	go func() {
		hub.Publish(1)
		hub.Publish(2) // subscriber channel (cap 1) is already full
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}

	// Neither event is lost: both arrive, in order, once the subscriber
	// catches up — the pump goroutine's unbounded queue absorbed the
	// second event rather than dropping it.
	for _, want := range []int{1, 2} {
		select {
		case got := <-sub:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for queued event to be delivered")
		}
	}
}

func TestUnsubscribeStopsDeliveryAndShrinksSubscriberCount(t *testing.T) {
	hub := New[int](4)
	sub := hub.Subscribe()
	require.Equal(t, 1, hub.Len())

	hub.Unsubscribe(sub)
	require.Equal(t, 0, hub.Len())

	// Publish after Unsubscribe must not panic or block on the now-dead
	// subscriber, and nothing should arrive on sub.
	hub.Publish(1)
	select {
	case _, ok := <-sub:
		if ok {
			t.Fatal("received event on an unsubscribed channel")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeOfUnknownChannelIsANoOp(t *testing.T) {
	hub := New[int](1)
	other := New[int](1).Subscribe()

	require.NotPanics(t, func() { hub.Unsubscribe(other) })
}

func TestPublishDeliversEveryEventToASlowSubscriberEventually(t *testing.T) {
	hub := New[int](1)
	sub := hub.Subscribe()

	const n = 50
	for i := 0; i < n; i++ {
		hub.Publish(i)
	}

	for i := 0; i < n; i++ {
		select {
		case got := <-sub:
			assert.Equal(t, i, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d; at-least-once delivery violated", i)
		}
	}
}
