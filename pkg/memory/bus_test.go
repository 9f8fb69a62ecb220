package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeclareAndEvents(t *testing.T) {
	bus := NewBus("local")
	ctx := context.Background()

	require.NoError(t, bus.DeclareEvent(ctx, "StartSession"))
	require.NoError(t, bus.DeclareEvent(ctx, "StartSession"))
	require.NoError(t, bus.DeclareEvent(ctx, "ChildCalled"))
	assert.ErrorIs(t, bus.DeclareEvent(ctx, ""), ErrInvalidName)

	events := bus.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "ChildCalled", events[0].Name)
	assert.Equal(t, "StartSession", events[1].Name)
}

func TestBusRaiseDelivers(t *testing.T) {
	bus := NewBus("local")
	ctx := context.Background()

	got := make(chan Event, 1)
	require.NoError(t, bus.SubscribeToEvent(ctx, "CallChild", "Interface", func(ev Event) {
		got <- ev
	}))

	require.NoError(t, bus.RaiseEventWithMessage(ctx, "CallChild", IntValue(2), "phrase"))

	select {
	case ev := <-got:
		assert.Equal(t, "CallChild", ev.Key)
		assert.Equal(t, "phrase", ev.Message)
		n, err := ev.Value.Int()
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	v, err := bus.GetData(ctx, "CallChild")
	require.NoError(t, err)
	assert.Equal(t, "2", v.String())
}

func TestBusOneSubscriptionPerPair(t *testing.T) {
	bus := NewBus("local")
	ctx := context.Background()

	var first, second atomic.Int32
	require.NoError(t, bus.SubscribeToEvent(ctx, "EndSession", "Interface", func(Event) { first.Add(1) }))
	require.NoError(t, bus.SubscribeToEvent(ctx, "EndSession", "Interface", func(Event) { second.Add(1) }))
	assert.Equal(t, []string{"Interface"}, bus.Subscribers("EndSession"))

	require.NoError(t, bus.RaiseEvent(ctx, "EndSession", nil))
	bus.Wait()

	assert.Equal(t, int32(0), first.Load(), "replaced handler must not fire")
	assert.Equal(t, int32(1), second.Load())
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus("local")
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, bus.SubscribeToEvent(ctx, "FrontTactilTouched", "Interface", func(Event) { calls.Add(1) }))
	require.True(t, bus.IsSubscribed("FrontTactilTouched", "Interface"))

	require.NoError(t, bus.UnsubscribeToEvent(ctx, "FrontTactilTouched", "Interface"))
	assert.False(t, bus.IsSubscribed("FrontTactilTouched", "Interface"))
	assert.ErrorIs(t, bus.UnsubscribeToEvent(ctx, "FrontTactilTouched", "Interface"), ErrNotSubscribed)

	require.NoError(t, bus.RaiseEvent(ctx, "FrontTactilTouched", IntValue(1)))
	bus.Wait()
	assert.Equal(t, int32(0), calls.Load())
}

func TestBusHandlerMayResubscribe(t *testing.T) {
	bus := NewBus("local")
	ctx := context.Background()

	var calls atomic.Int32
	var handler Handler
	handler = func(ev Event) {
		// Same shape as the relay's CallChild handler
		_ = bus.UnsubscribeToEvent(ctx, ev.Key, "Interface")
		calls.Add(1)
		_ = bus.SubscribeToEvent(ctx, ev.Key, "Interface", handler)
	}
	require.NoError(t, bus.SubscribeToEvent(ctx, "CallChild", "Interface", handler))

	require.NoError(t, bus.RaiseEvent(ctx, "CallChild", IntValue(1)))
	bus.Wait()
	require.NoError(t, bus.RaiseEvent(ctx, "CallChild", IntValue(2)))
	bus.Wait()

	assert.Equal(t, int32(2), calls.Load())
	assert.True(t, bus.IsSubscribed("CallChild", "Interface"))
}

func TestBusDeliversInRaiseOrder(t *testing.T) {
	bus := NewBus("remote")
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	record := func(ev Event) {
		if ev.Key == "CallChild" {
			// A slow handler must not let later events overtake it
			time.Sleep(5 * time.Millisecond)
		}
		mu.Lock()
		seen = append(seen, ev.Key+":"+ev.Value.String())
		mu.Unlock()
	}
	require.NoError(t, bus.SubscribeToEvent(ctx, "CallChild", "Interface", record))
	require.NoError(t, bus.SubscribeToEvent(ctx, "EndSession", "Interface", record))

	require.NoError(t, bus.RaiseEvent(ctx, "CallChild", IntValue(1)))
	require.NoError(t, bus.RaiseEvent(ctx, "CallChild", IntValue(2)))
	require.NoError(t, bus.RaiseEvent(ctx, "EndSession", IntValue(1)))
	bus.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"CallChild:1", "CallChild:2", "EndSession:1"}, seen)
	assert.Equal(t, 0, bus.Stats().Pending)
}

func TestBusSubscribersDoNotBlockEachOther(t *testing.T) {
	bus := NewBus("local")
	ctx := context.Background()

	release := make(chan struct{})
	require.NoError(t, bus.SubscribeToEvent(ctx, "Tick", "slow", func(Event) { <-release }))

	fast := make(chan Event, 1)
	require.NoError(t, bus.SubscribeToEvent(ctx, "Tick", "fast", func(ev Event) { fast <- ev }))

	require.NoError(t, bus.RaiseEvent(ctx, "Tick", IntValue(1)))
	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatal("fast subscriber waited for the slow one")
	}

	close(release)
	bus.Wait()
}

func TestBusHandlerPanicRecovered(t *testing.T) {
	bus := NewBus("local")
	ctx := context.Background()

	require.NoError(t, bus.SubscribeToEvent(ctx, "Boom", "a", func(Event) { panic("boom") }))
	require.NoError(t, bus.RaiseEvent(ctx, "Boom", nil))
	bus.Wait()

	assert.Equal(t, uint64(1), bus.Stats().HandlerPanics)
}

func TestBusConcurrentDispatch(t *testing.T) {
	bus := NewBus("local")
	ctx := context.Background()

	var wg sync.WaitGroup
	var calls atomic.Int32
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, bus.SubscribeToEvent(ctx, "Tick", name, func(Event) { calls.Add(1) }))
	}

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = bus.RaiseEvent(ctx, "Tick", IntValue(n))
		}(i)
	}
	wg.Wait()
	bus.Wait()

	assert.Equal(t, int32(60), calls.Load())
	stats := bus.Stats()
	assert.Equal(t, uint64(20), stats.EventsRaised)
	assert.Equal(t, uint64(60), stats.EventsDelivered)
	assert.Equal(t, 3, stats.Subscriptions)
}

func TestBusDataAndClose(t *testing.T) {
	bus := NewBus("local")
	ctx := context.Background()

	_, err := bus.GetData(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, bus.InsertData(ctx, "RemoteIP", StringValue("10.0.0.2")))
	v, err := bus.GetData(ctx, "RemoteIP")
	require.NoError(t, err)
	assert.Equal(t, `"10.0.0.2"`, v.String())

	assert.ErrorIs(t, bus.SubscribeToEvent(ctx, "x", "y", nil), ErrNilHandler)
	assert.ErrorIs(t, bus.SubscribeToEvent(ctx, "", "y", func(Event) {}), ErrInvalidName)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.RaiseEvent(ctx, "x", nil), ErrClosed)
	assert.ErrorIs(t, bus.DeclareEvent(ctx, "x"), ErrClosed)
	_, err = bus.GetData(ctx, "RemoteIP")
	assert.ErrorIs(t, err, ErrClosed)
}
