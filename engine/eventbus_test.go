package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"secupoints/core"
)

func TestEventBusSync(t *testing.T) {
	bus := NewEventBus(DispatchSync)
	count := 0
	bus.Subscribe(core.EventPointsAwarded, func(ctx context.Context, e core.Event) { count++ })
	bus.Publish(context.Background(), core.NewPointsAwarded(core.PointTransaction{UserID: "u", Points: 1}, 1))
	if count != 1 {
		t.Fatalf("want 1 got %d", count)
	}
}

func TestEventBusAsync(t *testing.T) {
	bus := NewEventBus(DispatchAsync)
	defer bus.Close()
	ch := make(chan struct{})
	bus.Subscribe(core.EventBadgeAwarded, func(ctx context.Context, e core.Event) { close(ch) })
	bus.Publish(context.Background(), core.NewBadgeAwarded(core.Award{UserID: "u", BadgeID: "B"}))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus(DispatchSync)
	count := 0
	unsub := bus.SubscribeAll(func(ctx context.Context, e core.Event) { count++ })
	bus.Publish(context.Background(), core.NewLevelUp("u", 2, 500, time.Now()))
	unsub()
	bus.Publish(context.Background(), core.NewLevelUp("u", 3, 1500, time.Now()))
	if count != 1 {
		t.Fatalf("want 1 got %d", count)
	}
}

func TestEventBusCloseDrainsQueue(t *testing.T) {
	bus := NewEventBus(DispatchAsync)
	var got atomic.Int64
	bus.Subscribe(core.EventPointsAwarded, func(ctx context.Context, e core.Event) { got.Add(1) })
	for i := 0; i < 100; i++ {
		bus.Publish(context.Background(), core.NewPointsAwarded(core.PointTransaction{UserID: "u", Points: 1}, int64(i)))
	}
	bus.Close()
	if got.Load() != 100 {
		t.Fatalf("want 100 delivered got %d", got.Load())
	}
	bus.Publish(context.Background(), core.NewPointsAwarded(core.PointTransaction{UserID: "u"}, 0))
	bus.Close()
}

func TestEventBusRecoversHandlerPanic(t *testing.T) {
	bus := NewEventBus(DispatchSync)
	called := false
	bus.Subscribe(core.EventExcluded, func(ctx context.Context, e core.Event) { panic("boom") })
	bus.Subscribe(core.EventExcluded, func(ctx context.Context, e core.Event) { called = true })
	bus.Publish(context.Background(), core.NewExcluded("ev", "EXC", "why", time.Now()))
	if !called {
		t.Fatal("second handler not called")
	}
}
