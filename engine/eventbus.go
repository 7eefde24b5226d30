package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"secupoints/core"
)

type DispatchMode int

const (
	DispatchSync DispatchMode = iota
	DispatchAsync
)

const (
	asyncQueueSize = 2048
	asyncWorkers   = 4
)

type subscription struct {
	id  int64
	typ core.EventType
	fn  func(context.Context, core.Event)
}

// EventBus provides thread-safe pub/sub of engine events with sync and async
// dispatch.
type EventBus struct {
	mode    DispatchMode
	mu      sync.RWMutex
	subs    map[core.EventType]map[int64]subscription
	nextID  int64
	queue   chan core.Event
	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Int64
	log     *slog.Logger
}

func NewEventBus(mode DispatchMode) *EventBus {
	return NewEventBusWithLogger(mode, nil)
}

// NewEventBusWithLogger is NewEventBus with a logger for dropped events and
// handler panics. A nil logger selects slog.Default().
func NewEventBusWithLogger(mode DispatchMode, log *slog.Logger) *EventBus {
	if log == nil {
		log = slog.Default()
	}
	eb := &EventBus{
		mode: mode,
		subs: make(map[core.EventType]map[int64]subscription),
		log:  log,
	}
	if mode == DispatchAsync {
		eb.queue = make(chan core.Event, asyncQueueSize)
		eb.startWorkers()
	}
	return eb
}

func (e *EventBus) startWorkers() {
	for i := 0; i < asyncWorkers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for ev := range e.queue {
				e.dispatchSync(context.Background(), ev)
			}
		}()
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (e *EventBus) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	if e.mode == DispatchAsync {
		e.mu.Lock()
		close(e.queue)
		e.mu.Unlock()
		e.wg.Wait()
	}
}

// Dropped counts async events discarded because the queue was full.
func (e *EventBus) Dropped() int64 { return e.dropped.Load() }

// Subscribe registers a handler for an event type. Returns unsubscribe func.
func (e *EventBus) Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	if e.subs[typ] == nil {
		e.subs[typ] = make(map[int64]subscription)
	}
	e.subs[typ][id] = subscription{id: id, typ: typ, fn: handler}
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if m := e.subs[typ]; m != nil {
			delete(m, id)
		}
	}
}

// SubscribeAll registers handler for every event type.
func (e *EventBus) SubscribeAll(handler func(context.Context, core.Event)) func() {
	var unsubs []func()
	for _, typ := range core.AllEventTypes() {
		unsubs = append(unsubs, e.Subscribe(typ, handler))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Publish sends an event to subscribers. Async buses never block the
// engine: when the queue is full the event is dropped and counted.
func (e *EventBus) Publish(ctx context.Context, ev core.Event) {
	if e.closed.Load() {
		return
	}
	if e.mode == DispatchAsync {
		e.mu.RLock()
		defer e.mu.RUnlock()
		if e.closed.Load() {
			return
		}
		select {
		case e.queue <- ev:
		default:
			e.dropped.Add(1)
			e.log.WarnContext(ctx, "event bus queue full, dropping event", "type", ev.Type, "user_id", ev.UserID)
		}
		return
	}
	e.dispatchSync(ctx, ev)
}

func (e *EventBus) dispatchSync(ctx context.Context, ev core.Event) {
	e.mu.RLock()
	subs := e.subs[ev.Type]
	// copy to avoid holding lock during callbacks
	handlers := make([]func(context.Context, core.Event), 0, len(subs))
	for _, s := range subs {
		handlers = append(handlers, s.fn)
	}
	e.mu.RUnlock()
	for _, h := range handlers {
		e.invoke(ctx, h, ev)
	}
}

func (e *EventBus) invoke(ctx context.Context, h func(context.Context, core.Event), ev core.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.ErrorContext(ctx, "event handler panicked", "type", ev.Type, "panic", r)
		}
	}()
	h(ctx, ev)
}
