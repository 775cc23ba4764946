package events

import (
	"slices"
	"sync"
)

// Handler receives published events
type Handler func(Event)

// Publisher is the producing side of the bus
type Publisher interface {
	Publish(e Event)
}

// Bus delivers events synchronously to every subscriber in subscription
// order. It is safe for concurrent use, and handlers may publish or
// subscribe from within a callback.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]Handler
}

var _ Publisher = (*Bus)(nil)

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{handlers: make(map[uint64]Handler)}
}

// Subscription is the handle returned by Subscribe
type Subscription struct {
	bus  *Bus
	id   uint64
	once sync.Once
}

// Unsubscribe stops delivery to the handler. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		delete(s.bus.handlers, s.id)
	})
}

// Subscribe registers h for every event
func (b *Bus) Subscribe(h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[b.nextID] = h
	return &Subscription{bus: b, id: b.nextID}
}

// Publish delivers e to the current subscribers
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// SubscribeTo registers a handler for a single event type
func SubscribeTo[T Event](b *Bus, h func(T)) *Subscription {
	return b.Subscribe(func(e Event) {
		if typed, ok := e.(T); ok {
			h(typed)
		}
	})
}

// Discard is a Publisher that drops every event
type Discard struct{}

// Publish implements Publisher
func (Discard) Publish(Event) {}
