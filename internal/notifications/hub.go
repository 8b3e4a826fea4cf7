package notifications

import (
	"context"
	"errors"
	"strconv"
	"sync"
)

// Hub receives domain events after the change that produced them committed.
type Hub interface {
	Publish(ctx context.Context, evt Event) error
}

// MemoryHub keeps the most recent events in process and hands copies to
// subscribers. It is the default hub and the one tests inspect.
type MemoryHub struct {
	mu     sync.Mutex
	limit  int
	events []Event
	subs   map[int]chan Event
	nextID int
}

// NewMemoryHub keeps at most limit events (default 1000).
func NewMemoryHub(limit int) *MemoryHub {
	if limit <= 0 {
		limit = 1000
	}
	return &MemoryHub{limit: limit, subs: make(map[int]chan Event)}
}

func (m *MemoryHub) Publish(_ context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	if over := len(m.events) - m.limit; over > 0 {
		m.events = append(m.events[:0:0], m.events[over:]...)
	}
	for _, ch := range m.subs {
		select {
		case ch <- evt:
		default:
			// Slow subscriber, drop.
		}
	}
	return nil
}

// Events returns a copy of the retained events.
func (m *MemoryHub) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Consume returns and clears the retained events.
func (m *MemoryHub) Consume() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.events
	m.events = nil
	return out
}

// Subscribe returns a buffered channel of future events and a cancel func.
func (m *MemoryHub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
}

// Fanout publishes to every hub and joins their errors.
type Fanout []Hub

func (f Fanout) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, h := range f {
		if h == nil {
			continue
		}
		if err := h.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
