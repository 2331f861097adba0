package events

import (
	"log/slog"
	"sync"
)

// Handler receives the payload published under a tag.
type Handler func(payload any)

type subscription struct {
	id int64
	fn Handler
}

// Bus is a subscription registry mapping tags to ordered handler lists.
//
// Handlers run synchronously on the publishing goroutine, in registration
// order. A panicking handler is logged and does not stop later handlers.
// Handlers may subscribe or unsubscribe from within a dispatch; the change
// applies to the next Publish.
type Bus struct {
	mu     sync.RWMutex
	nextID int64
	subs   map[Tag][]subscription
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Tag][]subscription)}
}

// Subscribe registers fn for tag and returns a function that removes it.
// The returned function is safe to call more than once.
func (b *Bus) Subscribe(tag Tag, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[tag] = append(b.subs[tag], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(tag, id) })
	}
}

func (b *Bus) remove(tag Tag, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[tag]
	for i, s := range list {
		if s.id == id {
			out := make([]subscription, 0, len(list)-1)
			out = append(out, list[:i]...)
			out = append(out, list[i+1:]...)
			if len(out) == 0 {
				delete(b.subs, tag)
			} else {
				b.subs[tag] = out
			}
			return
		}
	}
}

// Publish delivers payload to every handler registered for tag.
// A nil Bus discards the event.
func (b *Bus) Publish(tag Tag, payload any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	list := b.subs[tag]
	b.mu.RUnlock()

	for _, s := range list {
		b.dispatch(tag, s.fn, payload)
	}
}

func (b *Bus) dispatch(tag Tag, fn Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("events: handler panic", "tag", string(tag), "panic", r)
		}
	}()
	fn(payload)
}

// Count returns the number of handlers registered for tag.
func (b *Bus) Count(tag Tag) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[tag])
}
