package room

import "codebattle/internal/battle/model"

const defaultBufferSize = 64

// eventBuffer keeps the newest events for a player who is not reachable.
type eventBuffer struct {
	limit   int
	events  []model.Event
	dropped int
}

func newEventBuffer(limit int) *eventBuffer {
	if limit <= 0 {
		limit = defaultBufferSize
	}
	return &eventBuffer{limit: limit}
}

func (b *eventBuffer) push(ev model.Event) {
	if len(b.events) >= b.limit {
		copy(b.events, b.events[1:])
		b.events = b.events[:len(b.events)-1]
		b.dropped++
	}
	b.events = append(b.events, ev)
}

// drain returns the buffered events oldest first and empties the buffer.
func (b *eventBuffer) drain() []model.Event {
	out := b.events
	b.events = nil
	b.dropped = 0
	return out
}

// peek returns the oldest buffered event.
func (b *eventBuffer) peek() (model.Event, bool) {
	if len(b.events) == 0 {
		return model.Event{}, false
	}
	return b.events[0], true
}

func (b *eventBuffer) pop() {
	if len(b.events) > 0 {
		b.events = b.events[1:]
	}
}

func (b *eventBuffer) len() int {
	return len(b.events)
}
