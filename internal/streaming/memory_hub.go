package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

// Each subscription gets its own buffered channel; a subscriber that
// falls this far behind starts dropping events.
const streamBuffer = 64

// MemoryHub fans events out to in-process subscribers over channels.
// It is the only EventHub the engine ships with; executions are short
// lived enough that nothing needs to survive a restart.
type MemoryHub struct {
	mu      sync.RWMutex
	streams map[uint64]*stream
	nextID  atomic.Uint64
}

type stream struct {
	ch     chan StreamEvent
	filter EventFilter
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{streams: make(map[uint64]*stream)}
}

// Publish delivers the event to every subscription whose filter admits
// it. Delivery is best effort: a full channel drops the event instead
// of stalling the publisher.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range h.streams {
		if !s.filter.admits(event) {
			continue
		}
		select {
		case s.ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The returned cancel
// func detaches it; events published afterwards are not delivered.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s := &stream{ch: make(chan StreamEvent, streamBuffer), filter: filter}
	id := h.nextID.Add(1)

	h.mu.Lock()
	h.streams[id] = s
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.streams, id)
		h.mu.Unlock()
	}
	return s.ch, cancel, nil
}

// admits reports whether the event passes the filter. Empty fields
// match everything.
func (f EventFilter) admits(e StreamEvent) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == e.EventType {
			return true
		}
	}
	return false
}
