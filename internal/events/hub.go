package events

import (
	"sync"

	"avm/server/internal/model"

	"github.com/google/uuid"
)

// Hub fans run events out to live subscribers, keyed by run ID. Delivery is
// best effort; the store keeps the full sequence for replay.
type Hub struct {
	mu   sync.RWMutex
	runs map[string]runSubscribers
}

type runSubscribers map[string]chan model.RunEvent

func NewHub() *Hub {
	return &Hub{runs: map[string]runSubscribers{}}
}

// Subscribe registers a buffered listener for runID. The returned func
// removes it and closes the channel; calling it twice is harmless.
func (h *Hub) Subscribe(runID string, buf int) (string, <-chan model.RunEvent, func()) {
	id := uuid.NewString()
	ch := make(chan model.RunEvent, buf)

	h.mu.Lock()
	subs := h.runs[runID]
	if subs == nil {
		subs = runSubscribers{}
		h.runs[runID] = subs
	}
	subs[id] = ch
	h.mu.Unlock()

	return id, ch, func() { h.drop(runID, id) }
}

func (h *Hub) drop(runID, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.runs[runID]
	ch, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	close(ch)
	if len(subs) == 0 {
		delete(h.runs, runID)
	}
}

func (h *Hub) Publish(runID string, evt model.RunEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.runs[runID] {
		select {
		case ch <- evt:
		default:
			// Slow subscribers miss live events and catch up from the store.
		}
	}
}

// Close ends every live stream of a run that has finished executing.
// Events already buffered are still delivered before the channel closes.
func (h *Hub) Close(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.runs[runID] {
		close(ch)
	}
	delete(h.runs, runID)
}

// Subscribers reports how many live subscribers a run has.
func (h *Hub) Subscribers(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.runs[runID])
}
