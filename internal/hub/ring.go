package hub

import "sync"

// eventRing retains the last N committed events of one ontology so a client
// that was told to resync can first try a cheap catch-up read before paying
// for a full snapshot.
type eventRing struct {
	mu     sync.RWMutex
	events []Event
	next   int
	filled bool
}

func newEventRing(size int) *eventRing {
	return &eventRing{events: make([]Event, size)}
}

func (r *eventRing) add(ev Event) {
	r.mu.Lock()
	r.events[r.next] = ev
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.filled = true
	}
	r.mu.Unlock()
}

// since returns all retained events with Seq > seq in commit order, and
// whether the ring still reaches back that far. If it does not, the caller
// needs a full snapshot.
func (r *eventRing) since(seq uint64) ([]Event, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ordered []Event
	if r.filled {
		ordered = append(ordered, r.events[r.next:]...)
	}
	ordered = append(ordered, r.events[:r.next]...)

	if len(ordered) == 0 {
		return nil, seq == 0
	}
	if ordered[0].Seq > seq+1 {
		return nil, false
	}
	var out []Event
	for _, ev := range ordered {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out, true
}

// remember records a committed event in the ontology's ring.
func (h *Hub) remember(ontologyID string, ev Event) {
	ring, ok := h.recent.Get(ontologyID)
	if !ok {
		ring = newEventRing(h.cfg.RecentEvents)
		h.recent.Add(ontologyID, ring)
	}
	ring.add(ev)
}

// EventsSince returns retained events after seq for catch-up, and whether
// the retained window covers the gap.
func (h *Hub) EventsSince(ontologyID string, seq uint64) ([]Event, bool) {
	ring, ok := h.recent.Get(ontologyID)
	if !ok {
		return nil, seq == 0
	}
	return ring.since(seq)
}
