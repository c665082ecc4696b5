package server

import (
	"sync"

	"github.com/chansock/chansock/internal/event"
)

// userBuf accumulates events for one uid during a coalescing window,
// together with the set of flush ids that were scheduled against it.
type userBuf struct {
	evs []event.Event
	ids map[string]struct{}
}

// sendBuffer holds the per-uid coalescing buffers for one transport.
// Every push appends an event under a fresh flush id and schedules a
// deferred drain keyed by that id; the first drain that still finds its
// id takes the whole batch, so later timers become no-ops.
type sendBuffer struct {
	mu   sync.Mutex
	bufs map[string]*userBuf
}

func newSendBuffer() *sendBuffer {
	return &sendBuffer{bufs: make(map[string]*userBuf)}
}

// append adds an event to the uid's buffer under flushID.
func (b *sendBuffer) append(uid string, ev event.Event, flushID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.bufs[uid]
	if !ok {
		buf = &userBuf{ids: make(map[string]struct{})}
		b.bufs[uid] = buf
	}
	buf.evs = append(buf.evs, ev)
	buf.ids[flushID] = struct{}{}
}

// drain removes and returns the uid's buffered events, but only if
// flushID is still present — meaning no earlier flush already took the
// batch containing it.
func (b *sendBuffer) drain(uid, flushID string) ([]event.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.bufs[uid]
	if !ok {
		return nil, false
	}
	if _, ok := buf.ids[flushID]; !ok {
		return nil, false
	}
	delete(b.bufs, uid)
	return buf.evs, true
}

// drainAll unconditionally takes the uid's buffered events. Used by the
// [chsk/close] path to flush before closing.
func (b *sendBuffer) drainAll(uid string) []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.bufs[uid]
	if !ok {
		return nil
	}
	delete(b.bufs, uid)
	return buf.evs
}
