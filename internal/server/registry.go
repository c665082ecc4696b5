package server

import (
	"log/slog"
	"sync"
	"time"
)

// Presence is the derived connected-users view: which uids currently
// have at least one WebSocket connection, at least one Ajax record, and
// the union of both. Snapshots are value copies; mutating one has no
// effect on the registry.
type Presence struct {
	WS   map[string]struct{}
	Ajax map[string]struct{}
	Any  map[string]struct{}
}

func (p Presence) clone() Presence {
	c := Presence{
		WS:   make(map[string]struct{}, len(p.WS)),
		Ajax: make(map[string]struct{}, len(p.Ajax)),
		Any:  make(map[string]struct{}, len(p.Any)),
	}
	for u := range p.WS {
		c.WS[u] = struct{}{}
	}
	for u := range p.Ajax {
		c.Ajax[u] = struct{}{}
	}
	for u := range p.Any {
		c.Any[u] = struct{}{}
	}
	return c
}

// ajaxSlot is one Ajax client record. conn is non-nil only while the
// client's long-poll GET is held open; between polls the record is
// retained with conn == nil so a rollover doesn't read as a disconnect.
type ajaxSlot struct {
	conn          Conn
	lastConnected time.Time
}

// registry tracks (uid, client-id) → connection for both transports and
// maintains the derived presence view. All mutations compute their edge
// observations inside the lock and recompute presence before releasing
// it; subscribers are notified outside the lock.
type registry struct {
	mu       sync.Mutex
	ws       map[string]map[string]Conn
	ajax     map[string]map[string]*ajaxSlot
	presence Presence
	subs     []chan Presence
}

func newRegistry() *registry {
	return &registry{
		ws:   make(map[string]map[string]Conn),
		ajax: make(map[string]map[string]*ajaxSlot),
		presence: Presence{
			WS:   make(map[string]struct{}),
			Ajax: make(map[string]struct{}),
			Any:  make(map[string]struct{}),
		},
	}
}

// snapshot returns a copy of the current presence view.
func (r *registry) snapshot() Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presence.clone()
}

// subscribe registers a presence listener. Each registry change delivers
// a snapshot; a listener that falls behind misses every snapshot
// published while its buffer is full, which can include the latest one
// (drop-on-full).
func (r *registry) subscribe() <-chan Presence {
	ch := make(chan Presence, 8)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	snap := r.presence.clone()
	r.mu.Unlock()
	// Prime with the current view so subscribers don't wait for the
	// next edge.
	ch <- snap
	return ch
}

// recomputePresence rebuilds the derived view from the maps. Caller
// holds the lock. Returns the snapshot to publish after unlock.
func (r *registry) recomputePresence() Presence {
	p := Presence{
		WS:   make(map[string]struct{}),
		Ajax: make(map[string]struct{}),
		Any:  make(map[string]struct{}),
	}
	for uid, conns := range r.ws {
		if len(conns) > 0 {
			p.WS[uid] = struct{}{}
			p.Any[uid] = struct{}{}
		}
	}
	for uid, slots := range r.ajax {
		if len(slots) > 0 {
			p.Ajax[uid] = struct{}{}
			p.Any[uid] = struct{}{}
		}
	}
	r.presence = p
	return p.clone()
}

// publish fans a presence snapshot out to subscribers. Called outside
// the lock; drops for slow subscribers.
func (r *registry) publish(snap Presence) {
	r.mu.Lock()
	subs := make([]chan Presence, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
			slog.Debug("presence subscriber lagging, snapshot dropped")
		}
	}
}

// addWS records a new WebSocket connection. Reports whether this is the
// first connection of any kind for the uid (the uidport-open edge).
func (r *registry) addWS(uid, clientID string, conn Conn) (first bool) {
	r.mu.Lock()
	first = len(r.ws[uid]) == 0 && len(r.ajax[uid]) == 0
	if r.ws[uid] == nil {
		r.ws[uid] = make(map[string]Conn)
	}
	r.ws[uid][clientID] = conn
	snap := r.recomputePresence()
	r.mu.Unlock()
	r.publish(snap)
	return first
}

// removeWS deletes a WebSocket connection. The conn argument guards
// against a stale close racing a reconnect that reused the client-id.
func (r *registry) removeWS(uid, clientID string, conn Conn) {
	r.mu.Lock()
	cur, ok := r.ws[uid][clientID]
	if !ok || cur != conn {
		r.mu.Unlock()
		return
	}
	delete(r.ws[uid], clientID)
	if len(r.ws[uid]) == 0 {
		delete(r.ws, uid)
	}
	snap := r.recomputePresence()
	r.mu.Unlock()
	r.publish(snap)
}

// addAjax installs (or refreshes) the Ajax record for a client and
// attaches its held long-poll connection. Reports whether the record is
// new and whether this is the uid's first connection of any kind.
func (r *registry) addAjax(uid, clientID string, conn Conn) (newRecord, first bool) {
	r.mu.Lock()
	first = len(r.ws[uid]) == 0 && len(r.ajax[uid]) == 0
	if r.ajax[uid] == nil {
		r.ajax[uid] = make(map[string]*ajaxSlot)
	}
	slot, ok := r.ajax[uid][clientID]
	if !ok {
		slot = &ajaxSlot{}
		r.ajax[uid][clientID] = slot
		newRecord = true
	}
	slot.conn = conn
	slot.lastConnected = time.Now()
	snap := r.recomputePresence()
	r.mu.Unlock()
	r.publish(snap)
	return newRecord, first
}

// detachAjax nulls the connection slot when a long-poll request ends,
// keeping the record for the grace window. Returns the record's
// last-connected timestamp, which expireAjax compares against on grace
// expiry; ok is false only when the client has no record at all.
func (r *registry) detachAjax(uid, clientID string, conn Conn) (disconnectedAt time.Time, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, found := r.ajax[uid][clientID]
	if !found {
		return time.Time{}, false
	}
	// The slot may already be nil (claimed by a fan-out that delivered
	// and closed this response) or may belong to a newer poll; in both
	// cases the grace check against lastConnected sorts it out.
	if slot.conn == conn {
		slot.conn = nil
	}
	return slot.lastConnected, true
}

// expireAjax removes the client record if it has not reconnected since
// disconnectedAt. Reports whether the record was removed.
func (r *registry) expireAjax(uid, clientID string, disconnectedAt time.Time) bool {
	r.mu.Lock()
	slot, ok := r.ajax[uid][clientID]
	if !ok || slot.conn != nil || slot.lastConnected.After(disconnectedAt) {
		r.mu.Unlock()
		return false
	}
	delete(r.ajax[uid], clientID)
	if len(r.ajax[uid]) == 0 {
		delete(r.ajax, uid)
	}
	snap := r.recomputePresence()
	r.mu.Unlock()
	r.publish(snap)
	return true
}

// hasAny reports whether the uid has any connection or record at all.
func (r *registry) hasAny(uid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ws[uid]) > 0 || len(r.ajax[uid]) > 0
}

// wsConns returns the uid's current WebSocket connections.
func (r *registry) wsConns(uid string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := make([]Conn, 0, len(r.ws[uid]))
	for _, c := range r.ws[uid] {
		conns = append(conns, c)
	}
	return conns
}

// ajaxClientIDs returns the uid's current Ajax client ids, attached or not.
func (r *registry) ajaxClientIDs(uid string) map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make(map[string]struct{}, len(r.ajax[uid]))
	for cid := range r.ajax[uid] {
		ids[cid] = struct{}{}
	}
	return ids
}

// claimAjax atomically takes the currently-attached long-poll
// connections for the given client ids (all ids when only == nil),
// nulling their slots so no other flush can deliver to them.
func (r *registry) claimAjax(uid string, only map[string]struct{}) map[string]Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	claimed := make(map[string]Conn)
	for cid, slot := range r.ajax[uid] {
		if only != nil {
			if _, want := only[cid]; !want {
				continue
			}
		}
		if slot.conn != nil {
			claimed[cid] = slot.conn
			slot.conn = nil
		}
	}
	return claimed
}

// everyConn returns all connections across all uids, claiming attached
// long-polls. Used on endpoint shutdown.
func (r *registry) everyConn() []Conn {
	r.mu.Lock()
	var conns []Conn
	for _, m := range r.ws {
		for _, c := range m {
			conns = append(conns, c)
		}
	}
	for _, m := range r.ajax {
		for _, slot := range m {
			if slot.conn != nil {
				conns = append(conns, slot.conn)
				slot.conn = nil
			}
		}
	}
	r.mu.Unlock()
	return conns
}

// allConns returns every connection for the uid (WS plus attached
// long-polls, claiming the latter). Used by the [chsk/close] path.
func (r *registry) allConns(uid string) []Conn {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.ws[uid])+len(r.ajax[uid]))
	for _, c := range r.ws[uid] {
		conns = append(conns, c)
	}
	for _, slot := range r.ajax[uid] {
		if slot.conn != nil {
			conns = append(conns, slot.conn)
			slot.conn = nil
		}
	}
	r.mu.Unlock()
	return conns
}
