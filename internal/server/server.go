// Package server implements the server half of a channel socket: a
// bidirectional realtime event channel over either WebSocket or Ajax
// long-polling, selected per connection without the application
// noticing.
//
// A ChannelSocket bundles everything an application wires into its HTTP
// router:
//
//	cs := server.New(server.Options{...})
//	mux.HandleFunc("/chsk", cs.HandleGet).Methods("GET")
//	mux.HandleFunc("/chsk", cs.HandlePost).Methods("POST")
//	go router.Start(cs.Recv(), handler, router.Options{})
//	cs.Send("alice", event.New("app/notice", "hi"))
//
// Multiple independent ChannelSockets may coexist in one process; there
// is no package-level state.
package server

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chansock/chansock/internal/event"
	"github.com/chansock/chansock/internal/packer"
)

// NilUID is the uid recorded for requests the application's UserIDFn
// could not identify. Reserved; real uids must not collide with it.
const NilUID = ":nil-uid"

// Defaults for Options zero values.
const (
	DefaultRecvBufSize   = 1000
	DefaultSendBufMsWS   = 30
	DefaultSendBufMsAjax = 100
	DefaultWSConnGCMs    = 40000
	DefaultGraceMs       = 5000
)

// Long-poll fan-out retry schedule: claimable connections are re-checked
// up to lpMaxAttempts times, spaced lpRetryBaseMs plus up to
// lpRetryRandMs of jitter. Batches still undelivered after the last
// attempt are dropped (at-most-once, no persistence).
const (
	lpMaxAttempts = 7
	lpRetryBaseMs = 90
	lpRetryRandMs = 90
)

// Options configures a ChannelSocket. Zero values take the defaults
// above; nil functions have the documented fallbacks.
type Options struct {
	// RecvBufSize bounds the sliding receive queue.
	RecvBufSize int

	// SendBufMsWS / SendBufMsAjax are the push coalescing windows per
	// transport. Ajax gets the longer window since each delivery costs
	// a full poll round trip.
	SendBufMsWS   int
	SendBufMsAjax int

	// WSConnGCMs is the WebSocket liveness watchdog interval. Must
	// exceed the client keep-alive interval or healthy sockets get
	// reaped.
	WSConnGCMs int

	// GraceMs is the disconnect grace before presence-close fires.
	// Tolerates page refreshes and long-poll rollover.
	GraceMs int

	// UserIDFn maps a request to the application-level user identity
	// (the push address). Empty result or nil fn records NilUID.
	UserIDFn func(r *http.Request, clientID string) string

	// CSRFTokenFn extracts the CSRF token echoed in the handshake. A
	// missing token is warned about but not rejected.
	CSRFTokenFn func(r *http.Request) string

	// HandshakeDataFn supplies the optional application payload carried
	// by the handshake frame.
	HandshakeDataFn func(r *http.Request) any

	// Packer is the wire codec. Defaults to packer.JSON.
	Packer packer.Packer

	// CheckOrigin overrides the websocket upgrader's origin check.
	// Defaults to allowing all origins; the surrounding HTTP pipeline
	// owns authentication.
	CheckOrigin func(r *http.Request) bool
}

// Message is an event plus its delivery metadata, as placed on the
// receive queue ("event-message").
type Message struct {
	Event    event.Event
	UID      string
	ClientID string
	Request  *http.Request

	// Reply sends a value back to the requesting client. Nil when the
	// client did not ask for a reply. At most one call has effect.
	Reply func(v any)
}

// HasReply reports whether the client requested a reply.
func (m Message) HasReply() bool { return m.Reply != nil }

// ChannelSocket is the server endpoint: connection registry, handshake
// handling, receive queue, and the per-user push API.
type ChannelSocket struct {
	opts    Options
	packer  packer.Packer
	reg     *registry
	wsBuf   *sendBuffer
	ajaxBuf *sendBuffer
	recv    *recvQueue

	upgrader websocket.Upgrader

	closeOnce sync.Once
	closed    chan struct{}
}

// New builds a ChannelSocket from the given options.
func New(opts Options) *ChannelSocket {
	if opts.RecvBufSize <= 0 {
		opts.RecvBufSize = DefaultRecvBufSize
	}
	if opts.SendBufMsWS <= 0 {
		opts.SendBufMsWS = DefaultSendBufMsWS
	}
	if opts.SendBufMsAjax <= 0 {
		opts.SendBufMsAjax = DefaultSendBufMsAjax
	}
	if opts.WSConnGCMs <= 0 {
		opts.WSConnGCMs = DefaultWSConnGCMs
	}
	if opts.GraceMs <= 0 {
		opts.GraceMs = DefaultGraceMs
	}
	p := opts.Packer
	if p == nil {
		p = packer.JSON{}
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &ChannelSocket{
		opts:    opts,
		packer:  p,
		reg:     newRegistry(),
		wsBuf:   newSendBuffer(),
		ajaxBuf: newSendBuffer(),
		recv:    newRecvQueue(opts.RecvBufSize),
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
		closed: make(chan struct{}),
	}
}

// Recv returns the receive queue the application (usually via the
// router) consumes.
func (cs *ChannelSocket) Recv() <-chan Message { return cs.recv.out }

// Presence returns a snapshot of the connected-users view.
func (cs *ChannelSocket) Presence() Presence { return cs.reg.snapshot() }

// SubscribePresence returns a channel of presence snapshots, primed with
// the current view. Slow subscribers skip intermediate states.
func (cs *ChannelSocket) SubscribePresence() <-chan Presence { return cs.reg.subscribe() }

// Close shuts the endpoint down: all connections are closed and the
// receive queue stops.
func (cs *ChannelSocket) Close() {
	cs.closeOnce.Do(func() {
		close(cs.closed)
		for _, c := range cs.reg.everyConn() {
			c.Close()
		}
		cs.recv.close()
	})
}

func (cs *ChannelSocket) isClosed() bool {
	select {
	case <-cs.closed:
		return true
	default:
		return false
	}
}

// --- GET: websocket handshake or long-poll ---

// HandleGet serves the channel socket GET endpoint. A request carrying
// WebSocket upgrade headers becomes a WS handshake plus ongoing socket;
// anything else is an Ajax long-poll.
func (cs *ChannelSocket) HandleGet(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client-id")
	if clientID == "" {
		// A blank client-id means the client library was wired up
		// wrong; fail loudly so the misconfiguration is discovered.
		http.Error(w, "channel socket: non-blank client-id query parameter required", http.StatusBadRequest)
		return
	}
	uid := cs.userID(r, clientID)
	csrf := cs.csrfToken(r)

	if websocket.IsWebSocketUpgrade(r) {
		cs.serveWS(w, r, clientID, uid, csrf)
		return
	}
	cs.servePoll(w, r, clientID, uid, csrf)
}

func (cs *ChannelSocket) userID(r *http.Request, clientID string) string {
	if cs.opts.UserIDFn != nil {
		if uid := cs.opts.UserIDFn(r, clientID); uid != "" {
			return uid
		}
	}
	return NilUID
}

func (cs *ChannelSocket) csrfToken(r *http.Request) string {
	var csrf string
	if cs.opts.CSRFTokenFn != nil {
		csrf = cs.opts.CSRFTokenFn(r)
	}
	if csrf == "" {
		slog.Warn("channel socket request without csrf token", "remote", r.RemoteAddr)
	}
	return csrf
}

// sendHandshake emits the first frame of any connection:
// [chsk/handshake, [uid, csrf-token, handshake-data, first?]].
func (cs *ChannelSocket) sendHandshake(c Conn, r *http.Request, uid, csrf string, first, closeAfter bool) error {
	var hsData any
	if cs.opts.HandshakeDataFn != nil {
		hsData = cs.opts.HandshakeDataFn(r)
	}
	ev := event.New(event.IDHandshake, []any{uid, csrf, hsData, first})
	pstr, err := packer.PackFrame(cs.packer, ev, "")
	if err != nil {
		return fmt.Errorf("packing handshake: %w", err)
	}
	return c.Send(pstr, closeAfter)
}

// sysMsg builds an internal event-message (uidport edges, bad frames).
func (cs *ChannelSocket) sysMsg(id event.ID, uid, clientID string, r *http.Request) Message {
	return Message{
		Event:    event.Event{ID: id},
		UID:      uid,
		ClientID: clientID,
		Request:  r,
	}
}

func (cs *ChannelSocket) afterGrace(fn func()) {
	time.AfterFunc(time.Duration(cs.opts.GraceMs)*time.Millisecond, func() {
		if cs.isClosed() {
			return
		}
		fn()
	})
}

// serveWS runs a WebSocket connection: register, handshake, read loop
// with liveness watchdog, then grace-checked cleanup.
func (cs *ChannelSocket) serveWS(w http.ResponseWriter, r *http.Request, clientID, uid, csrf string) {
	conn, err := cs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	wc := newWSConn(conn)

	first := cs.reg.addWS(uid, clientID, wc)
	slog.Debug("websocket open", "uid", uid, "client", clientID, "first", first)
	if first {
		cs.recv.push(cs.sysMsg(event.IDUIDPortOpen, uid, clientID, r))
	}

	if err := cs.sendHandshake(wc, r, uid, csrf, first, false); err != nil {
		slog.Warn("websocket handshake send failed", "uid", uid, "client", clientID, "error", err)
		cs.reg.removeWS(uid, clientID, wc)
		wc.Close()
		return
	}

	// Liveness: the client keep-alives at least every ws-kalive; if a
	// full watchdog interval passes with no frame, the socket is dead.
	var lastMsg atomic.Int64
	lastMsg.Store(time.Now().UnixNano())
	stopWatchdog := make(chan struct{})
	go cs.wsWatchdog(wc, &lastMsg, stopWatchdog, uid, clientID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Debug("websocket closed", "uid", uid, "client", clientID, "error", err)
			break
		}
		lastMsg.Store(time.Now().UnixNano())
		cs.dispatch(string(data), uid, clientID, r, wc)
	}

	close(stopWatchdog)
	cs.reg.removeWS(uid, clientID, wc)
	wc.Close()
	cs.afterGrace(func() {
		if !cs.reg.hasAny(uid) {
			cs.recv.push(cs.sysMsg(event.IDUIDPortClose, uid, clientID, r))
		}
	})
}

// wsWatchdog closes the socket if no frame arrived for a full interval.
func (cs *ChannelSocket) wsWatchdog(c Conn, lastMsg *atomic.Int64, stop <-chan struct{}, uid, clientID string) {
	interval := time.Duration(cs.opts.WSConnGCMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := lastMsg.Load()
	for {
		select {
		case <-stop:
			return
		case <-cs.closed:
			return
		case <-ticker.C:
			cur := lastMsg.Load()
			if cur == prev {
				slog.Info("websocket connection timed out, closing",
					"uid", uid, "client", clientID)
				c.Close()
				return
			}
			prev = cur
		}
	}
}

// dispatch unpacks an inbound frame and places it on the receive queue,
// wiring up the reply path when the frame carried a correlation id.
func (cs *ChannelSocket) dispatch(pstr string, uid, clientID string, r *http.Request, replyConn Conn) {
	ev, cb := packer.UnpackServer(cs.packer, pstr)

	var reply func(any)
	if cb != "" && cb != packer.CBAjax && replyConn != nil {
		var once sync.Once
		reply = func(v any) {
			once.Do(func() {
				out, err := packer.PackFrame(cs.packer, v, cb)
				if err != nil {
					slog.Error("packing reply", "uid", uid, "error", err)
					return
				}
				if err := replyConn.Send(out, false); err != nil {
					slog.Debug("reply send failed", "uid", uid, "client", clientID, "error", err)
				}
			})
		}
	}

	cs.recv.push(Message{
		Event:    ev,
		UID:      uid,
		ClientID: clientID,
		Request:  r,
		Reply:    reply,
	})
}

// servePoll runs one Ajax long-poll GET. The first record for a client
// (or an explicit handshake=true) answers immediately with the handshake
// frame; otherwise the response is held open until a push claims it or
// the client gives up.
func (cs *ChannelSocket) servePoll(w http.ResponseWriter, r *http.Request, clientID, uid, csrf string) {
	pc := newPollConn(w)
	newRecord, first := cs.reg.addAjax(uid, clientID, pc)
	slog.Debug("long-poll open", "uid", uid, "client", clientID, "new", newRecord, "first", first)
	if first {
		cs.recv.push(cs.sysMsg(event.IDUIDPortOpen, uid, clientID, r))
	}

	if newRecord || queryBool(r, "handshake") {
		if err := cs.sendHandshake(pc, r, uid, csrf, first, true); err != nil {
			slog.Warn("long-poll handshake send failed", "uid", uid, "error", err)
			pc.Close()
		}
	} else {
		select {
		case <-pc.wait():
			// Delivered by a push fan-out (which also closed it).
		case <-r.Context().Done():
			// Client-side long-poll timeout or navigation away.
			pc.Close()
		case <-cs.closed:
			pc.Close()
		}
	}

	disconnectedAt, ok := cs.reg.detachAjax(uid, clientID, pc)
	if !ok {
		return
	}
	cs.afterGrace(func() {
		if cs.reg.expireAjax(uid, clientID, disconnectedAt) {
			slog.Debug("long-poll client gone", "uid", uid, "client", clientID)
			if !cs.reg.hasAny(uid) {
				cs.recv.push(cs.sysMsg(event.IDUIDPortClose, uid, clientID, r))
			}
		}
	})
}

func queryBool(r *http.Request, key string) bool {
	switch r.URL.Query().Get(key) {
	case "1", "true":
		return true
	}
	return false
}

// --- POST: one-shot Ajax event ---

// HandlePost serves the channel socket POST endpoint: decode one event
// from the ppstr form parameter, dispatch it, and answer with either the
// application's reply or the dummy-200 sentinel. POSTs never enter the
// connection registry.
func (cs *ChannelSocket) HandlePost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "channel socket: malformed form body", http.StatusBadRequest)
		return
	}
	ppstr := r.PostFormValue("ppstr")
	if ppstr == "" {
		http.Error(w, "channel socket: ppstr form parameter required", http.StatusBadRequest)
		return
	}
	clientID := r.PostFormValue("client-id")
	uid := cs.userID(r, clientID)

	ev, cb := packer.UnpackServer(cs.packer, ppstr)

	if cb != packer.CBAjax {
		// No reply requested: dispatch and complete the POST with the
		// dummy sentinel so the request terminates promptly.
		cs.recv.push(Message{Event: ev, UID: uid, ClientID: clientID, Request: r})
		cs.writePacked(w, event.ReplyDummy200)
		return
	}

	replyCh := make(chan any, 1)
	var once sync.Once
	reply := func(v any) {
		once.Do(func() { replyCh <- v })
	}
	cs.recv.push(Message{Event: ev, UID: uid, ClientID: clientID, Request: r, Reply: reply})

	select {
	case v := <-replyCh:
		cs.writePacked(w, v)
	case <-r.Context().Done():
		// Client gave up; the reply (if any) is dropped.
	case <-cs.closed:
	}
}

func (cs *ChannelSocket) writePacked(w http.ResponseWriter, v any) {
	pstr, err := packer.PackFrame(cs.packer, v, "")
	if err != nil {
		slog.Error("packing response", "error", err)
		http.Error(w, "channel socket: response packing failed", http.StatusInternalServerError)
		return
	}
	if _, err := w.Write([]byte(pstr)); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}

// --- push & batching ---

// Send pushes an event to every connection belonging to uid,
// coalescing with other pushes inside the per-transport buffer window.
// Non-blocking.
func (cs *ChannelSocket) Send(uid string, ev event.Event) {
	cs.send(uid, ev, false)
}

// SendFlush pushes an event and flushes the buffers immediately instead
// of waiting out the coalescing window.
func (cs *ChannelSocket) SendFlush(uid string, ev event.Event) {
	cs.send(uid, ev, true)
}

func (cs *ChannelSocket) send(uid string, ev event.Event, flush bool) {
	if cs.isClosed() {
		return
	}
	if ev.ID == event.IDClose {
		cs.closeUID(uid, flush)
		return
	}

	flushID := uuid.NewString()
	cs.wsBuf.append(uid, ev, flushID)
	cs.ajaxBuf.append(uid, ev, flushID)

	wsDelay := time.Duration(cs.opts.SendBufMsWS) * time.Millisecond
	ajaxDelay := time.Duration(cs.opts.SendBufMsAjax) * time.Millisecond
	if flush {
		wsDelay, ajaxDelay = 0, 0
	}

	// Each timer only acts if its flush id survived: the first drain
	// takes the whole batch and turns the rest into no-ops.
	time.AfterFunc(wsDelay, func() {
		if evs, ok := cs.wsBuf.drain(uid, flushID); ok {
			cs.flushWS(uid, evs)
		}
	})
	time.AfterFunc(ajaxDelay, func() {
		if evs, ok := cs.ajaxBuf.drain(uid, flushID); ok {
			go cs.flushAjax(uid, evs)
		}
	})
}

// closeUID implements the [chsk/close] push: close every connection for
// the uid, optionally flushing buffered events first.
func (cs *ChannelSocket) closeUID(uid string, flush bool) {
	if flush {
		if evs := cs.wsBuf.drainAll(uid); len(evs) > 0 {
			cs.flushWS(uid, evs)
		}
		if evs := cs.ajaxBuf.drainAll(uid); len(evs) > 0 {
			// Single claim pass; clients between polls just see their
			// next poll close normally.
			if pstr, err := cs.packBatch(evs); err == nil {
				for _, c := range cs.reg.claimAjax(uid, nil) {
					c.Send(pstr, true)
				}
			}
		}
	}
	slog.Debug("closing all connections", "uid", uid)
	for _, c := range cs.reg.allConns(uid) {
		c.Close()
	}
}

func (cs *ChannelSocket) packBatch(evs []event.Event) (string, error) {
	pstr, err := packer.PackFrame(cs.packer, evs, "")
	if err != nil {
		return "", fmt.Errorf("packing event batch: %w", err)
	}
	return pstr, nil
}

// flushWS delivers a batch to every WebSocket connection for the uid.
// WS deliveries never close the socket.
func (cs *ChannelSocket) flushWS(uid string, evs []event.Event) {
	pstr, err := cs.packBatch(evs)
	if err != nil {
		slog.Error("websocket flush failed", "uid", uid, "error", err)
		return
	}
	for _, c := range cs.reg.wsConns(uid) {
		if err := c.Send(pstr, false); err != nil {
			slog.Debug("websocket push failed", "uid", uid, "error", err)
		}
	}
}

// flushAjax delivers a batch to the uid's long-poll clients. Each send
// terminates its response (the client immediately repolls); clients
// caught between polls are retried on the schedule above until the
// attempt budget runs out.
func (cs *ChannelSocket) flushAjax(uid string, evs []event.Event) {
	pstr, err := cs.packBatch(evs)
	if err != nil {
		slog.Error("long-poll flush failed", "uid", uid, "error", err)
		return
	}

	satisfied := make(map[string]struct{})
	for attempt := 0; ; attempt++ {
		targets := cs.reg.ajaxClientIDs(uid)
		unsatisfied := make(map[string]struct{})
		for cid := range targets {
			if _, done := satisfied[cid]; !done {
				unsatisfied[cid] = struct{}{}
			}
		}
		if len(unsatisfied) == 0 {
			return
		}

		for cid, c := range cs.reg.claimAjax(uid, unsatisfied) {
			if err := c.Send(pstr, true); err == nil {
				satisfied[cid] = struct{}{}
			}
		}
		if len(satisfied) >= len(targets) {
			return
		}

		if attempt >= lpMaxAttempts-1 {
			slog.Debug("dropping batch for unreachable long-poll clients",
				"uid", uid, "events", len(evs), "unreached", len(targets)-len(satisfied))
			return
		}
		delay := time.Duration(lpRetryBaseMs+rand.Intn(lpRetryRandMs)) * time.Millisecond
		select {
		case <-time.After(delay):
		case <-cs.closed:
			return
		}
	}
}
