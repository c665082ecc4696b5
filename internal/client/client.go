// Package client implements the client half of a channel socket: a
// reconnecting event channel over WebSocket, Ajax long-polling, or an
// auto mode that starts with WebSocket and permanently downgrades to
// Ajax on the first WebSocket failure.
//
// A Socket is not "open" until the server's handshake frame arrives,
// whatever the underlying transport is doing. State transitions are
// published both on the receive channel (as [chsk/state, State]) and to
// explicit subscribers.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chansock/chansock/internal/event"
	"github.com/chansock/chansock/internal/packer"
)

// TransportType selects the client transport.
type TransportType string

const (
	// Auto tries WebSocket first and downgrades to Ajax permanently on
	// the first WebSocket error.
	Auto TransportType = "auto"
	// WS uses WebSocket only.
	WS TransportType = "ws"
	// Ajax uses HTTP long-polling plus one-shot POSTs only.
	Ajax TransportType = "ajax"
)

// ErrNotOpen is returned by Send when no handshake has completed on the
// current connection.
var ErrNotOpen = errors.New("channel socket not open")

// Defaults for Options zero values.
const (
	DefaultWSKaliveMs  = 25000
	DefaultLPTimeoutMs = 20000
	DefaultRecvBufSize = 512
)

// Options configures a client Socket.
type Options struct {
	// Type selects the transport. Defaults to Auto.
	Type TransportType

	// ClientID identifies this client (one uid may own many). A fresh
	// uuid is generated when empty.
	ClientID string

	// Params are extra query parameters included on every request.
	Params url.Values

	// Header is attached to every HTTP request (auth cookies etc.).
	Header http.Header

	// WSKaliveMs is the WebSocket keep-alive interval: if nothing was
	// written for a full interval, a [chsk/ws-ping] goes out. Must be
	// below the server's watchdog interval.
	WSKaliveMs int

	// LPTimeoutMs bounds how long a long-poll GET is held before the
	// client gives up and re-polls.
	LPTimeoutMs int

	// BackoffFn maps a retry attempt (1-based) to a delay. Defaults to
	// capped exponential backoff with jitter.
	BackoffFn func(attempt int) time.Duration

	// Packer is the wire codec; must match the server's. Defaults to
	// packer.JSON.
	Packer packer.Packer

	// HTTPClient is used for Ajax requests. Defaults to a dedicated
	// client with no global timeout (long-polls outlive any sane one).
	HTTPClient *http.Client

	// RawRecv delivers application events bare instead of wrapped as
	// [chsk/recv, ev].
	RawRecv bool

	// RecvBufSize bounds the receive channel.
	RecvBufSize int
}

// State is the published client socket state.
type State struct {
	Type       TransportType
	Open       bool
	EverOpened bool
	FirstOpen  bool
	UID        string
	CSRFToken  string
	HandshakeData any
	LastError  string
}

// transport is the swappable inner connection strategy.
type transport interface {
	// connect starts (or restarts) the transport's goroutines.
	connect()
	// send writes one event frame. waiterID correlates the reply; ""
	// means fire-and-forget.
	send(ev event.Event, waiterID string) error
	// disconnect stops the transport without scheduling reconnects.
	disconnect()
}

// waiter is one outstanding request awaiting a reply. Resolution is
// at-most-once: the reply, the timeout, and the error paths race and
// the first wins.
type waiter struct {
	once  sync.Once
	cb    func(any)
	timer *time.Timer
}

// Socket is a client channel socket.
type Socket struct {
	httpURL *url.URL
	opts    Options
	packer  packer.Packer

	recv chan event.Event

	mu        sync.Mutex
	state     State
	stateSubs []chan State
	waiters   map[string]*waiter
	retryID   uint64
	trans     transport
	wsFailed  bool // auto mode: permanently downgraded
	closed    bool
}

// New builds and connects a client socket against the channel socket
// endpoint at rawurl (e.g. "http://localhost:8080/chsk").
func New(rawurl string, opts Options) (*Socket, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint url scheme %q, want http or https", u.Scheme)
	}
	if opts.Type == "" {
		opts.Type = Auto
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	if opts.WSKaliveMs <= 0 {
		opts.WSKaliveMs = DefaultWSKaliveMs
	}
	if opts.LPTimeoutMs <= 0 {
		opts.LPTimeoutMs = DefaultLPTimeoutMs
	}
	if opts.BackoffFn == nil {
		opts.BackoffFn = DefaultBackoff
	}
	if opts.Packer == nil {
		opts.Packer = packer.JSON{}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.RecvBufSize <= 0 {
		opts.RecvBufSize = DefaultRecvBufSize
	}

	s := &Socket{
		httpURL: u,
		opts:    opts,
		packer:  opts.Packer,
		recv:    make(chan event.Event, opts.RecvBufSize),
		waiters: make(map[string]*waiter),
	}
	s.state = State{Type: s.effectiveType()}

	s.mu.Lock()
	s.trans = s.newTransport()
	t := s.trans
	s.mu.Unlock()
	t.connect()
	return s, nil
}

// DefaultBackoff is capped exponential backoff with jitter.
func DefaultBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 7 {
		// 100ms<<6 already exceeds the cap; larger shifts overflow.
		attempt = 7
	}
	d := 100 * time.Millisecond << uint(attempt-1)
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d + time.Duration(rand.Int63n(int64(d/2+1)))
}

func (s *Socket) effectiveType() TransportType {
	if s.opts.Type == Auto {
		if s.wsFailed {
			return Ajax
		}
		return WS
	}
	return s.opts.Type
}

func (s *Socket) newTransport() transport {
	switch s.effectiveType() {
	case Ajax:
		return newAjaxTransport(s)
	default:
		return newWSTransport(s)
	}
}

// Recv returns the receive channel: application events (wrapped as
// [chsk/recv, ev] unless RawRecv) plus [chsk/state, State] transitions.
func (s *Socket) Recv() <-chan event.Event { return s.recv }

// State returns the current socket state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SubscribeState returns a channel of state snapshots, primed with the
// current state. Slow subscribers skip intermediate states.
func (s *Socket) SubscribeState() <-chan State {
	ch := make(chan State, 8)
	s.mu.Lock()
	s.stateSubs = append(s.stateSubs, ch)
	cur := s.state
	s.mu.Unlock()
	ch <- cur
	return ch
}

// setState applies a mutation and, if anything changed, publishes the
// new state on the receive channel and to subscribers.
func (s *Socket) setState(mutate func(*State)) {
	s.mu.Lock()
	old := s.state
	mutate(&s.state)
	s.state.Type = s.effectiveType()
	// HandshakeData may hold non-comparable values; deep-compare.
	changed := !reflect.DeepEqual(s.state, old)
	cur := s.state
	subs := make([]chan State, len(s.stateSubs))
	copy(subs, s.stateSubs)
	closed := s.closed
	s.mu.Unlock()
	if !changed || closed {
		return
	}
	s.deliver(event.New(event.IDState, cur))
	for _, ch := range subs {
		select {
		case ch <- cur:
		default:
		}
	}
}

// deliver pushes an event onto the receive channel, dropping with a
// warning if the application is not draining it.
func (s *Socket) deliver(ev event.Event) {
	select {
	case s.recv <- ev:
	default:
		slog.Warn("client receive channel full, dropping event", "event", ev.ID)
	}
}

// emitRecv hands one application event from the server stream to the
// receiver. Events in the reserved chsk/* namespace never come from the
// application stream; anything claiming to is dropped.
func (s *Socket) emitRecv(ev event.Event) {
	if ev.ID.Reserved() {
		slog.Warn("dropping reserved event from server stream", "event", ev.ID)
		return
	}
	if s.opts.RawRecv {
		s.deliver(ev)
		return
	}
	s.deliver(event.New(event.IDRecv, []any{string(ev.ID), ev.Data}))
}

// handleBatch delivers a decoded push batch (a vector of events).
func (s *Socket) handleBatch(v any) {
	arr, ok := v.([]any)
	if !ok {
		slog.Warn("server push is not an event batch", "type", fmt.Sprintf("%T", v))
		return
	}
	for _, raw := range arr {
		s.emitRecv(event.AsEvent(raw))
	}
}

// handleHandshake merges [uid, csrf, handshake-data, first?] into state
// and flips the socket open. Returns false if the payload is malformed.
func (s *Socket) handleHandshake(data any) bool {
	arr, ok := data.([]any)
	if !ok || len(arr) < 2 {
		slog.Error("malformed handshake payload", "data", data)
		return false
	}
	uid, _ := arr[0].(string)
	csrf, _ := arr[1].(string)
	var hsData any
	if len(arr) >= 3 {
		hsData = arr[2]
	}
	if csrf == "" {
		slog.Warn("handshake carried no csrf token; posts may be rejected by middleware")
	}
	s.setState(func(st *State) {
		st.Open = true
		st.FirstOpen = !st.EverOpened
		st.EverOpened = true
		st.UID = uid
		st.CSRFToken = csrf
		st.HandshakeData = hsData
		st.LastError = ""
	})
	return true
}

// --- reply correlation ---

// newWaiter registers a reply sink with its timeout and returns its id.
func (s *Socket) newWaiter(cb func(any), timeout time.Duration) string {
	id := uuid.NewString()[:8]
	w := &waiter{cb: cb}
	w.timer = time.AfterFunc(timeout, func() {
		s.resolveWaiter(id, event.ReplyTimeout)
	})
	s.mu.Lock()
	s.waiters[id] = w
	s.mu.Unlock()
	return id
}

// resolveWaiter resolves and removes a waiter; at most one resolution
// has effect.
func (s *Socket) resolveWaiter(id string, v any) {
	s.mu.Lock()
	w, ok := s.waiters[id]
	if ok {
		delete(s.waiters, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	w.once.Do(func() {
		w.timer.Stop()
		w.cb(v)
	})
}

// failAllWaiters resolves every outstanding waiter with a sentinel.
// Used by Close; a dropped connection leaves waiters to their timeouts.
func (s *Socket) failAllWaiters(sentinel string) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.waiters))
	for id := range s.waiters {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.resolveWaiter(id, sentinel)
	}
}

// --- sending ---

// Send fires an event at the server with no reply expected.
func (s *Socket) Send(ev event.Event) error {
	s.mu.Lock()
	open := s.state.Open
	t := s.trans
	s.mu.Unlock()
	if !open {
		return ErrNotOpen
	}
	return t.send(ev, "")
}

// SendWithReply fires an event and arranges for cb to be called exactly
// once with the server's reply, or with one of the reply sentinels
// (chsk/closed, chsk/timeout, chsk/error).
func (s *Socket) SendWithReply(ev event.Event, timeout time.Duration, cb func(reply any)) {
	s.mu.Lock()
	open := s.state.Open
	t := s.trans
	s.mu.Unlock()
	if !open {
		cb(event.ReplyClosed)
		return
	}
	id := s.newWaiter(cb, timeout)
	if err := t.send(ev, id); err != nil {
		slog.Debug("send failed", "event", ev.ID, "error", err)
		s.resolveWaiter(id, event.ReplyError)
	}
}

// --- lifecycle ---

// nextRetryID invalidates any pending reconnect timer and returns the
// new id a subsequent timer must present to run.
func (s *Socket) nextRetryID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryID++
	return s.retryID
}

// retryValid reports whether a reconnect timer keyed by id is still the
// latest scheduled one.
func (s *Socket) retryValid(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.retryID == id
}

// Reconnect tears the current connection down and dials fresh,
// superseding any pending reconnect timer.
func (s *Socket) Reconnect() {
	s.nextRetryID()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.trans.disconnect()
	s.trans = s.newTransport()
	t := s.trans
	s.mu.Unlock()
	s.setState(func(st *State) { st.Open = false })
	t.connect()
}

// Disconnect stops the socket without reconnecting.
func (s *Socket) Disconnect() {
	s.nextRetryID()
	s.mu.Lock()
	t := s.trans
	s.mu.Unlock()
	t.disconnect()
	s.setState(func(st *State) { st.Open = false })
}

// Close disconnects and resolves all outstanding waiters with
// chsk/closed. The socket cannot be reused afterwards.
func (s *Socket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.retryID++
	t := s.trans
	s.mu.Unlock()
	t.disconnect()
	s.failAllWaiters(event.ReplyClosed)
}

// currentRetryID returns the id a reconnect timer should be keyed by.
func (s *Socket) currentRetryID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryID
}

// downgradeToAjax is the auto-mode error hook: the first WebSocket error
// permanently swaps in an Ajax transport over the same state cell.
// Reports whether the downgrade happened (false outside auto mode, or
// when it already did).
func (s *Socket) downgradeToAjax(cause error) bool {
	s.mu.Lock()
	if s.opts.Type != Auto || s.wsFailed || s.closed {
		s.mu.Unlock()
		return false
	}
	s.wsFailed = true
	s.retryID++
	old := s.trans
	s.trans = newAjaxTransport(s)
	t := s.trans
	s.mu.Unlock()

	slog.Info("websocket unavailable, downgrading to ajax long-polling", "cause", cause)
	old.disconnect()
	s.setState(func(st *State) {
		st.Open = false
		if cause != nil {
			st.LastError = cause.Error()
		}
	})
	t.connect()
	return true
}

// --- request building helpers shared by both transports ---

// endpointQuery builds the common query parameters.
func (s *Socket) endpointQuery(extra url.Values) url.Values {
	q := url.Values{}
	for k, vs := range s.opts.Params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("client-id", s.opts.ClientID)
	for k, vs := range extra {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	return q
}

// cacheBuster defeats intermediary caching of GET polls.
func cacheBuster() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36) + uuid.NewString()[:6]
}
