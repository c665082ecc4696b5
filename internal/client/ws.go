package client

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chansock/chansock/internal/event"
	"github.com/chansock/chansock/internal/packer"
)

const wsWriteTimeout = 10 * time.Second

// wsTransport maintains a WebSocket connection with keep-alive pings
// and retry-id-guarded reconnect backoff. The socket is only "open"
// once the server's handshake frame arrives on the wire.
type wsTransport struct {
	s      *Socket
	dialer *websocket.Dialer

	mu         sync.Mutex
	conn       *websocket.Conn
	connStop   chan struct{} // closed when the current connection ends
	stopped    bool
	retryCount int

	lastSend atomic.Int64 // unix nanos of the last outbound frame
}

func newWSTransport(s *Socket) *wsTransport {
	return &wsTransport{
		s: s,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

func (t *wsTransport) wsURL() string {
	u := *t.s.httpURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = t.s.endpointQuery(nil).Encode()
	return u.String()
}

func (t *wsTransport) connect() {
	go t.dialAndRun()
}

func (t *wsTransport) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// dialAndRun performs one full connection attempt: dial, keep-alive,
// read until the connection dies, then decide whether to reconnect.
func (t *wsTransport) dialAndRun() {
	if t.isStopped() {
		return
	}

	conn, _, err := t.dialer.Dial(t.wsURL(), t.s.opts.Header)
	if err != nil {
		slog.Debug("websocket dial failed", "error", err)
		t.s.deliver(event.New(event.IDWSError, err.Error()))
		if t.s.downgradeToAjax(err) {
			return
		}
		t.s.setState(func(st *State) {
			st.Open = false
			st.LastError = err.Error()
		})
		t.scheduleReconnect()
		return
	}

	connStop := make(chan struct{})
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.connStop = connStop
	t.mu.Unlock()

	t.lastSend.Store(time.Now().UnixNano())
	go t.keepAlive(connStop)
	t.readLoop(conn, connStop)
}

// readLoop consumes frames until the connection fails, then routes the
// close into either a clean stop or a backoff reconnect.
func (t *wsTransport) readLoop(conn *websocket.Conn, connStop chan struct{}) {
	var closeErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			closeErr = err
			break
		}
		if !t.handleFrame(string(data)) {
			closeErr = errProtocol
			break
		}
	}

	conn.Close()
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	select {
	case <-connStop:
	default:
		close(connStop)
	}
	stopped := t.stopped
	t.mu.Unlock()

	if stopped {
		return
	}

	clean := websocket.IsCloseError(closeErr, websocket.CloseNormalClosure)
	t.s.setState(func(st *State) {
		st.Open = false
		if !clean && closeErr != nil {
			st.LastError = closeErr.Error()
		}
	})
	if clean {
		slog.Debug("websocket closed cleanly, staying disconnected")
		return
	}
	slog.Debug("websocket connection lost", "error", closeErr)
	t.scheduleReconnect()
}

var errProtocol = &websocket.CloseError{Code: websocket.CloseProtocolError, Text: "malformed frame"}

// handleFrame routes one inbound frame. Returns false on a protocol
// violation (malformed push from the server), which drops the
// connection.
func (t *wsTransport) handleFrame(pstr string) bool {
	v, cb, err := packer.UnpackFrame(t.s.packer, pstr)
	if err != nil {
		// The server is the trusted end; a frame it can't even decode
		// is a protocol violation, not something to shrug off.
		slog.Error("malformed frame from server", "error", err)
		t.s.deliver(event.New(event.IDWSError, err.Error()))
		return false
	}
	if cb != "" && cb != packer.CBAjax {
		t.s.resolveWaiter(cb, v)
		return true
	}
	if ev, verr := event.Validate(v); verr == nil && ev.ID == event.IDHandshake {
		t.mu.Lock()
		t.retryCount = 0
		t.mu.Unlock()
		t.s.handleHandshake(ev.Data)
		return true
	}
	t.s.handleBatch(v)
	return true
}

// keepAlive sends [chsk/ws-ping] whenever a full interval passes with
// no outbound frame, so the server's watchdog sees a live client.
func (t *wsTransport) keepAlive(connStop <-chan struct{}) {
	interval := time.Duration(t.s.opts.WSKaliveMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-connStop:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, t.lastSend.Load()))
			if idle < interval {
				continue
			}
			if err := t.send(event.New(event.IDWSPing, nil), ""); err != nil {
				slog.Debug("keep-alive ping failed", "error", err)
				return
			}
		}
	}
}

func (t *wsTransport) send(ev event.Event, waiterID string) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}
	pstr, err := packer.PackFrame(t.s.packer, ev, waiterID)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(pstr)); err != nil {
		return err
	}
	t.lastSend.Store(time.Now().UnixNano())
	return nil
}

// scheduleReconnect arms a backoff timer keyed by the current retry id;
// an explicit reconnect or disconnect in the meantime supersedes it.
func (t *wsTransport) scheduleReconnect() {
	t.mu.Lock()
	t.retryCount++
	attempt := t.retryCount
	t.mu.Unlock()

	delay := t.s.opts.BackoffFn(attempt)
	id := t.s.currentRetryID()
	slog.Debug("scheduling websocket reconnect", "attempt", attempt, "delay", delay)
	time.AfterFunc(delay, func() {
		if !t.s.retryValid(id) || t.isStopped() {
			return
		}
		t.dialAndRun()
	})
}

func (t *wsTransport) disconnect() {
	t.mu.Lock()
	t.stopped = true
	conn := t.conn
	t.conn = nil
	if t.connStop != nil {
		select {
		case <-t.connStop:
		default:
			close(t.connStop)
		}
	}
	t.mu.Unlock()

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		conn.Close()
	}
}
