package server

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the minimal async-response contract the endpoint needs from a
// transport: write one packed string, optionally terminating the
// response, and close. Each web server integration supplies its own
// implementation; this package ships the two net/http-based ones.
type Conn interface {
	// Send writes a packed string. closeAfter terminates the response
	// once the write completes (long-poll responses always terminate).
	Send(msg string, closeAfter bool) error
	// Close terminates the response without writing.
	Close() error
}

var errConnClosed = errors.New("connection closed")

// wsConn adapts a gorilla websocket connection. The write mutex guards
// against interleaved writes from the push fan-out and reply paths.
type wsConn struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{conn: c}
}

func (c *wsConn) Send(msg string, closeAfter bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		return err
	}
	if closeAfter {
		c.closed = true
		c.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return c.conn.Close()
	}
	return nil
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	return c.conn.Close()
}

// pollConn adapts a held long-poll HTTP response. A long-poll response
// delivers at most one body and then terminates, so Send and Close both
// release the waiting handler; whichever runs first wins.
type pollConn struct {
	w    http.ResponseWriter
	once sync.Once
	done chan struct{}
	err  error
}

func newPollConn(w http.ResponseWriter) *pollConn {
	return &pollConn{w: w, done: make(chan struct{})}
}

func (c *pollConn) Send(msg string, closeAfter bool) error {
	sent := false
	c.once.Do(func() {
		sent = true
		_, c.err = io.WriteString(c.w, msg)
		close(c.done)
	})
	if !sent {
		return errConnClosed
	}
	return c.err
}

func (c *pollConn) Close() error {
	c.once.Do(func() {
		close(c.done)
	})
	return nil
}

// wait blocks until the response has been completed by Send or Close.
func (c *pollConn) wait() <-chan struct{} {
	return c.done
}
