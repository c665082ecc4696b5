// Package router drains a channel socket receive queue and invokes the
// application's handler with error isolation: a panicking handler is
// reported, never fatal, and never stops the loop.
//
// Dispatch is sequential, which gives handlers a simple ordering model;
// handlers that want parallelism spawn their own workers.
package router

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/gobwas/glob"

	"github.com/chansock/chansock/internal/event"
	"github.com/chansock/chansock/internal/server"
)

// Options tunes a router loop.
type Options struct {
	// ErrorHandler is called with the recovered panic value when a
	// handler blows up. Defaults to slog reporting.
	ErrorHandler func(recovered any, msg server.Message)
}

// Start consumes the receive queue sequentially on a new goroutine.
// The returned stop function signals the loop to exit at the next
// opportunity; calling it more than once is fine.
func Start(recv <-chan server.Message, handler func(server.Message), opts Options) (stop func()) {
	done := make(chan struct{})
	var once sync.Once

	errh := opts.ErrorHandler
	if errh == nil {
		errh = func(recovered any, msg server.Message) {
			slog.Error("event handler panicked",
				"event", msg.Event.ID, "uid", msg.UID, "panic", recovered)
		}
	}

	go func() {
		for {
			select {
			case <-done:
				return
			case msg, ok := <-recv:
				if !ok {
					return
				}
				safeCall(func() { handler(msg) }, func(r any) { errh(r, msg) })
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}

// StartEvents is the client-side router: same loop and isolation over a
// bare event channel.
func StartEvents(recv <-chan event.Event, handler func(event.Event), opts Options) (stop func()) {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-recv:
				if !ok {
					return
				}
				safeCall(func() { handler(ev) }, func(r any) {
					if opts.ErrorHandler != nil {
						opts.ErrorHandler(r, server.Message{Event: ev})
						return
					}
					slog.Error("event handler panicked", "event", ev.ID, "panic", r)
				})
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}

func safeCall(fn func(), onPanic func(any)) {
	defer func() {
		if r := recover(); r != nil {
			onPanic(r)
		}
	}()
	fn()
}

// Mux dispatches event-messages to handlers by glob pattern over the
// event id ("app/login", "app/*", "*/ping"). Registration order decides
// ties: the earliest matching pattern wins.
type Mux struct {
	mu       sync.RWMutex
	routes   []route
	notFound func(server.Message)
}

type route struct {
	pattern string
	g       glob.Glob
	fn      func(server.Message)
}

// NewMux returns an empty dispatcher. Unmatched events go to the
// NotFound handler, or are Debug-logged when none is set.
func NewMux() *Mux {
	return &Mux{}
}

// Handle registers fn for event ids matching pattern. The pattern is a
// glob with '/' as separator, so "app/*" matches "app/login" but not
// "app/admin/login".
func (m *Mux) Handle(pattern string, fn func(server.Message)) error {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return fmt.Errorf("compiling pattern %q: %w", pattern, err)
	}
	m.mu.Lock()
	m.routes = append(m.routes, route{pattern: pattern, g: g, fn: fn})
	m.mu.Unlock()
	return nil
}

// NotFound sets the fallback for unmatched events.
func (m *Mux) NotFound(fn func(server.Message)) {
	m.mu.Lock()
	m.notFound = fn
	m.mu.Unlock()
}

// Dispatch routes one event-message. Usable directly as the handler for
// Start.
func (m *Mux) Dispatch(msg server.Message) {
	m.mu.RLock()
	var fn func(server.Message)
	for _, rt := range m.routes {
		if rt.g.Match(string(msg.Event.ID)) {
			fn = rt.fn
			break
		}
	}
	if fn == nil {
		fn = m.notFound
	}
	m.mu.RUnlock()

	if fn == nil {
		slog.Debug("no handler for event", "event", msg.Event.ID)
		return
	}
	fn(msg)
}

// Patterns returns the registered patterns, sorted. Handy for startup
// logging.
func (m *Mux) Patterns() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ps := make([]string, 0, len(m.routes))
	for _, rt := range m.routes {
		ps = append(ps, rt.pattern)
	}
	sort.Strings(ps)
	return ps
}
