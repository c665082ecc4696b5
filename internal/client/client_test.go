package client

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chansock/chansock/internal/event"
	"github.com/chansock/chansock/internal/server"
)

// startEndpoint runs a channel socket endpoint with an app/ping echo
// responder. Uids come from the "uid" query parameter so clients can
// identify themselves via Params.
func startEndpoint(t *testing.T, rejectWS bool) (*server.ChannelSocket, string) {
	t.Helper()
	cs := server.New(server.Options{
		SendBufMsWS:   10,
		SendBufMsAjax: 10,
		GraceMs:       60,
		UserIDFn: func(r *http.Request, clientID string) string {
			return r.URL.Query().Get("uid")
		},
		CSRFTokenFn: func(r *http.Request) string { return "csrf-test" },
	})

	go func() {
		for msg := range cs.Recv() {
			switch msg.Event.ID {
			case "app/ping":
				if msg.HasReply() {
					msg.Reply("pong")
				}
			case "app/slow":
				// Never replies; exercises the timeout path.
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/chsk", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if rejectWS && websocket.IsWebSocketUpgrade(r) {
				http.Error(w, "websocket disabled", http.StatusBadRequest)
				return
			}
			cs.HandleGet(w, r)
		case http.MethodPost:
			cs.HandlePost(w, r)
		}
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		cs.Close()
		ts.Close()
	})
	return cs, ts.URL + "/chsk"
}

func newTestSocket(t *testing.T, endpoint string, opts Options) *Socket {
	t.Helper()
	if opts.Params == nil {
		opts.Params = url.Values{"uid": {"alice"}}
	}
	if opts.LPTimeoutMs == 0 {
		opts.LPTimeoutMs = 2000
	}
	s, err := New(endpoint, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func waitOpen(t *testing.T, s *Socket) State {
	t.Helper()
	ch := s.SubscribeState()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case st := <-ch:
			if st.Open {
				return st
			}
		case <-deadline:
			t.Fatalf("socket never opened; state = %+v", s.State())
			return State{}
		}
	}
}

func TestWSConnectAndEcho(t *testing.T) {
	_, endpoint := startEndpoint(t, false)
	s := newTestSocket(t, endpoint, Options{Type: WS})

	st := waitOpen(t, s)
	if st.UID != "alice" || st.CSRFToken != "csrf-test" {
		t.Errorf("state after handshake = %+v", st)
	}
	if !st.EverOpened || !st.FirstOpen {
		t.Errorf("first open flags = ever=%v first=%v", st.EverOpened, st.FirstOpen)
	}

	replies := make(chan any, 2)
	s.SendWithReply(event.New("app/ping", float64(1)), time.Second, func(v any) {
		replies <- v
	})
	select {
	case v := <-replies:
		if v != "pong" {
			t.Errorf("reply = %#v, want pong", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
	// Exactly once: the timeout must not also fire.
	select {
	case v := <-replies:
		t.Errorf("second resolution %#v", v)
	case <-time.After(1200 * time.Millisecond):
	}
}

func TestReplyTimeoutExactlyOnce(t *testing.T) {
	_, endpoint := startEndpoint(t, false)
	s := newTestSocket(t, endpoint, Options{Type: WS})
	waitOpen(t, s)

	replies := make(chan any, 2)
	s.SendWithReply(event.New("app/slow", nil), 100*time.Millisecond, func(v any) {
		replies <- v
	})
	select {
	case v := <-replies:
		if v != event.ReplyTimeout {
			t.Errorf("reply = %#v, want chsk/timeout", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
	select {
	case v := <-replies:
		t.Errorf("second resolution %#v", v)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSendWhileClosed(t *testing.T) {
	// Endpoint that fails every request: the socket can't open.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(ts.Close)

	s := newTestSocket(t, ts.URL+"/chsk", Options{Type: WS})

	if err := s.Send(event.New("app/x", nil)); err != ErrNotOpen {
		t.Errorf("Send = %v, want ErrNotOpen", err)
	}
	got := make(chan any, 1)
	s.SendWithReply(event.New("app/x", nil), time.Second, func(v any) { got <- v })
	select {
	case v := <-got:
		if v != event.ReplyClosed {
			t.Errorf("reply = %#v, want chsk/closed", v)
		}
	case <-time.After(time.Second):
		t.Fatal("closed sentinel never delivered")
	}
}

func TestWSReceivesPush(t *testing.T) {
	cs, endpoint := startEndpoint(t, false)
	s := newTestSocket(t, endpoint, Options{Type: WS})
	waitOpen(t, s)

	cs.Send("alice", event.New("app/notice", "hi"))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-s.Recv():
			if ev.ID == event.IDState {
				continue
			}
			// Default delivery wraps app events as [chsk/recv, ev].
			if ev.ID != event.IDRecv {
				t.Fatalf("got %v, want chsk/recv wrapper", ev.ID)
			}
			inner, ok := ev.Data.([]any)
			if !ok || len(inner) != 2 || inner[0] != "app/notice" || inner[1] != "hi" {
				t.Fatalf("wrapped payload = %#v", ev.Data)
			}
			return
		case <-deadline:
			t.Fatal("push never delivered")
		}
	}
}

func TestAjaxConnectEchoAndPush(t *testing.T) {
	cs, endpoint := startEndpoint(t, false)
	s := newTestSocket(t, endpoint, Options{Type: Ajax, RawRecv: true})

	st := waitOpen(t, s)
	if st.UID != "alice" {
		t.Errorf("uid = %q", st.UID)
	}

	// Request/reply over POST.
	replies := make(chan any, 1)
	s.SendWithReply(event.New("app/ping", nil), 2*time.Second, func(v any) {
		replies <- v
	})
	select {
	case v := <-replies:
		if v != "pong" {
			t.Errorf("reply = %#v, want pong", v)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reply over ajax")
	}

	// Server push lands on the held poll.
	cs.Send("alice", event.New("app/notice", "lp"))
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-s.Recv():
			if ev.ID == event.IDState {
				continue
			}
			if ev.ID != "app/notice" || ev.Data != "lp" {
				t.Fatalf("push = %#v", ev)
			}
			return
		case <-deadline:
			t.Fatal("long-poll push never delivered")
		}
	}
}

func TestAutoDowngrade(t *testing.T) {
	_, endpoint := startEndpoint(t, true) // websocket upgrades rejected
	s := newTestSocket(t, endpoint, Options{Type: Auto})

	st := waitOpen(t, s)
	if st.Type != Ajax {
		t.Errorf("transport after downgrade = %v, want ajax", st.Type)
	}
	if !st.EverOpened {
		t.Error("ever-opened should survive the downgrade")
	}

	// The downgrade is permanent: an explicit reconnect stays on ajax.
	s.Reconnect()
	st = waitOpen(t, s)
	if st.Type != Ajax {
		t.Errorf("transport after reconnect = %v, want ajax", st.Type)
	}
}

// --- in-package unit tests ---

func newBareSocket() *Socket {
	return &Socket{
		opts:    Options{Type: WS},
		recv:    make(chan event.Event, 8),
		waiters: make(map[string]*waiter),
	}
}

func TestEmitRecvHygiene(t *testing.T) {
	s := newBareSocket()
	s.opts.RawRecv = true

	s.emitRecv(event.New("chsk/fake", nil)) // reserved: dropped
	s.emitRecv(event.New("app/ok", nil))

	select {
	case ev := <-s.recv:
		if ev.ID != "app/ok" {
			t.Errorf("delivered %v, want app/ok (reserved event should be dropped)", ev.ID)
		}
	default:
		t.Fatal("nothing delivered")
	}
	select {
	case ev := <-s.recv:
		t.Errorf("unexpected second delivery %v", ev.ID)
	default:
	}
}

func TestEmitRecvWrapped(t *testing.T) {
	s := newBareSocket()

	s.emitRecv(event.New("app/msg", "x"))
	ev := <-s.recv
	if ev.ID != event.IDRecv {
		t.Fatalf("id = %v, want chsk/recv", ev.ID)
	}
	inner, ok := ev.Data.([]any)
	if !ok || inner[0] != "app/msg" || inner[1] != "x" {
		t.Errorf("wrapper payload = %#v", ev.Data)
	}
}

func TestWaiterResolveExactlyOnce(t *testing.T) {
	s := newBareSocket()

	var calls []any
	done := make(chan struct{}, 4)
	id := s.newWaiter(func(v any) {
		calls = append(calls, v)
		done <- struct{}{}
	}, time.Minute)

	s.resolveWaiter(id, "first")
	<-done
	s.resolveWaiter(id, "second") // removed: no-op

	if len(calls) != 1 || calls[0] != "first" {
		t.Errorf("calls = %#v", calls)
	}
}

func TestWaiterTimeout(t *testing.T) {
	s := newBareSocket()

	got := make(chan any, 1)
	s.newWaiter(func(v any) { got <- v }, 30*time.Millisecond)

	select {
	case v := <-got:
		if v != event.ReplyTimeout {
			t.Errorf("timeout value = %#v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never timed out")
	}
}

func TestHandleBatchOrder(t *testing.T) {
	s := newBareSocket()
	s.opts.RawRecv = true

	s.handleBatch([]any{
		[]any{"a/1"},
		[]any{"a/2", "x"},
		[]any{"a/3"},
	})

	for _, want := range []event.ID{"a/1", "a/2", "a/3"} {
		select {
		case ev := <-s.recv:
			if ev.ID != want {
				t.Fatalf("got %v, want %v", ev.ID, want)
			}
		default:
			t.Fatalf("batch delivery stopped before %v", want)
		}
	}
}
