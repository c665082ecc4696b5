package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chansock/chansock/internal/event"
	"github.com/chansock/chansock/internal/packer"
)

// ajaxTransport runs two concurrent request slots: a long-poll GET held
// open by the server until it has a batch (or the poll timeout fires),
// and ad-hoc POSTs for outbound events. Replies to POSTed requests come
// back on the POST response body itself.
type ajaxTransport struct {
	s      *Socket
	client *http.Client

	mu         sync.Mutex
	stopped    bool
	stopCh     chan struct{}
	cancelPoll context.CancelFunc
}

func newAjaxTransport(s *Socket) *ajaxTransport {
	return &ajaxTransport{
		s:      s,
		client: s.opts.HTTPClient,
		stopCh: make(chan struct{}),
	}
}

func (t *ajaxTransport) connect() {
	go t.pollLoop()
}

func (t *ajaxTransport) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// pollLoop issues GETs forever. A poll timeout is the normal idle case
// and re-polls immediately from attempt 0; real errors back off.
func (t *ajaxTransport) pollLoop() {
	attempt := 0
	for {
		if t.isStopped() {
			return
		}

		body, err := t.poll()
		switch {
		case err == nil:
			attempt = 0
			if len(body) == 0 {
				// Server closed the poll without a payload (shutdown
				// or a [chsk/close] push); just poll again.
				continue
			}
			if perr := t.handlePollBody(body); perr != nil {
				slog.Error("malformed long-poll response", "error", perr)
				t.s.setState(func(st *State) {
					st.Open = false
					st.LastError = perr.Error()
				})
				attempt++
				t.backoffSleep(attempt)
			}
		case errors.Is(err, context.DeadlineExceeded):
			// Long-poll timeout: not a failure, repoll immediately.
			attempt = 0
		default:
			if t.isStopped() {
				return
			}
			slog.Debug("long-poll failed", "error", err, "attempt", attempt)
			t.s.setState(func(st *State) {
				st.Open = false
				st.LastError = err.Error()
			})
			attempt++
			t.backoffSleep(attempt)
		}
	}
}

// poll performs one long-poll GET and returns the body.
func (t *ajaxTransport) poll() ([]byte, error) {
	extra := url.Values{}
	extra.Set("_", cacheBuster())
	if !t.s.State().Open {
		extra.Set("handshake", "1")
	}
	u := *t.s.httpURL
	u.RawQuery = t.s.endpointQuery(extra).Encode()

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(t.s.opts.LPTimeoutMs)*time.Millisecond)
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		cancel()
		return nil, errConnStopped
	}
	t.cancelPoll = cancel
	t.mu.Unlock()
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building poll request: %w", err)
	}
	mergeHeader(req.Header, t.s.opts.Header)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

var errConnStopped = errors.New("transport stopped")

// handlePollBody decodes one poll response: either the handshake frame
// or a batch of buffered events.
func (t *ajaxTransport) handlePollBody(body []byte) error {
	v, _, err := packer.UnpackFrame(t.s.packer, string(body))
	if err != nil {
		return err
	}
	if ev, verr := event.Validate(v); verr == nil && ev.ID == event.IDHandshake {
		t.s.handleHandshake(ev.Data)
		return nil
	}
	t.s.handleBatch(v)
	return nil
}

func (t *ajaxTransport) backoffSleep(attempt int) {
	select {
	case <-t.stopCh:
	case <-time.After(t.s.opts.BackoffFn(attempt)):
	}
}

// send POSTs one event. With a waiter, the Ajax callback sentinel goes
// on the wire and the decoded response body resolves the waiter.
func (t *ajaxTransport) send(ev event.Event, waiterID string) error {
	if t.isStopped() {
		return errConnStopped
	}
	cbWire := ""
	if waiterID != "" {
		cbWire = packer.CBAjax
	}
	ppstr, err := packer.PackFrame(t.s.packer, ev, cbWire)
	if err != nil {
		return err
	}

	st := t.s.State()
	form := url.Values{}
	form.Set("client-id", t.s.opts.ClientID)
	form.Set("ppstr", ppstr)
	// Duplicated in the form for middleware that only reads the body.
	form.Set("csrf-token", st.CSRFToken)

	u := *t.s.httpURL
	u.RawQuery = t.s.endpointQuery(url.Values{"_": {cacheBuster()}}).Encode()

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(t.s.opts.LPTimeoutMs)*time.Millisecond)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(),
		strings.NewReader(form.Encode()))
	if err != nil {
		cancel()
		return fmt.Errorf("building post request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-CSRF-Token", st.CSRFToken)
	mergeHeader(req.Header, t.s.opts.Header)

	go func() {
		defer cancel()
		t.completePost(req, waiterID)
	}()
	return nil
}

// completePost runs the POST and routes its response into the waiter
// (if any). Runs on its own goroutine so senders never block on I/O.
func (t *ajaxTransport) completePost(req *http.Request, waiterID string) {
	resp, err := t.client.Do(req)
	if err != nil {
		slog.Debug("post failed", "error", err)
		if waiterID != "" {
			t.s.resolveWaiter(waiterID, event.ReplyError)
		}
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		slog.Debug("post response unreadable", "status", resp.StatusCode, "error", err)
		if waiterID != "" {
			t.s.resolveWaiter(waiterID, event.ReplyError)
		}
		return
	}
	if waiterID == "" {
		return
	}
	v, _, err := packer.UnpackFrame(t.s.packer, string(body))
	if err != nil {
		slog.Debug("post reply undecodable", "error", err)
		t.s.resolveWaiter(waiterID, event.ReplyError)
		return
	}
	if s, ok := v.(string); ok && s == event.ReplyDummy200 {
		// The server had no application reply for us; let the waiter
		// time out rather than surfacing the sentinel.
		return
	}
	t.s.resolveWaiter(waiterID, v)
}

func (t *ajaxTransport) disconnect() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	close(t.stopCh)
	cancel := t.cancelPoll
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func mergeHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
