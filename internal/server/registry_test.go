package server

import (
	"testing"
	"time"
)

// fakeConn records sends for registry/buffer tests.
type fakeConn struct {
	sent   []string
	closed bool
}

func (c *fakeConn) Send(msg string, closeAfter bool) error {
	c.sent = append(c.sent, msg)
	if closeAfter {
		c.closed = true
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestPresenceInvariant(t *testing.T) {
	r := newRegistry()

	check := func(stage string, wantWS, wantAjax, wantAny []string) {
		t.Helper()
		p := r.snapshot()
		assertSet(t, stage+" ws", p.WS, wantWS)
		assertSet(t, stage+" ajax", p.Ajax, wantAjax)
		assertSet(t, stage+" any", p.Any, wantAny)
		// any must always equal ws ∪ ajax.
		for uid := range p.Any {
			_, inWS := p.WS[uid]
			_, inAjax := p.Ajax[uid]
			if !inWS && !inAjax {
				t.Errorf("%s: uid %q in any but in neither transport", stage, uid)
			}
		}
	}

	check("empty", nil, nil, nil)

	wsA := &fakeConn{}
	first := r.addWS("u1", "tabA", wsA)
	if !first {
		t.Error("first ws connection should report first=true")
	}
	check("ws open", []string{"u1"}, nil, []string{"u1"})

	ajaxB := &fakeConn{}
	newRec, first2 := r.addAjax("u1", "tabB", ajaxB)
	if !newRec {
		t.Error("new ajax client should report newRecord=true")
	}
	if first2 {
		t.Error("second connection for uid should not report first=true")
	}
	check("both transports", []string{"u1"}, []string{"u1"}, []string{"u1"})

	r.removeWS("u1", "tabA", wsA)
	check("ws closed", nil, []string{"u1"}, []string{"u1"})
	if !r.hasAny("u1") {
		t.Error("ajax record should keep uid present")
	}

	disconnectedAt, ok := r.detachAjax("u1", "tabB", ajaxB)
	if !ok {
		t.Fatal("detachAjax should find the slot")
	}
	// Record retained through the grace window.
	check("ajax between polls", nil, []string{"u1"}, []string{"u1"})

	if !r.expireAjax("u1", "tabB", disconnectedAt) {
		t.Error("expireAjax should remove a non-reconnected client")
	}
	check("expired", nil, nil, nil)
	if r.hasAny("u1") {
		t.Error("uid should be fully gone")
	}
}

func TestExpireAjaxSkipsReconnected(t *testing.T) {
	r := newRegistry()

	c1 := &fakeConn{}
	r.addAjax("u1", "tab", c1)
	disconnectedAt, _ := r.detachAjax("u1", "tab", c1)

	// Client repolls before the grace expires.
	time.Sleep(5 * time.Millisecond)
	c2 := &fakeConn{}
	newRec, _ := r.addAjax("u1", "tab", c2)
	if newRec {
		t.Error("repoll should reuse the existing record")
	}

	if r.expireAjax("u1", "tab", disconnectedAt) {
		t.Error("expireAjax should not remove a reconnected client")
	}
	if !r.hasAny("u1") {
		t.Error("uid should still be present")
	}
}

func TestStaleWSRemoveIgnored(t *testing.T) {
	r := newRegistry()

	old := &fakeConn{}
	r.addWS("u1", "tab", old)
	fresh := &fakeConn{}
	r.addWS("u1", "tab", fresh) // reconnect reusing the client id

	r.removeWS("u1", "tab", old) // stale close must not evict the new conn
	if got := r.wsConns("u1"); len(got) != 1 || got[0] != fresh {
		t.Errorf("stale remove evicted the fresh connection: %v", got)
	}
}

func TestClaimAjax(t *testing.T) {
	r := newRegistry()

	c1, c2 := &fakeConn{}, &fakeConn{}
	r.addAjax("u1", "t1", c1)
	r.addAjax("u1", "t2", c2)

	claimed := r.claimAjax("u1", nil)
	if len(claimed) != 2 {
		t.Fatalf("claimed %d conns, want 2", len(claimed))
	}
	// Claiming nulls the slots: a second claim finds nothing.
	if again := r.claimAjax("u1", nil); len(again) != 0 {
		t.Errorf("second claim got %d conns, want 0", len(again))
	}
	// Records survive the claim.
	if ids := r.ajaxClientIDs("u1"); len(ids) != 2 {
		t.Errorf("records = %d, want 2", len(ids))
	}
}

func TestClaimAjaxOnly(t *testing.T) {
	r := newRegistry()

	c1, c2 := &fakeConn{}, &fakeConn{}
	r.addAjax("u1", "t1", c1)
	r.addAjax("u1", "t2", c2)

	claimed := r.claimAjax("u1", map[string]struct{}{"t2": {}})
	if len(claimed) != 1 || claimed["t2"] != c2 {
		t.Errorf("claim with filter = %v", claimed)
	}
	// t1 is still claimable.
	if rest := r.claimAjax("u1", nil); len(rest) != 1 || rest["t1"] != c1 {
		t.Errorf("remaining claim = %v", rest)
	}
}

func TestSubscribePrimedAndEdges(t *testing.T) {
	r := newRegistry()
	sub := r.subscribe()

	// Primed with the (empty) current view.
	select {
	case p := <-sub:
		if len(p.Any) != 0 {
			t.Errorf("primed snapshot should be empty, got %v", p.Any)
		}
	case <-time.After(time.Second):
		t.Fatal("no primed snapshot")
	}

	r.addWS("u1", "tab", &fakeConn{})
	select {
	case p := <-sub:
		if _, ok := p.WS["u1"]; !ok {
			t.Errorf("snapshot after addWS missing u1: %v", p.WS)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot after addWS")
	}
}

func assertSet(t *testing.T, stage string, got map[string]struct{}, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("%s: got %v, want %v", stage, got, want)
		return
	}
	for _, uid := range want {
		if _, ok := got[uid]; !ok {
			t.Errorf("%s: missing %q in %v", stage, uid, got)
		}
	}
}
