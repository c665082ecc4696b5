package server

import (
	"testing"
	"time"

	"github.com/chansock/chansock/internal/event"
)

func TestBufferCoalescing(t *testing.T) {
	b := newSendBuffer()

	b.append("u1", event.New("a/1", nil), "f1")
	b.append("u1", event.New("a/2", nil), "f2")
	b.append("u1", event.New("a/3", nil), "f3")

	// The first timer to fire takes the whole batch, in push order.
	evs, ok := b.drain("u1", "f1")
	if !ok {
		t.Fatal("first drain should claim the batch")
	}
	if len(evs) != 3 || evs[0].ID != "a/1" || evs[1].ID != "a/2" || evs[2].ID != "a/3" {
		t.Errorf("batch = %v", evs)
	}

	// The remaining timers find their ids gone and no-op.
	if _, ok := b.drain("u1", "f2"); ok {
		t.Error("second drain should be a no-op")
	}
	if _, ok := b.drain("u1", "f3"); ok {
		t.Error("third drain should be a no-op")
	}
}

func TestBufferPerUID(t *testing.T) {
	b := newSendBuffer()

	b.append("u1", event.New("a/1", nil), "f1")
	b.append("u2", event.New("b/1", nil), "f2")

	if evs, ok := b.drain("u1", "f1"); !ok || len(evs) != 1 || evs[0].ID != "a/1" {
		t.Errorf("u1 drain = %v, %v", evs, ok)
	}
	// u2's buffer is untouched.
	if evs, ok := b.drain("u2", "f2"); !ok || len(evs) != 1 || evs[0].ID != "b/1" {
		t.Errorf("u2 drain = %v, %v", evs, ok)
	}
}

func TestBufferNewWindowAfterDrain(t *testing.T) {
	b := newSendBuffer()

	b.append("u1", event.New("a/1", nil), "f1")
	b.drain("u1", "f1")

	// Pushes after a drain start a fresh window.
	b.append("u1", event.New("a/2", nil), "f2")
	evs, ok := b.drain("u1", "f2")
	if !ok || len(evs) != 1 || evs[0].ID != "a/2" {
		t.Errorf("fresh window drain = %v, %v", evs, ok)
	}
}

func TestBufferDrainAll(t *testing.T) {
	b := newSendBuffer()

	b.append("u1", event.New("a/1", nil), "f1")
	b.append("u1", event.New("a/2", nil), "f2")

	evs := b.drainAll("u1")
	if len(evs) != 2 {
		t.Fatalf("drainAll = %v", evs)
	}
	if evs := b.drainAll("u1"); evs != nil {
		t.Errorf("second drainAll = %v, want nil", evs)
	}
}

func TestQueueSlidingDrop(t *testing.T) {
	q := newRecvQueue(2)
	defer q.close()

	q.push(Message{Event: event.New("a/1", nil)})
	// Give the pump time to pick up a/1 and park on the (unread) out
	// channel; the ring is now empty.
	time.Sleep(20 * time.Millisecond)

	q.push(Message{Event: event.New("a/2", nil)})
	q.push(Message{Event: event.New("a/3", nil)})
	q.push(Message{Event: event.New("a/4", nil)}) // evicts a/2

	var got []event.ID
	for i := 0; i < 3; i++ {
		select {
		case msg := <-q.out:
			got = append(got, msg.Event.ID)
		case <-time.After(time.Second):
			t.Fatalf("queue stalled after %v", got)
		}
	}
	want := []event.ID{"a/1", "a/3", "a/4"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("queue order = %v, want %v", got, want)
		}
	}
	// Nothing else buffered.
	select {
	case msg := <-q.out:
		t.Errorf("unexpected extra message %v", msg.Event.ID)
	case <-time.After(50 * time.Millisecond):
	}
}
