package ws

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

// recordingSubscriber collects every payload it is handed.
type recordingSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
	sendErr  error
	closed   bool
}

func (r *recordingSubscriber) Send(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.payloads = append(r.payloads, payload)
	return nil
}

func (r *recordingSubscriber) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recordingSubscriber) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.payloads))
	for i, p := range r.payloads {
		out[i] = string(p)
	}
	return out
}

func TestRegisterReplaysBeforeLiveEvents(t *testing.T) {
	hub := NewHub()
	sub := &recordingSubscriber{}

	hub.Register("dep-1", sub, []byte("history"))
	hub.Broadcast("dep-1", []byte("live-1"))
	hub.Broadcast("dep-1", []byte("live-2"))

	got := sub.received()
	want := []string{"history", "live-1", "live-2"}
	if len(got) != len(want) {
		t.Fatalf("got %d payloads, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("payload %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestConcurrentRegisterSeesEveryEventOnce(t *testing.T) {
	hub := NewHub()
	const events = 200

	sub := &recordingSubscriber{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < events; i++ {
			hub.Broadcast("dep-1", []byte(fmt.Sprintf("event-%03d", i)))
		}
	}()

	// Register mid-stream with a replay payload standing in for history.
	hub.Register("dep-1", sub, []byte("replay"))
	<-done

	got := sub.received()
	if len(got) == 0 || got[0] != "replay" {
		t.Fatalf("replay payload must come first, got %v", got[:min(3, len(got))])
	}
	// Everything after the replay must be in publish order with no gaps
	// relative to the first live event seen.
	live := got[1:]
	for i := 1; i < len(live); i++ {
		if live[i] <= live[i-1] {
			t.Fatalf("out of order at %d: %q then %q", i, live[i-1], live[i])
		}
	}
}

func TestBroadcastDropsFailingSubscriber(t *testing.T) {
	hub := NewHub()
	healthy := &recordingSubscriber{}
	broken := &recordingSubscriber{sendErr: errors.New("queue full")}

	hub.Register("dep-1", healthy)
	hub.Register("dep-1", broken)
	if n := hub.Subscribers("dep-1"); n != 2 {
		t.Fatalf("expected 2 subscribers, got %d", n)
	}

	hub.Broadcast("dep-1", []byte("line"))

	if !broken.closed {
		t.Fatal("failing subscriber should be closed")
	}
	if n := hub.Subscribers("dep-1"); n != 1 {
		t.Fatalf("expected 1 subscriber after drop, got %d", n)
	}
	if got := healthy.received(); len(got) != 1 || got[0] != "line" {
		t.Fatalf("healthy subscriber missed the broadcast: %v", got)
	}

	hub.Broadcast("dep-1", []byte("line-2"))
	if got := healthy.received(); len(got) != 2 {
		t.Fatalf("healthy subscriber should keep receiving, got %v", got)
	}
}

func TestRegisterFailedReplayDoesNotSubscribe(t *testing.T) {
	hub := NewHub()
	broken := &recordingSubscriber{sendErr: errors.New("closed")}

	hub.Register("dep-1", broken, []byte("history"))

	if !broken.closed {
		t.Fatal("subscriber with failing replay should be closed")
	}
	if n := hub.Subscribers("dep-1"); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
}

func TestUnregister(t *testing.T) {
	hub := NewHub()
	sub := &recordingSubscriber{}
	hub.Register("dep-1", sub)
	hub.Unregister("dep-1", sub)

	hub.Broadcast("dep-1", []byte("line"))
	if got := sub.received(); len(got) != 0 {
		t.Fatalf("unregistered subscriber received %v", got)
	}
	if sub.closed {
		t.Fatal("Unregister must not close the subscriber")
	}
}
