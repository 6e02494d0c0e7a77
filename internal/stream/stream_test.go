package stream

import (
	"context"
	"testing"
	"time"
)

func TestSubscribeAndPublish(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx)
	if s.Subscribers() != 1 {
		t.Fatalf("unexpected subscriber count: %d", s.Subscribers())
	}

	evt := Event{Event: "admin.login", ActorID: "acct-1", Timestamp: time.Now().UTC()}
	s.Publish(evt)

	select {
	case got := <-ch:
		if got.Event != "admin.login" || got.ActorID != "acct-1" {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscribeClosesOnContextEnd(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context end")
	}

	// Publishing after unsubscribe must not panic or block.
	s.Publish(Event{Event: "admin.login"})
}

func TestPublishDropsWhenSubscriberIsSlow(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		// Well past the channel buffer; must not block.
		for i := 0; i < 100; i++ {
			s.Publish(Event{Event: "admin.login"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}
