package api

import "testing"

func TestBrokerBroadcastReachesProjectSubscribersOnly(t *testing.T) {
	b := NewBroker()
	p1 := b.Subscribe("p1")
	p2 := b.Subscribe("p2")

	b.Broadcast("p1", []byte("hello"))

	select {
	case data := <-p1:
		if string(data) != "hello" {
			t.Fatalf("unexpected payload %q", data)
		}
	default:
		t.Fatal("p1 subscriber received nothing")
	}
	select {
	case data := <-p2:
		t.Fatalf("p2 subscriber received cross-talk %q", data)
	default:
	}
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("p1")
	b.Unsubscribe("p1", ch)

	b.Broadcast("p1", []byte("late"))
	select {
	case data := <-ch:
		t.Fatalf("unsubscribed channel received %q", data)
	default:
	}
}

func TestBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("p1")

	// Fill the buffer past capacity; Broadcast must not block.
	for i := 0; i < cap(ch)+8; i++ {
		b.Broadcast("p1", []byte("x"))
	}
	if len(ch) != cap(ch) {
		t.Fatalf("expected a full buffer, got %d", len(ch))
	}
}
