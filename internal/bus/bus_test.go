package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindConnState, Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != KindConnState {
			t.Errorf("got kind %q, want %s", evt.Kind, KindConnState)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("outbox.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindConnState})
	b.Publish(Event{Kind: KindMessageFailed})

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageFailed {
			t.Errorf("got kind %q, want %s", evt.Kind, KindMessageFailed)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the conn event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	unsub()

	b.Publish(Event{Kind: KindConnState})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	// Dropped: buffer is full.
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

func TestEmitStampsTimestamp(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("outbox.", 1)
	defer unsub()

	before := time.Now()
	b.Emit(KindContactFailed, "rejected")

	evt := <-ch
	if evt.Timestamp.Before(before) {
		t.Errorf("timestamp %v is before publish time %v", evt.Timestamp, before)
	}
	if evt.Payload != "rejected" {
		t.Errorf("payload = %v, want rejected", evt.Payload)
	}
}

func TestEmitOnNilBus(t *testing.T) {
	var b *Bus
	b.Emit(KindConnState, nil)
}
