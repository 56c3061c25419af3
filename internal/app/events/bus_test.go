package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Publish(Event{Type: "round.started", At: time.Now()})

	select {
	case ev := <-ch:
		if ev.Type != "round.started" {
			t.Errorf("type = %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Event{Type: "first"})
	bus.Publish(Event{Type: "second"}) // buffer full, dropped

	ev := <-ch
	if ev.Type != "first" {
		t.Errorf("type = %s, want first", ev.Type)
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected second event: %s", ev.Type)
	default:
	}
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)

	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
	if bus.Subscribers() != 0 {
		t.Errorf("subscribers = %d, want 0", bus.Subscribers())
	}
	// Publishing to an empty bus is a no-op.
	bus.Publish(Event{Type: "late"})
}
