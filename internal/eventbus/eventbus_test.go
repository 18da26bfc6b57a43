package eventbus

import (
	"testing"
)

func TestSubjectScopedDeliveryIsOrdered(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe("swarm-1", nil, func(e Event) { got = append(got, e.ID) })

	b.Publish(Event{ID: "1", Subject: "swarm-1"})
	b.Publish(Event{ID: "2", Subject: "swarm-1"})
	b.Publish(Event{ID: "3", Subject: "swarm-1"})

	if len(got) != 3 || got[0] != "1" || got[1] != "2" || got[2] != "3" {
		t.Fatalf("expected in-order delivery [1 2 3], got %v", got)
	}
}

func TestAllSubjectReachesEverySubscriber(t *testing.T) {
	b := New()
	var a, c []string
	b.Subscribe("swarm-a", nil, func(e Event) { a = append(a, e.ID) })
	b.Subscribe("swarm-c", nil, func(e Event) { c = append(c, e.ID) })

	b.Publish(Event{ID: "broadcast", Subject: "all"})

	if len(a) != 1 || len(c) != 1 {
		t.Fatalf("expected global broadcast to reach every subscriber regardless of subject, got a=%v c=%v", a, c)
	}
}

func TestScopedSubjectIsolation(t *testing.T) {
	b := New()
	var a, c []string
	b.Subscribe("swarm-a", nil, func(e Event) { a = append(a, e.ID) })
	b.Subscribe("swarm-c", nil, func(e Event) { c = append(c, e.ID) })

	b.Publish(Event{ID: "1", Subject: "swarm-a"})

	if len(a) != 1 {
		t.Fatalf("expected subscriber on swarm-a to receive the event, got %v", a)
	}
	if len(c) != 0 {
		t.Fatalf("expected subscriber on swarm-c to not receive a swarm-a event, got %v", c)
	}
}

func TestAllSubscriberReceivesScopedEvents(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe("all", nil, func(e Event) { got = append(got, e.ID) })

	b.Publish(Event{ID: "1", Subject: "swarm-a"})
	b.Publish(Event{ID: "2", Subject: "swarm-b"})

	if len(got) != 2 {
		t.Fatalf("expected an \"all\" subscriber to receive every scoped event, got %v", got)
	}
}

func TestTypeFilteredSubscription(t *testing.T) {
	b := New()
	var got []EventType
	b.Subscribe("swarm-1", []EventType{"worker:ready"}, func(e Event) { got = append(got, e.Type) })

	b.Publish(Event{ID: "1", Subject: "swarm-1", Type: "worker:ready"})
	b.Publish(Event{ID: "2", Subject: "swarm-1", Type: "worker:dismissed"})

	if len(got) != 1 || got[0] != "worker:ready" {
		t.Fatalf("expected only worker:ready delivered, got %v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	var count int
	id := b.Subscribe("swarm-1", nil, func(e Event) { count++ })

	b.Publish(Event{ID: "1", Subject: "swarm-1"})
	b.Unsubscribe("swarm-1", id)
	b.Publish(Event{ID: "2", Subject: "swarm-1"})

	if count != 1 {
		t.Fatalf("expected delivery to stop after unsubscribe, got count=%d", count)
	}
}

func TestUnsubscribeUnknownIDIsNoOp(t *testing.T) {
	b := New()
	b.Subscribe("swarm-1", nil, func(e Event) {})
	b.Unsubscribe("swarm-1", "does-not-exist")
	b.Unsubscribe("no-such-subject", "does-not-exist")
}

func TestPanickingHandlerIsRecoveredAndCounted(t *testing.T) {
	b := New()
	var secondCalled bool
	b.Subscribe("swarm-1", nil, func(e Event) { panic("boom") })
	b.Subscribe("swarm-1", nil, func(e Event) { secondCalled = true })

	b.Publish(Event{ID: "1", Subject: "swarm-1"})

	if b.DroppedCount() != 1 {
		t.Fatalf("expected 1 dropped delivery, got %d", b.DroppedCount())
	}
	if !secondCalled {
		t.Fatalf("expected a panicking subscriber to not block delivery to the next one")
	}
}
