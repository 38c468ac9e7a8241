package events

import "testing"

// TestPublishDeliversToSubscribers verifies basic topic routing.
func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus()

	var got []Event
	bus.Subscribe(TopicConnectivity, func(evt Event) {
		got = append(got, evt)
	})

	bus.Publish(TopicConnectivity, map[string]interface{}{"online": true})
	bus.Publish(TopicSyncStarted, map[string]interface{}{"total": 3})

	if len(got) != 1 {
		t.Fatalf("handler received %d events, want 1", len(got))
	}
	if got[0].Topic != TopicConnectivity {
		t.Errorf("topic = %q, want %q", got[0].Topic, TopicConnectivity)
	}
	if online, _ := got[0].Data["online"].(bool); !online {
		t.Errorf("data = %v, want online=true", got[0].Data)
	}
}

// TestUnsubscribe verifies the returned func detaches the handler and is
// safe to call twice.
func TestUnsubscribe(t *testing.T) {
	bus := NewBus()

	calls := 0
	unsubscribe := bus.Subscribe(TopicSyncDone, func(Event) { calls++ })

	bus.Publish(TopicSyncDone, nil)
	unsubscribe()
	bus.Publish(TopicSyncDone, nil)
	unsubscribe()

	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
	if n := bus.SubscriberCount(TopicSyncDone); n != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", n)
	}
}

// TestUnsubscribeOneOfMany verifies removal does not disturb other handlers.
func TestUnsubscribeOneOfMany(t *testing.T) {
	bus := NewBus()

	var first, second int
	u1 := bus.Subscribe(TopicSyncProgress, func(Event) { first++ })
	bus.Subscribe(TopicSyncProgress, func(Event) { second++ })

	u1()
	bus.Publish(TopicSyncProgress, nil)

	if first != 0 {
		t.Errorf("removed handler called %d times", first)
	}
	if second != 1 {
		t.Errorf("remaining handler called %d times, want 1", second)
	}
}

// TestPublishOrder verifies delivery in subscription order.
func TestPublishOrder(t *testing.T) {
	bus := NewBus()

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		bus.Subscribe(TopicSession, func(Event) { order = append(order, i) })
	}

	bus.Publish(TopicSession, nil)

	for i, v := range order {
		if v != i+1 {
			t.Fatalf("delivery order = %v, want [1 2 3]", order)
		}
	}
}

// TestPublishWithNoSubscribers verifies publishing into the void is safe.
func TestPublishWithNoSubscribers(t *testing.T) {
	bus := NewBus()
	bus.Publish(TopicSyncFailed, map[string]interface{}{"error": "none listening"})
}
