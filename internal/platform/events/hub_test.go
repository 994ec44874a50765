package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func receive(t *testing.T, s *Subscriber) Event {
	t.Helper()
	select {
	case raw, ok := <-s.C:
		if !ok {
			t.Fatal("subscriber channel closed")
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func expectNothing(t *testing.T, s *Subscriber) {
	t.Helper()
	select {
	case raw := <-s.C:
		t.Fatalf("unexpected event %s", raw)
	default:
	}
}

func TestHub_PublishToTopic(t *testing.T) {
	hub := NewHub(8, zerolog.Nop())
	a := hub.Subscribe("session/1")
	b := hub.Subscribe("session/2")

	ev := NewEvent("addendum.created", "session/1", "session_addendum", "add-1", map[string]int{"sequence": 1})
	if err := hub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := receive(t, a)
	if got.Type != "addendum.created" || got.ResourceID != "add-1" || got.ID != ev.ID {
		t.Errorf("unexpected event %+v", got)
	}
	var data map[string]int
	if err := json.Unmarshal(got.Data, &data); err != nil || data["sequence"] != 1 {
		t.Errorf("unexpected data %s (%v)", got.Data, err)
	}
	expectNothing(t, b)
}

func TestHub_AllTopicsReceivesEverythingOnce(t *testing.T) {
	hub := NewHub(8, zerolog.Nop())
	all := hub.Subscribe(AllTopics, "session/1")

	_ = hub.Publish(context.Background(), Event{Type: "session.voided", Topic: "session/1"})
	_ = hub.Publish(context.Background(), Event{Type: "session.signed", Topic: "session/9"})

	first := receive(t, all)
	second := receive(t, all)
	if first.Type != "session.voided" || second.Type != "session.signed" {
		t.Errorf("unexpected order %s, %s", first.Type, second.Type)
	}
	expectNothing(t, all)
}

func TestHub_PublishFillsIDAndTimestamp(t *testing.T) {
	hub := NewHub(1, zerolog.Nop())
	s := hub.Subscribe("t")
	_ = hub.Publish(context.Background(), Event{Type: "x", Topic: "t"})
	got := receive(t, s)
	if got.ID == "" || got.Timestamp.IsZero() {
		t.Errorf("expected id and timestamp, got %+v", got)
	}
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(1, zerolog.Nop())
	s := hub.Subscribe("t")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			_ = hub.Publish(context.Background(), Event{Type: "x", Topic: "t"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	receive(t, s)
	expectNothing(t, s)
}

func TestHub_AddRemoveTopics(t *testing.T) {
	hub := NewHub(8, zerolog.Nop())
	s := hub.Subscribe()
	if hub.TopicCount("session/1") != 0 {
		t.Fatal("expected no subscribers")
	}

	hub.AddTopics(s, "session/1", "session/2")
	if hub.TopicCount("session/1") != 1 || hub.TopicCount("session/2") != 1 {
		t.Fatal("expected subscriptions to be added")
	}

	hub.RemoveTopics(s, "session/1")
	if hub.TopicCount("session/1") != 0 || hub.TopicCount("session/2") != 1 {
		t.Fatal("expected session/1 to be removed only")
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(8, zerolog.Nop())
	s := hub.Subscribe("a", "b")
	hub.Unsubscribe(s)
	hub.Unsubscribe(s)

	if hub.SubscriberCount() != 0 || hub.TopicCount("a") != 0 || hub.TopicCount("b") != 0 {
		t.Fatal("expected subscriber fully removed")
	}
	if _, ok := <-s.C; ok {
		t.Fatal("expected closed channel")
	}

	hub.AddTopics(s, "c")
	if hub.TopicCount("c") != 0 {
		t.Error("AddTopics on removed subscriber should be ignored")
	}
	if err := hub.Publish(context.Background(), Event{Topic: "a"}); err != nil {
		t.Errorf("Publish after unsubscribe: %v", err)
	}
}

func TestHub_ConcurrentUse(t *testing.T) {
	hub := NewHub(256, zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := hub.Subscribe("session/1")
			hub.AddTopics(s, AllTopics)
			hub.Unsubscribe(s)
		}()
		go func() {
			defer wg.Done()
			_ = hub.Publish(context.Background(), Event{Type: "x", Topic: "session/1"})
		}()
	}
	wg.Wait()
	if hub.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", hub.SubscriberCount())
	}
}

func TestPublisherFunc(t *testing.T) {
	var got Event
	var p Publisher = PublisherFunc(func(_ context.Context, ev Event) error {
		got = ev
		return nil
	})
	_ = p.Publish(context.Background(), Event{Type: "y"})
	if got.Type != "y" {
		t.Errorf("unexpected event %+v", got)
	}
}

func TestNewEvent_UnmarshallableDataDropped(t *testing.T) {
	ev := NewEvent("x", "t", "r", "id", make(chan int))
	if ev.Data != nil {
		t.Errorf("expected no data, got %s", ev.Data)
	}
}
