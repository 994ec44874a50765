// Package events fans out clinical workflow events to in-process
// subscribers and websocket clients. Delivery is best-effort: a slow
// subscriber loses events rather than blocking the publisher.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AllTopics subscribes to every topic.
const AllTopics = "*"

// Event is a workflow notification.
type Event struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Topic        string          `json:"topic"`
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId,omitempty"`
	ActorID      string          `json:"actorId,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event for a resource. data is marshalled to JSON; a
// value that cannot be marshalled is dropped.
func NewEvent(eventType, topic, resourceType, resourceID string, data any) Event {
	ev := Event{
		ID:           uuid.New().String(),
		Type:         eventType,
		Topic:        topic,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Timestamp:    time.Now().UTC(),
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	return ev
}

// Publisher publishes workflow events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event) error

func (f PublisherFunc) Publish(ctx context.Context, event Event) error { return f(ctx, event) }

// Subscriber receives encoded events on C until it is closed.
type Subscriber struct {
	ID string
	C  <-chan []byte

	send    chan []byte
	topics  map[string]struct{}
	dropped int
}

// Hub tracks subscribers by topic.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscriber]struct{}
	all    map[*Subscriber]struct{}
	buffer int
	logger zerolog.Logger
}

// NewHub creates a Hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		topics: make(map[string]map[*Subscriber]struct{}),
		all:    make(map[*Subscriber]struct{}),
		buffer: buffer,
		logger: logger.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a new subscriber for topics.
func (h *Hub) Subscribe(topics ...string) *Subscriber {
	send := make(chan []byte, h.buffer)
	s := &Subscriber{
		ID:     uuid.New().String(),
		C:      send,
		send:   send,
		topics: make(map[string]struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[s] = struct{}{}
	h.addTopicsLocked(s, topics)
	return s
}

func (h *Hub) addTopicsLocked(s *Subscriber, topics []string) {
	for _, t := range topics {
		if t == "" {
			continue
		}
		if h.topics[t] == nil {
			h.topics[t] = make(map[*Subscriber]struct{})
		}
		h.topics[t][s] = struct{}{}
		s.topics[t] = struct{}{}
	}
}

// AddTopics subscribes s to more topics.
func (h *Hub) AddTopics(s *Subscriber, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[s]; !ok {
		return
	}
	h.addTopicsLocked(s, topics)
}

// RemoveTopics unsubscribes s from topics.
func (h *Hub) RemoveTopics(s *Subscriber, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeTopicsLocked(s, topics)
}

func (h *Hub) removeTopicsLocked(s *Subscriber, topics []string) {
	for _, t := range topics {
		if subs, ok := h.topics[t]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(h.topics, t)
			}
		}
		delete(s.topics, t)
	}
}

// Unsubscribe removes s from the hub and closes its channel.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[s]; !ok {
		return
	}
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	h.removeTopicsLocked(s, topics)
	delete(h.all, s)
	close(s.send)
}

// Publish delivers event to subscribers of its topic and of AllTopics. It
// never blocks and never fails for delivery reasons.
func (h *Hub) Publish(_ context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := make(map[*Subscriber]struct{})
	for _, topic := range []string{event.Topic, AllTopics} {
		for s := range h.topics[topic] {
			if _, done := delivered[s]; done {
				continue
			}
			delivered[s] = struct{}{}
			select {
			case s.send <- data:
			default:
				s.dropped++
				h.logger.Warn().
					Str("subscriber", s.ID).
					Str("event_type", event.Type).
					Int("dropped", s.dropped).
					Msg("subscriber buffer full, event dropped")
			}
		}
	}
	return nil
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of subscribers on topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
