package services

import (
	"log/slog"
	"sync"
)

type EventType string

const (
	EventTypeSession EventType = "session" // session lifecycle (SESSION_COMPLETE, paused, ...)
	EventTypeTarget  EventType = "target"  // per-target status changes
	EventTypeAskUser EventType = "ask_user"
	EventTypeLog     EventType = "log"
)

// BroadcastChannel receives every event in addition to its keyed channel.
const BroadcastChannel = "broadcast"

type Event struct {
	Channel   string // target ID or BroadcastChannel
	Type      EventType
	Data      string // JSON payload or raw text
	Timestamp int64
}

type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[string][]chan Event
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]chan Event),
	}
}

// Subscribe returns a channel that receives events for a specific channel key
func (b *EventBus) Subscribe(channel string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100) // Buffer to prevent blocking publisher
	b.subs[channel] = append(b.subs[channel], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subscribers := b.subs[channel]
		for i, sub := range subscribers {
			if sub == ch {
				close(ch)
				b.subs[channel] = append(subscribers[:i], subscribers[i+1:]...)
				break
			}
		}
		if len(b.subs[channel]) == 0 {
			delete(b.subs, channel)
		}
	}

	return ch, unsub
}

// Publish sends an event to the keyed subscribers and the broadcast channel
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.deliver(e.Channel, e)
	if e.Channel != BroadcastChannel {
		b.deliver(BroadcastChannel, e)
	}
}

func (b *EventBus) deliver(key string, e Event) {
	for _, ch := range b.subs[key] {
		select {
		case ch <- e:
		default:
			// If channel is full, drop event to prevent blocking application
			b.logger.Warn("event bus channel full, dropping event", "channel", key)
		}
	}
}
