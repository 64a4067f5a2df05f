package scheduling

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// EventType names a state change the engine reports. Display (push,
// toast) belongs to whoever subscribes.
type EventType string

const (
	EventSubmitted  EventType = "request.submitted"
	EventApproved   EventType = "request.approved"
	EventWaitlisted EventType = "request.waitlisted"
	EventDenied     EventType = "request.denied"
	EventCancelled  EventType = "request.cancelled"
	EventImported   EventType = "request.imported"
	EventStaged     EventType = "staged.created"
	EventPromoted   EventType = "staged.promoted"
)

type Event struct {
	Type             EventType
	At               time.Time
	RequestID        RequestID
	StagedID         StagedID
	PIN              PIN
	Key              SlotKey
	From             RequestStatus
	To               RequestStatus
	WaitlistPosition int
}

// Publisher receives engine events after the writes they describe committed.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

type EventHandlerFunc func(Event)

// EventBus fans events out to subscribers synchronously.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]EventHandlerFunc
	all         []EventHandlerFunc
	logger      *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]EventHandlerFunc),
		logger:      loggerOrDiscard(logger),
	}
}

// Subscribe registers fn for one type, or for every type when t is empty.
func (b *EventBus) Subscribe(t EventType, fn EventHandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t == "" {
		b.all = append(b.all, fn)
		return
	}
	b.subscribers[t] = append(b.subscribers[t], fn)
}

func (b *EventBus) Publish(_ context.Context, evt Event) {
	b.mu.RLock()
	handlers := append([]EventHandlerFunc{}, b.subscribers[evt.Type]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	b.logger.Debug("event",
		"type", string(evt.Type),
		"request_id", string(evt.RequestID),
		"key", evt.Key.String(),
		"to", string(evt.To),
	)
	for _, h := range handlers {
		h(evt)
	}
}

type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, Event) {}

func loggerOrDiscard(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
