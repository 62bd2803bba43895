package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sagaflow/sagaflow/pkg/engine"
)

// Event is an engine event stamped with a unique id on publication.
type Event struct {
	ID string `json:"id"`
	engine.Event
}

// EventSubscriber handles a delivered event.
type EventSubscriber func(ctx context.Context, event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans engine events out to subscribers. It implements
// engine.EventSink and never blocks the executor: in async mode events go
// through a bounded buffer and overflow is dropped.
type EventPublisher struct {
	config EventsConfig
	logger zerolog.Logger

	mu          sync.RWMutex
	subscribers []subscriberEntry
	filters     []EventFilter
	closed      bool

	buffer  chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

var _ engine.EventSink = (*EventPublisher)(nil)

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig, logger zerolog.Logger) (*EventPublisher, error) {
	ep := &EventPublisher{
		config: cfg,
		logger: logger.With().Str("component", "events").Logger(),
		done:   make(chan struct{}),
	}
	if !cfg.Enabled {
		return ep, nil
	}

	if cfg.EnableAsync {
		if cfg.BufferSize <= 0 {
			return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
		}
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish implements engine.EventSink.
func (ep *EventPublisher) Publish(ctx context.Context, event engine.Event) {
	if !ep.config.Enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	ev := Event{ID: uuid.NewString(), Event: event}

	ep.mu.RLock()
	defer ep.mu.RUnlock()

	if ep.closed {
		return
	}
	for _, filter := range ep.filters {
		if !filter(ev) {
			return
		}
	}

	if ep.buffer == nil {
		ep.deliver(ctx, ev, ep.subscribers)
		return
	}

	select {
	case ep.buffer <- ev:
	default:
		ep.dropped.Add(1)
		ep.logger.Warn().
			Str("type", string(ev.Type)).
			Str("run_id", ev.RunID).
			Msg("Event buffer full, event dropped")
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (ep *EventPublisher) Dropped() int64 {
	return ep.dropped.Load()
}

// Subscribe adds a subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events in publication order.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case ev := <-ep.buffer:
			ep.deliverAsync(ev)
		case <-ep.done:
			for {
				select {
				case ev := <-ep.buffer:
					ep.deliverAsync(ev)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverAsync(ev Event) {
	ep.mu.RLock()
	subscribers := ep.subscribers
	ep.mu.RUnlock()
	ep.deliver(context.Background(), ev, subscribers)
}

func (ep *EventPublisher) deliver(ctx context.Context, ev Event, subscribers []subscriberEntry) {
	for _, entry := range subscribers {
		if entry.filter != nil && !entry.filter(ev) {
			continue
		}
		entry.subscriber(ctx, ev)
	}
}

// Shutdown stops accepting events and waits for buffered events to be
// delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	ep.mu.Unlock()

	close(ep.done)

	finished := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByType only allows events of the given types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}

// FilterBySmartCode only allows events for a specific orchestration.
func FilterBySmartCode(smartCode string) EventFilter {
	return func(event Event) bool {
		return event.SmartCode == smartCode
	}
}
