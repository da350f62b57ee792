package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one thing that happened during a run, in a shape suitable
// for streaming to a UI or an external consumer.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type, one of the EventType constants.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the associated run, if any.
	RunID string `json:"run_id,omitempty"`

	// PlanID is the associated plan identity, if any.
	PlanID string `json:"plan_id,omitempty"`

	// Wave is the wave index, if applicable.
	Wave int `json:"wave,omitempty"`

	// ResourceID is the associated resource, if any.
	ResourceID string `json:"resource_id,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Level is info, warning or error.
	Level string `json:"level"`

	// Data carries event-specific details.
	Data map[string]interface{} `json:"data,omitempty"`
}

const (
	EventTypeRunStarted      = "run.started"
	EventTypeRunCompleted    = "run.completed"
	EventTypeRunFailed       = "run.failed"
	EventTypeRunRolledBack   = "run.rolled_back"
	EventTypeWaveStarted     = "wave.started"
	EventTypeWaveCompleted   = "wave.completed"
	EventTypeChangeStarted   = "change.started"
	EventTypeChangeCompleted = "change.completed"
	EventTypeChangeFailed    = "change.failed"
	EventTypeChangeSkipped   = "change.skipped"
	EventTypePolicyViolation = "policy.violation"
	EventTypeBreakerChanged  = "breaker.state_changed"
)

const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles delivered events. Subscribers run on the
// publisher's delivery goroutine, so a slow subscriber delays the
// others but never the publishing side.
type EventSubscriber func(event Event)

// EventFilter decides whether a subscriber sees an event.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers through a bounded
// buffer. Publishing never blocks: when the buffer is full the event
// is dropped and the caller told.
type EventPublisher struct {
	config EventsConfig
	buffer chan Event

	mu          sync.RWMutex
	subscribers []subscriberEntry

	cancel context.CancelFunc
	done   chan struct{}
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates the publisher and starts its delivery
// goroutine. A disabled configuration yields a publisher whose
// Publish is a no-op.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive")
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go ep.deliver(ctx)

	return ep, nil
}

// Subscribe registers a subscriber. A nil filter receives everything.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// Publish queues an event for delivery.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event dropped")
	}
}

func (ep *EventPublisher) deliver(ctx context.Context) {
	defer close(ep.done)
	for {
		select {
		case event := <-ep.buffer:
			ep.mu.RLock()
			subs := ep.subscribers
			ep.mu.RUnlock()
			for _, entry := range subs {
				if entry.filter != nil && !entry.filter(event) {
					continue
				}
				entry.subscriber(event)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops delivery. Events still in the buffer are discarded.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}
	ep.cancel()
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// PublishRunStarted announces a new run.
func (ep *EventPublisher) PublishRunStarted(runID, environment string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "engine",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s started in %s", runID, environment),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"environment": environment},
	})
}

// PublishRunCompleted announces a finished run and its status.
func (ep *EventPublisher) PublishRunCompleted(runID, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "engine",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s completed with status: %s", runID, status),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishRunFailed announces a run that did not complete.
func (ep *EventPublisher) PublishRunFailed(runID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		Source:  "engine",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s failed: %s", runID, reason),
		Level:   EventLevelError,
		Data:    map[string]interface{}{"reason": reason},
	})
}

// PublishWaveStarted announces the start of a wave.
func (ep *EventPublisher) PublishWaveStarted(runID string, wave, changes int) error {
	return ep.Publish(Event{
		Type:    EventTypeWaveStarted,
		Source:  "engine",
		RunID:   runID,
		Wave:    wave,
		Message: fmt.Sprintf("Wave %d started (%d changes)", wave, changes),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"changes": changes},
	})
}

// PublishWaveCompleted announces a finished wave and its tally.
func (ep *EventPublisher) PublishWaveCompleted(runID string, wave, succeeded, failed int) error {
	level := EventLevelInfo
	if failed > 0 {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypeWaveCompleted,
		Source:  "engine",
		RunID:   runID,
		Wave:    wave,
		Message: fmt.Sprintf("Wave %d completed: %d succeeded, %d failed", wave, succeeded, failed),
		Level:   level,
		Data: map[string]interface{}{
			"succeeded": succeeded,
			"failed":    failed,
		},
	})
}

// PublishChangeStarted announces one resource change starting.
func (ep *EventPublisher) PublishChangeStarted(runID, resourceID, action string, wave int) error {
	return ep.Publish(Event{
		Type:       EventTypeChangeStarted,
		Source:     "engine",
		RunID:      runID,
		ResourceID: resourceID,
		Wave:       wave,
		Message:    fmt.Sprintf("%s %s started", action, resourceID),
		Level:      EventLevelInfo,
		Data:       map[string]interface{}{"action": action},
	})
}

// PublishChangeCompleted announces one resource change finishing.
func (ep *EventPublisher) PublishChangeCompleted(runID, resourceID, action string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:       EventTypeChangeCompleted,
		Source:     "engine",
		RunID:      runID,
		ResourceID: resourceID,
		Message:    fmt.Sprintf("%s %s completed", action, resourceID),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"action":   action,
			"duration": duration.Seconds(),
		},
	})
}

// PublishChangeFailed announces one resource change failing.
func (ep *EventPublisher) PublishChangeFailed(runID, resourceID, action, reason string) error {
	return ep.Publish(Event{
		Type:       EventTypeChangeFailed,
		Source:     "engine",
		RunID:      runID,
		ResourceID: resourceID,
		Message:    fmt.Sprintf("%s %s failed: %s", action, resourceID, reason),
		Level:      EventLevelError,
		Data: map[string]interface{}{
			"action": action,
			"reason": reason,
		},
	})
}

// PublishBreakerChanged announces a circuit breaker transition.
func (ep *EventPublisher) PublishBreakerChanged(provisioner, from, to string) error {
	level := EventLevelInfo
	if to == "open" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypeBreakerChanged,
		Source:  "engine",
		Message: fmt.Sprintf("Circuit breaker for %s moved from %s to %s", provisioner, from, to),
		Level:   level,
		Data: map[string]interface{}{
			"provisioner": provisioner,
			"from":        from,
			"to":          to,
		},
	})
}

// PublishPolicyViolation announces a denied plan.
func (ep *EventPublisher) PublishPolicyViolation(planID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy",
		PlanID:  planID,
		Message: fmt.Sprintf("Policy violation on plan %s: %s - %s", planID, policyName, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// FilterByLevel passes events at or above the given level.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	min := levels[minLevel]
	return func(event Event) bool {
		return levels[event.Level] >= min
	}
}

// FilterByType passes only the named event types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event Event) bool {
		return set[event.Type]
	}
}
