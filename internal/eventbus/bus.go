// Package eventbus fans execution/step lifecycle events out to zero or more
// publishers: a webhook publisher with signed, retried HTTP delivery, and a
// live-stream publisher serving WebSocket subscribers. The concurrent,
// fault-isolated fan-out is adapted from the control-plane notify
// service's DispatchAll, which dispatches to every tool and channel in its
// own goroutine and never lets one failing destination affect another.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType names a lifecycle event the engine may publish.
type EventType string

const (
	EventProcessStarted      EventType = "process_started"
	EventProcessCompleted    EventType = "process_completed"
	EventProcessFailed       EventType = "process_failed"
	EventProcessCancelled    EventType = "process_cancelled"
	EventStepStarted         EventType = "step_started"
	EventStepCompleted       EventType = "step_completed"
	EventStepFailed          EventType = "step_failed"
	EventStepRetrying        EventType = "step_retrying"
	EventStepSkipped         EventType = "step_skipped"
	EventStepWaitingApproval EventType = "step_waiting_approval"
	EventApprovalRequested   EventType = "approval_requested"
	EventApprovalDecided     EventType = "approval_decided"
	EventCompensationStarted   EventType = "compensation_started"
	EventCompensationCompleted EventType = "compensation_completed"
	EventCompensationFailed    EventType = "compensation_failed"
	EventInformedNotification  EventType = "informed_notification"
)

// Event is the payload delivered to every publisher.
type Event struct {
	Type        EventType      `json:"type"`
	ExecutionID string         `json:"execution_id"`
	ProcessName string         `json:"process_name"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// New builds an Event with the timestamp set to now.
func New(eventType EventType, executionID, processName string, payload map[string]any) Event {
	return Event{
		Type:        eventType,
		ExecutionID: executionID,
		ProcessName: processName,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
}

// Publisher delivers an Event to one destination kind. A publisher that
// only cares about some event types should filter inside Publish and
// return nil for the rest.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, evt Event) error
}

// publisherQueueSize bounds how many undelivered events a slow publisher
// may have outstanding before the bus starts dropping events for that
// publisher (and only that publisher).
const publisherQueueSize = 256

// Bus fans events out to the registered publishers. Each publisher owns a
// buffered queue drained by a dedicated worker goroutine — the same
// per-destination queue shape the live-stream hub uses for its clients —
// so Publish only enqueues and returns. A slow or dead destination (a
// webhook endpoint mid-outage, say) can never stall the engine's
// scheduling loop; it can only fill, then overflow, its own queue.
type Bus struct {
	mu      sync.RWMutex
	workers []*busWorker
}

type busWorker struct {
	pub Publisher
	ch  chan Event
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Register adds a publisher and starts its delivery worker. Registration
// only happens at startup wiring time.
func (b *Bus) Register(p Publisher) {
	w := &busWorker{pub: p, ch: make(chan Event, publisherQueueSize)}
	go w.run()
	b.mu.Lock()
	b.workers = append(b.workers, w)
	b.mu.Unlock()
}

// Publish enqueues evt for every registered publisher and returns
// immediately. Delivery is fire-and-forget from the producer's
// perspective: a publisher whose queue is full has the event dropped and
// logged rather than backpressuring the producer. Per-publisher delivery
// order matches publish order (one worker per publisher).
func (b *Bus) Publish(_ context.Context, evt Event) {
	b.mu.RLock()
	workers := make([]*busWorker, len(b.workers))
	copy(workers, b.workers)
	b.mu.RUnlock()

	for _, w := range workers {
		select {
		case w.ch <- evt:
		default:
			log.Warn().Str("publisher", w.pub.Name()).Str("event", string(evt.Type)).
				Str("execution", evt.ExecutionID).Msg("publisher queue full, dropping event")
		}
	}
}

func (w *busWorker) run() {
	for evt := range w.ch {
		w.deliver(evt)
	}
}

// deliver invokes one publisher inside a fault boundary: an error is
// logged, a panic is recovered, and neither affects other publishers or
// the producer.
func (w *busWorker) deliver(evt Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("publisher", w.pub.Name()).
				Str("event", string(evt.Type)).Msg("event publisher panicked")
		}
	}()
	if err := w.pub.Publish(context.Background(), evt); err != nil {
		log.Warn().Err(err).Str("publisher", w.pub.Name()).Str("event", string(evt.Type)).
			Str("execution", evt.ExecutionID).Msg("event publish failed")
	}
}
