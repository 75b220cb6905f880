// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (dispatch, control,
// bounce, the task engine, the mail poller) to subscribers (the status
// dashboard's WebSocket handler, future metrics collectors). The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceDispatch identifies events from the package mail dispatch
	// engine.
	SourceDispatch = "dispatch"
	// SourceControl identifies events from the control-command processor.
	SourceControl = "control"
	// SourceBounce identifies events from the bounce-threshold engine.
	SourceBounce = "bounce"
	// SourceTaskEngine identifies events from the task DAG engine.
	SourceTaskEngine = "taskengine"
	// SourceEmail identifies events from the email poller.
	SourceEmail = "email"
	// SourceScheduler identifies events from the job scheduler.
	SourceScheduler = "scheduler"
	// SourceWeb identifies events from the status dashboard.
	SourceWeb = "web"
)

// Kind constants describe the type of event within a source.
const (
	// KindMailReceived signals an inbound message was pulled off an
	// IMAP account. Data: account, message_id, from.
	KindMailReceived = "mail_received"
	// KindMailClassified signals a package message was assigned a
	// keyword. Data: package, keyword, message_id.
	KindMailClassified = "mail_classified"
	// KindMailDispatched signals a package message was relayed to its
	// subscribers. Data: package, keyword, recipients.
	KindMailDispatched = "mail_dispatched"
	// KindMailRejected signals a package message was dropped without
	// dispatch (e.g. loop detected, no subscribers). Data: package,
	// reason.
	KindMailRejected = "mail_rejected"

	// KindCommandReceived signals a control command message arrived.
	// Data: from, lines.
	KindCommandReceived = "command_received"
	// KindCommandProcessed signals a control command finished running.
	// Data: command, from, ok.
	KindCommandProcessed = "command_processed"

	// KindBounceRecorded signals a single bounce was attributed to a
	// subscriber. Data: address, package.
	KindBounceRecorded = "bounce_recorded"
	// KindThresholdCrossed signals a subscriber's bounce ratio crossed
	// the configured threshold. Data: address, ratio, window_days.
	KindThresholdCrossed = "threshold_crossed"
	// KindUnsubscribed signals a subscriber's subscriptions were
	// removed or deactivated due to bouncing. Data: address, delete.
	KindUnsubscribed = "unsubscribed"

	// KindPollStart signals the start of an email poll cycle.
	// Data: accounts.
	KindPollStart = "poll_start"
	// KindPollComplete signals the end of an email poll cycle.
	// Data: new_messages, accounts.
	KindPollComplete = "poll_complete"

	// KindTaskFired signals a task in the dependency graph has begun
	// executing. Data: job_id, task_name.
	KindTaskFired = "task_fired"
	// KindTaskComplete signals a task has finished executing.
	// Data: job_id, task_name, ok, duration_ms.
	KindTaskComplete = "task_complete"
	// KindJobCheckpoint signals a job's progress was checkpointed to
	// storage, allowing it to resume after a crash. Data: job_id,
	// completed_tasks.
	KindJobCheckpoint = "job_checkpoint"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
