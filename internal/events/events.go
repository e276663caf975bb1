// Package events is the in-process progress feed. The orchestrator
// publishes one event per step and per status change; consumers (the
// API stream, the dashboard poller) subscribe per job and receive the
// full backlog first, then live events until the job reaches a
// terminal state.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/internal/job"
)

type Type string

const (
	TypeStep   Type = "step"
	TypeStatus Type = "status"
)

// Event is one progress notification for a job.
type Event struct {
	Seq       int        `json:"seq"`
	JobID     string     `json:"job_id"`
	Type      Type       `json:"type"`
	Status    job.Status `json:"status,omitempty"`
	Step      *job.Step  `json:"step,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Terminal reports whether this event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == TypeStatus && e.Status.IsTerminal()
}

type jobLog struct {
	events []Event
	notify chan struct{} // closed and replaced on every append
	done   bool
}

// Broker keeps an append-only event log per job.
type Broker struct {
	mu   sync.Mutex
	logs map[string]*jobLog
}

func NewBroker() *Broker {
	return &Broker{logs: make(map[string]*jobLog)}
}

// Publish appends an event to the job's log and wakes all waiting
// subscribers. Events published after a terminal event are dropped.
func (b *Broker) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.logs[e.JobID]
	if l == nil {
		l = &jobLog{notify: make(chan struct{})}
		b.logs[e.JobID] = l
	}
	if l.done {
		return
	}
	e.Seq = len(l.events)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	l.events = append(l.events, e)
	if e.Terminal() {
		l.done = true
	}
	close(l.notify)
	l.notify = make(chan struct{})
}

// Subscription iterates a job's events from the beginning: backlog
// first, then live events, ending after the terminal event.
type Subscription struct {
	broker *Broker
	jobID  string
	cursor int
}

// Subscribe returns a subscription positioned before the first event.
// Subscribing to a job with existing history replays it.
func (b *Broker) Subscribe(jobID string) *Subscription {
	return &Subscription{broker: b, jobID: jobID}
}

// Next blocks until the next event is available or ctx is done.
// Returns ok=false once the terminal event has been consumed.
func (s *Subscription) Next(ctx context.Context) (Event, bool, error) {
	for {
		s.broker.mu.Lock()
		l := s.broker.logs[s.jobID]
		if l == nil {
			l = &jobLog{notify: make(chan struct{})}
			s.broker.logs[s.jobID] = l
		}
		if s.cursor < len(l.events) {
			e := l.events[s.cursor]
			s.cursor++
			s.broker.mu.Unlock()
			return e, true, nil
		}
		if l.done {
			s.broker.mu.Unlock()
			return Event{}, false, nil
		}
		notify := l.notify
		s.broker.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return Event{}, false, ctx.Err()
		}
	}
}

// Snapshot returns a copy of the backlog recorded so far.
func (b *Broker) Snapshot(jobID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.logs[jobID]
	if l == nil {
		return nil
	}
	return append([]Event(nil), l.events...)
}

// Drop removes a finished job's log. Used by maintenance pruning.
func (b *Broker) Drop(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.logs, jobID)
}
