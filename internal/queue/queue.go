// Package queue distributes job ids to orchestrator workers. The queue
// carries only ids; all job state lives in the store, so a lost or
// duplicated delivery is harmless, the lease decides who executes.
package queue

import "context"

// Handler processes one dequeued job id.
type Handler func(ctx context.Context, jobID string) error

// Producer enqueues a job id for execution.
type Producer interface {
	Publish(ctx context.Context, jobID string) error
}

// Consumer runs workerCount workers that pull job ids and invoke the
// handler. Consume blocks until the context is cancelled or a worker
// fails fatally.
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
}

// Queue is both ends of the work distribution channel.
type Queue interface {
	Producer
	Consumer
	Close() error
}
