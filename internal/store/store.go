// Package store persists jobs, their sealed step history, and the
// per-job ownership leases that keep two workers from ever executing
// the same job concurrently. Backends: in-memory (tests, dev) and
// SQLite.
package store

import (
	"context"
	"time"

	"github.com/conveyorhq/conveyor/internal/job"
	"github.com/conveyorhq/conveyor/internal/xerr"
)

// Store is the durable record of every automation job. All mutations
// are atomic per job id; jobs are independent, so no cross-job locking
// exists anywhere in the contract.
//
// Mutating calls except Create and RequestCancel require the worker
// token of the current lease holder and fail with LEASE_EXPIRED
// otherwise.
type Store interface {
	// Create inserts a new job in status pending. CONFLICT if the id
	// already exists.
	Create(ctx context.Context, j *job.Job) error

	// Get returns a snapshot of the job. NOT_FOUND if unknown.
	Get(ctx context.Context, id string) (*job.Job, error)

	// TryAcquire atomically takes the ownership lease for the job if no
	// live lease exists, and returns a snapshot. CONFLICT if another
	// worker holds a non-expired lease.
	TryAcquire(ctx context.Context, id, workerToken string, ttl time.Duration) (*job.Job, error)

	// Renew extends the lease. LEASE_EXPIRED if the token no longer
	// holds it.
	Renew(ctx context.Context, id, workerToken string, ttl time.Duration) error

	// Release drops the lease if the token holds it. Releasing an
	// already-lost lease is not an error.
	Release(ctx context.Context, id, workerToken string) error

	// AppendStep appends one sealed step and merges contextUpdates into
	// the job context. The step index must equal the current step
	// count, and no existing context key is ever overwritten.
	AppendStep(ctx context.Context, id, workerToken string, s job.Step, contextUpdates map[string]any) error

	// UpdateStatus applies a non-terminal transition after validating
	// it against the state machine. INVALID_TRANSITION otherwise.
	UpdateStatus(ctx context.Context, id, workerToken string, next job.Status) error

	// MarkSucceeded records the final result and moves the job to
	// succeeded, releasing the lease.
	MarkSucceeded(ctx context.Context, id, workerToken string, result map[string]any) error

	// MarkFailed records the originating error verbatim and moves the
	// job to failed, releasing the lease.
	MarkFailed(ctx context.Context, id, workerToken string, code xerr.Code, message string) error

	// MarkCancelled moves the job to cancelled, releasing the lease.
	MarkCancelled(ctx context.Context, id, workerToken string) error

	// RequestCancel flags the job for cooperative cancellation. The
	// flag is observed by the owning worker at the next step boundary.
	RequestCancel(ctx context.Context, id string) error

	// ListByStatus returns up to limit jobs in the given status,
	// oldest first.
	ListByStatus(ctx context.Context, status job.Status, limit int) ([]*job.Job, error)

	// ExpiredLeases returns ids of non-terminal jobs whose lease has
	// expired, for the reaper to requeue.
	ExpiredLeases(ctx context.Context, now time.Time) ([]string, error)

	// Prune deletes terminal jobs not updated since cutoff and returns
	// the ids removed.
	Prune(ctx context.Context, cutoff time.Time) ([]string, error)

	Close() error
}

// Lease is the time-bounded ownership token for one job.
type Lease struct {
	Token     string
	ExpiresAt time.Time
}

func (l Lease) Live(now time.Time) bool {
	return l.Token != "" && now.Before(l.ExpiresAt)
}
