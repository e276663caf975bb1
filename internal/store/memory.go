package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/internal/job"
	"github.com/conveyorhq/conveyor/internal/xerr"
)

// Memory keeps all jobs in process memory. Used in tests and for
// single-node development runs.
type Memory struct {
	mu     sync.Mutex
	jobs   map[string]*job.Job
	leases map[string]Lease
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs:   make(map[string]*job.Job),
		leases: make(map[string]Lease),
		now:    time.Now,
	}
}

// SetClock overrides the time source, for lease-expiry tests.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Create(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j == nil || j.ID == "" {
		return xerr.New(xerr.CodeInvalidArguments, "job id is required")
	}
	if _, exists := m.jobs[j.ID]; exists {
		return xerr.Newf(xerr.CodeConflict, "job %s already exists", j.ID)
	}
	now := m.now()
	clone := j.Clone()
	if clone.Status == "" {
		clone.Status = job.StatusPending
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	m.jobs[j.ID] = clone
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, xerr.Newf(xerr.CodeNotFound, "job %s not found", id)
	}
	return j.Clone(), nil
}

func (m *Memory) TryAcquire(_ context.Context, id, workerToken string, ttl time.Duration) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, xerr.Newf(xerr.CodeNotFound, "job %s not found", id)
	}
	now := m.now()
	if lease := m.leases[id]; lease.Live(now) && lease.Token != workerToken {
		return nil, xerr.Newf(xerr.CodeConflict, "job %s is owned by another worker", id)
	}
	m.leases[id] = Lease{Token: workerToken, ExpiresAt: now.Add(ttl)}
	return j.Clone(), nil
}

func (m *Memory) Renew(_ context.Context, id, workerToken string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	lease := m.leases[id]
	if !lease.Live(now) || lease.Token != workerToken {
		return xerr.Newf(xerr.CodeLeaseExpired, "job %s: lease not held by this worker", id)
	}
	m.leases[id] = Lease{Token: workerToken, ExpiresAt: now.Add(ttl)}
	return nil
}

func (m *Memory) Release(_ context.Context, id, workerToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leases[id].Token == workerToken {
		delete(m.leases, id)
	}
	return nil
}

func (m *Memory) AppendStep(_ context.Context, id, workerToken string, s job.Step, contextUpdates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.owned(id, workerToken)
	if err != nil {
		return err
	}
	if s.Index != len(j.Steps) {
		return xerr.Newf(xerr.CodeConflict, "job %s: step index %d, expected %d", id, s.Index, len(j.Steps))
	}
	for key := range contextUpdates {
		if _, exists := j.Context[key]; exists {
			return xerr.Newf(xerr.CodeConflict, "job %s: context key %q already set", id, key)
		}
	}
	j.Steps = append(j.Steps, s)
	j.Attempts = len(j.Steps)
	if len(contextUpdates) > 0 {
		if j.Context == nil {
			j.Context = make(map[string]any, len(contextUpdates))
		}
		for k, v := range contextUpdates {
			j.Context[k] = v
		}
	}
	j.UpdatedAt = m.now()
	return nil
}

func (m *Memory) UpdateStatus(_ context.Context, id, workerToken string, next job.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.owned(id, workerToken)
	if err != nil {
		return err
	}
	return m.transition(j, next)
}

func (m *Memory) MarkSucceeded(_ context.Context, id, workerToken string, result map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.owned(id, workerToken)
	if err != nil {
		return err
	}
	if err := m.transition(j, job.StatusSucceeded); err != nil {
		return err
	}
	j.Result = result
	j.LastError = ""
	j.LastErrorCode = ""
	delete(m.leases, id)
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, id, workerToken string, code xerr.Code, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.owned(id, workerToken)
	if err != nil {
		return err
	}
	if err := m.transition(j, job.StatusFailed); err != nil {
		return err
	}
	j.LastError = message
	j.LastErrorCode = string(code)
	delete(m.leases, id)
	return nil
}

func (m *Memory) MarkCancelled(_ context.Context, id, workerToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.owned(id, workerToken)
	if err != nil {
		return err
	}
	if err := m.transition(j, job.StatusCancelled); err != nil {
		return err
	}
	delete(m.leases, id)
	return nil
}

func (m *Memory) RequestCancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return xerr.Newf(xerr.CodeNotFound, "job %s not found", id)
	}
	if j.Status.IsTerminal() {
		return xerr.Newf(xerr.CodeConflict, "job %s already %s", id, j.Status)
	}
	j.CancelRequested = true
	j.UpdatedAt = m.now()
	return nil
}

func (m *Memory) ListByStatus(_ context.Context, status job.Status, limit int) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*job.Job
	for _, j := range m.jobs {
		if j.Status == status {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ExpiredLeases(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, lease := range m.leases {
		j, ok := m.jobs[id]
		if !ok || j.Status.IsTerminal() {
			continue
		}
		if !lease.Live(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) Prune(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, j := range m.jobs {
		if j.Status.IsTerminal() && j.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(m.jobs, id)
		delete(m.leases, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) Close() error { return nil }

// owned returns the live job record if workerToken holds its lease.
func (m *Memory) owned(id, workerToken string) (*job.Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, xerr.Newf(xerr.CodeNotFound, "job %s not found", id)
	}
	lease := m.leases[id]
	if !lease.Live(m.now()) || lease.Token != workerToken {
		return nil, xerr.Newf(xerr.CodeLeaseExpired, "job %s: lease not held by this worker", id)
	}
	return j, nil
}

func (m *Memory) transition(j *job.Job, next job.Status) error {
	if !job.CanTransition(j.Status, next) {
		return xerr.Newf(xerr.CodeInvalidTransition, "job %s: %s -> %s is not a legal transition", j.ID, j.Status, next)
	}
	j.Status = next
	j.UpdatedAt = m.now()
	return nil
}

var _ Store = (*Memory)(nil)
