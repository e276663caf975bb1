// Package orchestrator drives jobs from pending to a terminal status.
// A pool of workers consumes job ids from the queue; each worker takes
// the job's lease, then alternates between asking the decision policy
// for the next action and executing it, applying retry, timeout, and
// cancellation rules at every step boundary.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/executor"
	"github.com/conveyorhq/conveyor/internal/job"
	"github.com/conveyorhq/conveyor/internal/metrics"
	"github.com/conveyorhq/conveyor/internal/policy"
	"github.com/conveyorhq/conveyor/internal/queue"
	"github.com/conveyorhq/conveyor/internal/registry"
	"github.com/conveyorhq/conveyor/internal/store"
	"github.com/conveyorhq/conveyor/internal/xerr"
)

// Config bounds how long and how hard a worker drives one job.
type Config struct {
	Workers       int
	LeaseTTL      time.Duration
	RenewInterval time.Duration
	StepTimeout   time.Duration
	JobBudget     time.Duration
	MaxSteps      int
	MaxRetries    int
	Backoff       BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Workers:       4,
		LeaseTTL:      30 * time.Second,
		RenewInterval: 10 * time.Second,
		StepTimeout:   60 * time.Second,
		JobBudget:     10 * time.Minute,
		MaxSteps:      50,
		MaxRetries:    3,
		Backoff:       DefaultBackoffConfig(),
	}
}

type Orchestrator struct {
	cfg      Config
	store    store.Store
	consumer queue.Consumer
	policies *policy.Selector
	exec     *executor.Executor
	reg      *registry.Registry
	broker   *events.Broker
	metrics  *metrics.Metrics
	guard    *Guard
	log      *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(
	cfg Config,
	st store.Store,
	consumer queue.Consumer,
	policies *policy.Selector,
	exec *executor.Executor,
	reg *registry.Registry,
	broker *events.Broker,
	m *metrics.Metrics,
	log *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    st,
		consumer: consumer,
		policies: policies,
		exec:     exec,
		reg:      reg,
		broker:   broker,
		metrics:  m,
		guard:    NewGuard(),
		log:      log,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Run blocks consuming job ids until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	return o.consumer.Consume(ctx, o.cfg.Workers, o.Handle)
}

// Handle drives one job as far as it can: to a terminal status, or
// until the lease is lost or the process shuts down. A lost race for
// the lease is not an error; some other worker owns the job.
func (o *Orchestrator) Handle(ctx context.Context, jobID string) error {
	token := uuid.NewString()

	j, err := o.store.TryAcquire(ctx, jobID, token, o.cfg.LeaseTTL)
	if err != nil {
		if xerr.HasCode(err, xerr.CodeConflict) {
			o.log.Debug("job already owned", "job_id", jobID)
			return nil
		}
		if xerr.HasCode(err, xerr.CodeNotFound) {
			o.log.Warn("queued job not in store", "job_id", jobID)
			return nil
		}
		return fmt.Errorf("acquire %s: %w", jobID, err)
	}
	if j.Status.IsTerminal() {
		_ = o.store.Release(ctx, jobID, token)
		return nil
	}

	o.metrics.ActiveWorkers.Inc()
	defer o.metrics.ActiveWorkers.Dec()

	// The job context is cancelled if lease renewal fails, so the
	// worker stops mutating a job it no longer owns.
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		o.renewLoop(jobCtx, jobID, token, cancel)
	}()
	defer func() {
		cancel()
		<-renewDone
		_ = o.store.Release(context.WithoutCancel(ctx), jobID, token)
	}()

	if err := o.runJob(jobCtx, token, j); err != nil {
		if errors.Is(err, context.Canceled) {
			o.log.Info("job interrupted, lease released for requeue", "job_id", jobID)
			return nil
		}
		return err
	}
	return nil
}

func (o *Orchestrator) renewLoop(ctx context.Context, jobID, token string, onLost context.CancelFunc) {
	ticker := time.NewTicker(o.cfg.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.store.Renew(ctx, jobID, token, o.cfg.LeaseTTL); err != nil {
				if ctx.Err() == nil {
					o.log.Error("lease renewal failed", "job_id", jobID, "error", err)
				}
				onLost()
				return
			}
		}
	}
}

func (o *Orchestrator) runJob(ctx context.Context, token string, j *job.Job) error {
	log := o.log.With("job_id", j.ID, "automation_type", j.AutomationType)
	budget := j.CreatedAt.Add(o.cfg.JobBudget)

	switch j.Status {
	case job.StatusPending:
		if err := o.transition(ctx, token, j.ID, job.StatusRunning); err != nil {
			return err
		}
	case job.StatusWaitingOnTool:
		// Recovered from a crash mid-invoke. The in-flight call's
		// result is lost; return to running and let the policy decide
		// whether to re-issue.
		log.Warn("recovered job stuck waiting on tool")
		if err := o.transition(ctx, token, j.ID, job.StatusRunning); err != nil {
			return err
		}
	}

	pol, err := o.policies.For(j.AutomationType)
	if err != nil {
		return o.fail(ctx, token, j, err, false)
	}

	retries := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		j, err = o.store.Get(ctx, j.ID)
		if err != nil {
			return err
		}
		if j.CancelRequested {
			log.Info("cancellation observed at step boundary")
			return o.cancelJob(ctx, token, j)
		}
		if o.now().After(budget) {
			return o.fail(ctx, token, j, xerr.Newf(xerr.CodeBudgetExceeded,
				"job exceeded wall-clock budget of %s", o.cfg.JobBudget), false)
		}
		if len(j.Steps) >= o.cfg.MaxSteps {
			return o.fail(ctx, token, j, xerr.Newf(xerr.CodeBudgetExceeded,
				"job exceeded step limit of %d", o.cfg.MaxSteps), false)
		}

		decision, err := pol.Decide(ctx, j)
		if err != nil {
			return o.fail(ctx, token, j, err, false)
		}

		if decision.Action == policy.ActionTerminate {
			if err := o.store.MarkSucceeded(ctx, j.ID, token, decision.Result); err != nil {
				return err
			}
			o.publishStatus(j.ID, job.StatusSucceeded)
			o.metrics.JobsFinished.WithLabelValues(string(job.StatusSucceeded)).Inc()
			log.Info("job succeeded", "steps", len(j.Steps))
			return nil
		}

		step, execErr := o.invokeStep(ctx, token, j, decision)
		if execErr == nil {
			retries = 0
			continue
		}
		if ctx.Err() != nil {
			// Shutdown or lost lease, not a tool verdict. Leave the job
			// non-terminal for the reaper to requeue.
			return ctx.Err()
		}
		if o.shouldRetry(decision.Tool, execErr, retries) {
			retries++
			o.metrics.JobRetries.Inc()
			delay := o.cfg.Backoff.Delay(retries)
			log.Warn("retrying step after transient failure",
				"tool", decision.Tool, "attempt", retries, "delay", delay, "error", execErr)
			if err := o.sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}
		recorded := step.Error == execErr.Error()
		return o.fail(ctx, token, j, execErr, recorded)
	}
}

// invokeStep runs one tool call inside the waiting_on_tool window and
// seals the attempt into the step history whatever the outcome.
func (o *Orchestrator) invokeStep(ctx context.Context, token string, j *job.Job, d policy.Decision) (job.Step, error) {
	if err := o.transition(ctx, token, j.ID, job.StatusWaitingOnTool); err != nil {
		return job.Step{}, err
	}

	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	step, updates, execErr := o.exec.ExecuteTool(stepCtx, j, d.Tool, d.Args)
	cancel()
	step = o.guard.Clamp(step)

	// A cancel request that arrived while the call was in flight wins:
	// the attempt is still sealed into history, its result is not.
	if cur, getErr := o.store.Get(ctx, j.ID); getErr == nil && cur.CancelRequested {
		step.Parsed = nil
		updates = nil
	}

	if err := o.transition(ctx, token, j.ID, job.StatusRunning); err != nil {
		return step, err
	}
	if err := o.store.AppendStep(ctx, j.ID, token, step, updates); err != nil {
		return step, err
	}
	o.publishStep(j.ID, step)
	o.metrics.StepsExecuted.WithLabelValues(step.Tool, string(step.Outcome)).Inc()
	o.metrics.StepDuration.WithLabelValues(step.Tool).Observe(step.Duration.Seconds())
	return step, execErr
}

// shouldRetry gates re-issuing a failed tool call. Transient upstream
// failures and timeouts are retried only when the tool is idempotent;
// an invalid response gets one re-issue under the same condition.
// Everything else propagates and fails the job.
func (o *Orchestrator) shouldRetry(tool string, err error, retries int) bool {
	if retries >= o.cfg.MaxRetries || !o.reg.Idempotent(tool) {
		return false
	}
	if xerr.Retryable(err) {
		return true
	}
	return xerr.HasCode(err, xerr.CodeInvalidOutput) && retries == 0
}

func (o *Orchestrator) cancelJob(ctx context.Context, token string, j *job.Job) error {
	step := o.exec.TerminalStep(j, job.OutcomeCancelled, xerr.New(xerr.CodeCancelled, "cancelled by request"))
	if err := o.store.AppendStep(ctx, j.ID, token, step, nil); err != nil {
		return err
	}
	if err := o.store.MarkCancelled(ctx, j.ID, token); err != nil {
		return err
	}
	o.publishStep(j.ID, step)
	o.publishStatus(j.ID, job.StatusCancelled)
	o.metrics.JobsFinished.WithLabelValues(string(job.StatusCancelled)).Inc()
	return nil
}

// fail moves the job to failed, preserving the originating error.
// When no sealed step records the cause yet (budget exhaustion, policy
// errors), a closing step is appended so operators can see the reason
// in the step history, not just the job record.
func (o *Orchestrator) fail(ctx context.Context, token string, j *job.Job, cause error, recorded bool) error {
	code := xerr.CodeOf(cause)
	if !recorded {
		step := o.exec.TerminalStep(j, job.OutcomeToolError, cause)
		if err := o.store.AppendStep(ctx, j.ID, token, step, nil); err != nil {
			return err
		}
		o.publishStep(j.ID, step)
	}
	if err := o.store.MarkFailed(ctx, j.ID, token, code, cause.Error()); err != nil {
		return err
	}
	o.publishStatus(j.ID, job.StatusFailed)
	o.metrics.JobsFinished.WithLabelValues(string(job.StatusFailed)).Inc()
	o.log.Warn("job failed", "job_id", j.ID, "code", code, "error", cause)
	return nil
}

func (o *Orchestrator) transition(ctx context.Context, token, jobID string, next job.Status) error {
	if err := o.store.UpdateStatus(ctx, jobID, token, next); err != nil {
		return err
	}
	o.publishStatus(jobID, next)
	return nil
}

func (o *Orchestrator) publishStatus(jobID string, status job.Status) {
	o.broker.Publish(events.Event{
		JobID:     jobID,
		Type:      events.TypeStatus,
		Status:    status,
		Timestamp: o.now(),
	})
}

func (o *Orchestrator) publishStep(jobID string, step job.Step) {
	s := step
	o.broker.Publish(events.Event{
		JobID:     jobID,
		Type:      events.TypeStep,
		Step:      &s,
		Timestamp: o.now(),
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
