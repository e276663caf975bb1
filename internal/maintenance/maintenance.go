// Package maintenance runs the background upkeep the pipeline needs:
// requeueing jobs whose worker died holding the lease, and pruning
// long-finished jobs with their buffered event logs.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/metrics"
	"github.com/conveyorhq/conveyor/internal/queue"
	"github.com/conveyorhq/conveyor/internal/store"
)

type Config struct {
	ReapSchedule  string
	PruneSchedule string
	Retention     time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReapSchedule:  "@every 15s",
		PruneSchedule: "@every 10m",
		Retention:     24 * time.Hour,
	}
}

type Runner struct {
	cfg      Config
	store    store.Store
	producer queue.Producer
	broker   *events.Broker
	metrics  *metrics.Metrics
	log      *slog.Logger
	cron     *cron.Cron
	now      func() time.Time
}

func NewRunner(
	cfg Config,
	st store.Store,
	producer queue.Producer,
	broker *events.Broker,
	m *metrics.Metrics,
	log *slog.Logger,
) *Runner {
	return &Runner{
		cfg:      cfg,
		store:    st,
		producer: producer,
		broker:   broker,
		metrics:  m,
		log:      log,
		cron:     cron.New(),
		now:      time.Now,
	}
}

// Start registers the cron entries and begins running them. Stop with
// Stop; jobs in flight are allowed to finish.
func (r *Runner) Start(ctx context.Context) error {
	if _, err := r.cron.AddFunc(r.cfg.ReapSchedule, func() { r.ReapExpiredLeases(ctx) }); err != nil {
		return fmt.Errorf("reap schedule %q: %w", r.cfg.ReapSchedule, err)
	}
	if _, err := r.cron.AddFunc(r.cfg.PruneSchedule, func() { r.PruneTerminalJobs(ctx) }); err != nil {
		return fmt.Errorf("prune schedule %q: %w", r.cfg.PruneSchedule, err)
	}
	r.cron.Start()
	return nil
}

func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

// ReapExpiredLeases requeues every non-terminal job whose lease
// lapsed. The queue may deliver an id twice; the lease arbitrates, so
// duplicate publishes are harmless.
func (r *Runner) ReapExpiredLeases(ctx context.Context) {
	ids, err := r.store.ExpiredLeases(ctx, r.now())
	if err != nil {
		r.log.Error("lease reap scan failed", "error", err)
		return
	}
	for _, id := range ids {
		if err := r.producer.Publish(ctx, id); err != nil {
			r.log.Error("requeue failed", "job_id", id, "error", err)
			continue
		}
		r.metrics.LeasesReaped.Inc()
		r.log.Warn("requeued job with expired lease", "job_id", id)
	}
}

// PruneTerminalJobs deletes terminal jobs past the retention window
// and drops their event logs.
func (r *Runner) PruneTerminalJobs(ctx context.Context) {
	cutoff := r.now().Add(-r.cfg.Retention)
	ids, err := r.store.Prune(ctx, cutoff)
	if err != nil {
		r.log.Error("prune failed", "error", err)
		return
	}
	for _, id := range ids {
		r.broker.Drop(id)
	}
	if len(ids) > 0 {
		r.log.Info("pruned finished jobs", "count", len(ids))
	}
}
