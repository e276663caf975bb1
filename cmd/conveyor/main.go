package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/conveyorhq/conveyor/internal/api"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/executor"
	"github.com/conveyorhq/conveyor/internal/gateway"
	"github.com/conveyorhq/conveyor/internal/maintenance"
	"github.com/conveyorhq/conveyor/internal/metrics"
	"github.com/conveyorhq/conveyor/internal/orchestrator"
	"github.com/conveyorhq/conveyor/internal/policy"
	"github.com/conveyorhq/conveyor/internal/queue"
	"github.com/conveyorhq/conveyor/internal/registry"
	"github.com/conveyorhq/conveyor/internal/store"
	"github.com/conveyorhq/conveyor/internal/version"
	"github.com/conveyorhq/conveyor/internal/xerr"
	"github.com/conveyorhq/conveyor/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "conveyor: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.L()
	log.Info("starting", "version", version.Version, "config", configPath)

	reg, err := registry.Load(cfg.Registry.CatalogPath)
	if err != nil {
		return fmt.Errorf("capability catalog: %w", err)
	}

	st, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	q, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	inv := gateway.NewHTTP(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, reg,
		gateway.WithTimeout(config.Duration(cfg.Gateway.Timeout, 60*time.Second)))

	selector, err := buildPolicies(cfg, inv)
	if err != nil {
		return err
	}

	m := metrics.New()
	broker := events.NewBroker()
	exec := executor.New(inv, reg)

	orchCfg := orchestrator.DefaultConfig()
	if cfg.Orchestrator.Workers > 0 {
		orchCfg.Workers = cfg.Orchestrator.Workers
	}
	orchCfg.LeaseTTL = config.Duration(cfg.Orchestrator.LeaseTTL, orchCfg.LeaseTTL)
	orchCfg.RenewInterval = config.Duration(cfg.Orchestrator.RenewInterval, orchCfg.RenewInterval)
	orchCfg.StepTimeout = config.Duration(cfg.Orchestrator.StepTimeout, orchCfg.StepTimeout)
	orchCfg.JobBudget = config.Duration(cfg.Orchestrator.JobBudget, orchCfg.JobBudget)
	if cfg.Orchestrator.MaxSteps > 0 {
		orchCfg.MaxSteps = cfg.Orchestrator.MaxSteps
	}
	if cfg.Orchestrator.MaxRetries > 0 {
		orchCfg.MaxRetries = cfg.Orchestrator.MaxRetries
	}
	orchCfg.Backoff.Initial = config.Duration(cfg.Orchestrator.Backoff.Initial, orchCfg.Backoff.Initial)
	orchCfg.Backoff.Max = config.Duration(cfg.Orchestrator.Backoff.Max, orchCfg.Backoff.Max)
	if cfg.Orchestrator.Backoff.Multiplier > 0 {
		orchCfg.Backoff.Multiplier = cfg.Orchestrator.Backoff.Multiplier
	}
	if cfg.Orchestrator.Backoff.Jitter > 0 {
		orchCfg.Backoff.Jitter = cfg.Orchestrator.Backoff.Jitter
	}

	orch := orchestrator.New(orchCfg, st, q, selector, exec, reg, broker, m, logger.Named("orchestrator"))

	maintCfg := maintenance.DefaultConfig()
	if cfg.Maintenance.ReapSchedule != "" {
		maintCfg.ReapSchedule = cfg.Maintenance.ReapSchedule
	}
	if cfg.Maintenance.PruneSchedule != "" {
		maintCfg.PruneSchedule = cfg.Maintenance.PruneSchedule
	}
	maintCfg.Retention = config.Duration(cfg.Maintenance.Retention, maintCfg.Retention)
	maint := maintenance.NewRunner(maintCfg, st, q, broker, m, logger.Named("maintenance"))

	handler := api.NewHandler(st, q, broker, reg, m, logger.Named("api"))
	srv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: handler.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		log.Info("http server listening", "addr", cfg.Server.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	if err := maint.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error("fatal component error", "error", err)
		stop()
	}

	maint.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		config.Duration(cfg.Server.ShutdownTimeout, 15*time.Second))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
	log.Info("stopped")
	return nil
}

func buildStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		db, err := store.OpenDB(cfg.Store.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return store.NewSQLite(db), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func buildQueue(cfg *config.Config) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case "memory":
		buffer := cfg.Queue.Buffer
		if buffer <= 0 {
			buffer = 1024
		}
		return queue.NewMemory(buffer), nil
	case "redis":
		return queue.NewRedis(queue.RedisConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Key:       cfg.Queue.Redis.Key,
			BlockWait: config.Duration(cfg.Queue.Redis.BlockWait, 5*time.Second),
		})
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
}

func buildPolicies(cfg *config.Config, inv *gateway.HTTPGateway) (*policy.Selector, error) {
	var defaultPol policy.Policy
	byType := make(map[string]policy.Policy)
	for _, pc := range cfg.Policies {
		var (
			pol policy.Policy
			err error
		)
		switch pc.Kind {
		case "fixed":
			pol = policy.NewFixedSequence(pc.Steps)
		case "model":
			pol = policy.NewModelDriven(inv, pc.PlannerTool)
		case "lua":
			pol, err = policy.NewLuaScript(pc.Script)
			if err != nil {
				return nil, err
			}
		default:
			return nil, xerr.Newf(xerr.CodeInvalidArguments, "unknown policy kind %q", pc.Kind)
		}
		if pc.Default {
			defaultPol = pol
		}
		if pc.AutomationType != "" {
			byType[pc.AutomationType] = pol
		}
	}
	selector := policy.NewSelector(defaultPol)
	for automationType, pol := range byType {
		selector.Register(automationType, pol)
	}
	return selector, nil
}
