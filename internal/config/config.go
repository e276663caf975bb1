// Package config loads the YAML configuration file. Values of the
// form ${VAR} in credential fields are expanded from the environment
// so secrets stay out of the file itself.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conveyorhq/conveyor/internal/policy"
	"github.com/conveyorhq/conveyor/pkg/logger"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Queue        QueueConfig        `yaml:"queue"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Registry     RegistryConfig     `yaml:"registry"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Policies     []PolicyConfig     `yaml:"policies"`
	Maintenance  MaintenanceConfig  `yaml:"maintenance"`
	Logging      logger.Config      `yaml:"logging"`
}

type ServerConfig struct {
	Listen          string `yaml:"listen"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"` // memory | sqlite
	DataDir string `yaml:"data_dir"`
}

type QueueConfig struct {
	Backend string      `yaml:"backend"` // memory | redis
	Buffer  int         `yaml:"buffer"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Key       string `yaml:"key"`
	BlockWait string `yaml:"block_wait"`
}

type GatewayConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Timeout string `yaml:"timeout"`
}

type RegistryConfig struct {
	CatalogPath string `yaml:"catalog_path"`
}

type OrchestratorConfig struct {
	Workers       int           `yaml:"workers"`
	LeaseTTL      string        `yaml:"lease_ttl"`
	RenewInterval string        `yaml:"renew_interval"`
	StepTimeout   string        `yaml:"step_timeout"`
	JobBudget     string        `yaml:"job_budget"`
	MaxSteps      int           `yaml:"max_steps"`
	MaxRetries    int           `yaml:"max_retries"`
	Backoff       BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	Initial    string  `yaml:"initial"`
	Max        string  `yaml:"max"`
	Multiplier int     `yaml:"multiplier"`
	Jitter     float64 `yaml:"jitter"`
}

// PolicyConfig declares the decision policy for one automation type.
// Kind "fixed" takes the steps list, "model" a planner tool name, and
// "lua" a script path.
type PolicyConfig struct {
	AutomationType string                `yaml:"automation_type"`
	Kind           string                `yaml:"kind"` // fixed | model | lua
	PlannerTool    string                `yaml:"planner_tool,omitempty"`
	Script         string                `yaml:"script,omitempty"`
	Steps          []policy.SequenceStep `yaml:"steps,omitempty"`
	Default        bool                  `yaml:"default,omitempty"`
}

type MaintenanceConfig struct {
	ReapSchedule  string `yaml:"reap_schedule"`
	PruneSchedule string `yaml:"prune_schedule"`
	Retention     string `yaml:"retention"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)}`)

func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Gateway.BaseURL = expandEnv(cfg.Gateway.BaseURL)
	cfg.Gateway.APIKey = expandEnv(cfg.Gateway.APIKey)
	cfg.Queue.Redis.Address = expandEnv(cfg.Queue.Redis.Address)
	cfg.Queue.Redis.Password = expandEnv(cfg.Queue.Redis.Password)
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "sqlite"
	}
	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = "./data"
	}
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "memory"
	}
	if cfg.Registry.CatalogPath == "" {
		cfg.Registry.CatalogPath = "./catalog.yaml"
	}
}

func validate(cfg *Config) error {
	switch cfg.Store.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	switch cfg.Queue.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
	if cfg.Queue.Backend == "redis" && cfg.Queue.Redis.Address == "" {
		return fmt.Errorf("queue.redis.address is required for the redis backend")
	}
	seen := make(map[string]bool, len(cfg.Policies))
	for _, p := range cfg.Policies {
		if p.AutomationType == "" && !p.Default {
			return fmt.Errorf("policy entry needs an automation_type or default: true")
		}
		if seen[p.AutomationType] {
			return fmt.Errorf("duplicate policy for automation type %q", p.AutomationType)
		}
		seen[p.AutomationType] = true
		switch p.Kind {
		case "fixed":
			if len(p.Steps) == 0 {
				return fmt.Errorf("fixed policy %q has no steps", p.AutomationType)
			}
		case "model":
		case "lua":
			if p.Script == "" {
				return fmt.Errorf("lua policy %q has no script path", p.AutomationType)
			}
		default:
			return fmt.Errorf("unknown policy kind %q for %q", p.Kind, p.AutomationType)
		}
	}
	for name, raw := range map[string]string{
		"server.shutdown_timeout":      cfg.Server.ShutdownTimeout,
		"gateway.timeout":              cfg.Gateway.Timeout,
		"queue.redis.block_wait":       cfg.Queue.Redis.BlockWait,
		"orchestrator.lease_ttl":       cfg.Orchestrator.LeaseTTL,
		"orchestrator.renew_interval":  cfg.Orchestrator.RenewInterval,
		"orchestrator.step_timeout":    cfg.Orchestrator.StepTimeout,
		"orchestrator.job_budget":      cfg.Orchestrator.JobBudget,
		"orchestrator.backoff.initial": cfg.Orchestrator.Backoff.Initial,
		"orchestrator.backoff.max":     cfg.Orchestrator.Backoff.Max,
		"maintenance.retention":        cfg.Maintenance.Retention,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Duration parses a config duration string, returning def when unset.
func Duration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
