// Package config loads the optional YAML file that tunes the server components.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dukex/procflow/pkg/engine"
	"github.com/dukex/procflow/pkg/queue"
	"github.com/dukex/procflow/pkg/scheduler"
	"github.com/dukex/procflow/pkg/steps/task"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Queue     QueueConfig     `yaml:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Engine    EngineConfig    `yaml:"engine"`
	Task      TaskConfig      `yaml:"task"`
	Agents    AgentsConfig    `yaml:"agents"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type QueueConfig struct {
	MaxQueue     int           `yaml:"max_queue"     validate:"gte=1"`
	TTL          time.Duration `yaml:"ttl"           validate:"gt=0"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
	RetryAfter   time.Duration `yaml:"retry_after"   validate:"gt=0"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval" validate:"gte=1s"`
	TickTimeout  time.Duration `yaml:"tick_timeout"  validate:"gt=0"`
	RowTimeout   time.Duration `yaml:"row_timeout"   validate:"gt=0,ltefield=TickTimeout"`
	BatchSize    int           `yaml:"batch_size"    validate:"gte=1"`
}

type EngineConfig struct {
	MaxParallelSteps int `yaml:"max_parallel_steps" validate:"gte=1,lte=64"`
}

type TaskConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout" validate:"gt=0"`
}

// AgentsConfig locates the agent endpoints. Resources override BaseURL per resource key.
type AgentsConfig struct {
	BaseURL   string            `yaml:"base_url"   validate:"omitempty,url"`
	Resources map[string]string `yaml:"resources"  validate:"dive,keys,required,endkeys,url"`
	RateLimit float64           `yaml:"rate_limit" validate:"gte=0"`
	Burst     int               `yaml:"burst"      validate:"gte=0"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			MaxQueue:     queue.DefaultMaxQueue,
			TTL:          queue.DefaultTTL,
			PollInterval: queue.DefaultPollInterval,
			RetryAfter:   queue.DefaultRetryAfter,
		},
		Scheduler: SchedulerConfig{
			TickInterval: scheduler.DefaultTickInterval,
			TickTimeout:  scheduler.DefaultTickTimeout,
			RowTimeout:   scheduler.DefaultRowTimeout,
			BatchSize:    scheduler.DefaultBatchSize,
		},
		Engine: EngineConfig{MaxParallelSteps: engine.DefaultMaxParallelSteps},
		Task:   TaskConfig{DefaultTimeout: task.DefaultTimeout},
		Agents: AgentsConfig{Resources: map[string]string{}},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
			first := fieldErrors[0]

			return fmt.Errorf("%w: %s failed on %q", ErrInvalidConfig, first.Namespace(), first.Tag())
		}

		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return nil
}

func (c *Config) QueueOptions() queue.Options {
	return queue.Options{
		MaxQueue:     c.Queue.MaxQueue,
		PollInterval: c.Queue.PollInterval,
		RetryAfter:   c.Queue.RetryAfter,
	}
}

func (c *Config) SchedulerOptions() scheduler.Options {
	return scheduler.Options{
		TickInterval: c.Scheduler.TickInterval,
		TickTimeout:  c.Scheduler.TickTimeout,
		RowTimeout:   c.Scheduler.RowTimeout,
		BatchSize:    c.Scheduler.BatchSize,
	}
}
