// Package config loads cadence settings from file, environment and defaults.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"cadence/internal/domain"
	"cadence/internal/queue"
	"cadence/internal/scheduler"
)

type Config struct {
	Log      LogConfig              `mapstructure:"log"`
	Timezone string                 `mapstructure:"timezone"`
	HTTP     HTTPConfig             `mapstructure:"http"`
	Tenants  []TenantConfig         `mapstructure:"tenants"`
	Queues   map[string]QueueConfig `mapstructure:"queues"`
	Runner   RunnerConfig           `mapstructure:"runner"`
	Worker   WorkerConfig           `mapstructure:"worker"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

type HTTPConfig struct {
	Addr  string `mapstructure:"addr"`
	Debug bool   `mapstructure:"debug"`
}

// TenantConfig names one tenant database.
type TenantConfig struct {
	Name string `mapstructure:"name"`
	Path string `mapstructure:"path"`
}

// QueueConfig selects a queue backend; only the fields of its driver are read.
type QueueConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	Exchange  string `mapstructure:"exchange"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type LockConfig struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type RunnerConfig struct {
	Trigger        string     `mapstructure:"trigger"`
	PageSize       int        `mapstructure:"page_size"`
	ForcedCommands []string   `mapstructure:"forced_commands"`
	Lock           LockConfig `mapstructure:"lock"`
}

type WorkerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Concurrency int           `mapstructure:"concurrency"`
	Poll        time.Duration `mapstructure:"poll"`
	Queues      []string      `mapstructure:"queues"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// SetDefaults registers the default value of every setting.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
	v.SetDefault("timezone", "UTC")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.debug", false)

	v.SetDefault("queues", map[string]any{
		queue.DefaultName: map[string]any{"driver": queue.DriverSQLite, "path": "data/queue.db"},
	})

	v.SetDefault("runner.trigger", scheduler.DefaultTrigger)
	v.SetDefault("runner.page_size", 100)
	v.SetDefault("runner.lock.ttl", 2*time.Minute)

	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll", 250*time.Millisecond)
	v.SetDefault("worker.queues", []string{queue.DefaultName})
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.timeout", 30*time.Minute)
}

// Load reads path (when not empty) over the defaults, then applies
// CADENCE_* environment overrides, e.g. CADENCE_HTTP_ADDR.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CADENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "timezone %q", c.Timezone), domain.ErrInvalidArgument)
	}
	return loc, nil
}

// Validate reports the first inconsistency as an invalid argument.
func (c *Config) Validate() error {
	if len(c.Tenants) == 0 {
		return domain.InvalidArgumentf("config: at least one tenant is required")
	}
	seen := make(map[string]bool, len(c.Tenants))
	for i, t := range c.Tenants {
		if t.Name == "" || t.Path == "" {
			return domain.InvalidArgumentf("config: tenants[%d] needs a name and a path", i)
		}
		if seen[t.Name] {
			return domain.InvalidArgumentf("config: tenant %q listed twice", t.Name)
		}
		seen[t.Name] = true
	}

	if _, ok := c.Queues[queue.DefaultName]; !ok {
		return domain.InvalidArgumentf("config: queue %q is required", queue.DefaultName)
	}
	for name, q := range c.Queues {
		switch q.Driver {
		case queue.DriverSQLite, "":
			if q.Path == "" {
				return domain.InvalidArgumentf("config: queue %q: path is required", name)
			}
		case queue.DriverAMQP:
			if q.URL == "" {
				return domain.InvalidArgumentf("config: queue %q: url is required", name)
			}
		case queue.DriverRedis:
			if q.Addr == "" {
				return domain.InvalidArgumentf("config: queue %q: addr is required", name)
			}
		default:
			return domain.InvalidArgumentf("config: queue %q: unknown driver %q", name, q.Driver)
		}
	}

	if err := scheduler.ValidateCronExpression(c.Runner.Trigger); err != nil {
		return errors.Wrap(err, "config: runner.trigger")
	}
	if c.Runner.PageSize <= 0 {
		return domain.InvalidArgumentf("config: runner.page_size must be positive")
	}

	if c.Worker.Enabled {
		if c.Worker.Concurrency <= 0 {
			return domain.InvalidArgumentf("config: worker.concurrency must be positive")
		}
		if c.Worker.Poll <= 0 {
			return domain.InvalidArgumentf("config: worker.poll must be positive")
		}
		for _, name := range c.Worker.Queues {
			q, ok := c.Queues[name]
			if !ok {
				return domain.InvalidArgumentf("config: worker queue %q is not defined", name)
			}
			if q.Driver != queue.DriverSQLite && q.Driver != "" {
				return domain.InvalidArgumentf("config: worker queue %q: only sqlite queues can be consumed locally", name)
			}
		}
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// QueueSpecs maps the queue section to opener specs.
func (c *Config) QueueSpecs() map[string]queue.Spec {
	out := make(map[string]queue.Spec, len(c.Queues))
	for name, q := range c.Queues {
		out[name] = queue.Spec{
			Driver:      q.Driver,
			Path:        q.Path,
			MaxAttempts: c.Worker.MaxAttempts,
			URL:         q.URL,
			Exchange:    q.Exchange,
			Addr:        q.Addr,
			Password:    q.Password,
			DB:          q.DB,
			KeyPrefix:   q.KeyPrefix,
		}
	}
	return out
}
