package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"chronoplan/internal/domain"
)

// EnvPrefix is prepended to every environment override, e.g. CHRONOPLAN_HTTP_ADDR.
const EnvPrefix = "CHRONOPLAN"

// Config holds all service configuration.
type Config struct {
	HTTP      HTTPConfig                `mapstructure:"http" validate:"required"`
	DB        DBConfig                  `mapstructure:"db" validate:"required"`
	Scheduler SchedulerConfig           `mapstructure:"scheduler" validate:"required"`
	Stats     StatsConfig               `mapstructure:"stats"`
	Log       LogConfig                 `mapstructure:"log" validate:"required"`
	Executors map[string]ExecutorConfig `mapstructure:"executors" validate:"dive"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
}

type DBConfig struct {
	Path        string        `mapstructure:"path" validate:"required"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout" validate:"gte=0"`
}

type SchedulerConfig struct {
	TickInterval   time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
	BatchLimit     int           `mapstructure:"batch_limit" validate:"gt=0,lte=10000"`
	Workers        int           `mapstructure:"workers" validate:"gt=0,lte=1024"`
	ClaimGrace     time.Duration `mapstructure:"claim_grace" validate:"gt=0"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout" validate:"gt=0"`
}

type StatsConfig struct {
	Buffer int `mapstructure:"buffer" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=trace debug info warn error fatal"`
	Format string `mapstructure:"format" validate:"required,oneof=console json"`
}

// ExecutorConfig binds a source module to a webhook callback.
type ExecutorConfig struct {
	URL        string            `mapstructure:"url" validate:"required,url"`
	Timeout    time.Duration     `mapstructure:"timeout" validate:"gte=0"`
	RatePerSec float64           `mapstructure:"rate_per_sec" validate:"gte=0"`
	Burst      int               `mapstructure:"burst" validate:"gte=0"`
	Headers    map[string]string `mapstructure:"headers"`
}

// SetDefaults registers the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("db.path", "./data/chronoplan.db")
	v.SetDefault("db.busy_timeout", 5*time.Second)
	v.SetDefault("scheduler.tick_interval", 2*time.Second)
	v.SetDefault("scheduler.batch_limit", 100)
	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("scheduler.claim_grace", time.Minute)
	v.SetDefault("scheduler.default_timeout", 30*time.Second)
	v.SetDefault("stats.buffer", 1024)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load resolves defaults, the optional config file, and CHRONOPLAN_* env vars
// (in increasing precedence; flags bound on v win over all of them), then validates.
func Load(v *viper.Viper, file string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("chronoplan")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.chronoplan")
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for name := range c.Executors {
		if _, err := domain.ParseModule(name); err != nil {
			return fmt.Errorf("invalid config: executors.%s: %w", name, err)
		}
	}
	return nil
}

// ExecutorFor returns the executor settings for m, if any.
func (c Config) ExecutorFor(m domain.SourceModule) (ExecutorConfig, bool) {
	for name, ec := range c.Executors {
		if strings.EqualFold(name, string(m)) {
			return ec, true
		}
	}
	return ExecutorConfig{}, false
}
