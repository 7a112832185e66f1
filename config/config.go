/*
Package config loads server configuration.

SOURCES (later wins):
  1. Defaults below
  2. Optional YAML file (-config flag, or ./config.yaml when present)
  3. Optional .env file, exported into the process environment
  4. Environment variables: CREDITS_ prefix, dots become underscores
     e.g. CREDITS_SERVER_PORT=9090, CREDITS_AUTH_SERVICE_TOKEN=...

Secrets have no defaults. Validate reports every missing one at once.
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "CREDITS"

type Config struct {
	App      AppConfig
	Server   ServerConfig
	Database DatabaseConfig
	Auth     AuthConfig
	Jobs     JobsConfig
	Billing  BillingConfig
	Audit    AuditConfig
	Redis    RedisConfig
	Events   EventsConfig
	Log      LogConfig
}

type AppConfig struct {
	Env string // dev | prod
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
}

type DatabaseConfig struct {
	Driver string // sqlite | memory
	Path   string
}

type AuthConfig struct {
	ServiceToken string
	AdminToken   string
}

type JobsConfig struct {
	CallbackSecret string
	RefundPolicy   string // none | full | partial
	RefundRatio    float64
}

type BillingConfig struct {
	Enabled       bool
	WebhookSecret string
}

type AuditConfig struct {
	Enabled  bool
	Interval time.Duration
}

// RedisConfig is optional. With an empty Addr the auditor runs unlocked.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type EventsConfig struct {
	MealCooldown time.Duration
	SharePerDay  int
}

type LogConfig struct {
	Level string
}

// IsDev reports whether the server runs in development mode.
func (c *Config) IsDev() bool { return c.App.Env == "dev" }

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "prod")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "credits.db")
	v.SetDefault("auth.service_token", "")
	v.SetDefault("auth.admin_token", "")
	v.SetDefault("jobs.callback_secret", "")
	v.SetDefault("jobs.refund_policy", "none")
	v.SetDefault("jobs.refund_ratio", 0.5)
	v.SetDefault("billing.enabled", true)
	v.SetDefault("billing.webhook_secret", "")
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.interval", 15*time.Minute)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("events.meal_cooldown", time.Minute)
	v.SetDefault("events.share_per_day", 1)
	v.SetDefault("log.level", "info")
}

// Load reads configuration. path may be empty; a missing .env is fine, a
// missing explicit config file is not.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		App: AppConfig{Env: v.GetString("app.env")},
		Server: ServerConfig{
			Port:         v.GetInt("server.port"),
			ReadTimeout:  v.GetDuration("server.read_timeout"),
			WriteTimeout: v.GetDuration("server.write_timeout"),
			CORSOrigins:  v.GetStringSlice("server.cors_origins"),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(v.GetString("database.driver")),
			Path:   v.GetString("database.path"),
		},
		Auth: AuthConfig{
			ServiceToken: v.GetString("auth.service_token"),
			AdminToken:   v.GetString("auth.admin_token"),
		},
		Jobs: JobsConfig{
			CallbackSecret: v.GetString("jobs.callback_secret"),
			RefundPolicy:   strings.ToLower(v.GetString("jobs.refund_policy")),
			RefundRatio:    v.GetFloat64("jobs.refund_ratio"),
		},
		Billing: BillingConfig{
			Enabled:       v.GetBool("billing.enabled"),
			WebhookSecret: v.GetString("billing.webhook_secret"),
		},
		Audit: AuditConfig{
			Enabled:  v.GetBool("audit.enabled"),
			Interval: v.GetDuration("audit.interval"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Events: EventsConfig{
			MealCooldown: v.GetDuration("events.meal_cooldown"),
			SharePerDay:  v.GetInt("events.share_per_day"),
		},
		Log: LogConfig{Level: strings.ToLower(v.GetString("log.level"))},
	}
}

// Validate returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}
	switch c.Database.Driver {
	case "memory":
	case "sqlite":
		if c.Database.Path == "" {
			add("database.path is required for sqlite")
		}
	default:
		add("database.driver %q must be sqlite or memory", c.Database.Driver)
	}

	if c.Auth.ServiceToken == "" {
		add("auth.service_token is required")
	}
	if c.Auth.AdminToken == "" {
		add("auth.admin_token is required")
	}
	if c.Auth.ServiceToken != "" && c.Auth.ServiceToken == c.Auth.AdminToken {
		add("auth.admin_token must differ from auth.service_token")
	}
	if c.Jobs.CallbackSecret == "" {
		add("jobs.callback_secret is required")
	}
	if c.Billing.Enabled && c.Billing.WebhookSecret == "" {
		add("billing.webhook_secret is required when billing is enabled")
	}

	switch c.Jobs.RefundPolicy {
	case "none", "full":
	case "partial":
		if c.Jobs.RefundRatio < 0 || c.Jobs.RefundRatio > 1 {
			add("jobs.refund_ratio %v outside [0,1]", c.Jobs.RefundRatio)
		}
	default:
		add("jobs.refund_policy %q must be none, full or partial", c.Jobs.RefundPolicy)
	}

	if c.Audit.Enabled && c.Audit.Interval <= 0 {
		add("audit.interval must be positive")
	}
	if c.Events.MealCooldown < 0 {
		add("events.meal_cooldown must not be negative")
	}
	if c.Events.SharePerDay < 0 {
		add("events.share_per_day must not be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		add("log.level %q must be debug, info, warn or error", c.Log.Level)
	}

	return errors.Join(errs...)
}
