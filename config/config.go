package config

import (
	"errors"
	"log/slog"
	"net"
	"net/url"
	"slices"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"

	"github.com/angeloszaimis/service-mesh/internal/bus"
	"github.com/angeloszaimis/service-mesh/internal/circuitbreaker"
	"github.com/angeloszaimis/service-mesh/internal/events"
	"github.com/angeloszaimis/service-mesh/internal/gateway"
	"github.com/angeloszaimis/service-mesh/internal/healthcheck"
	"github.com/angeloszaimis/service-mesh/internal/registry"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

type ServerConfig struct {
	Address     string `mapstructure:"address"`
	Environment string `mapstructure:"environment"`
}

type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	AddSource bool   `mapstructure:"add_source"`
}

type RegistryConfig struct {
	Driver        string   `mapstructure:"driver"`
	Path          string   `mapstructure:"path"`
	EtcdEndpoints []string `mapstructure:"etcd_endpoints"`
	EtcdPrefix    string   `mapstructure:"etcd_prefix"`
	DialTimeout   string   `mapstructure:"dial_timeout"`
}

type HealthCheckConfig struct {
	Interval     string `mapstructure:"interval"`
	Timeout      string `mapstructure:"timeout"`
	InitialDelay string `mapstructure:"initial_delay"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int    `mapstructure:"failure_threshold"`
	Cooldown         string `mapstructure:"cooldown"`
}

// GatewayConfig leaves Routes and Aggregates nil unless the file sets them,
// in which case they replace the built-in tables.
type GatewayConfig struct {
	RequestTimeout string              `mapstructure:"request_timeout"`
	Routes         []gateway.Route     `mapstructure:"routes"`
	Aggregates     []gateway.Aggregate `mapstructure:"aggregates"`
}

type BrokerConfig struct {
	URL        string `mapstructure:"url"`
	RetryDelay string `mapstructure:"retry_delay"`
	Exchange   string `mapstructure:"exchange"`
	Prefetch   int    `mapstructure:"prefetch"`
}

type WorkersConfig struct {
	AnalyticsQueue    string `mapstructure:"analytics_queue"`
	NotificationQueue string `mapstructure:"notification_queue"`
}

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Registry       RegistryConfig       `mapstructure:"registry"`
	HealthCheck    HealthCheckConfig    `mapstructure:"health_check"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Gateway        GatewayConfig        `mapstructure:"gateway"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	Workers        WorkersConfig        `mapstructure:"workers"`
}

// Env names older deployments used, bound next to the regular overrides.
var envAliases = map[string][]string{
	"broker.url":                 {"BROKER_URL", "RABBITMQ_URL"},
	"broker.exchange":            {"BROKER_EXCHANGE", "SHOPPING_EVENTS_EXCHANGE"},
	"workers.analytics_queue":    {"WORKERS_ANALYTICS_QUEUE", "ANALYTICS_QUEUE"},
	"workers.notification_queue": {"WORKERS_NOTIFICATION_QUEUE", "NOTIFICATION_QUEUE"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", ":3000")
	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("logging.add_source", false)

	v.SetDefault("registry.driver", registry.DriverSQLite)
	v.SetDefault("registry.path", registry.DefaultSQLitePath())
	v.SetDefault("registry.etcd_endpoints", []string{})
	v.SetDefault("registry.etcd_prefix", registry.DefaultEtcdPrefix)
	v.SetDefault("registry.dial_timeout", "5s")

	v.SetDefault("health_check.interval", healthcheck.DefaultInterval.String())
	v.SetDefault("health_check.timeout", healthcheck.DefaultTimeout.String())
	v.SetDefault("health_check.initial_delay", healthcheck.DefaultInitialDelay.String())

	v.SetDefault("circuit_breaker.failure_threshold", circuitbreaker.DefaultThreshold)
	v.SetDefault("circuit_breaker.cooldown", circuitbreaker.DefaultCooldown.String())

	v.SetDefault("gateway.request_timeout", gateway.DefaultRequestTimeout.String())

	v.SetDefault("broker.url", bus.DefaultURL)
	v.SetDefault("broker.retry_delay", bus.DefaultRetryDelay.String())
	v.SetDefault("broker.exchange", events.DefaultExchange)
	v.SetDefault("broker.prefetch", 1)

	v.SetDefault("workers.analytics_queue", events.DefaultAnalyticsQueue)
	v.SetDefault("workers.notification_queue", events.DefaultNotificationQueue)
}

// Load reads config.yaml from ./config or the working directory, or the file
// at path when one is given, and applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, names := range envAliases {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Warn("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
		validation.Field(&c.Registry,
			validation.Required,
			validation.By(func(value interface{}) error {
				rc, ok := value.(RegistryConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a RegistryConfig")
				}
				return validation.ValidateStruct(&rc,
					validation.Field(&rc.Driver,
						validation.Required,
						validation.In(registry.DriverSQLite, registry.DriverEtcd, registry.DriverMemory),
					),
					validation.Field(&rc.Path,
						validation.When(rc.Driver == registry.DriverSQLite, validation.Required),
					),
					validation.Field(&rc.EtcdEndpoints,
						validation.When(rc.Driver == registry.DriverEtcd, validation.Required),
						validation.Each(validation.By(validateEtcdEndpoint)),
					),
					validation.Field(&rc.DialTimeout,
						validation.Required,
						validation.By(validateDuration),
					),
				)
			}),
		),
		validation.Field(&c.HealthCheck,
			validation.Required,
			validation.By(func(value interface{}) error {
				hc, ok := value.(HealthCheckConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a HealthCheckConfig")
				}
				return validation.ValidateStruct(&hc,
					validation.Field(&hc.Interval,
						validation.Required,
						validation.By(validatePositiveDuration),
					),
					validation.Field(&hc.Timeout,
						validation.Required,
						validation.By(validatePositiveDuration),
					),
					validation.Field(&hc.InitialDelay,
						validation.By(validateDuration),
					),
				)
			}),
		),
		validation.Field(&c.CircuitBreaker,
			validation.Required,
			validation.By(func(value interface{}) error {
				cc, ok := value.(CircuitBreakerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a CircuitBreakerConfig")
				}
				return validation.ValidateStruct(&cc,
					validation.Field(&cc.FailureThreshold,
						validation.Required,
						validation.Min(1),
					),
					validation.Field(&cc.Cooldown,
						validation.Required,
						validation.By(validatePositiveDuration),
					),
				)
			}),
		),
		validation.Field(&c.Gateway,
			validation.By(func(value interface{}) error {
				gc, ok := value.(GatewayConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a GatewayConfig")
				}
				return validation.ValidateStruct(&gc,
					validation.Field(&gc.RequestTimeout,
						validation.Required,
						validation.By(validatePositiveDuration),
					),
					validation.Field(&gc.Routes,
						validation.Each(validation.By(validateRoute)),
					),
					validation.Field(&gc.Aggregates,
						validation.Each(validation.By(validateAggregate)),
					),
				)
			}),
		),
		validation.Field(&c.Broker,
			validation.Required,
			validation.By(func(value interface{}) error {
				bc, ok := value.(BrokerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a BrokerConfig")
				}
				return validation.ValidateStruct(&bc,
					validation.Field(&bc.URL,
						validation.Required,
						validation.By(validateURLScheme("amqp", "amqps")),
					),
					validation.Field(&bc.RetryDelay,
						validation.Required,
						validation.By(validatePositiveDuration),
					),
					validation.Field(&bc.Exchange, validation.Required),
					validation.Field(&bc.Prefetch,
						validation.Required,
						validation.Min(1),
					),
				)
			}),
		),
		validation.Field(&c.Workers,
			validation.Required,
			validation.By(func(value interface{}) error {
				wc, ok := value.(WorkersConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a WorkersConfig")
				}
				return validation.ValidateStruct(&wc,
					validation.Field(&wc.AnalyticsQueue, validation.Required),
					validation.Field(&wc.NotificationQueue, validation.Required),
				)
			}),
		),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if durationStr == "" {
		return nil
	}

	if _, err := time.ParseDuration(durationStr); err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}

	return nil
}

func validatePositiveDuration(value interface{}) error {
	if err := validateDuration(value); err != nil {
		return err
	}
	if d, _ := time.ParseDuration(value.(string)); d <= 0 {
		return validation.NewError("validation_nonpositive_duration", "must be greater than zero")
	}
	return nil
}

func validateURLScheme(schemes ...string) validation.RuleFunc {
	return func(value interface{}) error {
		raw, ok := value.(string)
		if !ok {
			return validation.NewError("validation_invalid_type", "must be a string")
		}

		parsedURL, err := url.Parse(raw)
		if err != nil {
			return validation.NewError("validation_invalid_url", "must be a valid URL")
		}

		if !slices.Contains(schemes, parsedURL.Scheme) {
			return validation.NewError("validation_invalid_scheme", "URL must use one of: "+strings.Join(schemes, ", "))
		}

		if parsedURL.Host == "" {
			return validation.NewError("validation_missing_host", "URL must have a host")
		}

		return nil
	}
}

// etcd accepts bare host:port endpoints as well as URLs.
func validateEtcdEndpoint(value interface{}) error {
	endpoint, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if strings.Contains(endpoint, "://") {
		return validateURLScheme("http", "https")(endpoint)
	}
	return validateHostPort(endpoint)
}

func validateRoute(value interface{}) error {
	route, ok := value.(gateway.Route)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a Route")
	}
	return validation.ValidateStruct(&route,
		validation.Field(&route.Prefix, validation.Required, validation.By(validateAbsolutePath)),
		validation.Field(&route.Service, validation.Required),
	)
}

func validateAggregate(value interface{}) error {
	agg, ok := value.(gateway.Aggregate)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be an Aggregate")
	}
	return validation.ValidateStruct(&agg,
		validation.Field(&agg.Path, validation.Required, validation.By(validateAbsolutePath)),
		validation.Field(&agg.Sources,
			validation.Required,
			validation.Each(validation.By(func(value interface{}) error {
				src, ok := value.(gateway.AggregateSource)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an AggregateSource")
				}
				return validation.ValidateStruct(&src,
					validation.Field(&src.Key, validation.Required),
					validation.Field(&src.Service, validation.Required),
					validation.Field(&src.Path, validation.Required, validation.By(validateAbsolutePath)),
				)
			})),
		),
	)
}

func validateAbsolutePath(value interface{}) error {
	p, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if !strings.HasPrefix(p, "/") {
		return validation.NewError("validation_relative_path", "must start with /")
	}
	return nil
}
