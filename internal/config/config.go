package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/petermetz/killbill/internal/types"
	"github.com/spf13/viper"
)

type Configuration struct {
	Deployment DeploymentConfig `validate:"required"`
	Logging    LoggingConfig    `validate:"required"`
	Postgres   PostgresConfig
	Kafka      KafkaConfig
	Event      EventConfig
	Sentry     SentryConfig
	Invoice    InvoiceConfig `validate:"required"`
	Retry      RetryConfig   `validate:"required"`
	Queue      QueueConfig   `validate:"required"`
	Plugin     PluginConfig
	Cache      CacheConfig
}

type DeploymentConfig struct {
	Mode types.RunMode `mapstructure:"mode" validate:"required"`
}

type LoggingConfig struct {
	Level types.LogLevel `mapstructure:"level" validate:"required"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" default:"10"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" default:"5"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" default:"1h"`
	AutoMigrate     bool          `mapstructure:"auto_migrate" default:"false"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ClientID      string   `mapstructure:"client_id"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	TLS           bool     `mapstructure:"tls"`
	UseSASL       bool     `mapstructure:"use_sasl"`
	SASLMechanism string   `mapstructure:"sasl_mechanism"`
	SASLUser      string   `mapstructure:"sasl_user"`
	SASLPassword  string   `mapstructure:"sasl_password"`
}

type SentryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	DSN         string  `mapstructure:"dsn"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate" default:"1.0"`
}

// InvoiceConfig holds the run coordinator settings
type InvoiceConfig struct {
	// NotificationWindow buckets next-billing-date notifications; two
	// notifications of an account in the same window collide.
	NotificationWindow time.Duration `mapstructure:"notification_window" validate:"gte=0" default:"24h"`
	LeaseTTL           time.Duration `mapstructure:"lease_ttl" validate:"gt=0" default:"5m"`
	LeaseWait          time.Duration `mapstructure:"lease_wait" validate:"gte=0" default:"30s"`
	// BusyRequeueDelay postpones a notification whose account is being invoiced
	BusyRequeueDelay time.Duration `mapstructure:"busy_requeue_delay" validate:"gte=0" default:"10s"`
	DefaultCurrency  string        `mapstructure:"default_currency" validate:"required,len=3" default:"USD"`
}

// RetryConfig holds the retry lane policy
type RetryConfig struct {
	Strategy    types.RetryStrategy `mapstructure:"strategy" validate:"required" default:"constant"`
	Interval    time.Duration       `mapstructure:"interval" validate:"gt=0" default:"5m"`
	Multiplier  float64             `mapstructure:"multiplier" validate:"gte=1" default:"2"`
	MaxInterval time.Duration       `mapstructure:"max_interval" validate:"gte=0" default:"24h"`
	Schedule    []time.Duration     `mapstructure:"schedule"`
	// MaxAttempts of zero retries forever
	MaxAttempts int `mapstructure:"max_attempts" validate:"gte=0" default:"0"`
}

// QueueConfig holds the notification poller settings
type QueueConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval" validate:"gt=0" default:"3s"`
	BatchSize     int           `mapstructure:"batch_size" validate:"gt=0" default:"50"`
	MaxWorkers    int           `mapstructure:"max_workers" validate:"gt=0" default:"8"`
	ClaimTTL      time.Duration `mapstructure:"claim_ttl" validate:"gt=0" default:"5m"`
	DispatchRate  float64       `mapstructure:"dispatch_rate" validate:"gte=0" default:"50"`
	DispatchBurst int           `mapstructure:"dispatch_burst" validate:"gte=0" default:"10"`
}

// PluginConfig holds the plugin gateway settings
type PluginConfig struct {
	CallTimeout time.Duration        `mapstructure:"call_timeout" default:"30s"`
	HTTPRetries int                  `mapstructure:"http_retries" default:"2"`
	Remote      []RemotePluginConfig `mapstructure:"remote" validate:"dive"`
}

// RemotePluginConfig registers an invoice plugin reached over HTTP
type RemotePluginConfig struct {
	Name    string            `mapstructure:"name" validate:"required"`
	URL     string            `mapstructure:"url" validate:"required,url"`
	Headers map[string]string `mapstructure:"headers"`
}

type CacheConfig struct {
	Enabled    bool          `mapstructure:"enabled" default:"true"`
	AccountTTL time.Duration `mapstructure:"account_ttl" default:"5m"`
}

func NewConfig() (*Configuration, error) {
	// .env is optional, real environment variables win
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/killbill")

	v.SetEnvPrefix("KILLBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(
		".", "_",
		"-", "_",
	))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("Error reading config file: %v\n", err)
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, err
		}
	} else {
		fmt.Printf("Using config file: %s\n", v.ConfigFileUsed())
	}

	var config Configuration
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	d := GetDefaultConfig()
	v.SetDefault("deployment.mode", d.Deployment.Mode)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("postgres.conn_max_lifetime", time.Hour)
	v.SetDefault("event.publish_destination", d.Event.PublishDestination)
	v.SetDefault("event.topic", d.Event.Topic)
	v.SetDefault("event.trigger_topic", d.Event.TriggerTopic)
	v.SetDefault("event.consume_triggers", d.Event.ConsumeTriggers)
	v.SetDefault("event.max_retries", d.Event.MaxRetries)
	v.SetDefault("event.initial_interval", d.Event.InitialInterval)
	v.SetDefault("event.max_interval", d.Event.MaxInterval)
	v.SetDefault("event.multiplier", d.Event.Multiplier)
	v.SetDefault("sentry.sample_rate", 1.0)
	v.SetDefault("invoice.notification_window", d.Invoice.NotificationWindow)
	v.SetDefault("invoice.lease_ttl", d.Invoice.LeaseTTL)
	v.SetDefault("invoice.lease_wait", d.Invoice.LeaseWait)
	v.SetDefault("invoice.busy_requeue_delay", d.Invoice.BusyRequeueDelay)
	v.SetDefault("invoice.default_currency", d.Invoice.DefaultCurrency)
	v.SetDefault("retry.strategy", d.Retry.Strategy)
	v.SetDefault("retry.interval", d.Retry.Interval)
	v.SetDefault("retry.multiplier", d.Retry.Multiplier)
	v.SetDefault("retry.max_interval", d.Retry.MaxInterval)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("queue.poll_interval", d.Queue.PollInterval)
	v.SetDefault("queue.batch_size", d.Queue.BatchSize)
	v.SetDefault("queue.max_workers", d.Queue.MaxWorkers)
	v.SetDefault("queue.claim_ttl", d.Queue.ClaimTTL)
	v.SetDefault("queue.dispatch_rate", d.Queue.DispatchRate)
	v.SetDefault("queue.dispatch_burst", d.Queue.DispatchBurst)
	v.SetDefault("plugin.call_timeout", d.Plugin.CallTimeout)
	v.SetDefault("plugin.http_retries", d.Plugin.HTTPRetries)
	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.account_ttl", d.Cache.AccountTTL)
}

func (c Configuration) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	if err := c.Retry.Strategy.Validate(); err != nil {
		return err
	}
	if c.Retry.Strategy == types.RetryStrategySchedule && len(c.Retry.Schedule) == 0 {
		return fmt.Errorf("retry.schedule must not be empty when retry.strategy is %q", types.RetryStrategySchedule)
	}
	// the account lease is renewed before every plugin call
	if c.Plugin.CallTimeout > 0 && c.Invoice.LeaseTTL <= c.Plugin.CallTimeout {
		return fmt.Errorf("invoice.lease_ttl (%s) must exceed plugin.call_timeout (%s)", c.Invoice.LeaseTTL, c.Plugin.CallTimeout)
	}
	return nil
}

// GetDefaultConfig returns a default configuration for local development
// and tests
func GetDefaultConfig() *Configuration {
	return &Configuration{
		Deployment: DeploymentConfig{Mode: types.ModeLocal},
		Logging:    LoggingConfig{Level: types.LogLevelDebug},
		Event: EventConfig{
			PublishDestination: types.MemoryPubSub,
			Topic:              "invoice_events",
			TriggerTopic:       "invoice_triggers",
			ConsumeTriggers:    true,
			MaxRetries:         3,
			InitialInterval:    time.Second,
			MaxInterval:        10 * time.Second,
			Multiplier:         2,
		},
		Invoice: InvoiceConfig{
			NotificationWindow: 24 * time.Hour,
			LeaseTTL:           5 * time.Minute,
			LeaseWait:          30 * time.Second,
			BusyRequeueDelay:   10 * time.Second,
			DefaultCurrency:    "USD",
		},
		Retry: RetryConfig{
			Strategy:    types.RetryStrategyConstant,
			Interval:    5 * time.Minute,
			Multiplier:  2,
			MaxInterval: 24 * time.Hour,
		},
		Queue: QueueConfig{
			PollInterval:  3 * time.Second,
			BatchSize:     50,
			MaxWorkers:    8,
			ClaimTTL:      5 * time.Minute,
			DispatchRate:  50,
			DispatchBurst: 10,
		},
		Plugin: PluginConfig{
			CallTimeout: 30 * time.Second,
			HTTPRetries: 2,
		},
		Cache: CacheConfig{
			Enabled:    true,
			AccountTTL: 5 * time.Minute,
		},
	}
}

func (c PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"user=%s password=%s dbname=%s host=%s port=%d sslmode=%s",
		c.User,
		c.Password,
		c.DBName,
		c.Host,
		c.Port,
		c.SSLMode,
	)
}
