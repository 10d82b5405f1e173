package main

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	cerrors "github.com/randalmurphal/conduit/pkg/conduit/errors"
)

//go:embed defaults.yaml
var defaults []byte

// Settings is the CLI configuration.
type Settings struct {
	Service   string            `mapstructure:"service"`
	Log       LogSettings       `mapstructure:"log"`
	Metrics   MetricsSettings   `mapstructure:"metrics"`
	Bus       BusSettings       `mapstructure:"bus"`
	Storage   StorageSettings   `mapstructure:"storage"`
	Dedup     DedupSettings     `mapstructure:"dedup"`
	Publisher PublisherSettings `mapstructure:"publisher"`
	Dispatch  DispatchSettings  `mapstructure:"dispatch"`
	Monitor   MonitorSettings   `mapstructure:"monitor"`
	Sagas     SagaSettings      `mapstructure:"sagas"`
	Demo      DemoSettings      `mapstructure:"demo"`
}

type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsSettings struct {
	Addr string `mapstructure:"addr"`
}

type BusSettings struct {
	Kind            string        `mapstructure:"kind"`
	Partitions      int           `mapstructure:"partitions"`
	BufferSize      int           `mapstructure:"buffer_size"`
	MaxRedeliveries int           `mapstructure:"max_redeliveries"`
	HandlerTimeout  time.Duration `mapstructure:"handler_timeout"`
	Kafka           KafkaSettings `mapstructure:"kafka"`
}

type KafkaSettings struct {
	Brokers     []string `mapstructure:"brokers"`
	Topic       string   `mapstructure:"topic"`
	GroupPrefix string   `mapstructure:"group_prefix"`
	ClientID    string   `mapstructure:"client_id"`
}

type StorageSettings struct {
	Kind      string `mapstructure:"kind"`
	SQLiteDir string `mapstructure:"sqlite_dir"`
}

type DedupSettings struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	Retention     time.Duration `mapstructure:"retention"`
}

type RetrySettings struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	BackoffFactor  float64       `mapstructure:"backoff_factor"`
	Jitter         float64       `mapstructure:"jitter"`
}

// RetryConfig converts the settings.
func (r RetrySettings) RetryConfig() cerrors.RetryConfig {
	return cerrors.RetryConfig{
		MaxAttempts:    r.MaxAttempts,
		InitialBackoff: r.InitialBackoff,
		MaxBackoff:     r.MaxBackoff,
		BackoffFactor:  r.BackoffFactor,
		Jitter:         r.Jitter,
	}
}

type PublisherSettings struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	Retention    time.Duration `mapstructure:"retention"`
	Retry        RetrySettings `mapstructure:"retry"`
}

type DispatchSettings struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
	Retry    RetrySettings `mapstructure:"retry"`
}

type MonitorSettings struct {
	ScanInterval       time.Duration `mapstructure:"scan_interval"`
	OutboxPendingAfter time.Duration `mapstructure:"outbox_pending_after"`
	SagaStaleAfter     time.Duration `mapstructure:"saga_stale_after"`
	DeliveryLookback   time.Duration `mapstructure:"delivery_lookback"`
}

type SagaSettings struct {
	Retention time.Duration `mapstructure:"retention"`
}

type DemoSettings struct {
	Models          []string      `mapstructure:"models"`
	RejectInference []string      `mapstructure:"reject_inference"`
	RejectBilling   []string      `mapstructure:"reject_billing"`
	Wait            time.Duration `mapstructure:"wait"`
}

// loadSettings reads the embedded defaults, merges the YAML file at path (if
// any) and applies CONDUIT_* environment overrides, e.g. CONDUIT_BUS_KIND.
func loadSettings(path string) (Settings, error) {
	v := viper.New()

	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Settings{}, fmt.Errorf("read defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("CONDUIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return s, nil
}
