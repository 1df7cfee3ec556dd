// Package config loads latch settings from a config file and LATCH_*
// environment variables.
package config

import (
	"log/slog"
	"strings"
	"time"
)

// Config holds all latch configuration.
type Config struct {
	Lock      LockConfig      `mapstructure:"lock"`
	Task      TaskConfig      `mapstructure:"task"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LockConfig selects and parameterises the lock backend.
type LockConfig struct {
	Backend string `mapstructure:"backend" validate:"required,oneof=file db redis nats memory"`
	// Component is the namespace used when a command line does not name one.
	Component string `mapstructure:"component"`
	// Notify attaches a release notification bus. Kafka is used when brokers
	// are configured, otherwise redis and nats use their own connection.
	Notify bool `mapstructure:"notify"`

	File  FileConfig  `mapstructure:"file"`
	DB    DBConfig    `mapstructure:"db"`
	Redis RedisConfig `mapstructure:"redis"`
	NATS  NATSConfig  `mapstructure:"nats"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// FileConfig configures the file backend.
type FileConfig struct {
	Dir string `mapstructure:"dir"`
}

// DBConfig configures the database backend and the database task store.
type DBConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `mapstructure:"dsn"`
	Table  string `mapstructure:"table" validate:"required"`
}

// RedisConfig configures the redis backend. URL, when set, wins over the
// individual connection fields.
type RedisConfig struct {
	URL      string `mapstructure:"url" validate:"omitempty,url"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port" validate:"gt=0,lt=65536"`
	Database int    `mapstructure:"database" validate:"gte=0"`
	Prefix   string `mapstructure:"prefix"`
	Password string `mapstructure:"password"`
}

// NATSConfig configures the NATS JetStream backend.
type NATSConfig struct {
	URL       string        `mapstructure:"url"`
	Bucket    string        `mapstructure:"bucket" validate:"required"`
	BucketTTL time.Duration `mapstructure:"bucket_ttl" validate:"gte=0"`
}

// KafkaConfig configures the Kafka notification bus.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" validate:"dive,hostname_port"`
	Topic   string   `mapstructure:"topic"`
}

// TaskConfig configures the adhoc task dispatcher. The memory store lives
// only as long as the process using it.
type TaskConfig struct {
	Store        string         `mapstructure:"store" validate:"oneof=memory db"`
	DefaultLimit int            `mapstructure:"default_limit" validate:"gte=1"`
	Limits       map[string]int `mapstructure:"limits" validate:"dive,keys,required,endkeys,gte=1"`
	Workers      int            `mapstructure:"workers" validate:"gte=1"`
	BatchSize    int            `mapstructure:"batch_size" validate:"gte=1"`
	PollInterval time.Duration  `mapstructure:"poll_interval" validate:"gt=0"`
	RuntimeWarn  time.Duration  `mapstructure:"runtime_warn" validate:"gt=0"`
	RuntimeError time.Duration  `mapstructure:"runtime_error" validate:"gtfield=RuntimeWarn"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// SlogLevel returns the configured level for log/slog.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
	Trace       bool   `mapstructure:"trace"`
}
