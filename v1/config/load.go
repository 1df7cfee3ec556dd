package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// EnvPrefix prefixes every environment variable read by Load, e.g.
// LATCH_LOCK_BACKEND for lock.backend.
const EnvPrefix = "LATCH"

func setDefaults(v *viper.Viper) {
	v.SetDefault("lock.backend", "file")
	v.SetDefault("lock.component", "")
	v.SetDefault("lock.notify", false)
	v.SetDefault("lock.file.dir", filepath.Join(os.TempDir(), "latch-locks"))
	v.SetDefault("lock.db.driver", "sqlite")
	v.SetDefault("lock.db.dsn", "file:"+filepath.Join(os.TempDir(), "latch.db"))
	v.SetDefault("lock.db.table", "latch_locks")
	v.SetDefault("lock.redis.url", "")
	v.SetDefault("lock.redis.host", "")
	v.SetDefault("lock.redis.port", 6379)
	v.SetDefault("lock.redis.database", 0)
	v.SetDefault("lock.redis.prefix", "")
	v.SetDefault("lock.redis.password", "")
	v.SetDefault("lock.nats.url", "")
	v.SetDefault("lock.nats.bucket", "latch_locks")
	v.SetDefault("lock.nats.bucket_ttl", time.Duration(0))
	v.SetDefault("lock.kafka.brokers", []string{})
	v.SetDefault("lock.kafka.topic", "latch-unlock")

	v.SetDefault("task.store", "db")
	v.SetDefault("task.default_limit", 1)
	v.SetDefault("task.limits", map[string]int{})
	v.SetDefault("task.workers", 4)
	v.SetDefault("task.batch_size", 100)
	v.SetDefault("task.poll_interval", time.Second)
	v.SetDefault("task.runtime_warn", 12*time.Hour)
	v.SetDefault("task.runtime_error", 24*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("telemetry.metrics_addr", "")
	v.SetDefault("telemetry.trace", false)
}

// Load reads configuration from the file at path, when not empty, and from
// LATCH_* environment variables. Environment variables take precedence over
// the file. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", latcherrors.ErrInvalidConfig, path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", latcherrors.ErrInvalidConfig, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(lockStructLevel, LockConfig{})
	return v
}

// lockStructLevel checks the parameters the selected backend needs.
func lockStructLevel(sl validator.StructLevel) {
	c := sl.Current().Interface().(LockConfig)
	switch c.Backend {
	case "file":
		if c.File.Dir == "" {
			sl.ReportError(c.File.Dir, "File.Dir", "dir", "required_for_backend", c.Backend)
		}
	case "db":
		if c.DB.DSN == "" {
			sl.ReportError(c.DB.DSN, "DB.DSN", "dsn", "required_for_backend", c.Backend)
		}
	case "redis":
		if c.Redis.URL == "" && c.Redis.Host == "" {
			sl.ReportError(c.Redis.Host, "Redis.Host", "host", "required_for_backend", c.Backend)
		}
	case "nats":
		if c.NATS.URL == "" {
			sl.ReportError(c.NATS.URL, "NATS.URL", "url", "required_for_backend", c.Backend)
		}
	}
}

// Validate checks cfg and reports every problem at once.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", latcherrors.ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", latcherrors.ErrInvalidConfig, strings.Join(msgs, "; "))
}
