package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Backend Backend `yaml:"backend" mapstructure:"backend"`
	Zones   Zones   `yaml:"zones" mapstructure:"zones"`
	Queue   Queue   `yaml:"queue" mapstructure:"queue"`
	Stream  Stream  `yaml:"stream" mapstructure:"stream"`
	Storage Storage `yaml:"storage" mapstructure:"storage"`
	SOS     SOS     `yaml:"sos" mapstructure:"sos"`
	Log     Log     `yaml:"log" mapstructure:"log"`
}

// Backend configures the safety backend API.
type Backend struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Zones configures where zone definitions are fetched from. PrimaryURL and
// FallbackURL are tried in order; LocalFile is the last resort when both are
// unreachable.
type Zones struct {
	PrimaryURL  string `yaml:"primary_url" mapstructure:"primary_url"`
	FallbackURL string `yaml:"fallback_url" mapstructure:"fallback_url"`
	LocalFile   string `yaml:"local_file" mapstructure:"local_file"`
}

// Queue configures the durable offline action queue.
type Queue struct {
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries"`
}

// Stream configures the realtime event connection.
type Stream struct {
	URL             string `yaml:"url" mapstructure:"url"`
	BaseBackoffSecs int    `yaml:"base_backoff_secs" mapstructure:"base_backoff_secs"`
	MaxBackoffSecs  int    `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
}

// Storage configures local persistence.
type Storage struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// SOS configures alert dispatch.
type SOS struct {
	SubjectID       string `yaml:"subject_id" mapstructure:"subject_id"`
	EmergencyNumber string `yaml:"emergency_number" mapstructure:"emergency_number"`
}

// Log configures logging.
type Log struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Validate checks that the fields required by the given command mode are
// set. Modes are "run" (resident daemon) and "sos" (one-shot dispatch).
func (c *Config) Validate(mode string) error {
	var missing []string

	if c.Backend.BaseURL == "" {
		missing = append(missing, "backend.base_url is required")
	}
	if c.Storage.Path == "" {
		missing = append(missing, "storage.path is required")
	}
	if c.Queue.MaxRetries < 0 {
		missing = append(missing, "queue.max_retries must be >= 0")
	}

	switch mode {
	case "run":
		if c.Stream.URL == "" {
			missing = append(missing, "stream.url is required")
		}
		if c.Stream.BaseBackoffSecs < 1 || c.Stream.MaxBackoffSecs < c.Stream.BaseBackoffSecs {
			missing = append(missing, "stream backoff must satisfy 1 <= base <= max")
		}
	case "sos":
		if c.SOS.SubjectID == "" {
			missing = append(missing, "sos.subject_id is required")
		}
	case "zones":
		if c.Zones.PrimaryURL == "" && c.Zones.LocalFile == "" {
			missing = append(missing, "zones.primary_url or zones.local_file is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(missing) > 0 {
		return eris.New("config: " + strings.Join(missing, "; "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.timeout_secs", 10)
	v.SetDefault("zones.local_file", "zones.yaml")
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("stream.url", "ws://localhost:8000/ws/events")
	v.SetDefault("stream.base_backoff_secs", 1)
	v.SetDefault("stream.max_backoff_secs", 30)
	v.SetDefault("storage.path", "sentinel.db")
	v.SetDefault("sos.emergency_number", "112")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg Log) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
