package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/sketchsync/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string           `mapstructure:"mode"`
	Port       int              `mapstructure:"port"`
	LogLevel   string           `mapstructure:"log_level"`
	Secret     string           `mapstructure:"secret"`
	Auth       AuthConfig       `mapstructure:"auth"`
	WS         WSConfig         `mapstructure:"ws"`
	Heartbeat  HeartbeatConfig  `mapstructure:"heartbeat"`
	Room       RoomConfig       `mapstructure:"room"`
	Conn       ConnConfig       `mapstructure:"conn"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Compaction CompactionConfig `mapstructure:"compaction"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
}

type AuthConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret"`
	AllowGuests bool   `mapstructure:"allow_guests"`
}

type WSConfig struct {
	ReadLimit    int64         `mapstructure:"read_limit"`
	DiscardLimit int64         `mapstructure:"discard_limit"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
}

type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type RoomConfig struct {
	IdleTTL        time.Duration `mapstructure:"idle_ttl"`
	MaxMembers     int           `mapstructure:"max_members"`
	LogTail        int           `mapstructure:"log_tail"`
	MaxPayload     int           `mapstructure:"max_payload"`
	JoinRateLimit  int           `mapstructure:"join_rate_limit"`
	JoinRateWindow time.Duration `mapstructure:"join_rate_window"`
}

type ConnConfig struct {
	MaxProtocolErrors int `mapstructure:"max_protocol_errors"`
}

type StorageConfig struct {
	Driver        string        `mapstructure:"driver"`
	PostgresDSN   string        `mapstructure:"postgres_dsn"`
	AppendTimeout time.Duration `mapstructure:"append_timeout"`
	AppendRetries int           `mapstructure:"append_retries"`
	Migrate       bool          `mapstructure:"migrate"`
}

type RedisConfig struct {
	URL         string        `mapstructure:"url"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type CompactionConfig struct {
	Every int `mapstructure:"every"`
}

type ReconcileConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "change-me")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.allow_guests", true)

	v.SetDefault("ws.read_limit", 128<<10)
	v.SetDefault("ws.discard_limit", 4<<20)
	v.SetDefault("ws.send_buffer", 256)
	v.SetDefault("ws.write_wait", "5s")

	v.SetDefault("heartbeat.interval", "25s")
	v.SetDefault("heartbeat.timeout", "60s")

	v.SetDefault("room.idle_ttl", "5m")
	v.SetDefault("room.max_members", 64)
	v.SetDefault("room.log_tail", 1024)
	v.SetDefault("room.max_payload", 64<<10)
	v.SetDefault("room.join_rate_limit", 10)
	v.SetDefault("room.join_rate_window", "10s")

	v.SetDefault("conn.max_protocol_errors", 5)

	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.append_timeout", "5s")
	v.SetDefault("storage.append_retries", 2)
	v.SetDefault("storage.migrate", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.snapshot_ttl", "10m")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "sketchsync.rooms")

	v.SetDefault("compaction.every", 500)
	v.SetDefault("reconcile.batch_size", 256)
}

// Load reads config/config.<CONFIG_ENV>.yaml (or --config), then SKETCH_*
// environment variables, then command line flags, each overriding the last.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("sketchsync", pflag.ContinueOnError)
	configFile := fs.String("config", "", "path to a YAML config file")
	fs.Int("port", 0, "HTTP listen port")
	fs.String("mode", "", "debug, release or test")
	fs.String("log-level", "", "zerolog level")
	fs.String("storage-driver", "", "memory or postgres")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("SKETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flag := range map[string]string{
		"port":           "port",
		"mode":           "mode",
		"log_level":      "log-level",
		"storage.driver": "storage-driver",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	fileName := *configFile
	explicit := fileName != ""
	if !explicit {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)
	if err := v.ReadInConfig(); err != nil {
		if explicit {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("storage", cfg.Storage.Driver).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Mode == "debug" || c.Mode == "release" || c.Mode == "test", "mode %q must be debug, release or test", c.Mode)
	check(c.Port > 0 && c.Port < 65536, "port %d out of range", c.Port)
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}

	check(c.WS.SendBuffer > 0, "ws.send_buffer must be positive")
	check(c.WS.WriteWait > 0, "ws.write_wait must be positive")
	check(c.WS.ReadLimit >= int64(c.Room.MaxPayload+protocol.EnvelopeMargin),
		"ws.read_limit must be at least room.max_payload plus %d bytes of envelope", protocol.EnvelopeMargin)
	check(c.WS.DiscardLimit >= c.WS.ReadLimit, "ws.discard_limit must be at least ws.read_limit")
	check(c.Heartbeat.Interval > 0, "heartbeat.interval must be positive")
	check(c.Heartbeat.Timeout > c.Heartbeat.Interval, "heartbeat.timeout must exceed heartbeat.interval")

	check(c.Room.IdleTTL > 0, "room.idle_ttl must be positive")
	check(c.Room.MaxMembers >= 0, "room.max_members must not be negative")
	check(c.Room.LogTail >= 0, "room.log_tail must not be negative")
	check(c.Room.MaxPayload > 0, "room.max_payload must be positive")
	check(c.Room.JoinRateLimit >= 0, "room.join_rate_limit must not be negative")
	check(c.Conn.MaxProtocolErrors >= 0, "conn.max_protocol_errors must not be negative")

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		check(c.Storage.PostgresDSN != "", "storage.postgres_dsn is required for the postgres driver")
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q must be memory or postgres", c.Storage.Driver))
	}
	check(c.Storage.AppendTimeout > 0, "storage.append_timeout must be positive")
	check(c.Storage.AppendRetries >= 0, "storage.append_retries must not be negative")

	check(c.Compaction.Every >= 0, "compaction.every must not be negative")
	check(c.Reconcile.BatchSize > 0, "reconcile.batch_size must be positive")
	check(c.Auth.AllowGuests || c.Auth.JWTSecret != "", "auth.jwt_secret is required when guests are not allowed")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
