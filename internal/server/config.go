// Package server provides configuration helpers that define runtime defaults,
// validation, and the file, environment and flag layers for the relay service.
package server

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// RedisConfig enables cross-instance fanout when Addr is set.
type RedisConfig struct {
	Addr          string `yaml:"addr"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string          `yaml:"port"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	MaxMessageSize int64           `yaml:"max_message_size"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`

	SendBuffer      int           `yaml:"send_buffer"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongWait        time.Duration `yaml:"pong_wait"`
	WriteWait       time.Duration `yaml:"write_wait"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	RoomIdleTTL        time.Duration `yaml:"room_idle_ttl"`
	AwarenessCacheSize int           `yaml:"awareness_cache_size"`
	StrictFraming      bool          `yaml:"strict_framing"`
	RebroadcastStep2   bool          `yaml:"rebroadcast_step2"`

	MetricsPath string      `yaml:"metrics_path"`
	Env         string      `yaml:"env"`
	Redis       RedisConfig `yaml:"redis"`
}

const (
	defaultPort           = ":8080"
	defaultMaxMessageSize = 1 << 20
	defaultSendBuffer     = 256
)

func defaultConfig() Config {
	return Config{
		Port: defaultPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          100,
			RefillInterval: time.Second,
		},
		SendBuffer:         defaultSendBuffer,
		PingInterval:       54 * time.Second,
		PongWait:           60 * time.Second,
		WriteWait:          10 * time.Second,
		ShutdownTimeout:    10 * time.Second,
		RoomIdleTTL:        5 * time.Minute,
		AwarenessCacheSize: 128,
		MetricsPath:        "/metrics",
		Env:                "development",
		Redis: RedisConfig{
			ChannelPrefix: "docrelay",
		},
	}
}

// SanitizeConfig replaces invalid values with defaults and normalizes the
// origin list.
func SanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	// Pings must go out before the peer's pong deadline passes.
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.RoomIdleTTL < 0 {
		cfg.RoomIdleTTL = 0
	}
	if cfg.AwarenessCacheSize <= 0 {
		cfg.AwarenessCacheSize = def.AwarenessCacheSize
	}
	if cfg.MetricsPath != "" && !strings.HasPrefix(cfg.MetricsPath, "/") {
		cfg.MetricsPath = "/" + cfg.MetricsPath
	}
	if cfg.Env == "" {
		cfg.Env = def.Env
	}
	if cfg.Redis.ChannelPrefix == "" {
		cfg.Redis.ChannelPrefix = def.Redis.ChannelPrefix
	}

	normalized, allowAll := normalizeOrigins(cfg.AllowedOrigins, nil)
	if allowAll {
		normalized = append(normalized, "*")
	}
	cfg.AllowedOrigins = normalized

	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	ApplyEnv(&cfg, os.LookupEnv)
	return &cfg
}

// LoadConfigFile merges the YAML file at path into cfg. Keys missing from
// the file keep their current values.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// LoadConfig builds the effective configuration: defaults, then the YAML
// file named by --config or DOCRELAY_CONFIG, then environment variables,
// then command-line flags.
func LoadConfig(args []string, lookup func(string) (string, bool)) (*Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	fs := pflag.NewFlagSet("docrelay", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	flagged := defaultConfig()
	copies := bindFlags(fs, &flagged)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	path := *configPath
	if path == "" {
		path, _ = lookup("DOCRELAY_CONFIG")
	}
	if path != "" {
		if err := LoadConfigFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	ApplyEnv(&cfg, lookup)

	fs.Visit(func(f *pflag.Flag) {
		if copyFlag, ok := copies[f.Name]; ok {
			copyFlag(&flagged, &cfg)
		}
	})

	sanitized := SanitizeConfig(cfg)
	if err := sanitized.Validate(); err != nil {
		return nil, err
	}
	return &sanitized, nil
}

// Validate reports settings that cannot be repaired with defaults.
func (c Config) Validate() error {
	if c.Redis.DB < 0 {
		return errors.New("redis db must not be negative")
	}
	if len(c.AllowedOrigins) == 0 {
		return errors.New("at least one allowed origin is required")
	}
	return nil
}

type flagCopy func(from, to *Config)

func bindFlags(fs *pflag.FlagSet, v *Config) map[string]flagCopy {
	fs.StringVar(&v.Port, "port", v.Port, "listen address")
	fs.StringSliceVar(&v.AllowedOrigins, "allowed-origins", v.AllowedOrigins, "origins allowed to open websockets (* for any)")
	fs.Int64Var(&v.MaxMessageSize, "max-message-size", v.MaxMessageSize, "largest inbound frame in bytes")
	fs.IntVar(&v.RateLimit.Burst, "rate-limit-burst", v.RateLimit.Burst, "inbound frames allowed per refill interval")
	fs.DurationVar(&v.RateLimit.RefillInterval, "rate-limit-refill-interval", v.RateLimit.RefillInterval, "rate limit refill interval")
	fs.IntVar(&v.SendBuffer, "send-buffer", v.SendBuffer, "outbound frames buffered per connection")
	fs.DurationVar(&v.RoomIdleTTL, "room-idle-ttl", v.RoomIdleTTL, "evict empty rooms after this long (0 keeps them)")
	fs.IntVar(&v.AwarenessCacheSize, "awareness-cache-size", v.AwarenessCacheSize, "awareness states kept per room")
	fs.BoolVar(&v.StrictFraming, "strict-framing", v.StrictFraming, "reject frames without a length-prefixed payload")
	fs.BoolVar(&v.RebroadcastStep2, "rebroadcast-step2", v.RebroadcastStep2, "forward sync step2 payloads to other peers")
	fs.StringVar(&v.MetricsPath, "metrics-path", v.MetricsPath, "metrics endpoint path (empty disables)")
	fs.StringVar(&v.Env, "env", v.Env, "environment name (production switches to JSON logs)")
	fs.StringVar(&v.Redis.Addr, "redis-addr", v.Redis.Addr, "redis address for cross-instance fanout")
	fs.IntVar(&v.Redis.DB, "redis-db", v.Redis.DB, "redis database")
	fs.StringVar(&v.Redis.ChannelPrefix, "redis-channel-prefix", v.Redis.ChannelPrefix, "redis channel prefix")

	return map[string]flagCopy{
		"port":                       func(f, t *Config) { t.Port = f.Port },
		"allowed-origins":            func(f, t *Config) { t.AllowedOrigins = f.AllowedOrigins },
		"max-message-size":           func(f, t *Config) { t.MaxMessageSize = f.MaxMessageSize },
		"rate-limit-burst":           func(f, t *Config) { t.RateLimit.Burst = f.RateLimit.Burst },
		"rate-limit-refill-interval": func(f, t *Config) { t.RateLimit.RefillInterval = f.RateLimit.RefillInterval },
		"send-buffer":                func(f, t *Config) { t.SendBuffer = f.SendBuffer },
		"room-idle-ttl":              func(f, t *Config) { t.RoomIdleTTL = f.RoomIdleTTL },
		"awareness-cache-size":       func(f, t *Config) { t.AwarenessCacheSize = f.AwarenessCacheSize },
		"strict-framing":             func(f, t *Config) { t.StrictFraming = f.StrictFraming },
		"rebroadcast-step2":          func(f, t *Config) { t.RebroadcastStep2 = f.RebroadcastStep2 },
		"metrics-path":               func(f, t *Config) { t.MetricsPath = f.MetricsPath },
		"env":                        func(f, t *Config) { t.Env = f.Env },
		"redis-addr":                 func(f, t *Config) { t.Redis.Addr = f.Redis.Addr },
		"redis-db":                   func(f, t *Config) { t.Redis.DB = f.Redis.DB },
		"redis-channel-prefix":       func(f, t *Config) { t.Redis.ChannelPrefix = f.Redis.ChannelPrefix },
	}
}

// ApplyEnv overrides cfg with the environment variables lookup reports.
// Unparseable values are ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	if port := get("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if origins := get("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := get("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}
	if burst := get("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := get("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseDuration(interval, cfg.RateLimit.RefillInterval)
	}
	if buf := get("SEND_BUFFER"); buf != "" {
		cfg.SendBuffer = parseIntValue(buf, cfg.SendBuffer)
	}
	if ttl := get("ROOM_IDLE_TTL"); ttl != "" {
		if ttl == "0" {
			cfg.RoomIdleTTL = 0
		} else {
			cfg.RoomIdleTTL = parseDuration(ttl, cfg.RoomIdleTTL)
		}
	}
	if size := get("AWARENESS_CACHE_SIZE"); size != "" {
		cfg.AwarenessCacheSize = parseIntValue(size, cfg.AwarenessCacheSize)
	}
	if strict := get("STRICT_FRAMING"); strict != "" {
		cfg.StrictFraming = parseBool(strict, cfg.StrictFraming)
	}
	if addr, ok := lookup("REDIS_ADDR"); ok {
		cfg.Redis.Addr = strings.TrimSpace(addr)
	}
	if db := get("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil && n >= 0 {
			cfg.Redis.DB = n
		}
	}
	if prefix := get("REDIS_CHANNEL_PREFIX"); prefix != "" {
		cfg.Redis.ChannelPrefix = prefix
	}
	if path, ok := lookup("METRICS_PATH"); ok {
		cfg.MetricsPath = strings.TrimSpace(path)
	}
	if env := get("APP_ENV"); env != "" {
		cfg.Env = env
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts Go durations ("1.5s") or whole seconds ("2").
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func parseBool(value string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return defaultValue
}
