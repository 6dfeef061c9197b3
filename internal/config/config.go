// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"iot-sensor-gateway/internal/auth"
	"iot-sensor-gateway/internal/data"
)

type Config struct {
	Server struct {
		Port            int           `mapstructure:"port"`
		WebDir          string        `mapstructure:"web_dir"`
		AllowedOrigins  []string      `mapstructure:"allowed_origins"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`

	Log struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"log"`

	History struct {
		Capacity int `mapstructure:"capacity"`
	} `mapstructure:"history"`

	Thresholds data.Thresholds `mapstructure:"thresholds"`

	Cooldown struct {
		Window  time.Duration `mapstructure:"window"`
		MaxKeys int           `mapstructure:"max_keys"`
		Backend string        `mapstructure:"backend"` // memory or redis
	} `mapstructure:"cooldown"`

	Redis struct {
		Addr      string `mapstructure:"addr"`
		Password  string `mapstructure:"password"`
		DB        int    `mapstructure:"db"`
		KeyPrefix string `mapstructure:"key_prefix"`
	} `mapstructure:"redis"`

	RateLimit struct {
		Enabled     bool          `mapstructure:"enabled"`
		Window      time.Duration `mapstructure:"window"`
		APILimit    int           `mapstructure:"api_limit"`    // per client IP on /api
		IngestLimit int           `mapstructure:"ingest_limit"` // per client IP on /api/sensor-data
		KeyPrefix   string        `mapstructure:"key_prefix"`
	} `mapstructure:"rate_limit"`

	Alerts struct {
		Store       string `mapstructure:"store"` // none, memory or postgres
		MemoryLimit int    `mapstructure:"memory_limit"`
	} `mapstructure:"alerts"`

	Postgres struct {
		DSN          string `mapstructure:"dsn"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
	} `mapstructure:"postgres"`

	Telegram struct {
		BotToken string        `mapstructure:"bot_token"`
		ChatIDs  []string      `mapstructure:"chat_ids"`
		APIURL   string        `mapstructure:"api_url"`
		Timeout  time.Duration `mapstructure:"timeout"`
	} `mapstructure:"telegram"`

	MQTT struct {
		Broker   string `mapstructure:"broker"` // empty disables MQTT ingress
		ClientID string `mapstructure:"client_id"`
		Topic    string `mapstructure:"topic"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		QoS      int    `mapstructure:"qos"`
	} `mapstructure:"mqtt"`

	Kafka struct {
		Brokers       []string `mapstructure:"brokers"` // empty disables the event stream
		ReadingsTopic string   `mapstructure:"readings_topic"`
		AlertsTopic   string   `mapstructure:"alerts_topic"`
	} `mapstructure:"kafka"`

	Auth auth.Config `mapstructure:"auth"`
}

// legacyEnv maps config keys to the flat environment names deployments
// already use. They are checked after the SECTION_KEY form.
var legacyEnv = map[string][]string{
	"server.port":                 {"PORT"},
	"server.allowed_origins":      {"FRONTEND_URL"},
	"thresholds.temperature_high": {"TEMP_HIGH_THRESHOLD"},
	"thresholds.temperature_low":  {"TEMP_LOW_THRESHOLD"},
	"thresholds.humidity_high":    {"HUMIDITY_HIGH_THRESHOLD"},
	"thresholds.humidity_low":     {"HUMIDITY_LOW_THRESHOLD"},
	"thresholds.motion_detection": {"MOTION_DETECTION"},
	"telegram.bot_token":          {"TELEGRAM_BOT_TOKEN"},
	"telegram.chat_ids":           {"TELEGRAM_CHAT_IDS", "TELEGRAM_CHAT_ID"},
	"auth.api_keys":               {"API_KEY"},
	"auth.jwt_secret":             {"JWT_SECRET"},
}

// Load reads <dir>/.env, <dir>/config.yaml and the environment, in increasing
// order of precedence. Missing files are not an error.
func Load(dir string) (*Config, error) {
	envFile := filepath.Join(dir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.web_dir", "")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173", "http://localhost:3000"})
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("history.capacity", 50)

	v.SetDefault("thresholds.temperature_high", 35.0)
	v.SetDefault("thresholds.temperature_low", 15.0)
	v.SetDefault("thresholds.humidity_high", 70.0)
	v.SetDefault("thresholds.humidity_low", 30.0)
	v.SetDefault("thresholds.motion_detection", true)

	v.SetDefault("cooldown.window", 5*time.Minute)
	v.SetDefault("cooldown.max_keys", 100)
	v.SetDefault("cooldown.backend", "memory")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "cooldown:")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("rate_limit.api_limit", 100)
	v.SetDefault("rate_limit.ingest_limit", 120)
	v.SetDefault("rate_limit.key_prefix", "ratelimit:")

	v.SetDefault("alerts.store", "memory")
	v.SetDefault("alerts.memory_limit", 500)

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_open_conns", 10)

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_ids", []string{})
	v.SetDefault("telegram.api_url", "https://api.telegram.org")
	v.SetDefault("telegram.timeout", 10*time.Second)

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "iot-sensor-gateway")
	v.SetDefault("mqtt.topic", "sensors/+/data")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.readings_topic", "sensor-readings")
	v.SetDefault("kafka.alerts_topic", "sensor-alerts")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_expiration", 1440)
	v.SetDefault("auth.api_keys", []string{})
	v.SetDefault("auth.users", []auth.User{})
}

// normalize trims list values that came in as comma separated strings.
func (c *Config) normalize() {
	c.Server.AllowedOrigins = cleanList(c.Server.AllowedOrigins)
	c.Telegram.ChatIDs = cleanList(c.Telegram.ChatIDs)
	c.Kafka.Brokers = cleanList(c.Kafka.Brokers)
	c.Auth.APIKeys = cleanList(c.Auth.APIKeys)
	c.Cooldown.Backend = strings.ToLower(strings.TrimSpace(c.Cooldown.Backend))
	c.Alerts.Store = strings.ToLower(strings.TrimSpace(c.Alerts.Store))
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate rejects settings the gateway cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.History.Capacity <= 0 {
		return fmt.Errorf("history.capacity must be positive, got %d", c.History.Capacity)
	}
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if c.Cooldown.Window <= 0 {
		return fmt.Errorf("cooldown.window must be positive, got %s", c.Cooldown.Window)
	}
	switch c.Cooldown.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown cooldown.backend %q", c.Cooldown.Backend)
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate_limit.window must be positive, got %s", c.RateLimit.Window)
		}
		if c.RateLimit.APILimit <= 0 || c.RateLimit.IngestLimit <= 0 {
			return fmt.Errorf("rate_limit limits must be positive, got api=%d ingest=%d",
				c.RateLimit.APILimit, c.RateLimit.IngestLimit)
		}
	}
	switch c.Alerts.Store {
	case "none", "memory":
	case "postgres":
		if c.Postgres.DSN == "" {
			return errors.New("alerts.store is postgres but postgres.dsn is empty")
		}
	default:
		return fmt.Errorf("unknown alerts.store %q", c.Alerts.Store)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	return nil
}

// TelegramEnabled reports whether alert notifications can be delivered.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != "" && len(c.Telegram.ChatIDs) > 0
}
