// Package config loads mailroom settings from YAML files and MAILROOM_*
// environment variables, reloading on file change.
package config

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/gotrs-io/mailroom/internal/database"
)

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
)

// EnvPrefix prefixes every environment override, e.g. MAILROOM_DATABASE_DRIVER.
const EnvPrefix = "MAILROOM"

// Config represents the application configuration
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Events   EventsConfig   `mapstructure:"events"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Env      string `mapstructure:"env"`
	Debug    bool   `mapstructure:"debug"`
	Timezone string `mapstructure:"timezone"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Driver is postgres, mysql or sqlite3.
	Driver string `mapstructure:"driver"`
	// DSN, when set, is used verbatim instead of the parts below.
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type FetchConfig struct {
	// LockBackend is "memory" for a single process or "redis" to share
	// fetch exclusivity between processes.
	LockBackend        string        `mapstructure:"lock_backend"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
	PollSchedule       string        `mapstructure:"poll_schedule"`
	ReconcileSchedule  string        `mapstructure:"reconcile_schedule"`
	Workers            int           `mapstructure:"workers"`
	MaxMailboxes       int           `mapstructure:"max_mailboxes"`
	BatchLimit         int           `mapstructure:"batch_limit"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	MaxBodyBytes       int           `mapstructure:"max_body_bytes"`
	MaxAttachmentBytes int64         `mapstructure:"max_attachment_bytes"`
	// IMAPDeleteAfterFetch expunges handled IMAP messages instead of only
	// flagging them seen.
	IMAPDeleteAfterFetch bool `mapstructure:"imap_delete_after_fetch"`
	// POP3KeepMessages leaves handled POP3 messages on the server.
	POP3KeepMessages bool `mapstructure:"pop3_keep_messages"`
}

type IngestConfig struct {
	ContinuationStatuses []string      `mapstructure:"continuation_statuses"`
	MaxIdle              time.Duration `mapstructure:"max_idle"`
	SystemUserID         int64         `mapstructure:"system_user_id"`
	// NumberFormat is Plain, Padded or DateChecksum.
	NumberFormat string `mapstructure:"number_format"`
	NumberPrefix string `mapstructure:"number_prefix"`
}

type EventsConfig struct {
	Stream       bool              `mapstructure:"stream"`
	KafkaBrokers []string          `mapstructure:"kafka_brokers"`
	TopicPrefix  string            `mapstructure:"topic_prefix"`
	// Topics routes event types to explicit topic names; unrouted events
	// go to TopicPrefix + event type.
	Topics []TopicRoute `mapstructure:"topics"`
	// Buffer bounds the in-memory event log exposed to tests and the CLI.
	Buffer int `mapstructure:"buffer"`
}

type TopicRoute struct {
	Event string `mapstructure:"event"`
	Topic string `mapstructure:"topic"`
}

// TopicMap indexes the configured routes by event type.
func (c *EventsConfig) TopicMap() map[string]string {
	out := make(map[string]string, len(c.Topics))
	for _, r := range c.Topics {
		if r.Event != "" && r.Topic != "" {
			out[r.Event] = r.Topic
		}
	}
	return out
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LoggingConfig struct {
	Prefix string `mapstructure:"prefix"`
	// Flags is a list of log flag names: date, time, microseconds, utc,
	// shortfile, longfile, msgprefix.
	Flags []string `mapstructure:"flags"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "mailroom")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.timezone", "UTC")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.name", "mailroom.db")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)

	v.SetDefault("fetch.lock_backend", "memory")
	v.SetDefault("fetch.lock_ttl", 5*time.Minute)
	v.SetDefault("fetch.poll_schedule", "*/2 * * * *")
	v.SetDefault("fetch.reconcile_schedule", "30 3 * * *")
	v.SetDefault("fetch.workers", 2)
	v.SetDefault("fetch.max_mailboxes", 10)
	v.SetDefault("fetch.dial_timeout", 10*time.Second)
	v.SetDefault("fetch.max_body_bytes", 512*1024)
	v.SetDefault("fetch.max_attachment_bytes", 25*1024*1024)

	v.SetDefault("ingest.continuation_statuses", []string{"active", "pending"})
	v.SetDefault("ingest.system_user_id", 1)
	v.SetDefault("ingest.number_format", "Plain")

	v.SetDefault("events.stream", true)
	v.SetDefault("events.topic_prefix", "mailroom.")
	v.SetDefault("events.buffer", 1000)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logging.flags", []string{"date", "time", "utc"})
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load initializes the configuration with hot reload support. default.yaml
// must exist in configPath; config.yaml is merged over it when present.
func Load(configPath string) error {
	var err error
	once.Do(func() {
		v := newViper()

		v.SetConfigName("default")
		v.AddConfigPath(configPath)
		if err = v.ReadInConfig(); err != nil {
			err = fmt.Errorf("failed to read default config: %w", err)
			return
		}

		v.SetConfigName("config")
		if err = v.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				err = fmt.Errorf("failed to merge config: %w", err)
				return
			}
			err = nil
		}

		loaded := &Config{}
		if err = v.Unmarshal(loaded); err != nil {
			err = fmt.Errorf("failed to unmarshal config: %w", err)
			return
		}
		mu.Lock()
		cfg = loaded
		mu.Unlock()

		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			log.Printf("config: file changed: %s", e.Name)
			newCfg := &Config{}
			if err := v.Unmarshal(newCfg); err != nil {
				log.Printf("config: failed to reload: %v", err)
				return
			}
			if err := newCfg.Validate(); err != nil {
				log.Printf("config: keeping previous configuration: %v", err)
				return
			}
			mu.Lock()
			cfg = newCfg
			mu.Unlock()
			log.Printf("config: reloaded")
		})
	})

	return err
}

// Get returns the current configuration (thread-safe)
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// LoadFromFile loads configuration from a specific file (useful for testing)
func LoadFromFile(configFile string) error {
	v := newViper()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	loaded := &Config{}
	if err := v.Unmarshal(loaded); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	cfg = loaded
	return nil
}

// Defaults returns the built-in configuration with environment overrides
// applied, for running without any config file.
func Defaults() (*Config, error) {
	out := &Config{}
	if err := newViper().Unmarshal(out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return out, nil
}

// MustLoad loads configuration and panics on error
func MustLoad(configPath string) {
	if err := Load(configPath); err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
}

// GetDSN returns the connection string for the configured driver.
func (c *DatabaseConfig) GetDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	switch normalizeDriver(c.Driver) {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", c.User, c.Password, c.Host, c.Port, c.Name)
	case "sqlite3":
		return "file:" + c.Name + "?_foreign_keys=on&_busy_timeout=5000"
	default:
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
		)
	}
}

// Options converts the section into database.Open options.
func (c *DatabaseConfig) Options() database.Options {
	return database.Options{
		Driver:          normalizeDriver(c.Driver),
		DSN:             c.GetDSN(),
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
}

func normalizeDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "mysql", "mariadb":
		return "mysql"
	case "sqlite", "sqlite3":
		return "sqlite3"
	default:
		return "postgres"
	}
}

// GetRedisAddr returns the Redis server address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetServerAddr returns the server listen address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction returns true if running in production mode
func (c *AppConfig) IsProduction() bool {
	return c.Env == "production"
}

// IsDevelopment returns true if running in development mode
func (c *AppConfig) IsDevelopment() bool {
	return c.Env == "development"
}

// LogFlags maps the configured flag names onto log package flags.
func (c *LoggingConfig) LogFlags() int {
	flags := 0
	for _, name := range c.Flags {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "date":
			flags |= log.Ldate
		case "time":
			flags |= log.Ltime
		case "microseconds":
			flags |= log.Lmicroseconds
		case "utc":
			flags |= log.LUTC
		case "shortfile":
			flags |= log.Lshortfile
		case "longfile":
			flags |= log.Llongfile
		case "msgprefix":
			flags |= log.Lmsgprefix
		}
	}
	return flags
}

// NewLogger builds the process logger from the logging section.
func (c *LoggingConfig) NewLogger() *log.Logger {
	return log.New(log.Writer(), c.Prefix, c.LogFlags())
}
