package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

// Storage backends understood by Store.Backend.
const (
	BackendMemory   = "memory"
	BackendPebble   = "pebble"
	BackendPostgres = "postgres"
)

// Failure policies understood by Dispatch.FailurePolicy.
const (
	PolicyRetry      = "retry"
	PolicyDeadLetter = "deadletter"
	PolicyDrop       = "drop"
)

type Store struct {
	Backend     string        `toml:"backend"`
	PebblePath  string        `toml:"pebble_path"`
	PostgresDSN string        `toml:"postgres_dsn"`
	LockTimeout time.Duration `toml:"lock_timeout"`
}

type Kafka struct {
	Brokers         []string `toml:"brokers"`
	ActionTopic     string   `toml:"action_topic"`
	EventTopic      string   `toml:"event_topic"`
	DeadLetterTopic string   `toml:"dead_letter_topic"`
	GroupID         string   `toml:"group_id"`
}

// Enabled reports whether a broker list was configured. Without brokers the
// node only accepts actions over HTTP.
func (k Kafka) Enabled() bool { return len(k.Brokers) > 0 }

type API struct {
	Addr           string   `toml:"addr"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type Matching struct {
	// TimeZone is the reference zone that decides which trading day a fill
	// belongs to. Server locale never matters.
	TimeZone         string `toml:"time_zone"`
	AccountCacheSize int    `toml:"account_cache_size"`
}

type Dispatch struct {
	// FailurePolicy decides what happens to an inbound message whose action
	// failed: retry, deadletter or drop.
	FailurePolicy  string `toml:"failure_policy"`
	MaxAttempts    int    `toml:"max_attempts"`
	DeadLetterFile string `toml:"dead_letter_file"`
}

type Notify struct {
	Buffer  int    `toml:"buffer"`
	Retries uint64 `toml:"retries"`
}

type Log struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

type Config struct {
	Store    Store    `toml:"store"`
	Kafka    Kafka    `toml:"kafka"`
	API      API      `toml:"api"`
	Matching Matching `toml:"matching"`
	Dispatch Dispatch `toml:"dispatch"`
	Notify   Notify   `toml:"notify"`
	Log      Log      `toml:"log"`
}

func Default() Config {
	return Config{
		Store: Store{
			Backend:     BackendMemory,
			PebblePath:  "data/stockmatch",
			LockTimeout: 5 * time.Second,
		},
		Kafka: Kafka{
			ActionTopic:     "order.created",
			EventTopic:      "order.evented",
			DeadLetterTopic: "order.created.dlq",
			GroupID:         "stockmatch",
		},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Matching: Matching{
			TimeZone:         "Asia/Seoul",
			AccountCacheSize: 4096,
		},
		Dispatch: Dispatch{
			FailurePolicy: PolicyRetry,
			MaxAttempts:   5,
		},
		Notify: Notify{
			Buffer:  1024,
			Retries: 3,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Validate rejects combinations the node cannot start with.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPebble:
		if c.Store.PebblePath == "" {
			return errors.New("pebble backend requires PEBBLE_PATH")
		}
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("postgres backend requires POSTGRES_DSN")
		}
	default:
		return errors.Newf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Dispatch.FailurePolicy {
	case PolicyRetry, PolicyDeadLetter, PolicyDrop:
	default:
		return errors.Newf("unknown failure policy %q", c.Dispatch.FailurePolicy)
	}
	if c.Dispatch.MaxAttempts < 1 {
		return errors.New("max attempts must be at least 1")
	}
	if _, err := time.LoadLocation(c.Matching.TimeZone); err != nil {
		return errors.Wrapf(err, "trading time zone %q", c.Matching.TimeZone)
	}
	return nil
}

// Load reads an optional TOML file on top of the defaults and then applies
// .env and environment overrides.
// Priority: ENV > .env file > TOML file > defaults
func Load(tomlPath, envPath string) (Config, error) {
	cfg := Default()
	if tomlPath != "" {
		if _, err := toml.DecodeFile(tomlPath, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "failed to decode config file %s", tomlPath)
		}
	}
	applyEnv(&cfg, envPath)
	return cfg, cfg.Validate()
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()
	applyEnv(&cfg, envPath)
	return cfg
}

func applyEnv(cfg *Config, envPath string) {
	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Store.Backend = getEnv("STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.PebblePath = getEnv("PEBBLE_PATH", cfg.Store.PebblePath)
	cfg.Store.PostgresDSN = getEnv("POSTGRES_DSN", cfg.Store.PostgresDSN)
	if ms := getEnvInt("LOCK_TIMEOUT_MS"); ms > 0 {
		cfg.Store.LockTimeout = time.Duration(ms) * time.Millisecond
	}

	// Brokers from comma-separated list, e.g. "kafka1:9092,kafka2:9092"
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = splitList(brokers)
	}
	cfg.Kafka.ActionTopic = getEnv("KAFKA_ACTION_TOPIC", cfg.Kafka.ActionTopic)
	cfg.Kafka.EventTopic = getEnv("KAFKA_EVENT_TOPIC", cfg.Kafka.EventTopic)
	cfg.Kafka.DeadLetterTopic = getEnv("KAFKA_DLQ_TOPIC", cfg.Kafka.DeadLetterTopic)
	cfg.Kafka.GroupID = getEnv("KAFKA_GROUP_ID", cfg.Kafka.GroupID)

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := os.Getenv("API_ALLOWED_ORIGINS"); origins != "" {
		cfg.API.AllowedOrigins = splitList(origins)
	}

	cfg.Matching.TimeZone = getEnv("TRADING_TIMEZONE", cfg.Matching.TimeZone)
	if n := getEnvInt("ACCOUNT_CACHE_SIZE"); n > 0 {
		cfg.Matching.AccountCacheSize = n
	}

	cfg.Dispatch.FailurePolicy = getEnv("DISPATCH_FAILURE_POLICY", cfg.Dispatch.FailurePolicy)
	if n := getEnvInt("DISPATCH_MAX_ATTEMPTS"); n > 0 {
		cfg.Dispatch.MaxAttempts = n
	}
	cfg.Dispatch.DeadLetterFile = getEnv("DEAD_LETTER_FILE", cfg.Dispatch.DeadLetterFile)

	if n := getEnvInt("NOTIFY_BUFFER"); n > 0 {
		cfg.Notify.Buffer = n
	}
	if n := getEnvInt("NOTIFY_RETRIES"); n >= 0 && os.Getenv("NOTIFY_RETRIES") != "" {
		cfg.Notify.Retries = uint64(n)
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the integer value of key, or -1 when unset or malformed.
func getEnvInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
