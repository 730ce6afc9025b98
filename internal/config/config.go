package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the orchestration core reads from the
// environment. The deployment shell only sets variables and starts the
// process; all defaults live here.
type Config struct {
	Host string
	Port int

	Headless            bool
	PoolSize            int
	ContextsPerInstance int

	TaskTimeout time.Duration
	QueueDepth  int
	MaxRetries  int

	SessionIdleTimeout time.Duration
	ReaperInterval     time.Duration

	LaunchTimeout  time.Duration
	LaunchAttempts int

	UserAgent string
	Locale    string
	Timezone  string

	ProxyServer   string
	ProxyUsername string
	ProxyPassword string

	APIKey string
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Load reads configuration from the environment. A .env file in the
// working directory is honored when present.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Host:                getenv("SERVER_HOST", "0.0.0.0"),
		Port:                8080,
		Headless:            getbool("PAGEPOOL_HEADLESS", true),
		PoolSize:            getint("PAGEPOOL_POOL_SIZE", 1),
		ContextsPerInstance: getint("PAGEPOOL_CONTEXTS_PER_INSTANCE", 4),
		TaskTimeout:         getduration("PAGEPOOL_TASK_TIMEOUT", 30*time.Second),
		QueueDepth:          getint("PAGEPOOL_QUEUE_DEPTH", 32),
		MaxRetries:          getint("PAGEPOOL_MAX_RETRIES", 1),
		SessionIdleTimeout:  getduration("PAGEPOOL_SESSION_IDLE_TIMEOUT", 5*time.Minute),
		ReaperInterval:      getduration("PAGEPOOL_REAPER_INTERVAL", 30*time.Second),
		LaunchTimeout:       getduration("PAGEPOOL_LAUNCH_TIMEOUT", 60*time.Second),
		LaunchAttempts:      getint("PAGEPOOL_LAUNCH_ATTEMPTS", 3),
		UserAgent:           getenv("PAGEPOOL_USER_AGENT", defaultUserAgent),
		Locale:              getenv("PAGEPOOL_LOCALE", "es-AR"),
		Timezone:            getenv("PAGEPOOL_TIMEZONE", "America/Argentina/Buenos_Aires"),
		ProxyServer:         os.Getenv("PROXY_SERVER"),
		ProxyUsername:       os.Getenv("PROXY_USERNAME"),
		ProxyPassword:       os.Getenv("PROXY_PASSWORD"),
	}

	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	} else if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}

	cfg.APIKey = os.Getenv("PAGEPOOL_API_KEY")
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("API_KEY")
	}

	return cfg
}

// MaxConcurrency is the total context capacity across the pool and the
// upper bound on tasks running at once.
func (c Config) MaxConcurrency() int {
	return c.PoolSize * c.ContextsPerInstance
}

// Validate rejects configurations the pool cannot honor.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool size must be at least 1, got %d", c.PoolSize)
	}
	if c.ContextsPerInstance < 1 {
		return fmt.Errorf("contexts per instance must be at least 1, got %d", c.ContextsPerInstance)
	}
	if c.QueueDepth < 0 {
		return fmt.Errorf("queue depth must not be negative, got %d", c.QueueDepth)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("task timeout must be positive, got %s", c.TaskTimeout)
	}
	if c.LaunchAttempts < 1 {
		return fmt.Errorf("launch attempts must be at least 1, got %d", c.LaunchAttempts)
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getduration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}
