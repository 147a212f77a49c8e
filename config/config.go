package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"softgate-functions/models"
)

// Config holds settings shared by the scheduler and worker processes.
type Config struct {
	Region string

	RedisHost string
	RedisPort int

	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	StorageType string
	StoragePath string

	ServerPort string

	RefreshInterval  time.Duration
	DispatchInterval time.Duration
	Horizon          time.Duration
	EnqueueTimeout   time.Duration

	WorkerConcurrency int
	FunctionsQueue    string
	DeadLetterQueue   string

	RunnerDriver   string
	ExecutorHost   string
	ExecutorSecret string

	EventTriggerRate  float64
	EventTriggerBurst int
	// SkipSelfEvents stops a function from being triggered by events about
	// its own executions.
	SkipSelfEvents bool

	LogLevel    string
	LogPretty   bool
	XRayEnabled bool

	Runtimes map[string]models.Runtime
}

// Load reads configuration from the environment. Values from an optional
// .env file are applied first without overriding variables already set.
func Load() (*Config, error) {
	envFile := getEnv("SOFTGATE_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	p := &parser{}
	cfg := &Config{
		Region:            getEnv("_APP_REGION", "default"),
		RedisHost:         getEnv("REDIS_HOST", "localhost"),
		RedisPort:         p.int("REDIS_PORT", 6379),
		DBHost:            getEnv("DB_HOST", "localhost"),
		DBPort:            p.int("DB_PORT", 5432),
		DBUser:            getEnv("DB_USER", "softgate"),
		DBPassword:        getEnv("DB_PASSWORD", "softgate"),
		DBName:            getEnv("DB_NAME", "softgate"),
		StorageType:       getEnv("STORAGE_TYPE", "local"),
		StoragePath:       getEnv("STORAGE_PATH", "/data/executions"),
		ServerPort:        getEnv("SERVER_PORT", "8080"),
		RefreshInterval:   p.duration("SCHEDULER_REFRESH_INTERVAL", 180*time.Second),
		DispatchInterval:  p.duration("SCHEDULER_DISPATCH_INTERVAL", 60*time.Second),
		Horizon:           p.duration("SCHEDULER_HORIZON", 5*time.Minute),
		EnqueueTimeout:    p.duration("SCHEDULER_ENQUEUE_TIMEOUT", 5*time.Second),
		WorkerConcurrency: p.int("WORKER_CONCURRENCY", 4),
		FunctionsQueue:    getEnv("FUNCTIONS_QUEUE", "v1-functions"),
		DeadLetterQueue:   getEnv("FUNCTIONS_DEAD_LETTER_QUEUE", "v1-functions-failed"),
		RunnerDriver:      getEnv("RUNNER_DRIVER", "http"),
		ExecutorHost:      getEnv("EXECUTOR_HOST", "http://executor:80/v1"),
		ExecutorSecret:    getEnv("EXECUTOR_SECRET", ""),
		EventTriggerRate:  p.float("EVENT_TRIGGER_RATE", 50),
		EventTriggerBurst: p.int("EVENT_TRIGGER_BURST", 10),
		SkipSelfEvents:    p.bool("FUNCTIONS_SKIP_SELF_EVENTS", false),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogPretty:         p.bool("LOG_PRETTY", false),
		XRayEnabled:       p.bool("XRAY_ENABLED", false),
		Runtimes:          EnabledRuntimes(getEnv("_APP_FUNCTIONS_RUNTIMES", "")),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RefreshInterval <= 0 || c.DispatchInterval <= 0 || c.Horizon <= 0 {
		return fmt.Errorf("scheduler intervals must be positive")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency)
	}
	if c.EventTriggerRate <= 0 {
		return fmt.Errorf("EVENT_TRIGGER_RATE must be positive, got %v", c.EventTriggerRate)
	}
	if c.EventTriggerBurst < 1 {
		return fmt.Errorf("EVENT_TRIGGER_BURST must be at least 1, got %d", c.EventTriggerBurst)
	}
	switch c.RunnerDriver {
	case "http", "local":
	default:
		return fmt.Errorf("unknown RUNNER_DRIVER: %s", c.RunnerDriver)
	}
	return nil
}

// DefaultRuntimes lists every runtime the worker knows how to start.
func DefaultRuntimes() map[string]models.Runtime {
	return map[string]models.Runtime{
		"node-18.0":   {Name: "node", Version: "18.0", Image: "openruntimes/node:v2-18.0", Command: []string{"node"}},
		"node-20.0":   {Name: "node", Version: "20.0", Image: "openruntimes/node:v3-20.0", Command: []string{"node"}},
		"python-3.9":  {Name: "python", Version: "3.9", Image: "openruntimes/python:v2-3.9", Command: []string{"python3"}},
		"python-3.11": {Name: "python", Version: "3.11", Image: "openruntimes/python:v3-3.11", Command: []string{"python3"}},
		"go-1.21":     {Name: "go", Version: "1.21", Image: "openruntimes/go:v3-1.21", Command: []string{"go", "run"}},
		"bash-5.2":    {Name: "bash", Version: "5.2", Image: "openruntimes/bash:v3-5.2", Command: []string{"sh"}},
	}
}

// EnabledRuntimes filters DefaultRuntimes by a comma separated list of keys.
// An empty list enables everything.
func EnabledRuntimes(list string) map[string]models.Runtime {
	all := DefaultRuntimes()
	if strings.TrimSpace(list) == "" {
		return all
	}
	enabled := make(map[string]models.Runtime)
	for _, key := range strings.Split(list, ",") {
		key = strings.TrimSpace(key)
		if rt, ok := all[key]; ok {
			enabled[key] = rt
		}
	}
	return enabled
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}

func (p *parser) int(key string, def int) int {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		p.fail(key, value, err)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		p.fail(key, value, err)
		return def
	}
	return f
}

func (p *parser) bool(key string, def bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		p.fail(key, value, err)
		return def
	}
	return b
}

// duration accepts Go duration strings or a bare number of seconds.
func (p *parser) duration(key string, def time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.fail(key, value, err)
		return def
	}
	return d
}
