package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the job orchestration service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	AllowAnyOrigin bool
	WSWriteTimeout time.Duration

	DatabaseURL string
	DataRoot    string
	TaskRoot    string
	DatasetRoot string

	EnginePython         string
	EngineLoRAScript     string
	EngineFinetuneScript string
	EngineWorkDir        string

	Mirrors          []string
	MirrorEnvVar     string
	MaxAttempts      int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	TerminateGrace   time.Duration
	WatchdogInterval time.Duration
	KillSignatures   []string

	LogBatchSize        int
	LogBatchInterval    time.Duration
	MetricsPollInterval time.Duration
	WatchOutputs        bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	dataRoot := envOrDefault("APP_DATA_ROOT", "data")
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "jobcore"),
		LogLevel:             strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(envOrDefault("APP_LOG_FORMAT", "text")),
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		DataRoot:             dataRoot,
		TaskRoot:             envOrDefault("APP_TASK_ROOT", filepath.Join(dataRoot, "tasks")),
		DatasetRoot:          envOrDefault("APP_DATASET_ROOT", filepath.Join(dataRoot, "datasets")),
		EnginePython:         envOrDefault("ENGINE_PYTHON", "python3"),
		EngineLoRAScript:     envOrDefault("ENGINE_LORA_SCRIPT", "scripts/train_lora.py"),
		EngineFinetuneScript: envOrDefault("ENGINE_FINETUNE_SCRIPT", "scripts/train_finetune.py"),
		EngineWorkDir:        stringsTrimSpace("ENGINE_WORKDIR"),
		MirrorEnvVar:         envOrDefault("JOB_MIRROR_ENV", "HF_ENDPOINT"),
		Mirrors:              listFromEnv("JOB_MIRRORS", []string{"https://huggingface.co", "https://hf-mirror.com"}),
		KillSignatures:       listFromEnv("JOB_KILL_SIGNATURES", []string{"train_lora.py", "train_finetune.py"}),
		ShutdownTimeout:      15 * time.Second,
		WSWriteTimeout:       10 * time.Second,
		MaxAttempts:          3,
		RetryBaseDelay:       2 * time.Second,
		RetryMaxDelay:        30 * time.Second,
		TerminateGrace:       10 * time.Second,
		WatchdogInterval:     30 * time.Second,
		LogBatchSize:         50,
		LogBatchInterval:     500 * time.Millisecond,
		MetricsPollInterval:  2 * time.Second,
		WatchOutputs:         true,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_WS_WRITE_TIMEOUT", &cfg.WSWriteTimeout},
		{"JOB_RETRY_BASE_DELAY", &cfg.RetryBaseDelay},
		{"JOB_RETRY_MAX_DELAY", &cfg.RetryMaxDelay},
		{"JOB_TERMINATE_GRACE", &cfg.TerminateGrace},
		{"JOB_WATCHDOG_INTERVAL", &cfg.WatchdogInterval},
		{"JOB_LOG_BATCH_INTERVAL", &cfg.LogBatchInterval},
		{"JOB_METRICS_POLL_INTERVAL", &cfg.MetricsPollInterval},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}
	cfg.MaxAttempts, err = intFromEnv("JOB_MAX_ATTEMPTS", cfg.MaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.LogBatchSize, err = intFromEnv("JOB_LOG_BATCH_SIZE", cfg.LogBatchSize)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.WatchOutputs, err = boolFromEnv("JOB_WATCH_OUTPUTS", cfg.WatchOutputs)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the runtime cannot operate with.
func (c Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("APP_LOG_LEVEL must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("APP_LOG_FORMAT must be text or json; got %q", c.LogFormat)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be >= 1")
	}
	if c.LogBatchSize < 1 {
		return fmt.Errorf("JOB_LOG_BATCH_SIZE must be >= 1")
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("JOB_RETRY_MAX_DELAY must be >= JOB_RETRY_BASE_DELAY")
	}
	if c.TerminateGrace <= 0 || c.WatchdogInterval <= 0 || c.LogBatchInterval <= 0 || c.MetricsPollInterval <= 0 {
		return fmt.Errorf("job timing settings must be positive")
	}
	if strings.TrimSpace(c.TaskRoot) == "" {
		return fmt.Errorf("APP_TASK_ROOT must not be empty")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// listFromEnv splits a comma separated value, dropping blanks. An explicitly
// empty-after-trim value yields the fallback.
func listFromEnv(key string, fallback []string) []string {
	v := stringsTrimSpace(key)
	if v == "" {
		return append([]string(nil), fallback...)
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), fallback...)
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
