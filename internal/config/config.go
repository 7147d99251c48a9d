package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Port          string
	MongoURI      string
	RedisURL      string
	ProvidersPath string

	// Scheduler tuning
	MaximumIntervalDays int
	RequestRetention    float64

	// Session connection tuning
	ChunkSize           int           // characters per assistant_chunk
	ChunkDelay          time.Duration // inter-chunk delay
	MaxConsecutiveErrs  int           // error budget before close 4003
	IdleTimeout         time.Duration // no client frames before close 4005
	SessionLockTTL      time.Duration
	InboundRatePerSec   float64 // per-connection token bucket rate
	InboundRateBurst    int

	// Tangent detection tuning
	TangentWindowSize          int
	TangentConfidence          float64
	TangentReturnConfidence    float64

	// Reaper tuning
	ReaperInterval   time.Duration
	ReaperIdleCutoff time.Duration
}

// yamlOverlay is the optional recollect.yaml tuning file. Only the fields a
// deployment wants to pin need to be present.
type yamlOverlay struct {
	Scheduler struct {
		MaximumIntervalDays *int     `yaml:"maximumIntervalDays"`
		RequestRetention    *float64 `yaml:"requestRetention"`
	} `yaml:"scheduler"`
	Session struct {
		ChunkSize          *int    `yaml:"chunkSize"`
		ChunkDelayMs       *int    `yaml:"chunkDelayMs"`
		MaxConsecutiveErrs *int    `yaml:"maxConsecutiveErrors"`
		IdleTimeoutSec     *int    `yaml:"idleTimeoutSeconds"`
	} `yaml:"session"`
	Tangent struct {
		WindowSize       *int     `yaml:"windowSize"`
		Confidence       *float64 `yaml:"confidence"`
		ReturnConfidence *float64 `yaml:"returnConfidence"`
	} `yaml:"tangent"`
}

// Load loads configuration from environment variables with defaults, then
// applies the optional recollect.yaml overlay.
func Load() *Config {
	cfg := &Config{
		Port:          getEnv("PORT", "3001"),
		MongoURI:      getEnv("MONGODB_URI", "mongodb://localhost:27017/recollect"),
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		ProvidersPath: getEnv("PROVIDERS_PATH", "providers.json"),

		MaximumIntervalDays: getIntEnv("FSRS_MAX_INTERVAL_DAYS", 365),
		RequestRetention:    getFloatEnv("FSRS_REQUEST_RETENTION", 0.9),

		ChunkSize:          getIntEnv("SESSION_CHUNK_SIZE", 20),
		ChunkDelay:         time.Duration(getIntEnv("SESSION_CHUNK_DELAY_MS", 30)) * time.Millisecond,
		MaxConsecutiveErrs: getIntEnv("SESSION_MAX_CONSECUTIVE_ERRORS", 5),
		IdleTimeout:        time.Duration(getIntEnv("SESSION_IDLE_TIMEOUT_SECONDS", 600)) * time.Second,
		SessionLockTTL:     time.Duration(getIntEnv("SESSION_LOCK_TTL_SECONDS", 120)) * time.Second,
		InboundRatePerSec:  getFloatEnv("SESSION_INBOUND_RATE", 5),
		InboundRateBurst:   getIntEnv("SESSION_INBOUND_BURST", 10),

		TangentWindowSize:       getIntEnv("TANGENT_WINDOW_SIZE", 10),
		TangentConfidence:       getFloatEnv("TANGENT_CONFIDENCE", 0.6),
		TangentReturnConfidence: getFloatEnv("TANGENT_RETURN_CONFIDENCE", 0.6),

		ReaperInterval:   time.Duration(getIntEnv("REAPER_INTERVAL_SECONDS", 300)) * time.Second,
		ReaperIdleCutoff: time.Duration(getIntEnv("REAPER_IDLE_CUTOFF_SECONDS", 1800)) * time.Second,
	}

	if path := getEnv("RECOLLECT_CONFIG", "recollect.yaml"); path != "" {
		if err := cfg.applyOverlay(path); err != nil {
			log.Printf("⚠️  Config overlay not applied: %v", err)
		}
	}

	return cfg
}

// applyOverlay merges the yaml tuning file into the config. A missing file is
// not an error.
func (c *Config) applyOverlay(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var overlay yamlOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if v := overlay.Scheduler.MaximumIntervalDays; v != nil {
		c.MaximumIntervalDays = *v
	}
	if v := overlay.Scheduler.RequestRetention; v != nil {
		c.RequestRetention = *v
	}
	if v := overlay.Session.ChunkSize; v != nil {
		c.ChunkSize = *v
	}
	if v := overlay.Session.ChunkDelayMs; v != nil {
		c.ChunkDelay = time.Duration(*v) * time.Millisecond
	}
	if v := overlay.Session.MaxConsecutiveErrs; v != nil {
		c.MaxConsecutiveErrs = *v
	}
	if v := overlay.Session.IdleTimeoutSec; v != nil {
		c.IdleTimeout = time.Duration(*v) * time.Second
	}
	if v := overlay.Tangent.WindowSize; v != nil {
		c.TangentWindowSize = *v
	}
	if v := overlay.Tangent.Confidence; v != nil {
		c.TangentConfidence = *v
	}
	if v := overlay.Tangent.ReturnConfidence; v != nil {
		c.TangentReturnConfidence = *v
	}

	log.Printf("📋 Applied config overlay from %s", path)
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
