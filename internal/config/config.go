package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	MiB = 1024 * 1024

	DefaultSegmentSize        = 1 * MiB
	DefaultSmallFileThreshold = 10 * MiB
	MinWorkers                = 16
)

// Config holds all application configuration settings.
type Config struct {
	Workers            int   `envconfig:"WORKERS" default:"0" validate:"gte=0,lte=1024"`
	SegmentSize        int64 `envconfig:"SEGMENT_SIZE" default:"1048576" validate:"gt=0"`
	SmallFileThreshold int64 `envconfig:"SMALL_FILE_THRESHOLD" default:"10485760" validate:"gte=0"`

	RetryAttempts   int           `envconfig:"RETRY_ATTEMPTS" default:"3" validate:"gte=1,lte=100"`
	RetryBackoff    time.Duration `envconfig:"RETRY_BACKOFF" default:"500ms" validate:"gte=0"`
	RetryMaxBackoff time.Duration `envconfig:"RETRY_MAX_BACKOFF" default:"10s" validate:"gtefield=RetryBackoff"`
	AttemptTimeout  time.Duration `envconfig:"ATTEMPT_TIMEOUT" default:"2m" validate:"gt=0"`
	ProbeTimeout    time.Duration `envconfig:"PROBE_TIMEOUT" default:"30s" validate:"gt=0"`

	ProgressBuffer int `envconfig:"PROGRESS_BUFFER" default:"256" validate:"gte=1"`

	StatusAddr string `envconfig:"STATUS_ADDR" default:"" validate:"omitempty,hostname_port"`
	UserAgent  string `envconfig:"USER_AGENT" default:"gator/dev" validate:"required"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=text json"`
}

// Default returns the configuration used when no environment is set.
func Default() *Config {
	return &Config{
		SegmentSize:        DefaultSegmentSize,
		SmallFileThreshold: DefaultSmallFileThreshold,
		RetryAttempts:      3,
		RetryBackoff:       500 * time.Millisecond,
		RetryMaxBackoff:    10 * time.Second,
		AttemptTimeout:     2 * time.Minute,
		ProbeTimeout:       30 * time.Second,
		ProgressBuffer:     256,
		UserAgent:          "gator/dev",
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

var validate = validator.New()

// Validate checks the configuration for invalid or missing values.
// Returns an error describing the first invalid setting found.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// WorkerCount returns the configured pool size, or max(16, cores*4).
func (c *Config) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return DefaultWorkerCount(runtime.NumCPU())
}

// DefaultWorkerCount sizes the pool for the given number of logical cores.
func DefaultWorkerCount(cores int) int {
	return max(MinWorkers, cores*4)
}
