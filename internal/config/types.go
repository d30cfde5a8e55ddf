package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Config is the full outreachd configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected at load time so typos are caught early.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage backs both the campaign/message store and the durable job queue.
	Storage StorageConfig `json:"storage"`

	// Queue controls job delivery: polling, retry/backoff, crash redelivery.
	Queue QueueConfig `json:"queue"`

	// Dispatch controls the per-channel worker pools.
	Dispatch DispatchConfig `json:"dispatch"`

	// Rates holds the per-channel quota windows, keyed by channel name
	// (whatsapp, email, sms, linkedin).
	Rates map[string]RateConfig `json:"rates,omitempty"`

	// Scheduler controls the campaign control loop cadences.
	Scheduler SchedulerConfig `json:"scheduler"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the sqlite database file.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// QueueConfig controls the durable job queue.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "500ms"
//   - visibility_timeout: "2m" (stuck active jobs are requeued after this)
//   - retry_max: 3 attempts total
//   - retry_base: "2s" (doubles per attempt)
//   - retry_max_delay: "5m"
type QueueConfig struct {
	PollInterval      string `json:"poll_interval,omitempty"`
	VisibilityTimeout string `json:"visibility_timeout,omitempty"`
	RetryMax          int    `json:"retry_max,omitempty"`
	RetryBase         string `json:"retry_base,omitempty"`
	RetryMaxDelay     string `json:"retry_max_delay,omitempty"`
}

// DispatchConfig controls worker pools.
//
// Workers is the per-channel concurrency (default 5). RatePerSec is a
// smoothing limiter on top of the quota windows (0 disables pacing).
// SendTimeout bounds one transport send (default "30s").
type DispatchConfig struct {
	Workers     int    `json:"workers,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// RateConfig is one channel's quota caps. Zero means "no cap" for that window.
type RateConfig struct {
	PerMinute int `json:"per_minute,omitempty"`
	PerHour   int `json:"per_hour,omitempty"`
	PerDay    int `json:"per_day,omitempty"`
}

// SchedulerConfig controls the campaign control loop.
//
// The three cadence specs accept anything robfig/cron does ("@every 1m",
// "*/5 * * * *"). Timezone is an IANA name, e.g. "Asia/Jakarta"; recurring
// calendar comparisons and daily windows use it.
type SchedulerConfig struct {
	Enabled       bool   `json:"enabled"`
	Timezone      string `json:"timezone,omitempty"`
	ImmediateSpec string `json:"immediate_spec,omitempty"` // default "@every 1m"
	SequenceSpec  string `json:"sequence_spec,omitempty"`  // default "@every 5m"
	RecurringSpec string `json:"recurring_spec,omitempty"` // default "@every 1h"
}

// Decode parses jsonBytes strictly: unknown fields and trailing data are
// rejected.
func Decode(jsonBytes []byte) (*Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}
