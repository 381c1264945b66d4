package minidb

import (
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultCompactionCadence is how many flush cycles pass between compactions.
	DefaultCompactionCadence = 2

	// DefaultWALBucket is the time granularity of WAL segment files.
	// All writes within one bucket append to the same segment.
	DefaultWALBucket = time.Minute
)

// Config contains database settings which are updated with ConfigOption functions.
type Config struct {
	flushInterval     time.Duration
	compactionCadence int
	walBucket         time.Duration

	logger  *zap.Logger
	metrics *Metrics
	engine  Engine
}

// ConfigOption helps to change default database settings.
type ConfigOption func(*Config)

// WithCompactionCadence sets how many flush cycles run between compactions.
func WithCompactionCadence(n int) ConfigOption {
	return func(c *Config) {
		c.compactionCadence = n
	}
}

// WithWALBucket sets the time granularity of WAL segment files.
// Shorter buckets make writes reach SSTables sooner.
func WithWALBucket(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.walBucket = d
	}
}

// WithLogger sets the logger. By default logs are discarded.
func WithLogger(logger *zap.Logger) ConfigOption {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithMetrics sets the collectors the database reports into.
func WithMetrics(m *Metrics) ConfigOption {
	return func(c *Config) {
		c.metrics = m
	}
}

// WithEngine overrides the storage engine,
// e.g. the JSON engine or an in-memory mock.
func WithEngine(e Engine) ConfigOption {
	return func(c *Config) {
		c.engine = e
	}
}
