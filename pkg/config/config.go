// Package config loads bus.Config from a TOML file layered with
// CADCORE_*-prefixed environment variable overrides. It is optional
// ambient scaffolding the bus itself does not depend on.
package config

import (
	"os"
	"reflect"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/golobby/cast"

	"github.com/tyrexcad/cadcore/pkg/bus"
)

// fileConfig mirrors bus.Config's option table with TOML tags and
// millisecond-resolution durations, matching spec.md §6.1's table.
type fileConfig struct {
	DefaultTimeoutMS int `toml:"default_timeout_ms"`
	MaxTimeoutMS     int `toml:"max_timeout_ms"`

	EnableLogging bool `toml:"enable_logging"`
	EnableMetrics bool `toml:"enable_metrics"`

	MaxListenersPerEvent int `toml:"max_listeners_per_event"`
	MaxDataSize          int `toml:"max_data_size"`
	WarnDataSize         int `toml:"warn_data_size"`
	MaxPendingRequests   int `toml:"max_pending_requests"`

	EnableDuplicateHandlerCheck bool `toml:"enable_duplicate_handler_check"`

	EnablePriorityQueue bool   `toml:"enable_priority_queue"`
	MaxQueueSize        int    `toml:"max_queue_size"`
	DropPolicy          string `toml:"drop_policy"`
	BatchSize           int    `toml:"batch_size"`
	MaxProcessingTimeMS int    `toml:"max_processing_time_ms"`

	EnableBackpressure    bool    `toml:"enable_backpressure"`
	BackpressureThreshold float64 `toml:"backpressure_threshold"`
	AdaptiveProcessing    bool    `toml:"adaptive_processing"`

	PatternCacheCapacity int `toml:"pattern_cache_capacity"`
}

// Load reads path as TOML into a bus.Config, starting from
// bus.DefaultConfig() for any field the file omits, then layers
// CADCORE_*-prefixed environment variable overrides on top.
func Load(path string) (bus.Config, error) {
	cfg := bus.DefaultConfig()
	fc := fromBusConfig(cfg)

	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return bus.Config{}, err
	}

	cfg = toBusConfig(fc)
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// Production returns bus.ProductionConfig() unchanged, exposed here so
// callers can reach both presets through one package.
func Production() bus.Config {
	return bus.ProductionConfig()
}

func fromBusConfig(c bus.Config) fileConfig {
	return fileConfig{
		DefaultTimeoutMS:            int(c.DefaultTimeout / time.Millisecond),
		MaxTimeoutMS:                int(c.MaxTimeout / time.Millisecond),
		EnableLogging:               c.EnableLogging,
		EnableMetrics:               c.EnableMetrics,
		MaxListenersPerEvent:        c.MaxListenersPerEvent,
		MaxDataSize:                 c.MaxDataSize,
		WarnDataSize:                c.WarnDataSize,
		MaxPendingRequests:          c.MaxPendingRequests,
		EnableDuplicateHandlerCheck: c.EnableDuplicateHandlerCheck,
		EnablePriorityQueue:         c.EnablePriorityQueue,
		MaxQueueSize:                c.MaxQueueSize,
		DropPolicy:                  string(c.DropPolicy),
		BatchSize:                   c.BatchSize,
		MaxProcessingTimeMS:         int(c.MaxProcessingTime / time.Millisecond),
		EnableBackpressure:          c.EnableBackpressure,
		BackpressureThreshold:       c.BackpressureThreshold,
		AdaptiveProcessing:          c.AdaptiveProcessing,
		PatternCacheCapacity:        c.PatternCacheCapacity,
	}
}

func toBusConfig(fc fileConfig) bus.Config {
	return bus.Config{
		DefaultTimeout:              time.Duration(fc.DefaultTimeoutMS) * time.Millisecond,
		MaxTimeout:                  time.Duration(fc.MaxTimeoutMS) * time.Millisecond,
		EnableLogging:               fc.EnableLogging,
		EnableMetrics:               fc.EnableMetrics,
		MaxListenersPerEvent:        fc.MaxListenersPerEvent,
		MaxDataSize:                 fc.MaxDataSize,
		WarnDataSize:                fc.WarnDataSize,
		MaxPendingRequests:          fc.MaxPendingRequests,
		EnableDuplicateHandlerCheck: fc.EnableDuplicateHandlerCheck,
		EnablePriorityQueue:         fc.EnablePriorityQueue,
		MaxQueueSize:                fc.MaxQueueSize,
		DropPolicy:                  bus.DropPolicy(fc.DropPolicy),
		BatchSize:                   fc.BatchSize,
		MaxProcessingTime:           time.Duration(fc.MaxProcessingTimeMS) * time.Millisecond,
		EnableBackpressure:          fc.EnableBackpressure,
		BackpressureThreshold:       fc.BackpressureThreshold,
		AdaptiveProcessing:          fc.AdaptiveProcessing,
		PatternCacheCapacity:        fc.PatternCacheCapacity,
	}
}

// applyEnvOverrides layers CADCORE_*-prefixed environment variables on
// top of cfg, matching the file's option names uppercased.
func applyEnvOverrides(cfg *bus.Config) {
	if v, ok := envInt("CADCORE_DEFAULT_TIMEOUT_MS"); ok {
		cfg.DefaultTimeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("CADCORE_MAX_TIMEOUT_MS"); ok {
		cfg.MaxTimeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := envBool("CADCORE_ENABLE_LOGGING"); ok {
		cfg.EnableLogging = v
	}
	if v, ok := envBool("CADCORE_ENABLE_METRICS"); ok {
		cfg.EnableMetrics = v
	}
	if v, ok := envInt("CADCORE_MAX_LISTENERS_PER_EVENT"); ok {
		cfg.MaxListenersPerEvent = v
	}
	if v, ok := envInt("CADCORE_MAX_DATA_SIZE"); ok {
		cfg.MaxDataSize = v
	}
	if v, ok := envInt("CADCORE_MAX_PENDING_REQUESTS"); ok {
		cfg.MaxPendingRequests = v
	}
	if v, ok := envBool("CADCORE_ENABLE_PRIORITY_QUEUE"); ok {
		cfg.EnablePriorityQueue = v
	}
	if v, ok := os.LookupEnv("CADCORE_DROP_POLICY"); ok && v != "" {
		cfg.DropPolicy = bus.DropPolicy(v)
	}
	if v, ok := envFloat("CADCORE_BACKPRESSURE_THRESHOLD"); ok {
		cfg.BackpressureThreshold = v
	}
}

// envValue looks up key and converts it to T via golobby/cast, matching
// the conversion the teacher's AffixedEnvFeeder runs per struct field (see
// feeders/affixed_env.go's setFieldValue/cast.FromType).
func envValue[T any](key string) (T, bool) {
	var zero T
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return zero, false
	}
	converted, err := cast.FromType(v, reflect.TypeOf(zero))
	if err != nil {
		return zero, false
	}
	t, ok := converted.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

func envInt(key string) (int, bool)       { return envValue[int](key) }
func envFloat(key string) (float64, bool) { return envValue[float64](key) }
func envBool(key string) (bool, bool)     { return envValue[bool](key) }
