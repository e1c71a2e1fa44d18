package bus

import "time"

// DropPolicy selects what happens when a priority queue is at capacity and
// a new message needs to be enqueued.
type DropPolicy string

const (
	DropOldest       DropPolicy = "oldest"
	DropNewest       DropPolicy = "newest"
	DropLowPriority  DropPolicy = "low-priority"
)

// Config holds every recognised bus option from spec.md §6.1. Zero-value
// Config is not valid; use DefaultConfig or ProductionConfig, then
// override individual fields.
type Config struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	EnableLogging bool
	EnableMetrics bool

	MaxListenersPerEvent int
	MaxDataSize          int
	WarnDataSize         int
	MaxPendingRequests   int

	EnableDuplicateHandlerCheck bool

	EnablePriorityQueue bool
	MaxQueueSize        int
	DropPolicy          DropPolicy
	BatchSize           int
	MaxProcessingTime   time.Duration

	EnableBackpressure     bool
	BackpressureThreshold  float64
	AdaptiveProcessing     bool

	// PatternCacheCapacity bounds the compiled-pattern cache; <=0 is
	// unbounded (the spec's non-production default).
	PatternCacheCapacity int
}

// DefaultConfig returns the non-production default option set from
// spec.md's configuration table.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 5000 * time.Millisecond,
		MaxTimeout:     60000 * time.Millisecond,

		EnableLogging: false,
		EnableMetrics: true,

		MaxListenersPerEvent: 100,
		MaxDataSize:          1 << 20,   // 1 MiB
		WarnDataSize:         512 << 10, // 512 KiB
		MaxPendingRequests:   1000,

		EnableDuplicateHandlerCheck: true,

		EnablePriorityQueue: false,
		MaxQueueSize:        10000,
		DropPolicy:          DropOldest,
		BatchSize:           100,
		MaxProcessingTime:   16 * time.Millisecond,

		EnableBackpressure:    true,
		BackpressureThreshold: 0.8,
		AdaptiveProcessing:    true,

		PatternCacheCapacity: 0,
	}
}

// ProductionConfig returns the bundled "prod" preset, the recommended
// default for deployments per spec.md §6.1.
func ProductionConfig() Config {
	c := DefaultConfig()
	c.MaxListenersPerEvent = 1000
	c.MaxDataSize = 2 << 20 // 2 MiB
	c.WarnDataSize = 1 << 20
	c.MaxPendingRequests = 5000
	c.EnablePriorityQueue = true
	c.MaxQueueSize = 50000
	c.DropPolicy = DropLowPriority
	c.BatchSize = 200
	c.MaxProcessingTime = 8 * time.Millisecond
	c.BackpressureThreshold = 0.7
	c.AdaptiveProcessing = true
	c.PatternCacheCapacity = 10000
	return c
}

const (
	// MaxEventLength and MaxPatternLength bound event/pattern string
	// sizes, per spec.md §3's Message/Subscription invariants.
	MaxEventLength   = 256
	MaxPatternLength = 256

	// SlowHandlerThreshold flags a handler's execution time as slow,
	// per spec.md §5.
	SlowHandlerThreshold = 50 * time.Millisecond
)
