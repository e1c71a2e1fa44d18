// Package lifecycle owns the state machine of every module registered
// with the bus: starting, stopping, health-checking and bounded restarts.
package lifecycle

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAlreadyRegistered = errors.New("lifecycle: module already registered")
	ErrNotRegistered     = errors.New("lifecycle: module not registered")
	ErrShuttingDown      = errors.New("lifecycle: manager is shutting down")
)

// Status is a module's position in the lifecycle state machine:
// initialized -> starting -> running -> (stopping -> stopped) | (error -> failed).
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusStarting     Status = "starting"
	StatusRunning      Status = "running"
	StatusStopping     Status = "stopping"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
	StatusFailed       Status = "failed"
)

// HealthStatus is orthogonal to Status: a running module can be healthy or
// unhealthy independent of its lifecycle state.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Starter is implemented by modules with async startup work.
type Starter interface {
	Start(ctx context.Context) error
}

// Stopper is implemented by modules with async teardown work.
type Stopper interface {
	Stop(ctx context.Context) error
}

// HealthCheckable is implemented by modules that want periodic health
// checks; returning an error (including a timeout) marks the module
// unhealthy.
type HealthCheckable interface {
	HealthCheck(ctx context.Context) error
}

// AutoRestarter opts a module into automatic restart after a failed
// health check, in addition to the restart-on-start-failure policy every
// module gets.
type AutoRestarter interface {
	AutoRestart() bool
}

// Config tunes the manager's restart and health-check policy.
type Config struct {
	HealthCheckInterval    time.Duration
	HealthCheckTimeout     time.Duration
	RestartDelay           time.Duration
	MaxRestartAttempts     int
}

// DefaultConfig mirrors the bus's own defaults-first philosophy: sane
// values suitable for local development, tightened for production by the
// caller as needed.
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
		RestartDelay:        time.Second,
		MaxRestartAttempts:  3,
	}
}

// ModuleStatus is the observable snapshot of one registered module,
// returned from SystemStatus.
type ModuleStatus struct {
	Status          Status       `json:"status"`
	HealthStatus    HealthStatus `json:"healthStatus"`
	StartedAt       time.Time    `json:"startedAt,omitempty"`
	LastHealthCheck time.Time    `json:"lastHealthCheck,omitempty"`
	ErrorCount      int          `json:"errorCount"`
	LastError       string       `json:"lastError,omitempty"`
}

// SystemStatus is the manager-wide snapshot returned by system_status() /
// the lifecycle.status request.
type SystemStatus struct {
	ModuleCount    int                     `json:"moduleCount"`
	HealthyModules int                     `json:"healthyModules"`
	Modules        map[string]ModuleStatus `json:"modules"`
}

type moduleRecord struct {
	name            string
	instance        any
	status          Status
	health          HealthStatus
	startedAt       time.Time
	lastHealthCheck time.Time
	errorCount      int
	lastError       string
	restartAttempts int
}

func (r *moduleRecord) snapshot() ModuleStatus {
	return ModuleStatus{
		Status:          r.status,
		HealthStatus:    r.health,
		StartedAt:       r.startedAt,
		LastHealthCheck: r.lastHealthCheck,
		ErrorCount:      r.errorCount,
		LastError:       r.lastError,
	}
}
