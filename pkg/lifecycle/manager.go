package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tyrexcad/cadcore/pkg/bus"
	"github.com/tyrexcad/cadcore/pkg/health"
	"github.com/tyrexcad/cadcore/pkg/logging"
)

// Manager owns the state machine of every registered module: start/stop,
// bounded restarts, and the periodic health-check loop. It calls each
// module's Start/Stop/HealthCheck hooks directly; on the bus it answers
// lifecycle.status requests, shuts down on system.shutdown, and emits
// lifecycle.moduleRegistered, lifecycle.moduleUnhealthy and
// system.shutdown.
type Manager struct {
	b      *bus.Bus
	logger logging.Logger
	cfg    Config
	health *health.Aggregator

	mu             sync.Mutex
	modules        map[string]*moduleRecord
	order          []string // registration order
	isShuttingDown bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	unsubs []bus.UnsubscribeFunc
}

// NewManager builds a Manager wired to b, subscribes its bus integration
// points, and starts the health-check loop.
func NewManager(b *bus.Bus, cfg Config, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Noop()
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg = DefaultConfig()
	}

	m := &Manager{
		b:       b,
		logger:  logger,
		cfg:     cfg,
		health:  health.NewAggregator(health.Config{Timeout: cfg.HealthCheckTimeout}),
		modules: make(map[string]*moduleRecord),
		stopCh:  make(chan struct{}),
	}

	m.subscribeBusIntegration()

	m.wg.Add(1)
	go m.healthCheckLoop()

	return m
}

func (m *Manager) subscribeBusIntegration() {
	unsub, _ := m.b.Subscribe(bus.EventLifecycleStatusRequest, func(msg *bus.Message) error {
		status := m.SystemStatus()
		if msg.RequestID != "" {
			return m.b.Reply(msg.RequestID, true, status, "")
		}
		return nil
	})
	m.unsubs = append(m.unsubs, unsub)

	unsub, _ = m.b.Subscribe(bus.EventSystemShutdown, func(*bus.Message) error {
		m.Shutdown()
		return nil
	})
	m.unsubs = append(m.unsubs, unsub)
}

// Register records instance under name, starting it on the next turn. It
// rejects a duplicate name.
func (m *Manager) Register(name string, instance any) error {
	m.mu.Lock()
	if _, ok := m.modules[name]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	rec := &moduleRecord{name: name, instance: instance, status: StatusInitialized, health: HealthUnknown}
	m.modules[name] = rec
	m.order = append(m.order, name)
	m.mu.Unlock()

	if hc, ok := instance.(HealthCheckable); ok {
		m.health.Register(health.NewCheckFunc(name, hc.HealthCheck))
	}

	_, _ = m.b.Emit(bus.EventLifecycleModuleRegistered, map[string]any{"name": name})

	go func() {
		if err := m.Start(name); err != nil {
			m.logger.Warn("lifecycle: deferred start failed", "module", name, "error", err)
		}
	}()

	return nil
}

// Start transitions name through starting -> running (or -> error/failed
// on failure), invoking the instance's Start hook if it implements one.
func (m *Manager) Start(name string) error {
	m.mu.Lock()
	rec, ok := m.modules[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	rec.status = StatusStarting
	m.mu.Unlock()

	var err error
	if s, ok := rec.instance.(Starter); ok {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HealthCheckTimeout)
		err = s.Start(ctx)
		cancel()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		rec.status = StatusError
		rec.errorCount++
		rec.lastError = err.Error()
		if rec.restartAttempts < m.cfg.MaxRestartAttempts {
			rec.restartAttempts++
			attempt := rec.restartAttempts
			m.scheduleRestart(name, m.cfg.RestartDelay)
			m.logger.Warn("lifecycle: module start failed, restart scheduled", "module", name, "attempt", attempt, "error", err)
		} else {
			rec.status = StatusFailed
			m.logger.Error("lifecycle: module permanently failed", "module", name, "error", err)
		}
		return err
	}

	rec.status = StatusRunning
	rec.startedAt = time.Now()
	return nil
}

// Stop transitions name to stopped, invoking the instance's Stop hook if
// present. Missing hooks and hook errors are tolerated; the latter is
// logged, not propagated, matching spec.md §4.3.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	rec, ok := m.modules[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	rec.status = StatusStopping
	m.mu.Unlock()

	if s, ok := rec.instance.(Stopper); ok {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HealthCheckTimeout)
		if err := s.Stop(ctx); err != nil {
			m.logger.Warn("lifecycle: module stop hook failed", "module", name, "error", err)
		}
		cancel()
	}

	m.mu.Lock()
	rec.status = StatusStopped
	m.mu.Unlock()
	return nil
}

// Unregister drops name from the manager's bookkeeping without invoking
// any stop hook; callers that want graceful teardown should call Stop
// first (the Module Loader does, via unload).
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.modules, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.health.Unregister(name)
}

func (m *Manager) scheduleRestart(name string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		m.mu.Lock()
		shuttingDown := m.isShuttingDown
		m.mu.Unlock()
		if shuttingDown {
			return
		}
		if err := m.Start(name); err != nil {
			m.logger.Warn("lifecycle: restart attempt failed", "module", name, "error", err)
		}
	})
}

// healthCheckLoop runs health.Aggregator.CheckAll on every
// HealthCheckInterval tick and reconciles its results against each
// running module's HealthStatus.
func (m *Manager) healthCheckLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runHealthChecks()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) runHealthChecks() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HealthCheckTimeout)
	defer cancel()
	status := m.health.CheckAll(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, rec := range m.modules {
		if rec.status != StatusRunning {
			continue
		}
		result, ok := status.CheckResults[name]
		if !ok {
			continue
		}
		rec.lastHealthCheck = time.Now()

		if result.Status == health.StatusCritical {
			if rec.health != HealthUnhealthy {
				rec.health = HealthUnhealthy
				go func(name string) {
					_, _ = m.b.Emit(bus.EventLifecycleModuleUnhealthy, map[string]any{"name": name, "reason": result.Error})
				}(name)
			}
			if restarter, ok := rec.instance.(AutoRestarter); ok && restarter.AutoRestart() && rec.restartAttempts < m.cfg.MaxRestartAttempts {
				rec.restartAttempts++
				m.scheduleRestart(name, m.cfg.RestartDelay)
			}
		} else {
			rec.health = HealthHealthy
		}
	}
}

// Shutdown stops every module in reverse registration order, tolerating
// per-module stop errors, then emits system.shutdown. It is idempotent.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.isShuttingDown {
		m.mu.Unlock()
		return
	}
	m.isShuttingDown = true
	order := append([]string(nil), m.order...)
	m.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		if err := m.Stop(order[i]); err != nil {
			m.logger.Warn("lifecycle: shutdown stop failed", "module", order[i], "error", err)
		}
	}

	close(m.stopCh)
	m.wg.Wait()

	for _, unsub := range m.unsubs {
		unsub()
	}

	_, _ = m.b.Emit(bus.EventSystemShutdown, nil)
}

// SystemStatus returns a snapshot of every registered module's lifecycle
// and health state.
func (m *Manager) SystemStatus() SystemStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	modules := make(map[string]ModuleStatus, len(m.modules))
	healthy := 0
	for name, rec := range m.modules {
		modules[name] = rec.snapshot()
		if rec.health == HealthHealthy {
			healthy++
		}
	}
	return SystemStatus{
		ModuleCount:    len(m.modules),
		HealthyModules: healthy,
		Modules:        modules,
	}
}
