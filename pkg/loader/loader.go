// Package loader turns a registry of module-type factories into live
// instances wired to scoped bus handles, in a defined load order.
package loader

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tyrexcad/cadcore/pkg/bus"
	"github.com/tyrexcad/cadcore/pkg/lifecycle"
	"github.com/tyrexcad/cadcore/pkg/logging"
)

var (
	ErrUnknownType     = errors.New("loader: unknown module type")
	ErrAlreadyLoaded   = errors.New("loader: module already loaded")
	ErrNotLoaded       = errors.New("loader: module not loaded")
	ErrHotReloadOff    = errors.New("loader: hot reload is disabled")
)

// Factory constructs a module instance given its scoped bus handle. path
// is an optional location hint (e.g. a plugin or config path); most
// factories ignore it.
type Factory func(handle *bus.ScopedHandle, path string) (any, error)

// Cleaner is implemented by modules with teardown work beyond the
// lifecycle Stopper hook (e.g. releasing a file descriptor the instance
// opened for itself outside of Start/Stop).
type Cleaner interface {
	Cleanup() error
}

// LoadedModule is the bookkeeping record the loader keeps per loaded
// instance.
type LoadedModule struct {
	Name     string    `json:"name"`
	Status   string    `json:"status"`
	Version  string    `json:"version"`
	LoadedAt time.Time `json:"loadedAt"`
	Instance any       `json:"-"`
}

// LoadManyResult reports the outcome of a best-effort batch load.
type LoadManyResult struct {
	Loaded []string          `json:"loaded"`
	Failed map[string]string `json:"failed"`
}

// Loader manages module-type factories and the instances loaded from
// them, registering each with a lifecycle.Manager.
type Loader struct {
	b          *bus.Bus
	manager    *lifecycle.Manager
	logger     logging.Logger
	hotReload  bool

	mu        sync.Mutex
	factories map[string]Factory
	versions  map[string]string
	loaded    map[string]*LoadedModule
	loadOrder []string

	unsubs []bus.UnsubscribeFunc
}

// Config tunes the loader's optional behaviors.
type Config struct {
	EnableHotReload bool
}

// New builds a Loader wired to b and manager, and subscribes its bus
// integration points (module.load, module.unload, module.list).
func New(b *bus.Bus, manager *lifecycle.Manager, cfg Config, logger logging.Logger) *Loader {
	if logger == nil {
		logger = logging.Noop()
	}
	l := &Loader{
		b:         b,
		manager:   manager,
		logger:    logger,
		hotReload: cfg.EnableHotReload,
		factories: make(map[string]Factory),
		versions:  make(map[string]string),
		loaded:    make(map[string]*LoadedModule),
	}
	l.subscribeBusIntegration()
	return l
}

func (l *Loader) subscribeBusIntegration() {
	unsub, _ := l.b.Subscribe(bus.EventModuleLoadReq, func(msg *bus.Message) error {
		name := moduleNameFromData(msg.Data)
		_, err := l.Load(name, "")
		if msg.RequestID == "" {
			return err
		}
		if err != nil {
			return l.b.Reply(msg.RequestID, false, nil, err.Error())
		}
		return l.b.Reply(msg.RequestID, true, map[string]any{"name": name, "loaded": true}, "")
	})
	l.unsubs = append(l.unsubs, unsub)

	unsub, _ = l.b.Subscribe(bus.EventModuleUnloadReq, func(msg *bus.Message) error {
		name := moduleNameFromData(msg.Data)
		err := l.Unload(name)
		if msg.RequestID == "" {
			return err
		}
		if err != nil {
			return l.b.Reply(msg.RequestID, false, nil, err.Error())
		}
		return l.b.Reply(msg.RequestID, true, map[string]any{"name": name, "unloaded": true}, "")
	})
	l.unsubs = append(l.unsubs, unsub)

	unsub, _ = l.b.Subscribe(bus.EventModuleListReq, func(msg *bus.Message) error {
		if msg.RequestID == "" {
			return nil
		}
		return l.b.Reply(msg.RequestID, true, l.List(), "")
	})
	l.unsubs = append(l.unsubs, unsub)
}

func moduleNameFromData(data any) string {
	m, ok := data.(map[string]any)
	if !ok {
		return ""
	}
	name, _ := m["name"].(string)
	return name
}

// RegisterType records factory under name for later Load calls.
func (l *Loader) RegisterType(name string, factory Factory, version string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[name] = factory
	l.versions[name] = version
}

// Load constructs and starts the module registered under name, failing if
// it is already loaded or its type was never registered.
func (l *Loader) Load(name, path string) (any, error) {
	l.mu.Lock()
	if _, ok := l.loaded[name]; ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyLoaded, name)
	}
	factory, ok := l.factories[name]
	version := l.versions[name]
	l.mu.Unlock()

	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownType, name)
		l.emitLoadError(name, err)
		return nil, err
	}

	handle, err := bus.NewScopedHandle(l.b, name)
	if err != nil {
		l.emitLoadError(name, err)
		return nil, err
	}

	instance, err := factory(handle, path)
	if err != nil {
		l.emitLoadError(name, err)
		return nil, err
	}

	if err := l.manager.Register(name, instance); err != nil {
		l.emitLoadError(name, err)
		return nil, err
	}

	rec := &LoadedModule{Name: name, Status: "loaded", Version: version, LoadedAt: time.Now(), Instance: instance}

	l.mu.Lock()
	l.loaded[name] = rec
	l.loadOrder = append(l.loadOrder, name)
	l.mu.Unlock()

	_, _ = l.b.Emit(bus.EventModuleLoaded, map[string]any{"name": name, "version": version})

	return instance, nil
}

func (l *Loader) emitLoadError(name string, err error) {
	_, _ = l.b.Emit(bus.EventModuleLoadError, map[string]any{"name": name, "error": err.Error()})
}

// Unload stops and removes the module loaded under name, running its
// Cleanup hook if it implements Cleaner.
func (l *Loader) Unload(name string) error {
	l.mu.Lock()
	rec, ok := l.loaded[name]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}

	if err := l.manager.Stop(name); err != nil {
		l.logger.Warn("loader: stop before unload failed", "module", name, "error", err)
	}
	l.manager.Unregister(name)

	if c, ok := rec.Instance.(Cleaner); ok {
		if err := c.Cleanup(); err != nil {
			l.logger.Warn("loader: cleanup hook failed", "module", name, "error", err)
		}
	}

	l.mu.Lock()
	delete(l.loaded, name)
	for i, n := range l.loadOrder {
		if n == name {
			l.loadOrder = append(l.loadOrder[:i], l.loadOrder[i+1:]...)
			break
		}
	}
	l.mu.Unlock()

	_, _ = l.b.Emit(bus.EventModuleUnloaded, map[string]any{"name": name})
	return nil
}

// Reload unloads then loads name again. It fails unless hot reload is
// enabled.
func (l *Loader) Reload(name, path string) (any, error) {
	if !l.hotReload {
		return nil, ErrHotReloadOff
	}
	if err := l.Unload(name); err != nil {
		return nil, err
	}
	return l.Load(name, path)
}

// LoadMany loads each name best-effort, continuing past individual
// failures.
func (l *Loader) LoadMany(names []string) LoadManyResult {
	result := LoadManyResult{Failed: make(map[string]string)}
	for _, name := range names {
		if _, err := l.Load(name, ""); err != nil {
			result.Failed[name] = err.Error()
			continue
		}
		result.Loaded = append(result.Loaded, name)
	}
	return result
}

// Cleanup unloads every loaded module in reverse load order, swallowing
// per-module errors.
func (l *Loader) Cleanup() {
	l.mu.Lock()
	order := append([]string(nil), l.loadOrder...)
	l.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		if err := l.Unload(order[i]); err != nil {
			l.logger.Warn("loader: cleanup unload failed", "module", order[i], "error", err)
		}
	}

	for _, unsub := range l.unsubs {
		unsub()
	}
}

// List returns every currently loaded module's bookkeeping record.
func (l *Loader) List() []LoadedModule {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LoadedModule, 0, len(l.loaded))
	for _, name := range l.loadOrder {
		rec := l.loaded[name]
		out = append(out, LoadedModule{Name: rec.Name, Status: rec.Status, Version: rec.Version, LoadedAt: rec.LoadedAt})
	}
	return out
}
