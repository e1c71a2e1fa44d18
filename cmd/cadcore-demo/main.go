// Command cadcore-demo wires the bus, lifecycle manager and module loader
// together with two toy modules, to exercise the core end to end, and
// exposes /api/bus/stats, /metrics and /health the way the teacher's
// eventbus-demo exposes its own chi routes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/tyrexcad/cadcore/pkg/bus"
	"github.com/tyrexcad/cadcore/pkg/events"
	"github.com/tyrexcad/cadcore/pkg/lifecycle"
	"github.com/tyrexcad/cadcore/pkg/loader"
	"github.com/tyrexcad/cadcore/pkg/logging"
	"github.com/tyrexcad/cadcore/pkg/metrics"
)

func main() {
	logger := logging.NewSlog(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	b := bus.New(bus.ProductionConfig(), logger)
	defer b.Shutdown()

	manager := lifecycle.NewManager(b, lifecycle.DefaultConfig(), logger)
	ld := loader.New(b, manager, loader.Config{EnableHotReload: true}, logger)

	fwd := events.NewForwarder(b, stdoutSink{}, logger)
	defer fwd.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(b))

	ld.RegisterType("storage-stub", newStorageStub, "0.1.0")
	ld.RegisterType("viewport-stub", newViewportStub, "0.1.0")

	result := ld.LoadMany([]string{"storage-stub", "viewport-stub"})
	for name, reason := range result.Failed {
		logger.Error("cadcore-demo: module failed to load", "module", name, "reason", reason)
	}

	status := manager.SystemStatus()
	logger.Info("cadcore-demo: startup complete", "moduleCount", status.ModuleCount, "healthyModules", status.HealthyModules)

	if _, err := b.Emit(bus.EventSystemReady, map[string]any{
		"timestamp": time.Now().UnixMilli(),
		"modules":   result.Loaded,
		"mode":      "production",
	}); err != nil {
		logger.Error("cadcore-demo: failed to emit system.ready", "error", err)
	}

	router := chi.NewRouter()
	router.Route("/api/bus", func(r chi.Router) {
		r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, b.Stats())
		})
	})
	router.Get("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP)
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		s := manager.SystemStatus()
		if s.HealthyModules < s.ModuleCount {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		writeJSON(w, s)
	})

	srv := &http.Server{Addr: ":8080", Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("cadcore-demo: http server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("cadcore-demo: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	ld.Cleanup()
	manager.Shutdown()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// stdoutSink is a trivial events.Sink that logs the projected envelope;
// a real deployment would forward to an audit store instead.
type stdoutSink struct{}

func (stdoutSink) Send(ce cloudevents.Event) error {
	os.Stdout.WriteString(ce.String() + "\n")
	return nil
}
