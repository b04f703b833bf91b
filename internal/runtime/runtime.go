// Package runtime assembles and supervises the recognition pipeline: bus,
// event store, adjacency knowledge, matching engine, recognition service,
// device presence and (optionally) local capture.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ayahlabs/tilawa-core/internal/adjacency"
	"github.com/ayahlabs/tilawa-core/internal/bus"
	"github.com/ayahlabs/tilawa-core/internal/capture"
	"github.com/ayahlabs/tilawa-core/internal/classify"
	"github.com/ayahlabs/tilawa-core/internal/config"
	"github.com/ayahlabs/tilawa-core/internal/eventstore"
	"github.com/ayahlabs/tilawa-core/internal/features"
	"github.com/ayahlabs/tilawa-core/internal/natsserver"
	"github.com/ayahlabs/tilawa-core/internal/presence"
	"github.com/ayahlabs/tilawa-core/internal/recognize"
	"github.com/ayahlabs/tilawa-core/internal/resolve"
	"github.com/ayahlabs/tilawa-core/internal/segment"
	"github.com/ayahlabs/tilawa-core/internal/session"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded  *natsserver.EmbeddedServer
	busClient *bus.Client
	events    *eventstore.Store
	service   *recognize.Service
	registry  *presence.Registry
	publisher *capture.Publisher
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the pipeline up and blocks until ctx is cancelled, then
// tears everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startPipeline(ctx); err != nil {
		r.teardown()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.teardown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) startPipeline(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	r.embedded = embedded

	busCfg := r.cfg.Bus
	if len(busCfg.Servers) == 0 && embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.busClient = busClient

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.events = events

	engine, err := BuildEngine(r.cfg, r.logger)
	if err != nil {
		return err
	}

	service := recognize.NewService(r.cfg.Recognition, engine, events, busClient, r.logger)
	service.SetRequestTimeout(time.Duration(r.cfg.Classifier.TimeoutMS) * time.Millisecond)
	if err := service.Start(); err != nil {
		return fmt.Errorf("start recognition service: %w", err)
	}
	r.service = service

	registry, err := presence.NewRegistry(ctx, r.cfg.Device, r.cfg.Capture, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("start presence registry: %w", err)
	}
	r.registry = registry

	if r.cfg.Capture.Enabled {
		if err := r.startLocalCapture(); err != nil {
			return fmt.Errorf("start local capture: %w", err)
		}
	}
	return nil
}

// BuildEngine assembles the matching engine from configuration: the
// candidate source, the boundary extractor and the adjacency knowledge.
func BuildEngine(cfg config.Config, logger *slog.Logger) (session.Evaluator, error) {
	kb, err := adjacency.Load(cfg.Adjacency.Path)
	if err != nil {
		return nil, fmt.Errorf("load adjacency knowledge: %w", err)
	}

	var source classify.Source
	switch cfg.Classifier.Mode {
	case "exec":
		source, err = classify.NewExecSource(cfg.Classifier)
		if err != nil {
			return nil, fmt.Errorf("build classifier: %w", err)
		}
	default:
		source = classify.NewMockSource()
	}

	var extractor features.Extractor
	switch cfg.Features.Mode {
	case "exec":
		extractor, err = features.NewExecExtractor(cfg.Features)
		if err != nil {
			return nil, fmt.Errorf("build boundary extractor: %w", err)
		}
	default:
		extractor = features.NewMockExtractor(features.Boundary{})
	}

	return resolve.NewEngine(source, extractor, kb, cfg.Recognition, cfg.Classifier.TopK, logger), nil
}

func (r *Runtime) startLocalCapture() error {
	var recorder capture.Recorder
	var err error
	switch r.cfg.Capture.Backend {
	case "portaudio":
		recorder, err = capture.NewPortaudioRecorder(r.cfg.Capture.SampleRate, r.cfg.Capture.Channels)
		if err != nil {
			return err
		}
	default:
		recorder = capture.NewMockRecorder()
	}

	store := segment.NewStore()
	controller := capture.NewController(r.cfg.Capture, recorder, store, r.logger)
	publisher := capture.NewPublisher(controller, store, r.busClient, r.cfg.Device.ID,
		r.cfg.Capture.SampleRate, r.cfg.Capture.Channels, r.cfg.Capture.IntervalMS, r.logger)
	if err := publisher.Start(); err != nil {
		return err
	}
	r.publisher = publisher
	return nil
}

func (r *Runtime) teardown() {
	if r.publisher != nil {
		r.publisher.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.service != nil {
		r.service.Close()
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if r.busClient != nil && !r.busClient.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus disconnected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	switch {
	case !r.ready.Load():
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	case r.service != nil && !r.service.Healthy():
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("recognition service unavailable"))
	case r.registry != nil && !r.registry.Healthy():
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("device presence stale"))
	default:
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}
