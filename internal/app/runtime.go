package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/NodePath81/homenet/internal/config"
	"github.com/NodePath81/homenet/internal/control"
	"github.com/NodePath81/homenet/internal/discovery"
	"github.com/NodePath81/homenet/internal/gateway"
	"github.com/NodePath81/homenet/internal/metrics"
	"github.com/NodePath81/homenet/internal/orchestrator"
	"github.com/NodePath81/homenet/internal/server"
	"github.com/NodePath81/homenet/internal/storage"
	"github.com/NodePath81/homenet/internal/util"
)

// Runtime owns every long-running component built from one configuration.
type Runtime struct {
	cfg     config.Config
	ctx     context.Context
	cancel  context.CancelFunc
	logger  util.Logger
	metrics *metrics.Metrics
	store   *storage.SQLiteStore
	server  *server.Server
	engine  *discovery.Engine
	tests   *orchestrator.Orchestrator
	control *control.ControlServer
	wg      sync.WaitGroup
}

func NewRuntime(cfg config.Config, logger util.Logger) (*Runtime, error) {
	ctx, cancel := context.WithCancel(context.Background())
	m := metrics.NewMetrics()
	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("storage: %w", err)
	}
	rt := &Runtime{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		metrics: m,
		store:   store,
	}

	if cfg.Server.IsEnabled() {
		rt.server = server.New(cfg.Server, m, logger.With("component", "server"))
	}
	if cfg.Discovery.IsEnabled() {
		rt.engine, err = NewEngine(cfg, store, m, logger)
		if err != nil {
			rt.closeStore()
			cancel()
			return nil, fmt.Errorf("discovery: %w", err)
		}
	}
	rt.tests, err = NewOrchestrator(cfg, store, m, logger)
	if err != nil {
		rt.closeStore()
		cancel()
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	if cfg.Control.IsEnabled() {
		svc := control.Services{
			Measurements: store,
			Tests:        rt.tests,
			Metrics:      m,
		}
		if rt.engine != nil {
			svc.Devices = rt.engine
		}
		if rt.server != nil {
			svc.Server = rt.server
		}
		rt.control = control.NewControlServer(cfg.Control, cfg.Hostname, svc, logger.With("component", "control"))
	}
	return rt, nil
}

// NewEngine builds a discovery engine persisting through store. A nil store
// keeps devices in memory only.
func NewEngine(cfg config.Config, store *storage.SQLiteStore, m *metrics.Metrics, logger util.Logger) (*discovery.Engine, error) {
	opts := discovery.Options{Metrics: m}
	if store != nil {
		opts.Store = store
		opts.History = store
	}
	return discovery.NewEngine(cfg.Discovery, opts, logger.With("component", "discovery"))
}

// NewOrchestrator builds the test orchestrator with the configured gateway
// probe. A nil store disables persistence of results.
func NewOrchestrator(cfg config.Config, store *storage.SQLiteStore, m *metrics.Metrics, logger util.Logger) (*orchestrator.Orchestrator, error) {
	deps := orchestrator.Deps{Metrics: m}
	if cfg.Gateway.IsEnabled() {
		deps.Gateway = gateway.NewLocator(cfg.Gateway, nil, nil, logger.With("component", "gateway"))
	}
	if store != nil {
		deps.Sink = store
	}
	return orchestrator.New(cfg.Test, cfg.Sampler, deps, logger)
}

func (r *Runtime) Start() error {
	if r.server != nil {
		if err := r.server.Start(r.ctx, &r.wg); err != nil {
			return fmt.Errorf("measurement server: %w", err)
		}
	}
	if r.engine != nil {
		if err := r.engine.Load(r.ctx); err != nil {
			r.logger.Warn("device restore failed", "error", err)
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.engine.Run(r.ctx)
		}()
	}
	if r.control != nil {
		if err := r.control.Start(r.ctx); err != nil {
			return fmt.Errorf("control server: %w", err)
		}
	}
	r.logger.Info("homenet started",
		"server", r.server != nil, "discovery", r.engine != nil, "control", r.control != nil)
	return nil
}

// Stop cancels every component and waits for them to exit. It is safe to
// call after a failed Start.
func (r *Runtime) Stop() {
	r.cancel()
	if r.server != nil {
		_ = r.server.Close()
	}
	r.wg.Wait()
	if r.engine != nil {
		_ = r.engine.Close()
	}
	r.closeStore()
}

func (r *Runtime) closeStore() {
	if r.store == nil {
		return
	}
	if err := r.store.Close(); err != nil {
		r.logger.Warn("storage close failed", "error", err)
	}
	r.store = nil
}
