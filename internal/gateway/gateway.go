// Package gateway serves the memory engine over a JSON HTTP API and runs the
// maintenance scheduler alongside it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/stellarlinkco/agentmem/internal/config"
	"github.com/stellarlinkco/agentmem/internal/cron"
	"github.com/stellarlinkco/agentmem/internal/logging"
	"github.com/stellarlinkco/agentmem/internal/memory"
)

const shutdownTimeout = 5 * time.Second

// Options for creating a Gateway
type Options struct {
	// Engine is used as-is when set; otherwise one is opened at cfg.DBPath
	// and closed on Shutdown.
	Engine     *memory.Engine
	Logger     *logrus.Logger
	Registry   *prometheus.Registry
	Tracer     trace.Tracer
	SignalChan chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg        *config.Config
	engine     *memory.Engine
	ownsEngine bool
	svc        memory.Service
	cron       *cron.Service
	app        *fiber.App
	registry   *prometheus.Registry
	log        *logrus.Entry
	signalChan chan os.Signal // for testing
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	logger := opts.Logger
	if logger == nil {
		l, err := logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, err
		}
		logger = l
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	g := &Gateway{
		cfg:        cfg,
		registry:   reg,
		log:        logging.Component(logger, "gateway"),
		signalChan: opts.SignalChan,
	}

	g.engine = opts.Engine
	if g.engine == nil {
		engine, err := memory.NewEngineWithOptions(cfg.DBPath, memory.Options{
			Logger:  logger,
			Metrics: memory.NewMetrics(reg),
		})
		if err != nil {
			return nil, fmt.Errorf("create memory engine: %w", err)
		}
		g.engine = engine
		g.ownsEngine = true
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/stellarlinkco/agentmem/internal/gateway")
	}
	g.svc = memory.NewTracedService(g.engine, tracer)

	g.cron = cron.NewService(g.engine, cfg.Maintenance, logger)
	g.app = g.newApp()
	return g, nil
}

func (g *Gateway) newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "agentmem",
		DisableStartupMessage: true,
		// Path params outlive the request in the agent cache.
		Immutable:    true,
		ErrorHandler: g.errorHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	app.Use(recover.New())
	app.Use(g.requestID)
	app.Use(g.accessLog)

	prom := fiberprometheus.NewWithRegistry(g.registry, "agentmem", "agentmem", "http", nil)
	prom.RegisterAt(app, "/metrics")
	app.Use(prom.Middleware)

	app.Get("/healthz", g.handleHealth)

	v1 := app.Group("/v1")
	v1.Get("/agents", g.handleListAgents)

	agents := v1.Group("/agents/:agent")
	agents.Get("/recall/:kind", g.handleRecall)
	// Derived ids (alice/persons/bob) span several segments.
	agents.Get("/records/:kind/*", g.handleGet)
	agents.Get("/search", g.handleSearch)
	agents.Get("/state", g.handleGetState)
	agents.Put("/state", g.handleSetState)
	agents.Get("/session", g.handleSession)
	agents.Get("/stats", g.handleStats)
	agents.Post("/lessons/consolidate", g.handleConsolidate)
	agents.Post("/:kind", g.handleStore)

	return app
}

// App exposes the HTTP handler, mainly for app.Test.
func (g *Gateway) App() *fiber.App { return g.app }

func (g *Gateway) Addr() string {
	return fmt.Sprintf("%s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port)
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if g.cfg.Maintenance.Enabled {
		if err := g.cron.Start(ctx); err != nil {
			g.log.WithError(err).Warn("maintenance scheduler start failed")
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- g.app.Listen(g.Addr())
	}()
	g.log.WithField("addr", g.Addr()).Info("gateway listening")

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	select {
	case err := <-errCh:
		if err != nil {
			_ = g.Shutdown()
			return fmt.Errorf("listen %s: %w", g.Addr(), err)
		}
	case <-sigCh:
		g.log.Info("shutting down")
	case <-ctx.Done():
		g.log.Info("context cancelled, shutting down")
	}
	return g.Shutdown()
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()

	var errs []error
	if err := g.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http: %w", err))
	}
	if g.ownsEngine && g.engine != nil {
		if err := g.engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close memory engine: %w", err))
		}
		g.engine = nil
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		g.log.WithError(err).Warn("shutdown incomplete")
		return err
	}
	g.log.Info("shutdown complete")
	return nil
}
