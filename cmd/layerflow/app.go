package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/BaSui01/layerflow/agent/reasoner"
	"github.com/BaSui01/layerflow/agent/registry"
	"github.com/BaSui01/layerflow/agent/units"
	"github.com/BaSui01/layerflow/config"
	"github.com/BaSui01/layerflow/internal/database"
	"github.com/BaSui01/layerflow/internal/metrics"
	"github.com/BaSui01/layerflow/internal/pool"
	"github.com/BaSui01/layerflow/internal/telemetry"
	"github.com/BaSui01/layerflow/session"
	"github.com/BaSui01/layerflow/workflow/checkpoint"
	"github.com/BaSui01/layerflow/workflow/pipeline"
	"github.com/BaSui01/layerflow/workflow/state"
)

// app holds everything one command needs. close releases it in reverse
// order of construction.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	manager *session.Manager
	engine  *pipeline.Engine
	bus     *pipeline.Bus

	closers []func(context.Context) error
}

func newApp(ctx context.Context, flags commonFlags) (*app, error) {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}
	logger := initLogger(cfg.Log)
	a := &app{cfg: cfg, logger: logger}
	a.onClose(func(context.Context) error {
		_ = logger.Sync()
		return nil
	})

	if err := a.build(ctx, flags); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) onClose(f func(context.Context) error) {
	a.closers = append(a.closers, f)
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
}

func (a *app) build(ctx context.Context, flags commonFlags) error {
	cfg, logger := a.cfg, a.logger

	providers, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("telemetry unavailable, continuing without export", zap.Error(err))
	}
	a.onClose(providers.Shutdown)
	stageInstruments, err := telemetry.NewStageInstruments(providers.Meter())
	if err != nil {
		return err
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, prometheus.DefaultRegisterer, logger)
		a.serveMetrics(cfg.Metrics.Addr)
	}

	strategy, err := newStrategy(cfg.Checkpoint)
	if err != nil {
		return err
	}

	r, err := newReasoner(cfg.Reasoner, logger)
	if err != nil {
		return err
	}
	reg := registry.New(registry.Config{
		PrimaryBonus:    cfg.Registry.PrimaryBonus,
		SecondaryBonus:  cfg.Registry.SecondaryBonus,
		PriorityWeight:  cfg.Registry.PriorityWeight,
		PreferenceBonus: cfg.Registry.PreferenceBonus,
		HistoryWeight:   cfg.Registry.HistoryWeight,
	}, logger)
	if err := units.Register(reg, r); err != nil {
		return fmt.Errorf("register units: %w", err)
	}

	poolCfg := poolConfig(cfg.Database)
	if collector != nil {
		poolCfg.OnStats = func(dialect string, s sql.DBStats) {
			collector.RecordDBConnections(dialect, s.OpenConnections, s.Idle)
		}
	}
	handles := checkpoint.NewHandleCache(checkpoint.HandleOptions{
		KeyPrefix:   cfg.Store.KeyPrefix,
		TTL:         cfg.Store.TTL,
		Pool:        poolCfg,
		AutoMigrate: cfg.Database.AutoMigrate,
	}, logger)
	a.onClose(handles.ReleaseAll)
	h, err := handles.Acquire(ctx, cfg.Store.Target)
	if err != nil {
		return err
	}

	sessionTarget := cfg.Store.SessionTarget
	if sessionTarget == "" {
		sessionTarget = "memory://"
	}
	sessions, err := session.OpenStore(ctx, sessionTarget, poolCfg, cfg.Database.AutoMigrate, logger)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	a.onClose(func(context.Context) error { return sessions.Close() })

	dispatcher := pool.NewDispatcher(pool.DispatcherConfig{
		MaxWorkers: cfg.Engine.MaxWorkers,
		PanicHandler: func(v any) {
			logger.Error("task panicked", zap.Any("panic", v))
		},
	})
	a.onClose(func(context.Context) error {
		dispatcher.Close()
		return nil
	})

	opts := []pipeline.Option{
		pipeline.WithStrategy(strategy),
		pipeline.WithRegistry(reg),
		pipeline.WithDispatcher(dispatcher),
		pipeline.WithMetrics(collector),
		pipeline.WithTracer(providers.Tracer()),
		pipeline.WithStageObserver(func(ctx context.Context, s pipeline.Stage, err error, d time.Duration) {
			stageInstruments.RecordStage(ctx, string(s), err, d)
		}),
		pipeline.WithLogger(logger),
	}
	if flags.events {
		a.bus = pipeline.NewBus(256, logger)
		a.bus.Subscribe("", printEvent)
		a.onClose(func(context.Context) error {
			a.bus.Close()
			return nil
		})
		opts = append(opts, pipeline.WithEmitter(a.bus))
	}

	decode := state.Lenient
	if cfg.Engine.StrictDecoding {
		decode = state.Strict
	}
	a.engine, err = pipeline.NewEngine(pipeline.Config{
		Namespace:                   cfg.Store.Namespace,
		TaskTimeout:                 cfg.Engine.TaskTimeout,
		DecodeMode:                  decode,
		RequireApprovalAfterExecute: cfg.Engine.RequireApprovalAfterExecute,
	}, h.Store, r, opts...)
	if err != nil {
		return err
	}

	a.manager, err = session.NewManager(a.engine, sessions,
		session.WithLocker(session.NewKeyedMutex()),
		session.WithLogger(logger))
	return err
}

// serveMetrics exposes /metrics for the lifetime of the command.
func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("metrics endpoint stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	a.logger.Info("metrics endpoint listening", zap.String("addr", addr))
	a.onClose(srv.Shutdown)
}

func newStrategy(cfg config.CheckpointConfig) (*checkpoint.Strategy, error) {
	mode, err := checkpoint.ParseMode(cfg.DefaultMode)
	if err != nil {
		return nil, err
	}
	s := checkpoint.NewStrategy(checkpoint.Policy{
		Mode:          mode,
		Interval:      cfg.Interval,
		TerminalNodes: cfg.TerminalNodes,
	})
	for unit, u := range cfg.Units {
		p := checkpoint.Policy{Mode: mode, Interval: cfg.Interval, TerminalNodes: cfg.TerminalNodes}
		if u.Mode != "" {
			if p.Mode, err = checkpoint.ParseMode(u.Mode); err != nil {
				return nil, fmt.Errorf("checkpoint unit %s: %w", unit, err)
			}
		}
		if u.Interval > 0 {
			p.Interval = u.Interval
		}
		if len(u.TerminalNodes) > 0 {
			p.TerminalNodes = u.TerminalNodes
		}
		s.Configure(unit, p)
	}
	return s, nil
}

func newReasoner(cfg config.ReasonerConfig, logger *zap.Logger) (reasoner.Reasoner, error) {
	var r reasoner.Reasoner
	switch cfg.Provider {
	case "openai":
		opts := []openai.Option{openai.WithModel(cfg.Model)}
		if cfg.APIKey != "" {
			opts = append(opts, openai.WithToken(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}
		r = reasoner.NewLLM(model, reasoner.LLMConfig{
			Model:         cfg.Model,
			Temperature:   cfg.Temperature,
			MaxTokens:     cfg.MaxTokens,
			ContextTokens: cfg.ContextTokens,
		}, logger)
	default:
		r = reasoner.NewOffline()
	}
	if cfg.Timeout > 0 {
		r = withTimeout(r, cfg.Timeout)
	}
	if cfg.RateLimitRPS > 0 {
		r = reasoner.NewRateLimited(r, cfg.RateLimitRPS, cfg.Burst)
	}
	return r, nil
}

func withTimeout(next reasoner.Reasoner, d time.Duration) reasoner.Reasoner {
	return reasoner.Func(func(ctx context.Context, req reasoner.Request) (reasoner.Result, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next.Reason(ctx, req)
	})
}

func poolConfig(cfg config.DatabaseConfig) database.PoolConfig {
	p := database.DefaultPoolConfig()
	p.MaxOpenConns = cfg.MaxOpenConns
	p.MaxIdleConns = cfg.MaxIdleConns
	p.ConnMaxLifetime = cfg.ConnMaxLifetime
	p.ConnMaxIdleTime = cfg.ConnMaxIdleTime
	if cfg.HealthCheckInterval > 0 {
		p.HealthCheckInterval = cfg.HealthCheckInterval
	}
	return p
}

func printEvent(ev pipeline.Event) {
	fmt.Fprintf(os.Stderr, "[%s] %s %s %v\n",
		ev.Timestamp.Format(time.TimeOnly), ev.Type, ev.Stage, ev.Payload)
}
