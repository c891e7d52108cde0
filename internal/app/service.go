package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"ratewatch/internal/broadcast"
	"ratewatch/internal/clock"
	"ratewatch/internal/config"
	"ratewatch/internal/domain"
	"ratewatch/internal/engine"
	"ratewatch/internal/enforce"
	"ratewatch/internal/httpapi"
	"ratewatch/internal/ingest"
	"ratewatch/internal/limiter"
	"ratewatch/internal/logging"
	"ratewatch/internal/metrics"
	"ratewatch/internal/monitor"
	"ratewatch/internal/notify"

	"golang.org/x/sync/errgroup"
)

// Service composes runtime dependencies and process lifecycle.
// Params: validated config and shared runtime components.
// Returns: runnable ratewatch service.
type Service struct {
	cfg      config.Config
	logger   *slog.Logger
	closeLog func()
	clock    clock.Clock

	monitor     *monitor.Monitor
	registry    *metrics.Registry
	system      *metrics.SystemCollector
	limiter     *limiter.Limiter
	enforcer    enforce.Enforcer
	evaluator   *engine.Evaluator
	dispatcher  *notify.Dispatcher
	exporter    *metrics.Exporter
	hub         *broadcast.Hub
	natsPub     *broadcast.NATSPublisher
	broadcaster *broadcast.Broadcaster
	natsSub     interface{ Close() error }
	handler     http.Handler
	httpSrv     *http.Server
	readyFlag   atomic.Bool
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.Load(source)
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	service, err := newService(cfg, clk, logger)
	if err != nil {
		closeLog()
		return nil, err
	}
	service.closeLog = closeLog
	return service, nil
}

// newService wires every component from one config snapshot.
// Params: validated config, clock, and logger.
// Returns: service or first construction error.
func newService(cfg config.Config, clk clock.Clock, logger *slog.Logger) (*Service, error) {
	clk = clock.OrReal(clk)
	logger = logging.OrDiscard(logger)
	s := &Service{cfg: cfg, logger: logger, clock: clk}

	s.monitor = monitor.New(monitor.ConfigFrom(cfg.Monitor), clk, logger)
	s.registry = metrics.NewRegistry()
	metrics.RegisterApplication(s.registry, s.monitor)
	system, err := metrics.NewSystemCollector(cfg.Metrics.ProcRoot, clk, logger)
	if err != nil {
		logger.Warn("host metrics unavailable", "error", err.Error())
	}
	s.system = system
	s.system.Register(s.registry)

	s.limiter, err = limiter.New(limiter.ConfigFrom(cfg.Limiter, cfg.Enforce.Backend), s.monitor, s.registry, clk, logger)
	if err != nil {
		return nil, fmt.Errorf("build limiter: %w", err)
	}
	s.enforcer, err = enforce.New(cfg.Enforce, clk, logger)
	if err != nil {
		return nil, fmt.Errorf("build enforcer: %w", err)
	}

	s.evaluator = engine.New(engine.ConfigFrom(cfg.Alerting), s.registry, clk, logger)
	if err := s.evaluator.LoadRules(cfg); err != nil {
		s.cleanupInitResources()
		return nil, fmt.Errorf("load rules: %w", err)
	}
	s.dispatcher, err = notify.NewDispatcherFromConfig(cfg, clk, logger)
	if err != nil {
		s.cleanupInitResources()
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}
	s.exporter = metrics.NewExporter(s.monitor, s.registry, s.evaluator)

	if err := s.buildBroadcast(); err != nil {
		s.cleanupInitResources()
		return nil, err
	}
	if err := s.buildNATSSubscriber(); err != nil {
		s.cleanupInitResources()
		return nil, err
	}
	s.buildHTTPServer()
	return s, nil
}

// buildBroadcast creates the websocket hub and NATS publisher when enabled.
// Returns: NATS connection error.
func (s *Service) buildBroadcast() error {
	var sinks []broadcast.Sink
	if s.cfg.Broadcast.WebSocket.Enabled {
		s.hub = broadcast.NewHub(s.logger)
		sinks = append(sinks, s.hub)
	}
	if s.cfg.Broadcast.NATS.Enabled {
		publisher, err := broadcast.NewNATSPublisher(s.cfg.Broadcast.NATS, s.logger)
		if err != nil {
			return err
		}
		s.natsPub = publisher
		sinks = append(sinks, publisher)
	}
	s.broadcaster = broadcast.NewBroadcaster(s.monitor, s.system, s.clock, s.logger, sinks...)
	return nil
}

// buildNATSSubscriber starts NATS ingest when enabled.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber() error {
	if !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.monitor, s.ingestGuard(), s.logger)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// buildHTTPServer wires admin routes, ingest, and the rate limiting middleware.
func (s *Service) buildHTTPServer() {
	deps := httpapi.Deps{
		Monitor:       s.monitor,
		Limiter:       s.limiter,
		Evaluator:     s.evaluator,
		Dispatcher:    s.dispatcher,
		Metrics:       s.registry,
		Enforcer:      s.enforcer.Algorithm(),
		WebSocketPath: s.cfg.Broadcast.WebSocket.Path,
		IngestPath:    s.cfg.Ingest.HTTP.Path,
		MetricsPath:   s.cfg.Metrics.Path,
		AdminToken:    s.cfg.Service.AdminToken,
		Ready:         s.ready,
		Logger:        s.logger,
	}
	if s.cfg.Metrics.Enabled {
		deps.Exporter = s.exporter
	}
	if s.hub != nil {
		deps.WebSocket = broadcast.NewHandler(s.hub, s.logger, s.sendHello)
	}
	if s.cfg.Ingest.HTTP.Enabled {
		deps.Ingest = ingest.NewHTTPHandler(s.monitor, s.cfg.Ingest.HTTP.MaxBodyBytes, s.ingestGuard(), s.logger)
	}

	limit := httpapi.NewMiddleware(httpapi.MiddlewareOptions{
		Recorder:  s.monitor,
		Quotas:    s.limiter,
		Enforcer:  s.enforcer,
		Observer:  s.exporter,
		SkipPaths: s.skipPaths(),
		Clock:     s.clock,
		Logger:    s.logger,
	})
	s.handler = httpapi.NewServer(deps).Routes(limit.Handler)
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Service.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ingestGuard bounds ingested timestamps by the configured clock skew.
func (s *Service) ingestGuard() ingest.SkewGuard {
	return ingest.SkewGuard{Clock: s.clock, MaxSkew: s.cfg.IngestClockSkew()}
}

// skipPaths returns configured skip paths plus infrastructure endpoints.
func (s *Service) skipPaths() []string {
	paths := append([]string(nil), s.cfg.Limiter.SkipPaths...)
	paths = append(paths, "/healthz", "/readyz", s.cfg.Metrics.Path, s.cfg.Broadcast.WebSocket.Path)
	if s.cfg.Ingest.HTTP.Enabled {
		paths = append(paths, strings.TrimSuffix(s.cfg.Ingest.HTTP.Path, "/"))
	}
	return paths
}

// sendHello pushes the current metrics frame to a newly joined dashboard.
func (s *Service) sendHello(client *broadcast.Client) {
	payload, err := s.broadcaster.EncodeMetrics()
	if err != nil {
		s.logger.Warn("encode initial metrics frame failed", "error", err.Error())
		return
	}
	_ = client.Send(payload)
}

func (s *Service) ready() error {
	if !s.readyFlag.Load() {
		return errors.New("service is not running")
	}
	return nil
}

// Handler exposes the composed HTTP handler.
func (s *Service) Handler() http.Handler {
	return s.handler
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.logger.Info("http server starting", "listen", s.cfg.Service.Listen)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	if s.hub != nil {
		group.Go(func() error { return s.hub.Run(groupCtx) })
	}

	s.sampleSystem(groupCtx)
	s.runTicker(groupCtx, group, "stats", s.cfg.StatsInterval(), s.statsTick)
	s.runTicker(groupCtx, group, "alerts", s.cfg.AlertInterval(), s.alertTick)
	s.runTicker(groupCtx, group, "system-metrics", time.Duration(s.cfg.Metrics.SampleIntervalSec)*time.Second, s.sampleSystem)
	if s.broadcaster.HasSinks() {
		s.runTicker(groupCtx, group, "broadcast", s.cfg.BroadcastInterval(), s.broadcastTick)
	}
	group.Go(func() error {
		s.pumpEvents(groupCtx)
		return nil
	})

	s.readyFlag.Store(true)
	s.logger.Info("service started",
		"name", s.cfg.Service.Name,
		"rules", s.evaluator.RuleCount(),
		"channels", len(s.dispatcher.Channels()),
		"enforcer", s.enforcer.Algorithm(),
	)

	<-groupCtx.Done()
	shutdownErr := s.shutdown()
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return shutdownErr
}

// runTicker runs fn every interval until ctx ends. A panicking tick is logged and the loop continues.
func (s *Service) runTicker(ctx context.Context, group *errgroup.Group, name string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	group.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.safeTick(ctx, name, fn)
			}
		}
	})
}

func (s *Service) safeTick(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("tick panicked", "tick", name, "panic", fmt.Sprint(recovered))
		}
	}()
	fn(ctx)
}

// statsTick prunes expired traffic and logs a summary.
func (s *Service) statsTick(context.Context) {
	pruned := s.monitor.Prune()
	stats := s.monitor.Statistics()
	s.logger.Debug("traffic stats",
		"rps", stats.Snapshot.RequestsPerSecond,
		"avg_latency_ms", stats.Snapshot.AverageLatencyMS,
		"error_rate", stats.Snapshot.ErrorRate,
		"health", stats.Health,
		"pruned", pruned,
		"identifiers", s.limiter.Stats().TrackedIdentifiers,
	)
}

// alertTick runs one evaluation pass over enabled rules.
func (s *Service) alertTick(ctx context.Context) {
	result := s.evaluator.EvaluateAll(ctx, time.Time{})
	if result.Failed > 0 {
		s.logger.Warn("alert pass had failures", "evaluated", result.Evaluated, "failed", result.Failed)
	}
}

func (s *Service) sampleSystem(context.Context) {
	if err := s.system.Sample(); err != nil {
		s.logger.Debug("system sample incomplete", "error", err.Error())
	}
}

func (s *Service) broadcastTick(context.Context) {
	if err := s.broadcaster.BroadcastMetrics(); err != nil {
		s.logger.Debug("metrics broadcast incomplete", "error", err.Error())
	}
}

// pumpEvents consumes evaluator events until ctx ends.
func (s *Service) pumpEvents(ctx context.Context) {
	events := s.evaluator.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			s.handleEvent(ctx, event)
		}
	}
}

// handleEvent dispatches one alert event, then broadcasts and counts it.
func (s *Service) handleEvent(ctx context.Context, event domain.AlertEvent) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("alert event handling panicked", "rule_id", event.Alert.RuleID, "panic", fmt.Sprint(recovered))
		}
	}()
	s.exporter.ObserveAlertEvent(event)
	result := s.dispatcher.Dispatch(ctx, event)
	for _, channel := range result.Delivered {
		s.exporter.ObserveDelivery(channel, nil)
	}
	for channel, err := range result.Failed {
		s.exporter.ObserveDelivery(channel, err)
	}
	if err := s.broadcaster.BroadcastAlert(event); err != nil {
		s.logger.Debug("alert broadcast incomplete", "rule_id", event.Alert.RuleID, "error", err.Error())
	}
}

// shutdown closes runtime resources in dependency order.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	timeout := time.Duration(s.cfg.Service.ShutdownTimeoutSec) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.closeResources(); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("service stopped")
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
	return errors.Join(errs...)
}

// closeResources releases subscribers, publishers, and the enforcer.
func (s *Service) closeResources() error {
	var errs []error
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			errs = append(errs, fmt.Errorf("nats subscriber close: %w", err))
		}
		s.natsSub = nil
	}
	if s.natsPub != nil {
		if err := s.natsPub.Close(); err != nil {
			s.logger.Error("nats publisher close failed", "error", err.Error())
			errs = append(errs, fmt.Errorf("nats publisher close: %w", err))
		}
		s.natsPub = nil
	}
	if s.enforcer != nil {
		if err := s.enforcer.Close(); err != nil {
			s.logger.Error("enforcer close failed", "error", err.Error())
			errs = append(errs, fmt.Errorf("enforcer close: %w", err))
		}
		s.enforcer = nil
	}
	return errors.Join(errs...)
}

// cleanupInitResources closes partially initialized resources on startup failures.
func (s *Service) cleanupInitResources() {
	_ = s.closeResources()
}
