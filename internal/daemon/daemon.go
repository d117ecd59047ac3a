package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/livetrack/internal/config"
	"github.com/harun/livetrack/internal/logger"
	"github.com/harun/livetrack/internal/metrics"
	"github.com/harun/livetrack/internal/observability"
	"github.com/harun/livetrack/internal/telegram"
	"github.com/harun/livetrack/internal/tracing"
	"github.com/harun/livetrack/pkg/commandqueue"
	"github.com/harun/livetrack/pkg/ledger"
	"github.com/harun/livetrack/pkg/presence"
	"github.com/harun/livetrack/pkg/report"
	"github.com/harun/livetrack/pkg/snapshot"
	"github.com/harun/livetrack/pkg/timesource"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName = "livetrack-daemon"

	// shutdownTimeout bounds each shutdown step that waits on in-flight work
	shutdownTimeout = 10 * time.Second

	// ledgerConnectTimeout bounds the startup ledger check, retries included
	ledgerConnectTimeout = 30 * time.Second
)

// Daemon represents the livetrack daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	time      *timesource.Source
	queue     *commandqueue.CommandQueue
	store     *presence.Store
	snapshots *snapshot.Storage
	ledger    *ledger.Writer
	tracker   *presence.Tracker
	evictor   *presence.Evictor
	reports   *report.Aggregator

	// Services
	metrics       *metrics.Metrics
	metricsServer *http.Server

	// Telegram
	telegramBot *telegram.Bot
	telegramCmd *telegram.Commands

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}
	runErr error

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Option customises how New builds the daemon
type Option func(*options)

type options struct {
	version      string
	clock        clock.Clock
	telegramAPI  telegram.API
	telegramSelf tgbotapi.User
	connector    ledger.Connector
}

// WithVersion sets the version reported to the tracer
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithClock replaces the wall clock
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithTelegramAPI uses an existing Bot API client instead of authenticating
// with the configured token
func WithTelegramAPI(api telegram.API, self tgbotapi.User) Option {
	return func(o *options) {
		o.telegramAPI = api
		o.telegramSelf = self
	}
}

// WithLedgerConnector replaces the configured ledger backend
func WithLedgerConnector(c ledger.Connector) Option {
	return func(o *options) { o.connector = c }
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	observability.EnsureRegistered()
	d := &Daemon{
		config: cfg,
		logger: log,
	}

	if err := tracing.InitOpenTelemetry(serviceName, o.version); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
		log.Debug().Msg("Tracing initialized successfully")
	}

	if err := d.initializeCoreModules(o); err != nil {
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(o); err != nil {
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initializeCoreModules builds the session registry and everything that
// feeds or reads it
func (d *Daemon) initializeCoreModules(o options) error {
	cfg := d.config

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			d.logger.Warn().Err(err).Str("path", cfg.Logging.AuditFile).Msg("Failed to open audit log, using stderr")
		}
	}

	loc, err := timesource.LoadLocation(cfg.DisplayTimezone)
	if err != nil {
		return fmt.Errorf("invalid display timezone: %w", err)
	}
	d.time = timesource.New(o.clock, loc)

	zl := d.logger.GetZerolog()

	d.store = presence.NewStore(zl)
	d.snapshots = snapshot.New(cfg.StatePath(), zl)

	connect := o.connector
	if connect == nil {
		connect = LedgerConnector(cfg, zl)
	}
	d.ledger = ledger.NewWriter(connect, ledger.Config{
		MaxRetries: cfg.Ledger.MaxRetries,
		RetryDelay: cfg.Ledger.RetryDelay(),
	}, d.time, zl)

	d.queue = commandqueue.New("session")
	d.tracker = presence.NewTracker(d.store, d.snapshots, d.ledger, d.queue, zl)

	threshold := cfg.Tracking.InactiveThreshold()
	d.evictor = presence.NewEvictor(d.store, d.snapshots, d.time, threshold, SweepInterval(cfg.Tracking), zl)

	d.reports = report.NewAggregator(d.ledger, d.store, d.time, threshold, zl)

	d.logger.Info().
		Str("ledger", d.ledgerName(o)).
		Str("state_file", d.snapshots.Path()).
		Dur("inactive_threshold", threshold).
		Str("display_timezone", loc.String()).
		Msg("Core modules initialized")

	return nil
}

// initializeServices builds the chat transport and the metrics endpoint
func (d *Daemon) initializeServices(o options) error {
	d.metrics = metrics.NewMetrics()

	if o.telegramAPI != nil {
		d.telegramBot = telegram.NewWithAPI(o.telegramAPI, o.telegramSelf, &d.config.Telegram, d.logger.GetZerolog(), d.metrics)
	} else {
		bot, err := telegram.New(&d.config.Telegram, d.logger, d.metrics)
		if err != nil {
			return fmt.Errorf("failed to create telegram bot: %w", err)
		}
		d.telegramBot = bot
	}

	d.telegramBot.SetLocationHandler(telegram.NewLocationHandler(d.tracker, d.config.Telegram.TargetGroupID, d.time, d.logger.GetZerolog()))
	d.telegramCmd = telegram.NewCommands(d.telegramBot, d.reports, d.time)
	d.telegramBot.SetCommands(d.telegramCmd)

	if d.config.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.metrics.Handler(prometheus.DefaultGatherer))
		d.metricsServer = &http.Server{
			Addr:              d.config.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return nil
}

func (d *Daemon) ledgerName(o options) string {
	if o.connector != nil {
		return "custom"
	}
	return d.config.Ledger.Backend
}

// LedgerConnector returns the connector for the configured ledger backend
func LedgerConnector(cfg *config.Config, log zerolog.Logger) ledger.Connector {
	switch cfg.Ledger.Backend {
	case config.LedgerSQLite:
		return ledger.SQLiteConnector(ledger.SQLiteConfig{
			Path:  cfg.Ledger.SQLite.Path,
			Table: cfg.Ledger.SQLite.Table,
		}, log)
	default:
		return ledger.SheetsConnector(ledger.SheetsConfig{
			SpreadsheetID:     cfg.Ledger.Sheets.SpreadsheetID,
			SheetName:         cfg.Ledger.Sheets.SheetName,
			CredentialsFile:   cfg.Ledger.Sheets.CredentialsFile,
			RequestsPerMinute: cfg.Ledger.Sheets.RequestsPerMinute,
		}, log)
	}
}

// SweepInterval returns the eviction period. Unset derives it from the
// inactivity threshold; an explicit value <= 0 disables the sweep.
func SweepInterval(t config.TrackingConfig) time.Duration {
	if t.CleanupIntervalMinutes == nil {
		return presence.DefaultSweepInterval(t.InactiveThreshold())
	}
	if *t.CleanupIntervalMinutes <= 0 {
		return 0
	}
	return time.Duration(*t.CleanupIntervalMinutes) * time.Minute
}

// Start restores the registry from the snapshot and starts every service.
// It returns once they are running.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	ctx := tracing.WithTraceID(context.Background(), traceID)
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting livetrack daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	restored := d.snapshots.Load(ctx)
	d.store.Restore(restored)
	logger.Info().Int("sessions", len(restored)).Msg("Session registry restored")

	connectCtx, cancelConnect := context.WithTimeout(ctx, ledgerConnectTimeout)
	if err := d.ledger.Connect(connectCtx); err != nil {
		logger.Error().Err(err).Msg("Ledger unreachable at startup, completed shares are not recorded until it recovers")
	}
	cancelConnect()

	if err := d.evictor.Start(); err != nil {
		logger.Warn().Err(err).Msg("Failed to start inactive share sweep")
	}

	if err := d.telegramBot.RegisterCommands(d.telegramCmd.BotCommands()); err != nil {
		logger.Warn().Err(err).Msg("Failed to register bot commands")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	d.cancel = cancel
	d.group = g
	d.done = make(chan struct{})

	g.Go(func() error {
		if err := d.telegramBot.Run(gctx); err != nil {
			return fmt.Errorf("telegram bot: %w", err)
		}
		return nil
	})

	if d.metricsServer != nil {
		srv := d.metricsServer
		g.Go(func() error {
			logger.Info().Str("addr", srv.Addr).Msg("Metrics server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		d.eventLoop.Run(gctx)
		return nil
	})

	go func() {
		err := g.Wait()
		d.mu.Lock()
		d.runErr = err
		d.mu.Unlock()
		close(d.done)
	}()

	logger.Info().Msg("Daemon started successfully")
	return nil
}

// Stop stops the daemon gracefully: ingress first, then pending session
// work, then a final snapshot and the ledger handle
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	ctx := tracing.WithTraceID(context.Background(), traceID)
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping livetrack daemon")

	d.cancel()
	select {
	case <-d.done:
		logger.Info().Msg("All services stopped")
	case <-time.After(shutdownTimeout):
		logger.Warn().Msg("Timeout waiting for services to stop")
	}

	d.evictor.Stop()

	queueCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	if err := d.queue.Close(queueCtx); err != nil {
		logger.Error().Err(err).Msg("Pending session work did not finish in time")
	}
	cancel()

	var errs []error
	if err := d.store.Persist(ctx, d.snapshots); err != nil {
		logger.Error().Err(err).Msg("Failed to save final snapshot")
		errs = append(errs, fmt.Errorf("final snapshot: %w", err))
	} else {
		logger.Info().Int("sessions", d.store.Len()).Msg("Final snapshot saved")
	}

	if err := d.ledger.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close ledger")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.shutdownTracing()

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return errors.Join(errs...)
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:        d.running,
		ActiveSessions: d.store.Len(),
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Done is closed once every service has returned
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

// Err returns the error that ended the services, if any
func (d *Daemon) Err() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.runErr
}

// Wait blocks until SIGINT or SIGTERM, or until a service fails, then stops
// the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-d.done:
		if err := d.Err(); err != nil {
			d.logger.Error().Err(err).Msg("Service failed")
		}
	}

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetStore returns the session registry
func (d *Daemon) GetStore() *presence.Store {
	return d.store
}

// GetTracker returns the session event handler
func (d *Daemon) GetTracker() *presence.Tracker {
	return d.tracker
}

// GetEvictor returns the inactive share sweep
func (d *Daemon) GetEvictor() *presence.Evictor {
	return d.evictor
}

// GetReports returns the status aggregator
func (d *Daemon) GetReports() *report.Aggregator {
	return d.reports
}

// GetTelegramBot returns the Telegram bot
func (d *Daemon) GetTelegramBot() *telegram.Bot {
	return d.telegramBot
}

// Status represents the daemon status
type Status struct {
	Running        bool          `json:"running"`
	Uptime         time.Duration `json:"uptime"`
	StartTime      time.Time     `json:"start_time"`
	ActiveSessions int           `json:"active_sessions"`
}
