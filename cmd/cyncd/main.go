// Cyncd -- LAN bridge for Cync mesh lighting.
//
// The daemon impersonates the vendor cloud for devices on the local
// network and exposes them over MQTT in Home Assistant's discovery
// dialect.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/cynclan/cyncd/internal/config"
	"github.com/cynclan/cyncd/internal/cyncmetrics"
	"github.com/cynclan/cyncd/internal/dispatch"
	"github.com/cynclan/cyncd/internal/mqttbridge"
	"github.com/cynclan/cyncd/internal/registry"
	"github.com/cynclan/cyncd/internal/session"
	appversion "github.com/cynclan/cyncd/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics server to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// brokerConnectTimeout bounds the initial broker dial.
const brokerConnectTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("cyncd"))
		return 0
	}

	// 2. Load config (file is optional; CYNC_* variables overlay it).
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("cyncd starting",
		slog.String("version", appversion.Version),
		slog.String("device_addr", cfg.Server.Addr),
		slog.String("broker", cfg.MQTT.Broker),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	if err := runDaemon(cfg, logger, logLevel); err != nil {
		logger.Error("cyncd exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("cyncd stopped")
	return 0
}

// runDaemon wires the registry, session server, dispatcher, and MQTT
// bridge together and runs them until a termination signal.
func runDaemon(cfg *config.Config, logger *slog.Logger, logLevel *slog.LevelVar) error {
	promReg := prometheus.NewRegistry()
	collector := cyncmetrics.NewCollector(promReg)

	// Device & group registry, seeded from the exported homes document.
	reg := registry.New(logger.With("component", "registry"))
	defer reg.Close()
	reg.SetLockObserver(collector.ObserveLockHold)

	if err := seedRegistry(reg, cfg.Homes, logger); err != nil {
		return err
	}

	// Session manager: device-offline fan-out and per-session metric
	// cleanup hang off session teardown.
	manager := session.NewManager(logger.With("component", "session"))
	manager.OnDevicesLost(func(connID string, cyncIDs []uint8) {
		for _, id := range cyncIDs {
			if err := reg.MarkOffline(id); err != nil {
				logger.Warn("mark device offline",
					slog.String("conn_id", connID),
					slog.Int("cync_id", int(id)),
					slog.String("error", err.Error()),
				)
			}
		}
	})

	observers := session.NewObserverSet(logger.With("component", "observers"))
	observers.Register(&metricsJanitor{collector: collector})

	// Dispatcher over the live session set.
	dispatcher := dispatch.New(dispatch.Config{
		Broadcasts: cfg.Command.Broadcasts,
		MinKelvin:  cfg.Command.MinKelvin,
		MaxKelvin:  cfg.Command.MaxKelvin,
	}, dispatch.ManagerProvider{Manager: manager}, reg, collector,
		logger.With("component", "dispatch"))
	defer dispatcher.Wait()

	// MQTT bridge: registry watcher out, set topics in.
	bridge := mqttbridge.New(mqttbridge.Config{
		Broker:          cfg.MQTT.Broker,
		ClientID:        cfg.MQTT.ClientID,
		Username:        cfg.MQTT.Username,
		Password:        cfg.MQTT.Password,
		Topic:           cfg.MQTT.Topic,
		DiscoveryPrefix: cfg.MQTT.DiscoveryTopic,
		StatusTopic:     cfg.MQTT.StatusTopic,
		BirthPayload:    cfg.MQTT.BirthPayload,
		MinKelvin:       cfg.Command.MinKelvin,
		MaxKelvin:       cfg.Command.MaxKelvin,
		Registry:        reg,
		Commander:       dispatcher,
		Metrics:         collector,
	}, logger)

	// Device-facing TLS server.
	srv, err := newDeviceServer(cfg, manager, reg, collector, observers, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, brokerConnectTimeout)
	err = bridge.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("mqtt bridge: %w", err)
	}
	reg.Watch(bridge)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(gCtx); err != nil && !errors.Is(err, session.ErrListenerClosed) {
			return fmt.Errorf("device server: %w", err)
		}
		return nil
	})

	metricsSrv := newMetricsServer(cfg.Metrics, promReg)
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gCtx, sigHUP, logLevel, logger)
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		notifyStopping(logger)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gCtx), shutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	})

	notifyReady(logger)

	err = g.Wait()

	// Sessions are down and their waiters released; only now does the
	// bridge flip availability and leave the broker.
	bridge.Close()

	if err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// newDeviceServer assembles the session server configuration.
func newDeviceServer(
	cfg *config.Config,
	manager *session.Manager,
	reg *registry.Registry,
	collector *cyncmetrics.Collector,
	observers *session.ObserverSet,
	logger *slog.Logger,
) (*session.Server, error) {
	tlsCfg, err := loadTLSConfig(cfg.TLS, logger)
	if err != nil {
		return nil, fmt.Errorf("tls setup: %w", err)
	}

	allowlist, err := session.ParseAllowlist(cfg.Server.AllowlistEntries())
	if err != nil {
		return nil, fmt.Errorf("parse allowlist: %w", err)
	}

	return session.NewServer(session.ServerConfig{
		Addr:           cfg.Server.Addr,
		TLS:            tlsCfg,
		MaxConns:       cfg.Server.MaxConns,
		Allowlist:      allowlist,
		BlackholeDelay: cfg.Server.BlackholeDelay,
		Session: session.Config{
			Sink:      &registrySink{reg: reg, logger: logger.With("component", "sink")},
			Metrics:   collector,
			Observers: observers,
			Timings:   session.DeriveTimings(cfg.Timing.AckP99),
			Retry: session.RetryPolicy{
				MaxRetries:    cfg.Retry.MaxRetries,
				Base:          cfg.Retry.Base,
				MaxDelay:      cfg.Retry.MaxDelay,
				JitterPercent: cfg.Retry.JitterPercent,
			},
		},
	}, manager, logger.With("component", "server")), nil
}

// seedRegistry loads the homes document and upserts its devices and
// groups. A missing document is not fatal: devices announce themselves,
// they just come up unnamed.
func seedRegistry(reg *registry.Registry, path string, logger *slog.Logger) error {
	if path == "" {
		return nil
	}

	doc, err := config.LoadHomes(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("homes document missing, devices will self-announce",
				slog.String("path", path),
			)
			return nil
		}
		return fmt.Errorf("seed registry: %w", err)
	}

	// Self-announced devices land in the first home's namespace.
	if len(doc.Homes) > 0 {
		reg.SetDefaultHome(doc.Homes[0].ID)
	}

	devices, groups := 0, 0
	for _, home := range doc.Homes {
		for _, d := range home.Devices {
			reg.UpsertDevice(home.ID, uint8(d.ID), registry.Attrs{
				Name:     d.Name,
				TypeCode: d.Type,
				MAC:      d.MAC,
				Firmware: d.Version,
				Room:     d.Room,
			})
			devices++
		}
		for _, g := range home.Groups {
			members := make([]uint8, len(g.Members))
			for i, m := range g.Members {
				members[i] = uint8(m)
			}
			reg.UpsertGroup(home.ID, g.ID, g.Name, members)
			groups++
		}
	}

	logger.Info("registry seeded",
		slog.Int("homes", len(doc.Homes)),
		slog.Int("devices", devices),
		slog.Int("groups", groups),
	)
	return nil
}

// registrySink feeds decoded session traffic into the registry.
type registrySink struct {
	reg    *registry.Registry
	logger *slog.Logger
}

// ApplyStatus implements session.Sink.
func (s *registrySink) ApplyStatus(_ context.Context, connID string, u session.StatusUpdate) {
	delta := registry.StatusDelta{
		State:       &u.State,
		Brightness:  &u.Brightness,
		Temperature: &u.Temperature,
		RGB:         &[3]uint8{u.R, u.G, u.B},
	}
	if err := s.reg.UpdateStatus(u.CyncID, delta); err != nil {
		s.logger.Warn("drop status update",
			slog.String("conn_id", connID),
			slog.Int("cync_id", int(u.CyncID)),
			slog.String("error", err.Error()),
		)
	}
}

// ApplyDeviceInfo implements session.Sink. An announcement proves the
// device is reachable even before its first status broadcast.
func (s *registrySink) ApplyDeviceInfo(_ context.Context, connID string, cyncID uint8, _ []byte) {
	s.reg.UpsertDevice("", cyncID, registry.Attrs{})
	if err := s.reg.MarkOnline(cyncID); err != nil {
		s.logger.Warn("mark device online",
			slog.String("conn_id", connID),
			slog.Int("cync_id", int(cyncID)),
			slog.String("error", err.Error()),
		)
	}
}

// metricsJanitor drops per-session metric series when a connection
// closes, keeping gauge cardinality bounded by live connections.
type metricsJanitor struct {
	collector *cyncmetrics.Collector
}

func (j *metricsJanitor) OnPacketReceived(session.Direction, []byte, string) {}

func (j *metricsJanitor) OnConnectionEstablished(string, string) {}

func (j *metricsJanitor) OnConnectionClosed(connID string, _ string) {
	j.collector.RemoveSession(connID)
}

// -------------------------------------------------------------------------
// HTTP & Logging Helpers
// -------------------------------------------------------------------------

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd. If the
// watchdog is not configured, the goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	// Send keepalive at half the watchdog interval.
	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — dynamic log level
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP and re-reads the CYNC_LOG_LEVEL
// override so the log level can change without a restart. Listener,
// broker, and timing changes require one.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			level := os.Getenv("CYNC_LOG_LEVEL")
			if level == "" {
				logger.Info("received SIGHUP, CYNC_LOG_LEVEL unset, keeping level",
					slog.String("level", logLevel.Level().String()),
				)
				continue
			}
			oldLevel := logLevel.Level()
			logLevel.Set(config.ParseLogLevel(level))
			logger.Info("received SIGHUP, log level updated",
				slog.String("old_level", oldLevel.String()),
				slog.String("new_level", logLevel.Level().String()),
			)
		}
	}
}
