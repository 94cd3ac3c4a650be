package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"mqtt-hub-bridge/config"
	"mqtt-hub-bridge/internal/bridge"
	"mqtt-hub-bridge/internal/broker/mqtt"
	"mqtt-hub-bridge/internal/broker/nats"
	"mqtt-hub-bridge/internal/hub"
	"mqtt-hub-bridge/internal/logger"
	"mqtt-hub-bridge/internal/metrics"
	"mqtt-hub-bridge/internal/queue"
	"mqtt-hub-bridge/internal/stats"
	"mqtt-hub-bridge/internal/topics"
)

const (
	snapshotTimeout = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

type overrides struct {
	protocol        *string
	publishInterval *string
	metricsAddr     *string
	metricsPath     *string
	metricsInterval *time.Duration
}

func (o overrides) load(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyOverrides(
		*o.protocol,
		*o.publishInterval,
		*o.metricsAddr,
		*o.metricsPath,
		*o.metricsInterval,
	)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	configPath := flag.String("config", "config/config.json", "path to config file")

	// Optional override flags
	flags := overrides{
		protocol:        flag.String("protocol", "", "override hub protocol, homie or homeassistant (empty = use config)"),
		publishInterval: flag.String("publish-interval", "", "override minimum spacing between publishes (empty = use config)"),
		metricsAddr:     flag.String("metrics-addr", "", "override metrics server address (empty = use config)"),
		metricsPath:     flag.String("metrics-path", "", "override metrics endpoint path (empty = use config)"),
		metricsInterval: flag.Duration("metrics-interval", 0, "override metrics collection interval (0 = use config)"),
	}

	flag.Parse()

	cfg, err := flags.load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Setup metrics if enabled
	var metricsService *metrics.Metrics
	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		metricsService, err = metrics.NewMetrics(reg)
		if err != nil {
			logger.Fatal("failed to create metrics service", "error", err)
		}
	}

	// The lifecycle sets the last will from the active settings before each connect
	client, err := mqtt.NewClient(&cfg.MQTT, nil, logger, metricsService)
	if err != nil {
		logger.Fatal("failed to create mqtt client", "error", err)
	}

	publishQueue := queue.New(queue.Config{
		DefaultQoS:      byte(cfg.Queue.DefaultQoS),
		PublishInterval: config.Duration(cfg.Queue.PublishInterval),
	}, client, logger.With("component", "queue"), metricsService)
	defer publishQueue.Close()

	ownership := topics.NewRegistry()
	devices := hub.NewRegistry(logger.With("component", "devices"))

	source, err := nats.NewSource(&cfg.Source, logger, metricsService)
	if err != nil {
		logger.Fatal("failed to create hub source", "error", err)
	}

	lifecycle, err := bridge.New(bridge.Options{
		Publisher:  client,
		Queue:      publishQueue,
		Topics:     ownership,
		Devices:    devices,
		Subscriber: client,
		Commands:   source,
		Logger:     logger,
		Metrics:    metricsService,
	}, bridge.SettingsFromConfig(cfg))
	if err != nil {
		logger.Fatal("failed to create bridge", "error", err)
	}
	client.OnRegistered(lifecycle.HandleRegistered)
	client.OnUnregistered(lifecycle.HandleUnregistered)

	// Setup signal handlers
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to the hub and load its current devices before publishing
	if err := source.Connect(ctx); err != nil {
		logger.Fatal("failed to connect to hub source", "error", err)
	}
	loadSnapshot(ctx, source, devices, logger)
	if err := source.Subscribe(lifecycle.HandleEvent); err != nil {
		logger.Fatal("failed to subscribe to hub events", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		startMetrics(g, gctx, cfg, reg, metricsService, client, publishQueue, source, lifecycle, logger)
	}

	// A failed start leaves the bridge stopped; it is retried on SIGHUP
	if err := lifecycle.Start(ctx); err != nil {
		logger.Error("failed to start bridge", "error", err)
	}

	logger.Info("mqtt-hub-bridge started",
		"broker", cfg.MQTT.Broker,
		"protocol", cfg.Hub.Protocol,
		"hubId", cfg.Hub.ID,
		"devices", devices.Len(),
		"metricsEnabled", cfg.Metrics.Enabled)

	// Handle signals
	for {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("received SIGHUP, reloading configuration")
				logger.Sync()
				reload(ctx, flags, *configPath, lifecycle, logger)

			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("shutting down...")
				shutdown(cancel, g, lifecycle, source, logger)
				return
			}

		case <-gctx.Done():
			logger.Error("background service failed, shutting down", "error", context.Cause(gctx))
			shutdown(cancel, g, lifecycle, source, logger)
			return
		}
	}
}

// loadSnapshot seeds the device registry. Without a snapshot the registry
// fills as the hub announces devices.
func loadSnapshot(ctx context.Context, source *nats.Source, devices *hub.Registry, logger *logger.Logger) {
	snapCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	snapshot, err := source.Snapshot(snapCtx)
	if err != nil {
		logger.Warn("failed to load device snapshot", "error", err)
		return
	}
	for _, d := range snapshot {
		if err := devices.Upsert(d); err != nil {
			logger.Warn("skipping snapshot device", "device", d.ID, "error", err)
		}
	}
	logger.Info("loaded device snapshot", "devices", devices.Len())
}

// reload applies a changed configuration to the running bridge and
// re-announces its devices, restoring retained topics that were cleared on
// the broker. A stopped bridge is started again.
func reload(ctx context.Context, flags overrides, path string, lifecycle *bridge.Lifecycle, logger *logger.Logger) {
	cfg, err := flags.load(path)
	if err != nil {
		logger.Error("failed to reload config, keeping current settings", "error", err)
		return
	}

	if err := lifecycle.ApplySettings(ctx, bridge.SettingsFromConfig(cfg)); err != nil {
		logger.Error("failed to apply settings", "error", err)
	}
	if lifecycle.State() == bridge.StateStopped {
		if err := lifecycle.Start(ctx); err != nil {
			logger.Error("failed to start bridge", "error", err)
		}
		return
	}
	if err := lifecycle.Announce(); err != nil {
		logger.Warn("failed to re-announce devices", "error", err)
	}
}

func shutdown(cancel context.CancelFunc, g *errgroup.Group, lifecycle *bridge.Lifecycle, source *nats.Source, logger *logger.Logger) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Last will goes out before the broker connection closes
	lifecycle.Stop(shutdownCtx)

	if err := source.Unsubscribe(); err != nil {
		logger.Warn("failed to unsubscribe from hub events", "error", err)
	}
	source.Disconnect()

	cancel()
	if err := g.Wait(); err != nil {
		logger.Error("background service error", "error", err)
	}
}

func startMetrics(
	g *errgroup.Group,
	ctx context.Context,
	cfg *config.Config,
	reg *prometheus.Registry,
	m *metrics.Metrics,
	client *mqtt.Client,
	publishQueue *queue.Queue,
	source *nats.Source,
	lifecycle *bridge.Lifecycle,
	logger *logger.Logger,
) {
	collector := metrics.NewMetricsCollector(m, config.Duration(cfg.Metrics.UpdateInterval),
		func(m *metrics.Metrics) { m.SetMQTTConnectionStatus(client.IsRegistered()) },
		func(m *metrics.Metrics) { m.SetMessageQueueDepth(float64(publishQueue.Len())) },
		lifecycle.Sample,
	)
	collector.Start()

	statsCollector := stats.NewStatsCollector()
	statsCollector.Register("lifecycle", func() any { return lifecycle.Status() })
	statsCollector.Register("queue", func() any { return publishQueue.Stats() })
	statsCollector.Register("mqtt", func() any { return client.GetStats() })
	statsCollector.Register("source", func() any { return source.GetStats() })
	statsCollector.Register("publish_rate", func() any {
		return statsCollector.CalculateRate(publishQueue.Stats().Published)
	})

	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry:          reg,
		EnableOpenMetrics: true,
	}))
	mux.Handle("/stats", statsCollector)

	server := &http.Server{
		Addr:    cfg.Metrics.Address,
		Handler: mux,
	}

	g.Go(func() error {
		logger.Info("starting metrics server",
			"address", cfg.Metrics.Address,
			"path", cfg.Metrics.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		collector.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
		return nil
	})
}
