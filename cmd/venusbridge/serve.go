package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/venus-bridge/internal/api"
	"github.com/nerrad567/venus-bridge/internal/audit"
	"github.com/nerrad567/venus-bridge/internal/bridges/venus"
	"github.com/nerrad567/venus-bridge/internal/history"
	"github.com/nerrad567/venus-bridge/internal/infrastructure/config"
	"github.com/nerrad567/venus-bridge/internal/infrastructure/database"
	"github.com/nerrad567/venus-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/venus-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/venus-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/venus-bridge/migrations"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Poll configured batteries and serve MQTT and HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, opts *options) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Venus Bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, configPath, err := opts.loadConfig()
	if err != nil {
		return err
	}
	log.Info("configuration loaded", "path", configPath, "devices", len(cfg.Devices))

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	defer log.Close() //nolint:errcheck // Nothing left to log to
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	auditRepo := audit.NewSQLiteRepository(db.DB)
	historyRepo := history.NewSQLiteRepository(db.DB)
	retention := time.Duration(cfg.Bridge.HistoryRetentionDays) * 24 * time.Hour
	if retention > 0 {
		if n, pruneErr := auditRepo.Prune(ctx, time.Now().Add(-retention)); pruneErr != nil {
			log.Warn("audit prune failed", "error", pruneErr)
		} else if n > 0 {
			log.Info("audit log pruned", "removed", n)
		}
	}

	manager, err := buildManager(cfg, log)
	if err != nil {
		return fmt.Errorf("building devices: %w", err)
	}
	log.Info("devices configured", "count", manager.Len())

	recorder := history.NewRecorder(history.RecorderConfig{
		Repository: historyRepo,
		Retention:  retention,
		Logger:     log.With("component", "history"),
	})
	recorder.Start(ctx)
	defer func() {
		log.Info("stopping history recorder")
		recorder.Stop()
	}()
	unsubscribeHistory := manager.Subscribe(recorder.Listen)
	defer unsubscribeHistory()

	influxClient, err := connectInflux(ctx, cfg.InfluxDB, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		unsubscribeTelemetry := manager.Subscribe(telemetryListener(influxClient))
		defer unsubscribeTelemetry()
	}

	var mqttClient *mqtt.Client
	var bridge *venus.Bridge
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.With("component", "mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		bridge, err = startBridge(ctx, cfg, manager, mqttClient, auditRepo, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			bridge.Stop()
		}()
	} else {
		log.Info("MQTT disabled")
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.With("component", "api"),
			Manager:  manager,
			DB:       db,
			Audit:    auditRepo,
			History:  historyRepo,
			Version:  version,
		}
		if mqttClient != nil {
			deps.MQTT = mqttClient
		}
		apiServer, err = api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("HTTP API disabled")
	}

	manager.Start(ctx)
	defer func() {
		log.Info("stopping device polling")
		manager.Stop()
	}()

	if cfg.Discovery.OnStartup {
		go discoverOnStartup(ctx, manager, bridge, cfg.Discovery.ScanWindow, log)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient, apiServer); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: polling, API, bridge, MQTT,
	// InfluxDB, history recorder, database.

	log.Info("Venus Bridge stopped")
	return nil
}

// connectInflux returns nil when InfluxDB is disabled.
func connectInflux(ctx context.Context, cfg config.InfluxDBConfig, log *logging.Logger) (*influxdb.Client, error) {
	if !cfg.Enabled {
		log.Info("InfluxDB disabled")
		return nil, nil //nolint:nilnil // Disabled is not an error
	}

	client, err := influxdb.Connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.URL,
		"org", cfg.Org,
		"bucket", cfg.Bucket,
	)
	return client, nil
}

// startBridge connects the device manager to MQTT.
func startBridge(ctx context.Context, cfg *config.Config, manager *venus.Manager, client *mqtt.Client, auditor venus.Auditor, log *logging.Logger) (*venus.Bridge, error) {
	bridge, err := venus.NewBridge(venus.BridgeOptions{
		BridgeID:       cfg.Bridge.ID,
		Version:        version,
		Manager:        manager,
		MQTTClient:     client,
		Topics:         client.Topics(),
		HealthInterval: cfg.GetHealthInterval(),
		Auditor:        auditor,
		Logger:         log.With("component", "bridge"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating MQTT bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		bridge.Stop()
		return nil, fmt.Errorf("starting MQTT bridge: %w", err)
	}
	return bridge, nil
}

// discoverOnStartup runs one scan and announces the result on MQTT when a
// bridge is running.
func discoverOnStartup(ctx context.Context, manager *venus.Manager, bridge *venus.Bridge, window time.Duration, log *logging.Logger) {
	found, err := manager.Discover(ctx, window)
	if err != nil {
		log.Warn("startup discovery failed", "error", err)
		return
	}
	for _, d := range found {
		log.Info("discovered device",
			"address", d.Address,
			"type", d.DeviceType(),
			"firmware", d.Firmware(),
			"wifi_mac", d.WifiMac(),
		)
	}
	if bridge != nil {
		bridge.PublishDiscovery(found)
	}
}

// healthCheck verifies all infrastructure connections are healthy.
// Optional components are skipped when nil.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, apiServer *api.Server) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	if apiServer != nil {
		if err := apiServer.HealthCheck(ctx); err != nil {
			return fmt.Errorf("api: %w", err)
		}
	}

	// Devices are not checked: an unreachable battery shows up as a stale
	// snapshot, not a startup failure.

	return nil
}
