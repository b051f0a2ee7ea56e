// Gray Logic Tuya Bridge
//
// This is the main entry point of the Tuya bridge. It hosts Tuya Wi-Fi
// devices, reached through the local gateway daemon, and connects them to
// Gray Logic Core over MQTT:
//   - Device specifications from the cloud relay or static schemas
//   - Commands generated per device, state published as readings
//   - Supervised sessions that reconnect on their own
//   - An operator API for setup, slot resolution and live readings
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-tuya/internal/api"
	"github.com/nerrad567/gray-logic-tuya/internal/audit"
	"github.com/nerrad567/gray-logic-tuya/internal/auth"
	"github.com/nerrad567/gray-logic-tuya/internal/bridges/tuya"
	"github.com/nerrad567/gray-logic-tuya/internal/cloud"
	"github.com/nerrad567/gray-logic-tuya/internal/device"
	"github.com/nerrad567/gray-logic-tuya/internal/gateway"
	"github.com/nerrad567/gray-logic-tuya/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-tuya/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-tuya/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-tuya/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-tuya/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-tuya/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting Tuya bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
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

	influxClient, err := connectInflux(cfg.InfluxDB, log)
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
	}

	will, err := json.Marshal(tuya.NewLWTMessage(cfg.Bridge.ID))
	if err != nil {
		return fmt.Errorf("encoding LWT: %w", err)
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT,
		mqtt.WithLogger(log),
		mqtt.WithWill(mqtt.Will{Topic: tuya.HealthTopic(), Payload: will, QoS: 1, Retained: true}),
	)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	var daemonStats api.DaemonReporter
	if cfg.Tuya.Gateway.Daemon.Managed {
		daemon, daemonErr := startGatewayDaemon(ctx, cfg.Tuya.Gateway.Daemon, log)
		if daemonErr != nil {
			return daemonErr
		}
		defer func() {
			if stopErr := daemon.Stop(); stopErr != nil {
				log.Error("error stopping gateway daemon", "error", stopErr)
			}
		}()
		daemonStats = daemon
	}

	transport := gateway.New(mqttClient, gateway.Options{
		Prefix:         cfg.Tuya.Gateway.TopicPrefix,
		RequestTimeout: cfg.Tuya.GetGatewayTimeout(),
		Logger:         log,
	})
	if startErr := transport.Start(); startErr != nil {
		return fmt.Errorf("starting gateway transport: %w", startErr)
	}
	log.Info("gateway transport started", "prefix", cfg.Tuya.Gateway.TopicPrefix)

	cloudClient, err := newCloudClient(cfg.Tuya, log)
	if err != nil {
		return err
	}

	schemas := tuya.NewSchemaRegistry()
	if cfg.Tuya.SchemasFile != "" {
		if loadErr := schemas.LoadFile(cfg.Tuya.SchemasFile); loadErr != nil {
			return fmt.Errorf("loading schemas: %w", loadErr)
		}
		log.Info("schemas loaded", "path", cfg.Tuya.SchemasFile, "products", len(schemas.ProductIDs()))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := tuya.BridgeOptions{
		BridgeID:       cfg.Bridge.ID,
		Version:        version,
		HealthInterval: cfg.GetHealthInterval(),
		MQTTClient:     &mqttBridgeAdapter{client: mqttClient},
		Transport:      transport,
		Cloud:          cloudClient,
		Schemas:        schemas,
		Attributes:     device.NewAttributeRepository(db.DB),
		Metrics:        tuya.NewMetrics(registry),
		Timing:         supervisorTiming(cfg.Tuya),
		Devices:        deviceConfigs(cfg.Tuya.Devices),
		Logger:         log,
	}
	if influxClient != nil {
		opts.MetricWriter = influxClient
	}
	bridge, err := tuya.NewBridge(opts)
	if err != nil {
		return fmt.Errorf("creating Tuya bridge: %w", err)
	}
	if startErr := bridge.Start(ctx); startErr != nil {
		bridge.Stop()
		return fmt.Errorf("starting Tuya bridge: %w", startErr)
	}
	defer func() {
		log.Info("stopping Tuya bridge")
		bridge.Stop()
	}()
	log.Info("Tuya bridge started", "devices", len(cfg.Tuya.Devices), "cloud", cloudClient != nil)

	runtimeRepo := device.NewRuntimeRepository(db.DB)
	if restoreErr := restoreRuntimeDevices(ctx, bridge, runtimeRepo, log); restoreErr != nil {
		return restoreErr
	}

	operator, err := auth.NewOperator(cfg.Security, cfg.GetAccessTokenTTL())
	if err != nil {
		return fmt.Errorf("configuring operator login: %w", err)
	}
	if !operator.Enabled() {
		log.Warn("operator login disabled: no password configured")
	}

	apiServer, err := api.New(api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Metrics:    cfg.Metrics,
		Logger:     log,
		Bridge:     bridge,
		Operator:   operator,
		Runtime:    runtimeRepo,
		Audit:      audit.NewRepository(db.DB),
		MQTT:       mqttClient,
		Daemon:     daemonStats,
		Gatherer:   registry,
		Registerer: registry,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Tuya.SchemasFile != "" {
		g.Go(func() error {
			return watchSchemas(gctx, cfg.Tuya.SchemasFile, schemas, log)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	log.Info("initialisation complete, waiting for shutdown signal")
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("shutdown signal received, cleaning up")
	log.Info("Tuya bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// connectInflux returns a nil client when InfluxDB is disabled.
func connectInflux(cfg config.InfluxDBConfig, log *logging.Logger) (*influxdb.Client, error) {
	client, err := influxdb.Connect(cfg)
	if errors.Is(err, influxdb.ErrDisabled) {
		log.Info("InfluxDB disabled")
		return nil, nil
	}
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

// newCloudClient returns a nil interface without cloud credentials, so
// devices fall back to static schemas.
func newCloudClient(cfg config.TuyaConfig, log *logging.Logger) (tuya.CloudClient, error) {
	if !cfg.Cloud.Configured() {
		log.Info("cloud relay not configured, using static schemas only")
		return nil, nil
	}
	client, err := cloud.New(cloud.Config{
		BaseURL:     cfg.Cloud.BaseURL,
		ClientID:    cfg.Cloud.ClientID,
		AccessToken: cfg.Cloud.AccessToken,
		Region:      cfg.Cloud.Region,
		Timeout:     cfg.GetCloudTimeout(),
	}, cloud.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("creating cloud client: %w", err)
	}
	log.Info("cloud relay configured", "cloud", cfg.Cloud.String())
	return client, nil
}

func supervisorTiming(cfg config.TuyaConfig) tuya.SupervisorTiming {
	connect, retry, liveness, grace := cfg.SupervisorDurations()
	return tuya.SupervisorTiming{
		ConnectTimeout:   connect,
		RetryDelay:       retry,
		LivenessInterval: liveness,
		GracePeriod:      grace,
	}
}

func deviceConfigs(devices []config.TuyaDeviceConfig) []tuya.DeviceConfig {
	out := make([]tuya.DeviceConfig, 0, len(devices))
	for _, d := range devices {
		out = append(out, tuya.DeviceConfig{
			ID:        d.ID,
			Name:      d.Name,
			ProductID: d.ProductID,
			Address:   d.Address,
			LocalKey:  d.LocalKey,
			Version:   d.Version,
		})
	}
	return out
}

// runtimeDeviceStore lists persisted runtime devices.
type runtimeDeviceStore interface {
	List(ctx context.Context) ([]tuya.DeviceConfig, error)
}

// deviceCreator starts a device on the bridge.
type deviceCreator interface {
	Device(id string) (*tuya.Device, bool)
	CreateDevice(ctx context.Context, cfg tuya.DeviceConfig) (*tuya.Device, error)
}

// restoreRuntimeDevices starts the devices created through the API on a
// previous run. A device whose id is already configured is skipped.
func restoreRuntimeDevices(ctx context.Context, bridge deviceCreator, store runtimeDeviceStore, log *logging.Logger) error {
	devices, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("loading runtime devices: %w", err)
	}
	restored := 0
	for _, cfg := range devices {
		devLog := log.ForDevice(cfg.ID)
		if _, exists := bridge.Device(cfg.ID); exists {
			devLog.Warn("runtime device shadowed by configured device, skipping")
			continue
		}
		if _, err := bridge.CreateDevice(ctx, cfg); err != nil {
			devLog.Warn("failed to restore runtime device", "error", err)
			continue
		}
		restored++
	}
	if len(devices) > 0 {
		log.Info("runtime devices restored", "restored", restored, "stored", len(devices))
	}
	return nil
}

// healthCheck verifies the infrastructure connections. influxClient may be
// nil when InfluxDB is disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the Tuya
// bridge's MQTTClient interface, whose handlers return no error.
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements tuya.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements tuya.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements tuya.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// startGatewayDaemon launches the local gateway daemon under supervision.
func startGatewayDaemon(ctx context.Context, cfg config.GatewayDaemonConfig, log *logging.Logger) (*gateway.Daemon, error) {
	daemon, err := gateway.NewDaemon(gateway.DaemonConfig{
		Binary:       cfg.Binary,
		Args:         cfg.Args,
		RestartDelay: time.Duration(cfg.RestartDelay) * time.Second,
		MaxRestarts:  cfg.MaxRestarts,
	}, log.With("component", "gateway-daemon"))
	if err != nil {
		return nil, fmt.Errorf("configuring gateway daemon: %w", err)
	}
	if err := daemon.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting gateway daemon: %w", err)
	}
	return daemon, nil
}
