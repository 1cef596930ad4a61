package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/stsupervisor/internal/api"
	"github.com/nerrad567/stsupervisor/internal/audit"
	"github.com/nerrad567/stsupervisor/internal/bridges/control"
	"github.com/nerrad567/stsupervisor/internal/history"
	"github.com/nerrad567/stsupervisor/internal/infrastructure/config"
	"github.com/nerrad567/stsupervisor/internal/infrastructure/influxdb"
	"github.com/nerrad567/stsupervisor/internal/infrastructure/logging"
	"github.com/nerrad567/stsupervisor/internal/infrastructure/mqtt"
	"github.com/nerrad567/stsupervisor/internal/metrics"
	"github.com/nerrad567/stsupervisor/internal/scheduler"
)

// shutdownTimeout bounds stopping the daemon once a signal arrives.
const shutdownTimeout = 30 * time.Second

func newServeCommand(c *commandContext) *cobra.Command {
	var autostart bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor with its HTTP API and MQTT bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.ensureConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cmd.Flags().Changed("autostart") {
				cfg.Scheduler.Autostart = autostart
			}
			log := c.logger(cmd)
			defer log.Close() //nolint:errcheck // nothing left to report to
			return runServe(cmd.Context(), cfg, log)
		},
	}
	cmd.Flags().BoolVar(&autostart, "autostart", false, "Start the daemon immediately (overrides scheduler.autostart)")
	return cmd
}

// runServe wires every component and blocks until ctx is cancelled. On
// shutdown the daemon is stopped before the outer surfaces close.
func runServe(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	log.Info("starting stsupervisor",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	lock, err := scheduler.AcquireHostLock(cfg.Scheduler.LockDir, cfg.Scheduler.WorkID)
	if err != nil {
		return fmt.Errorf("host lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.Release(); releaseErr != nil {
			log.Error("error releasing host lock", "error", releaseErr)
		}
	}()
	log.Info("host lock acquired", "path", lock.Path())

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database ready", "path", db.Path())

	app, err := newCore(cfg, log)
	if err != nil {
		return err
	}
	sup := app.supervisor

	repo := history.NewSQLiteRepository(db.DB)
	recorder := history.NewRecorder(repo, cfg.Database.HistoryLimit)
	recorder.SetLogger(log.Component("history"))
	sup.AddObserver(recorder)

	prom := metrics.NewPrometheus()
	sup.AddObserver(prom)
	app.launcher.AddSink(prom)

	checks := map[string]api.HealthChecker{"database": db}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB, hostTags(cfg))
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
			log.Info("InfluxDB connection closed", "failed_writes", influxClient.Failures())
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		sup.AddObserver(metrics.NewInflux(influxClient))
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	auditRepo := audit.NewSQLiteRepository(db.DB)
	trail := audit.NewTrail(auditRepo)
	trail.SetLogger(log.Component("audit"))

	svc := app.service(repo, trail, log)
	svc.OnWorkDone(prom.RecordWorkResult)

	var mqttClient *mqtt.Client
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
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		checks["mqtt"] = mqttClient
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		bridge, bridgeErr := control.NewBridge(control.Options{
			Client:        mqttClient,
			Controller:    svc,
			Topics:        mqttClient.Topics(),
			QoS:           mqttClient.QoS(),
			PublishOutput: cfg.MQTT.PublishOutput,
			Logger:        log.Component("control"),
		})
		if bridgeErr != nil {
			return fmt.Errorf("creating control bridge: %w", bridgeErr)
		}
		if startErr := bridge.Start(ctx); startErr != nil {
			return fmt.Errorf("starting control bridge: %w", startErr)
		}
		defer bridge.Stop()
		sup.AddObserver(bridge)
		app.launcher.AddSink(bridge)
	} else {
		log.Info("MQTT disabled")
	}

	var server *api.Server
	if cfg.API.Enabled {
		hub := api.NewHub(cfg.API.WebSocket, log.Component("websocket"))
		sup.AddObserver(hub)
		app.launcher.AddSink(hub)

		deps := api.Deps{
			Config:     cfg.API,
			Logger:     log.Component("api"),
			Controller: svc,
			Hub:        hub,
			Metrics:    prom.Handler(),
			Checks:     checks,
			DB:         db,
			Audit:      auditRepo,
			Version:    version,
		}
		if mqttClient != nil {
			deps.MQTT = mqttClient
		}
		server, err = api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("HTTP API disabled")
	}

	// Registered last so pending observer events reach the outputs above
	// before they close.
	defer sup.Close()

	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	if cfg.Scheduler.Autostart {
		ack := svc.StartSupervisedDaemon(ctx, nil)
		log.Info("autostart", "message", ack.Message)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, stopping daemon")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if ack := svc.StopSupervisedDaemon(stopCtx); !ack.OK {
		log.Error("daemon did not stop cleanly", "message", ack.Message)
	}

	log.Info("stsupervisor stopped")
	return nil
}

// healthCheck verifies every infrastructure connection.
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	var errs []error
	for name, c := range checks {
		if err := c.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
