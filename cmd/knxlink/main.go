// knxlink connects to a KNX installation through knxd and exposes group
// communication over HTTP, WebSocket and MQTT.
//
// Usage:
//
//	knxlink [-config path]
//	knxlink -issue-token subject [-config path]
//	knxlink -import-ets project.knxproj > datapoints.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/knxlink/internal/api"
	"github.com/nerrad567/knxlink/internal/audit"
	"github.com/nerrad567/knxlink/internal/bridges/knx"
	"github.com/nerrad567/knxlink/internal/connection"
	"github.com/nerrad567/knxlink/internal/etsimport"
	"github.com/nerrad567/knxlink/internal/eventbus"
	"github.com/nerrad567/knxlink/internal/gateway"
	"github.com/nerrad567/knxlink/internal/groupcomm"
	"github.com/nerrad567/knxlink/internal/infrastructure/config"
	"github.com/nerrad567/knxlink/internal/infrastructure/database"
	"github.com/nerrad567/knxlink/internal/infrastructure/influxdb"
	"github.com/nerrad567/knxlink/internal/infrastructure/logging"
	"github.com/nerrad567/knxlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/knxlink/internal/knxd"
	"github.com/nerrad567/knxlink/internal/process"
	"github.com/nerrad567/knxlink/internal/simbus"
	"github.com/nerrad567/knxlink/internal/telemetry"
	"github.com/nerrad567/knxlink/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"

	// pruneInterval is how often old events are removed from the event log.
	pruneInterval = time.Hour
)

func main() {
	configFlag := flag.String("config", "", "path to the YAML configuration file (env KNXLINK_CONFIG)")
	issueFor := flag.String("issue-token", "", "print an API token for the given subject and exit")
	etsFile := flag.String("import-ets", "", "print a datapoints section built from an ETS export (.knxproj, .xml, .csv) and exit")
	flag.Parse()

	if *etsFile != "" {
		if err := importETS(*etsFile, os.Stdout, os.Stderr); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := getConfigPath(*configFlag)

	if *issueFor != "" {
		if err := issueToken(configPath, *issueFor, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// getConfigPath returns the -config flag, then KNXLINK_CONFIG, then the
// default path.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv("KNXLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// issueToken signs an API token with the configured secret.
func issueToken(configPath, subject string, w io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.API.Auth.JWTSecret == "" {
		return errors.New("api.auth.jwt_secret is not set; authentication is disabled")
	}
	ttl := time.Duration(cfg.API.Auth.TokenTTL) * time.Minute
	token, err := api.IssueToken(cfg.API.Auth.JWTSecret, subject, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

// importETS writes the datapoints found in an ETS export to w as YAML and
// lists anything left out on report.
func importETS(path string, w, report io.Writer) error {
	res, err := etsimport.ParseFile(path)
	if err != nil {
		return err
	}
	dps, skipped := res.Datapoints(knx.NewDefaultCatalog())
	if err := etsimport.WriteYAML(w, dps); err != nil {
		return err
	}

	fmt.Fprintf(report, "imported %d of %d group addresses from %s export\n", len(dps), len(dps)+len(skipped), res.Format)
	for _, s := range skipped {
		fmt.Fprintf(report, "  skipped %s %q: %s\n", s.Address, s.Name, s.Reason)
	}
	return nil
}

// run wires every component, blocks until ctx is cancelled and then shuts
// down in reverse order of construction.
func run(ctx context.Context, configPath string) error {
	log := logging.Default()
	log.Info("starting knxlink",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "connection", cfg.KNX.Connection)

	datapoints, err := cfg.DatapointMap(nil)
	if err != nil {
		return fmt.Errorf("loading datapoints: %w", err)
	}

	// Database and recorder (optional)
	var (
		db        *database.DB
		recorder  *knx.Recorder
		auditRepo *audit.SQLiteRepository
	)
	if cfg.Database.Enabled {
		db, err = openDatabase(ctx, cfg.Database, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()

		recorder = knx.NewRecorder(db.DB, cfg.Database.RecordEvents)
		recorder.SetLogger(log.Component("recorder"))
		if err := recorder.Start(); err != nil {
			return fmt.Errorf("starting recorder: %w", err)
		}
		defer recorder.Stop()
		auditRepo = audit.NewSQLiteRepository(db.DB)
	} else {
		log.Info("database disabled")
	}

	// Managed knxd (optional)
	var daemon *process.Daemon
	if cfg.KNX.KNXD.Managed {
		daemon = newDaemon(cfg.KNX, log)
		if err := daemon.Start(ctx); err != nil {
			return fmt.Errorf("starting knxd: %w", err)
		}
		defer func() {
			log.Info("stopping knxd")
			daemon.Stop() //nolint:errcheck // always nil
		}()
	}

	// Bus connection and group communication
	mgr := connection.NewManager(newRegistry(cfg.KNX, log), connection.Config{
		ConnectTimeout: cfg.KNX.ConnectTimeoutDuration(),
		EventBus:       eventbus.Config{QueueSize: cfg.EventBus.QueueSize},
	})
	mgr.SetLogger(log.Component("connection"))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info("closing bus connection")
		if closeErr := mgr.Close(closeCtx); closeErr != nil {
			log.Error("error closing bus connection", "error", closeErr)
		}
	}()

	svc, err := groupcomm.New(mgr, groupcomm.Config{
		DefaultPriority: cfg.KNX.DefaultPriority,
		ReadTimeout:     cfg.KNX.ReadTimeoutDuration(),
		BulkInterval:    cfg.KNX.BulkInterval(),
	})
	if err != nil {
		return fmt.Errorf("creating group service: %w", err)
	}
	svc.SetLogger(log.Component("groupcomm"))
	defer svc.Close()

	if recorder != nil {
		sub, subErr := svc.SubscribeEvents("recorder", recorder.Record)
		if subErr != nil {
			return fmt.Errorf("subscribing recorder: %w", subErr)
		}
		defer sub.Unsubscribe()
	}

	// Telemetry (optional)
	if cfg.InfluxDB.Enabled {
		closeSink, sinkErr := startTelemetry(cfg, datapoints, svc, log)
		if sinkErr != nil {
			return sinkErr
		}
		defer closeSink()
	} else {
		log.Info("InfluxDB disabled")
	}

	// MQTT gateway (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
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

		gw, gwErr := gateway.New(gateway.Options{
			MQTT:           mqttClient,
			Service:        svc,
			Connection:     mgr,
			Datapoints:     datapoints,
			Topics:         mqttClient.Topics(),
			QoS:            mqttClient.QoS(),
			ServiceID:      cfg.Service.ID,
			Version:        version,
			HealthInterval: time.Duration(cfg.MQTT.HealthInterval) * time.Second,
			Logger:         log.Component("gateway"),
		})
		if gwErr != nil {
			return fmt.Errorf("creating MQTT gateway: %w", gwErr)
		}
		if err := gw.Start(ctx); err != nil {
			return fmt.Errorf("starting MQTT gateway: %w", err)
		}
		defer func() {
			log.Info("stopping MQTT gateway")
			gw.Stop()
		}()
	} else {
		log.Info("MQTT disabled")
	}

	// HTTP API (optional)
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:        cfg.API,
			WS:            cfg.WebSocket,
			Logger:        log.Component("api"),
			Connection:    mgr,
			Service:       svc,
			Datapoints:    datapoints,
			DefaultParams: cfg.KNX.Connection,
			Version:       version,
		}
		if db != nil {
			deps.Database = db
			deps.Audit = auditRepo
		}
		if recorder != nil && cfg.Database.RecordEvents {
			deps.Events = recorder
		}
		if mqttClient != nil {
			deps.MQTT = mqttClient
		}
		if daemon != nil {
			deps.Daemon = daemon
		}

		srv, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
		log.Info("API server started", "address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port))
	} else {
		log.Info("API disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	startConnection(gctx, g, cfg.KNX, mgr, log)
	if recorder != nil && cfg.Database.RecordEvents && cfg.Database.RetentionDays > 0 {
		retention := time.Duration(cfg.Database.RetentionDays) * 24 * time.Hour
		g.Go(func() error {
			pruneLoop(gctx, "events", recorder.PruneEvents, retention, pruneInterval, log)
			return nil
		})
	}
	if auditRepo != nil && cfg.Database.AuditRetentionDays > 0 {
		retention := time.Duration(cfg.Database.AuditRetentionDays) * 24 * time.Hour
		g.Go(func() error {
			pruneLoop(gctx, "audit", auditRepo.PruneBefore, retention, pruneInterval, log)
			return nil
		})
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-gctx.Done()
	log.Info("shutdown signal received, cleaning up")

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("knxlink stopped")
	return nil
}

// openDatabase opens SQLite and applies the embedded migrations.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig, log *logging.Logger) (*database.DB, error) {
	db, err := database.Open(database.FromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	log.Info("database connected", "path", cfg.Path)

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // error path
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database migrations complete")
	return db, nil
}

// newRegistry maps connection URL schemes to transports.
func newRegistry(cfg config.KNXConfig, log *logging.Logger) *connection.Registry {
	knxdTransport := knxd.NewTransport(knxd.Config{
		ConnectTimeout:   cfg.ConnectTimeoutDuration(),
		HandshakeTimeout: time.Duration(cfg.KNXD.HandshakeTimeout) * time.Second,
		WriteTimeout:     time.Duration(cfg.KNXD.WriteTimeout) * time.Second,
	})
	knxdTransport.SetLogger(log.Component("knxd"))

	reg := connection.NewRegistry()
	reg.Register("unix", knxdTransport)
	reg.Register("tcp", knxdTransport)
	reg.Register("sim", simbus.NewTransport(simbus.Config{}))
	return reg
}

// startTelemetry connects to InfluxDB and subscribes the sink. The returned
// func unsubscribes and flushes.
func startTelemetry(cfg *config.Config, datapoints *knx.DatapointMap, svc *groupcomm.Service, log *logging.Logger) (func(), error) {
	client, err := influxdb.Connect(cfg.InfluxDB)
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)

	scheme, err := connection.Scheme(cfg.KNX.Connection)
	if err != nil {
		client.Close() //nolint:errcheck // error path
		return nil, err
	}
	sink := telemetry.NewSink(client, datapoints, scheme)
	sink.SetLogger(log.Component("telemetry"))
	if err := sink.Start(svc); err != nil {
		client.Close() //nolint:errcheck // error path
		return nil, fmt.Errorf("starting telemetry: %w", err)
	}

	return func() {
		sink.Stop()
		st := client.Stats()
		log.Info("closing InfluxDB connection",
			"written", sink.Stats().Written,
			"points", st.Points,
			"write_errors", st.WriteErrors,
		)
		if closeErr := client.Close(); closeErr != nil {
			log.Error("error closing InfluxDB", "error", closeErr)
		}
	}, nil
}

// newDaemon builds the supervisor for a knxd launched by knxlink. Readiness
// and health both mean the configured socket accepts connections.
func newDaemon(cfg config.KNXConfig, log *logging.Logger) *process.Daemon {
	probe := func(ctx context.Context) error { return knxd.Probe(ctx, cfg.Connection) }
	d := process.New(process.Config{
		Name:             "knxd",
		Binary:           cfg.KNXD.Binary,
		Args:             cfg.KNXD.Args,
		RestartOnFailure: true,
		RestartDelay:     time.Duration(cfg.KNXD.RestartDelay) * time.Second,
		MaxRestarts:      cfg.KNXD.MaxRestarts,
		Ready:            probe,
		ReadyTimeout:     time.Duration(cfg.KNXD.ReadyTimeout) * time.Second,
		HealthCheck:      probe,
	})
	d.SetLogger(log.Component("knxd"))
	return d
}

// startConnection brings the bus up. With reconnect enabled the supervisor
// owns the connection, otherwise a single attempt is made.
func startConnection(ctx context.Context, g *errgroup.Group, cfg config.KNXConfig, mgr *connection.Manager, log *logging.Logger) {
	if cfg.Reconnect.Enabled {
		sup := connection.NewSupervisor(mgr, connection.SupervisorConfig{
			Params:         cfg.Connection,
			InitialDelay:   time.Duration(cfg.Reconnect.InitialDelay) * time.Second,
			MaxDelay:       time.Duration(cfg.Reconnect.MaxDelay) * time.Second,
			ConnectOnStart: cfg.AutoConnect,
		})
		sup.SetLogger(log.Component("supervisor"))
		g.Go(func() error { return sup.Run(ctx) })
		return
	}
	if !cfg.AutoConnect {
		log.Info("auto-connect disabled, waiting for POST /connection")
		return
	}
	if err := mgr.Connect(ctx, cfg.Connection); err != nil {
		log.Warn("bus connection failed", "connection", cfg.Connection, "code", knx.ErrorCode(err), "error", err)
	}
}

// pruneFunc deletes rows older than cutoff. Satisfied by
// (*knx.Recorder).PruneEvents and (*audit.SQLiteRepository).PruneBefore.
type pruneFunc func(ctx context.Context, cutoff time.Time) (int64, error)

// pruneLoop deletes rows of the named log older than retention, once at
// start and then every interval, until ctx is done.
func pruneLoop(ctx context.Context, name string, prune pruneFunc, retention, interval time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := prune(ctx, time.Now().Add(-retention))
		switch {
		case err != nil && ctx.Err() == nil:
			log.Error("log pruning failed", "log", name, "error", err)
		case n > 0:
			log.Info("log pruned", "log", name, "deleted", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
