package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fentz26/swarm/internal/audit"
	"github.com/fentz26/swarm/internal/concurrency"
	"github.com/fentz26/swarm/internal/config"
	"github.com/fentz26/swarm/internal/connectors"
	"github.com/fentz26/swarm/internal/connectors/httpsession"
	"github.com/fentz26/swarm/internal/connectors/localexec"
	"github.com/fentz26/swarm/internal/connectors/memconn"
	"github.com/fentz26/swarm/internal/controlplane"
	"github.com/fentz26/swarm/internal/events"
	"github.com/fentz26/swarm/internal/launcher"
	"github.com/fentz26/swarm/internal/logging"
	"github.com/fentz26/swarm/internal/mission"
	"github.com/fentz26/swarm/internal/models"
	"github.com/fentz26/swarm/internal/routing"
	"github.com/fentz26/swarm/internal/scheduler"
	"github.com/fentz26/swarm/internal/sessionpool"
	"github.com/fentz26/swarm/internal/store"
	"github.com/fentz26/swarm/internal/taskstore"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 30 * time.Second

var (
	listenAddr string
	dbPath     string
	transport  string
	baseURL    string
	logLevel   string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the swarm daemon",
	Long:  `Starts the swarm daemon which provides the HTTP API for launching and tracking background tasks.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (empty string disables persistence)")
	daemonCmd.Flags().StringVar(&transport, "transport", "", "Session transport: http or memory")
	daemonCmd.Flags().StringVar(&baseURL, "base-url", "", "Session host URL for the http transport")
	daemonCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
}

// loadConfig reads the config file and applies command line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadFromHome()
	}
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Server.Listen = listenAddr
	}
	if flags.Changed("db") {
		cfg.Store.Path = dbPath
	}
	if flags.Changed("transport") {
		cfg.Transport.Kind = transport
	}
	if flags.Changed("base-url") {
		cfg.Transport.BaseURL = baseURL
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// daemon holds every long-lived component so they can be stopped in order.
type daemon struct {
	logger    hclog.Logger
	store     *store.Store
	pool      *sessionpool.Pool
	launcher  *launcher.Launcher
	cleaner   *events.Cleaner
	poller    *events.Poller
	stream    *events.Stream
	scheduler *scheduler.Scheduler
	service   *controlplane.Service
	server    *controlplane.Server
}

func newConnector(cfg config.TransportConfig, logger hclog.Logger) connectors.Connector {
	if cfg.Kind == config.TransportMemory {
		return memconn.New(memconn.EchoReply)
	}
	return httpsession.New(cfg.BaseURL, cfg.Directory, logger)
}

// buildDaemon wires the components described by cfg. Nothing is started.
func buildDaemon(cfg *config.Config, logger hclog.Logger) (*daemon, error) {
	d := &daemon{logger: logger}

	conn := newConnector(cfg.Transport, logger)

	// Without a database, mission state lives in memory and the audit
	// trail and archive are off.
	var (
		archiver taskstore.Archiver
		history  controlplane.History
		sink     audit.Sink
		states   mission.StateStore = mission.NewMemoryStore()
	)
	if cfg.Store.Path != "" {
		s, err := store.New(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		d.store = s
		archiver, history, sink, states = s, s, s, s
	}

	tasks := taskstore.New(cfg.Tasks, archiver, logger)
	gate := concurrency.New(&cfg.Concurrency, concurrency.HeapPressure, logger)
	d.pool = sessionpool.New(conn, &cfg.Pool, logger)

	registry := routing.NewRegistry()
	registry.RegisterDefaults()
	router := routing.NewRouter(&cfg.Routing, registry)

	d.launcher = launcher.New(conn, tasks, gate, d.pool, router, cfg.Launcher, logger)
	d.cleaner = events.NewCleaner(conn, tasks, gate, d.pool, cfg.Events, logger)
	handler := events.NewHandler(conn, tasks, gate, d.pool, d.cleaner, cfg.Events, logger)
	d.poller = events.NewPoller(conn, tasks, handler, d.cleaner, cfg.Events, logger)

	var verifier mission.Verifier
	if len(cfg.Verify.Command) > 0 {
		verifier = localexec.New(cfg.Verify)
	}
	missions := mission.New(conn, states, verifier, cfg.Mission, logger)

	d.stream = events.NewStream()
	d.launcher.SetPublisher(d.stream)
	handler.SetPublisher(d.stream)
	d.cleaner.SetPublisher(d.stream)
	missions.SetPublisher(d.stream)

	d.launcher.OnError(func(task models.Task, err error) {
		handler.Fail(context.Background(), task.ID, err.Error())
	})
	d.launcher.OnLaunched(d.poller.Start)
	handler.OnSessionIdle(missions.HandleIdle)
	handler.OnSessionDeleted(missions.HandleDeleted)

	d.scheduler = scheduler.New(logger)
	d.scheduler.Add("gc", cfg.Scheduler.GCInterval, scheduler.GCJob(tasks))
	d.scheduler.Add("prune", cfg.Scheduler.PruneInterval, scheduler.PruneJob(d.cleaner))
	d.scheduler.Add("missions", cfg.Scheduler.MissionInterval, scheduler.MissionJob(missions, logger))

	d.service = controlplane.NewService(controlplane.Deps{
		Conn:      conn,
		Tasks:     tasks,
		Gate:      gate,
		Pool:      d.pool,
		Launcher:  d.launcher,
		Handler:   handler,
		Cleaner:   d.cleaner,
		Poller:    d.poller,
		Missions:  missions,
		Stream:    d.stream,
		Audit:     audit.NewPDRWriter(sink, logger),
		History:   history,
		Scheduler: d.scheduler,
	}, logger)

	d.server = controlplane.NewServer(d.service, cfg.Server.Listen, logger)
	d.server.ReadTimeout = cfg.Server.ReadTimeout
	d.server.WriteTimeout = cfg.Server.WriteTimeout
	return d, nil
}

func (d *daemon) start() {
	d.pool.Start()
	d.scheduler.Start()
}

// stop shuts components down outermost first: no new requests, then no
// new work, then sessions and storage.
func (d *daemon) stop(ctx context.Context) {
	d.logger.Info("shutting down HTTP server")
	if err := d.server.Shutdown(ctx); err != nil {
		d.logger.Error("HTTP server shutdown error", "error", err)
	}
	d.scheduler.Stop()
	d.poller.Stop()
	d.launcher.Stop()
	d.cleaner.Stop()
	d.pool.Shutdown(ctx)
	d.stream.Close()

	if d.store != nil {
		d.logger.Info("closing database connection")
		if err := d.store.Close(); err != nil {
			d.logger.Error("database close error", "error", err)
		}
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New("swarm", cfg.Log)
	if err != nil {
		return fmt.Errorf("opening log output: %w", err)
	}
	defer closer.Close()

	logger.Info("starting swarm daemon", "transport", cfg.Transport.Kind, "db", cfg.Store.Path)
	d, err := buildDaemon(cfg, logger)
	if err != nil {
		return err
	}
	d.start()

	sigCh := make(chan os.Signal, 1)
	notifyShutdown(sigCh)

	serverErr := make(chan error, 1)
	go func() {
		err := d.server.Start()
		if err != nil && !controlplane.IsServerClosed(err) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, initiating graceful shutdown", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", "error", err)
			runErr = err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	d.stop(ctx)

	logger.Info("shutdown complete")
	return runErr
}

// errDaemonDown is returned by commands that need a running daemon.
var errDaemonDown = errors.New("swarm daemon is not running (start it with: swarm daemon)")
