package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/knxlink/internal/audit"
	"github.com/nerrad567/knxlink/internal/bridges/knx"
	"github.com/nerrad567/knxlink/internal/connection"
	"github.com/nerrad567/knxlink/internal/eventbus"
	"github.com/nerrad567/knxlink/internal/groupcomm"
	"github.com/nerrad567/knxlink/internal/infrastructure/config"
	"github.com/nerrad567/knxlink/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// BusConnection controls the bus connection. Satisfied by
// *connection.Manager.
type BusConnection interface {
	Connect(ctx context.Context, params string) error
	Disconnect(ctx context.Context) error
	Status() connection.Status
	BusStats() []eventbus.SubscriberStats
}

// GroupService is the group communication API. Satisfied by
// *groupcomm.Service.
type GroupService interface {
	Write(ctx context.Context, ga knx.GroupAddress, value knx.GroupValue, opts ...groupcomm.Option) error
	ReadOne(ctx context.Context, ga knx.GroupAddress, opts ...groupcomm.Option) (knx.GroupValue, error)
	ReadMany(ctx context.Context, gas []knx.GroupAddress, opts ...groupcomm.Option) (map[knx.GroupAddress]groupcomm.ReadResult, error)
	WriteMany(ctx context.Context, reqs []groupcomm.WriteRequest, opts ...groupcomm.Option) ([]groupcomm.WriteResult, error)
	SubscribeEvents(name string, fn func(knx.GroupEvent)) (*eventbus.Subscription, error)
	SubscribeState(name string, fn func(connection.StateChange)) (*eventbus.Subscription, error)
	Stats() groupcomm.Stats
}

// EventStore serves the recorded event log. Satisfied by *knx.Recorder.
type EventStore interface {
	Events(ctx context.Context, q knx.EventQuery) ([]knx.RecordedEvent, error)
	GroupAddresses(ctx context.Context) ([]knx.SeenAddress, error)
}

// HealthChecker is implemented by the database and MQTT clients and the
// managed knxd daemon.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

var (
	_ BusConnection = (*connection.Manager)(nil)
	_ GroupService  = (*groupcomm.Service)(nil)
	_ EventStore    = (*knx.Recorder)(nil)
)

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config config.APIConfig
	WS     config.WebSocketConfig
	Logger *logging.Logger

	Connection BusConnection
	Service    GroupService
	Datapoints *knx.DatapointMap

	// DefaultParams is used by POST /connection without a body.
	DefaultParams string

	// Events is optional; /events answers 503 without it.
	Events EventStore

	// Audit is optional; operator actions are not recorded without it.
	Audit AuditStore

	// Database, MQTT and Daemon (a managed knxd) are optional health checks.
	Database HealthChecker
	MQTT     HealthChecker
	Daemon   HealthChecker

	Version string
}

// Server is the HTTP API server for knxlink.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg           config.APIConfig
	wsCfg         config.WebSocketConfig
	logger        *logging.Logger
	conn          BusConnection
	svc           GroupService
	datapoints    *knx.DatapointMap
	defaultParams string
	events        EventStore
	auditRepo     AuditStore
	auditCh       chan *audit.Entry
	db            HealthChecker
	mqtt          HealthChecker
	daemon        HealthChecker
	version       string
	startTime     time.Time

	server *http.Server
	hub    *Hub
	subs   []*eventbus.Subscription
	cancel context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Connection == nil {
		return nil, fmt.Errorf("bus connection is required")
	}
	if deps.Service == nil {
		return nil, fmt.Errorf("group service is required")
	}
	if deps.Datapoints == nil {
		deps.Datapoints = knx.NewDatapointMap(nil)
	}

	s := &Server{
		cfg:           deps.Config,
		wsCfg:         withWSDefaults(deps.WS),
		logger:        deps.Logger,
		conn:          deps.Connection,
		svc:           deps.Service,
		datapoints:    deps.Datapoints,
		defaultParams: deps.DefaultParams,
		events:        deps.Events,
		auditRepo:     deps.Audit,
		db:            deps.Database,
		mqtt:          deps.MQTT,
		daemon:        deps.Daemon,
		version:       deps.Version,
		startTime:     time.Now(),
	}
	if s.auditRepo != nil {
		s.auditCh = make(chan *audit.Entry, auditChanSize)
	}
	s.hub = NewHub(s.wsCfg, s.logger)
	return s, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, subscribes to group events and connection
// state for broadcast, and launches the HTTP listener in a background
// goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	if s.auditCh != nil {
		go s.drainAuditLog(srvCtx)
	}

	if err := s.subscribeBus(); err != nil {
		s.cancel()
		return fmt.Errorf("subscribing to bus events: %w", err)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil

	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}
