// Command coordinatord runs the coordination core as a long-lived daemon:
// it opens the coordination store, brings up the session registry, the
// hierarchical agent state machine, the delegation decider, the
// rate-limit governor, and the metrics aggregator, then serves a small
// dashboard-feed HTTP/WebSocket API over them. Grounded on the teacher's
// cmd/cliaimonitor/main.go (flag parsing, graceful shutdown, the
// wait-for-health-then-print-banner startup sequence), generalized from
// an agent-spawning supervisor to a coordination-core daemon.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/coordinationcore/coordination-core/internal/agentstate"
	"github.com/coordinationcore/coordination-core/internal/delegation"
	"github.com/coordinationcore/coordination-core/internal/events"
	"github.com/coordinationcore/coordination-core/internal/governor"
	"github.com/coordinationcore/coordination-core/internal/instance"
	"github.com/coordinationcore/coordination-core/internal/logging"
	"github.com/coordinationcore/coordination-core/internal/metrics"
	"github.com/coordinationcore/coordination-core/internal/nats"
	"github.com/coordinationcore/coordination-core/internal/registry"
	"github.com/coordinationcore/coordination-core/internal/types"
)

var log = logging.New("COORDINATORD")

func main() {
	dataDir := flag.String("data", "data", "Directory holding coord.db and events.db")
	httpAddr := flag.String("http", ":7420", "Dashboard-feed HTTP/WebSocket listen address")
	httpPort := flag.Int("port", 7420, "Port the dashboard-feed HTTP server binds, used for instance health checks")
	natsURL := flag.String("nats", "", "Connect to this NATS URL and relay events (empty disables relay)")
	embedNATS := flag.Bool("embed-nats", false, "Start an embedded NATS server instead of dialing -nats")
	natsPort := flag.Int("nats-port", 4222, "Port for the embedded NATS server, when -embed-nats is set")
	callsPerMinute := flag.Int64("calls-per-minute", 50, "Governor limit: requests/minute")
	callsPerHour := flag.Int64("calls-per-hour", 1000, "Governor limit: requests/hour")
	callsPerDay := flag.Int64("calls-per-day", 10000, "Governor limit: requests/day")
	tokensPerMinute := flag.Int64("tokens-per-minute", 200_000, "Governor limit: tokens/minute")
	tokensPerDay := flag.Int64("tokens-per-day", 10_000_000, "Governor limit: tokens/day")
	showStatus := flag.Bool("status", false, "Report whether a daemon already owns -data and exit")
	stop := flag.Bool("stop", false, "Signal the running daemon owning -data to shut down and exit")
	flag.Parse()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create data directory: %v\n", err)
		os.Exit(1)
	}

	mgr := instance.NewManager(filepath.Join(*dataDir, "coordinatord.pid"), *httpPort)

	if *showStatus {
		printInstanceStatus(mgr)
		return
	}
	if *stop {
		stopInstance(mgr)
		return
	}

	if existing, err := mgr.CheckExisting(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to check for an existing instance: %v\n", err)
		os.Exit(1)
	} else if existing != nil {
		fmt.Fprintf(os.Stderr, "a coordinatord instance is already running against %s (pid %d, port %d)\n", *dataDir, existing.PID, existing.Port)
		os.Exit(1)
	}

	cfg := types.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	eventsDB, err := sql.Open("sqlite3", filepath.Join(*dataDir, "events.db")+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open events database: %v\n", err)
		os.Exit(1)
	}
	defer eventsDB.Close()

	eventStore, err := events.NewSQLiteStore(eventsDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize event store: %v\n", err)
		os.Exit(1)
	}
	bus := events.NewBus(eventStore)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storePath := filepath.Join(*dataDir, "coord.db")
	reg := registry.New(ctx, storePath, bus, cfg)
	defer reg.Close()

	states := agentstate.New(bus)
	decider := delegation.New(cfg)
	gov := governor.New(governor.Limits{
		CallsPerMinute:  *callsPerMinute,
		CallsPerHour:    *callsPerHour,
		CallsPerDay:     *callsPerDay,
		TokensPerMinute: *tokensPerMinute,
		TokensPerDay:    *tokensPerDay,
	}, cfg)
	agg := metrics.New(cfg, bus)

	relay, relayCleanup := setupNATSRelay(ctx, bus, *natsURL, *embedNATS, *natsPort)
	defer relayCleanup()

	srv := newDashboardServer(reg, states, decider, gov, agg, bus)
	httpServer := &http.Server{Addr: *httpAddr, Handler: srv.router()}

	serverErr := make(chan error, 1)
	go func() { serverErr <- httpServer.ListenAndServe() }()

	if !instance.WaitForHealthy(*httpPort, 5*time.Second) {
		fmt.Fprintf(os.Stderr, "dashboard server did not become healthy on port %d\n", *httpPort)
		os.Exit(1)
	}
	basePath, _ := os.Getwd()
	if err := mgr.WritePIDFile(basePath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write PID file: %v\n", err)
		os.Exit(1)
	}
	defer mgr.RemovePIDFile()

	cleanupTicker := time.NewTicker(cfg.CleanupInterval())
	defer cleanupTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-cleanupTicker.C:
				if n := reg.CleanupStale(cfg.StaleSessionThreshold()); n > 0 {
					log.Infof("cleaned up %d stale sessions", n)
				}
			}
		}
	}()

	snapshotTicker := time.NewTicker(time.Minute)
	defer snapshotTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-snapshotTicker.C:
				agg.TakeSnapshot()
			}
		}
	}()

	fmt.Printf("coordinatord listening on %s (data: %s)\n", *httpAddr, *dataDir)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		}
	case <-shutdown:
		fmt.Println("shutting down (signal received)...")
	}

	cancel()
	if relay != nil {
		relay.Stop()
	}
	agg.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "http shutdown error: %v\n", err)
	}
}

// setupNATSRelay wires the event bus to NATS, either by dialing an
// external server or starting an embedded one, and returns a cleanup
// function that is always safe to defer.
func setupNATSRelay(ctx context.Context, bus *events.Bus, url string, embed bool, port int) (*nats.Relay, func()) {
	noop := func() {}
	if !embed && url == "" {
		return nil, noop
	}

	var connectURL string
	var embeddedServer *natsEmbedded
	if embed {
		srv, err := nats.NewEmbeddedServer(nats.EmbeddedServerConfig{Port: port})
		if err != nil {
			log.Warnf("failed to create embedded NATS server: %v", err)
			return nil, noop
		}
		if err := srv.Start(); err != nil {
			log.Warnf("failed to start embedded NATS server: %v", err)
			return nil, noop
		}
		connectURL = srv.URL()
		embeddedServer = &natsEmbedded{srv: srv}
	} else {
		connectURL = url
	}

	client, err := nats.NewClient(connectURL)
	if err != nil {
		log.Warnf("failed to connect to NATS at %s: %v", connectURL, err)
		if embeddedServer != nil {
			embeddedServer.srv.Shutdown()
		}
		return nil, noop
	}

	if embeddedServer != nil {
		embeddedServer.srv.TrackClientConnected("coordinatord-relay")
	}

	relay := nats.NewRelay(client)
	ch := bus.Subscribe("all", nil)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				relay.PublishLocal(&e)
			}
		}
	}()

	cleanup := func() {
		client.Close()
		if embeddedServer != nil {
			embeddedServer.srv.TrackClientDisconnected("coordinatord-relay")
			embeddedServer.srv.Shutdown()
		}
	}
	return relay, cleanup
}

type natsEmbedded struct {
	srv *nats.EmbeddedServer
}

// printInstanceStatus implements -status: it reports the running
// daemon's PID and port, if any, without touching its PID file.
func printInstanceStatus(mgr *instance.Manager) {
	info, err := mgr.CheckExisting()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to check instance status: %v\n", err)
		os.Exit(1)
	}
	if info == nil {
		fmt.Println("no coordinatord instance is running")
		return
	}
	fmt.Printf("coordinatord running: pid=%d port=%d started=%s responding=%v\n",
		info.PID, info.Port, info.StartedAt.Format(time.RFC3339), info.IsResponding)
}

// stopInstance implements -stop: it signals the running daemon (if any)
// to shut down gracefully via SIGTERM and returns at once; it does not
// wait for the daemon to exit or for its PID file to disappear.
func stopInstance(mgr *instance.Manager) {
	info, err := mgr.CheckExisting()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to check instance status: %v\n", err)
		os.Exit(1)
	}
	if info == nil {
		fmt.Println("no coordinatord instance is running")
		return
	}
	proc, err := os.FindProcess(info.PID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to locate process %d: %v\n", info.PID, err)
		os.Exit(1)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "failed to signal process %d: %v\n", info.PID, err)
		os.Exit(1)
	}
	fmt.Printf("sent shutdown signal to pid %d\n", info.PID)
}

// dashboardServer exposes a minimal read API over the in-process
// services: a health check, a point-in-time snapshot, and a WebSocket
// feed of live events. Grounded on the teacher's internal/server
// dashboard endpoints, narrowed to the coordination core's own state
// rather than agent-spawning controls.
type dashboardServer struct {
	reg     *registry.Registry
	states  *agentstate.Machine
	decider *delegation.Decider
	gov     *governor.Governor
	agg     *metrics.Aggregator
	bus     *events.Bus

	upgrader websocket.Upgrader
}

func newDashboardServer(reg *registry.Registry, states *agentstate.Machine, decider *delegation.Decider, gov *governor.Governor, agg *metrics.Aggregator, bus *events.Bus) *dashboardServer {
	return &dashboardServer{
		reg:     reg,
		states:  states,
		decider: decider,
		gov:     gov,
		agg:     agg,
		bus:     bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *dashboardServer) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/api/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/api/delegate", s.handleDelegate).Methods(http.MethodPost)
	r.HandleFunc("/ws/events", s.handleEventStream).Methods(http.MethodGet)
	return r
}

// delegateRequest mirrors the fields of delegation.TaskInput/AgentView an
// operator or captain agent can supply over HTTP, so the decision engine
// is reachable outside of in-process callers.
type delegateRequest struct {
	Task  delegation.TaskInput `json:"task"`
	Agent delegation.AgentView `json:"agent"`
}

func (s *dashboardServer) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	decision := s.decider.Decide(req.Task, req.Agent, false)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(decision)
}

func (s *dashboardServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	fallback := s.reg.FallbackStatus()
	status := http.StatusOK
	if fallback.Active {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":       !fallback.Active,
		"fallback": fallback,
	})
}

func (s *dashboardServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := map[string]interface{}{
		"sessions":           s.reg.ListActive(),
		"agentEvents":        s.states.AllEvents(),
		"metrics":            s.agg.TakeSnapshot(),
		"timeUntilAvailable": s.gov.GetTimeUntilAvailable().String(),
		"fallback":           s.reg.FallbackStatus(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

func (s *dashboardServer) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	target := fmt.Sprintf("ws-%p", conn)
	ch := s.bus.Subscribe(target, nil)
	defer s.bus.Unsubscribe(target, ch)

	for e := range ch {
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}
}
