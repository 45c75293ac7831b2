// Package server orchestrates all components: NATS client, outbox DB, gateways, responder, HTTP health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/morezero/service-gateway/internal/config"
	"github.com/morezero/service-gateway/pkg/commsutil"
	"github.com/morezero/service-gateway/pkg/gateway"
	"github.com/morezero/service-gateway/pkg/inproc"
	"github.com/morezero/service-gateway/pkg/natsgw"
	"github.com/morezero/service-gateway/pkg/outbox"
	"github.com/morezero/service-gateway/pkg/routing"
)

const logPrefix = "server:server"

// Server is the service-gateway orchestrator.
type Server struct {
	cfg *config.Config

	types    *routing.Types
	table    *routing.Table
	cache    *gateway.Cache
	executor *gateway.Executor
	local    *inproc.Gateway
	greeter  *greeter
	metrics  *prometheus.Registry

	nc         *comms.Conn
	pool       *pgxpool.Pool
	remote     *natsgw.Gateway
	events     gateway.SyncGateway
	responder  *natsgw.Responder
	relay      *outbox.Relay
	httpServer *http.Server

	prevExecutor *gateway.Executor
	relayCancel  context.CancelFunc
	relayDone    sync.WaitGroup
	ready        atomic.Bool
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	SetupLogging(cfg.LogLevel)

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting service-gateway", logPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := New(cfg)
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		s.Shutdown(ctx)
		return err
	}

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	s.httpServer = &http.Server{Addr: httpAddr, Handler: s.Handler()}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP health server listening on %s", logPrefix, httpAddr))
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - Service-gateway is ready", logPrefix))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer shutdownCancel()
	s.Shutdown(shutdownCtx)

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// SetupLogging installs the default slog text handler at level.
func SetupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// NewRouting registers the built-in request types and routes them. Routes
// from cfg replace the default greeting route.
func NewRouting(cfg *config.Config) (*routing.Types, *routing.Table, error) {
	types := routing.NewTypes()
	if err := registerTypes(types); err != nil {
		return nil, nil, fmt.Errorf("%s - failed to register types: %w", logPrefix, err)
	}

	routes := cfg.Routes
	if len(routes) == 0 {
		routes = map[string]string{HelloType: DefaultHelloRoute, GreetedType: DefaultHelloRoute}
	}
	names := make([]string, 0, len(routes))
	for name := range routes {
		names = append(names, name)
	}
	sort.Strings(names)

	table := routing.NewTable(cfg.SubjectPrefix)
	for _, name := range names {
		if _, ok := types.Lookup(name); !ok {
			return nil, nil, fmt.Errorf("%s - route for %q: %w", logPrefix, name, routing.ErrUnknownType)
		}
		r, err := table.Add(name, routes[name])
		if err != nil {
			return nil, nil, fmt.Errorf("%s - invalid route for %q: %w", logPrefix, name, err)
		}
		slog.Info(fmt.Sprintf("%s - Routing %s to %s on %s", logPrefix, name, r.Ref, r.Subject))
	}
	return types, table, nil
}

// New builds the local components. It does no I/O; Start connects them.
func New(cfg *config.Config) (*Server, error) {
	types, table, err := NewRouting(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		types:    types,
		table:    table,
		cache:    gateway.NewCache(),
		executor: gateway.NewExecutor(cfg.FallbackWorkers),
		local:    inproc.New(inproc.WithBatchLimit(cfg.FallbackWorkers)),
		metrics:  prometheus.NewRegistry(),
	}
	s.events = s.local
	s.greeter = &greeter{events: func() gateway.SyncGateway { return s.events }}
	if err := s.greeter.register(s.local); err != nil {
		return nil, fmt.Errorf("%s - failed to register greeting service: %w", logPrefix, err)
	}

	if err := s.registerMetrics(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) registerMetrics() error {
	s.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "dispatch",
			Name:      "cache_entries",
			Help:      "Number of late-bound send functions cached by the responder",
		}, func() float64 {
			st := s.cache.Stats()
			return float64(st.SyncEntries + st.AsyncEntries)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "adapter",
			Name:      "fallback_rejected_total",
			Help:      "Total number of fallback calls rejected by a closed executor",
		}, func() float64 {
			return float64(s.executor.Stats().Rejected)
		}),
	)
	if err := gateway.RegisterMetrics(s.metrics); err != nil {
		return fmt.Errorf("%s - failed to register gateway metrics: %w", logPrefix, err)
	}
	if err := outbox.RegisterMetrics(s.metrics); err != nil {
		return fmt.Errorf("%s - failed to register outbox metrics: %w", logPrefix, err)
	}
	return nil
}

// Start connects to NATS and, when enabled, the outbox database, then starts
// the responder and the outbox relay.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.cfg
	s.prevExecutor = gateway.SetFallbackExecutor(s.executor)

	// Step 1: Connect to NATS
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName, nil)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}
	s.nc = nc
	slog.Info(fmt.Sprintf("%s - Connected to NATS at %s", logPrefix, cfg.COMMSURL))

	s.remote = natsgw.New(nc, s.types, s.table, &natsgw.Options{
		Timeout: cfg.RequestTimeout,
		Ranges:  cfg.Ranges,
	})

	// Step 2: Outbox
	if cfg.OutboxEnabled {
		if err := s.startOutbox(ctx); err != nil {
			return err
		}
	}

	// Step 3: Serve the local gateway on the routed subjects
	s.responder = natsgw.NewResponder(nc, s.types, s.local, &natsgw.ResponderOptions{
		Queue:   cfg.ResponderQueue,
		Cache:   s.cache,
		Timeout: cfg.RequestTimeout,
	})
	if err := s.responder.Start(s.table.Subjects()...); err != nil {
		return fmt.Errorf("%s - failed to start responder: %w", logPrefix, err)
	}

	s.ready.Store(true)
	return nil
}

func (s *Server) startOutbox(ctx context.Context) error {
	cfg := s.cfg
	pool, err := outbox.NewPool(ctx, cfg.DatabaseURL, nil)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	s.pool = pool

	if cfg.RunMigrations {
		if err := outbox.Migrate(ctx, pool, cfg.OutboxTable, cfg.MigrationPath); err != nil {
			return fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}

	ob, err := outbox.New(pool, s.types, &outbox.Options{
		Table:   cfg.OutboxTable,
		Inner:   s.local,
		Timeout: cfg.RequestTimeout,
	})
	if err != nil {
		return err
	}
	relay, err := outbox.NewRelay(pool, s.types, s.remote, &outbox.RelayOptions{Table: cfg.OutboxTable})
	if err != nil {
		return err
	}
	s.events = ob
	s.relay = relay

	relayCtx, cancel := context.WithCancel(ctx)
	s.relayCancel = cancel
	s.relayDone.Add(1)
	go func() {
		defer s.relayDone.Done()
		if err := relay.Run(relayCtx, cfg.OutboxRelayInterval); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error(fmt.Sprintf("%s - outbox relay stopped: %v", logPrefix, err))
		}
	}()
	slog.Info(fmt.Sprintf("%s - Outbox enabled on table %s", logPrefix, cfg.OutboxTable))
	return nil
}

// Shutdown stops every started component. It is safe to call after a failed
// Start.
func (s *Server) Shutdown(ctx context.Context) {
	s.ready.Store(false)
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
	if s.responder != nil {
		if err := s.responder.Stop(); err != nil {
			slog.Warn(fmt.Sprintf("%s - responder stop: %v", logPrefix, err))
		}
	}
	if s.relayCancel != nil {
		s.relayCancel()
		s.relayDone.Wait()
	}
	if err := s.executor.Close(ctx); err != nil {
		slog.Warn(fmt.Sprintf("%s - fallback executor did not drain: %v", logPrefix, err))
	}
	if s.prevExecutor != nil {
		gateway.SetFallbackExecutor(s.prevExecutor)
		s.prevExecutor = nil
	}
	if s.nc != nil {
		s.nc.Drain()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Remote returns the NATS gateway; nil before Start.
func (s *Server) Remote() *natsgw.Gateway {
	return s.remote
}

// HealthOutput is the /health response body.
type HealthOutput struct {
	Status    string          `json:"status"`
	Checks    map[string]bool `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

// Health reports the state of the NATS connection and, when the outbox is
// enabled, the database.
func (s *Server) Health(ctx context.Context) *HealthOutput {
	h := &HealthOutput{
		Status:    "healthy",
		Checks:    map[string]bool{"comms": s.nc != nil && s.nc.IsConnected()},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if s.cfg.OutboxEnabled {
		h.Checks["database"] = s.pool != nil && s.pool.Ping(ctx) == nil
	}
	for _, ok := range h.Checks {
		if !ok {
			h.Status = "unhealthy"
		}
	}
	return h
}

// Handler returns the HTTP mux serving the status page, health, readiness and metrics.
func (s *Server) Handler() http.Handler {
	healthTimeout := s.cfg.HealthCheckTimeout
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		healthCtx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		h := s.Health(healthCtx)
		w.Header().Set("Content-Type", "application/json")
		if h.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !s.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "starting"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	return mux
}

// homePageTemplate is the HTML for the gateway status page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Service Gateway</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2, h3 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .stat { font-weight: bold; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
  </style>
</head>
<body>
  <h1>Service Gateway</h1>
  <p class="meta">Gateway health, routes and dispatch statistics.</p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    {{range $name, $ok := .Health.Checks}}
    <p>{{$name}}: {{if $ok}}<span class="stat">OK</span>{{else}}<span class="status-unhealthy">Failed</span>{{end}}</p>
    {{end}}
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Dispatch</h2>
    <p>Bindings built: <span class="stat">{{.Cache.Builds}}</span> (hits {{.Cache.Hits}}, misses {{.Cache.Misses}}, duplicates {{.Cache.Duplicates}})</p>
    <p>Cached response types: <span class="stat">{{.Cache.SyncEntries}}</span> sync, <span class="stat">{{.Cache.AsyncEntries}}</span> async</p>
    <p>Fallback executor: {{if .Executor.Workers}}{{.Executor.Workers}} workers{{else}}unbounded{{end}}, {{.Executor.Submitted}} submitted, {{.Executor.Rejected}} rejected</p>
  </section>

  <section>
    <h2>Routes</h2>
    {{if not .Routes}}
    <p>No routes configured.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Type</th><th>Service</th><th>Version</th><th>Subject</th></tr>
      </thead>
      <tbody>
        {{range .Routes}}
        <tr>
          <td>{{.Type}}</td>
          <td>{{.Ref.Service}}</td>
          <td>{{.Version}}</td>
          <td>{{.Subject}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

// homeData is the data passed to the home page template.
type homeData struct {
	Health   *HealthOutput
	Cache    gateway.CacheStats
	Executor gateway.ExecutorStats
	Routes   []routing.Route
}

// handleHome returns an HTTP handler for the gateway status page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homeData{
			Health:   s.Health(ctx),
			Cache:    s.cache.Stats(),
			Executor: s.executor.Stats(),
			Routes:   s.table.Routes(),
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
