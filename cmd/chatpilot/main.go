package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatpilot/pkg/config"
	"chatpilot/pkg/convo"
	"chatpilot/pkg/dispatch"
	"chatpilot/pkg/eventlog"
	"chatpilot/pkg/instance"
	"chatpilot/pkg/limiter"
	"chatpilot/pkg/logx"
	"chatpilot/pkg/metrics"
	"chatpilot/pkg/notify"
	"chatpilot/pkg/session"
)

// Version information - set by goreleaser via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to YAML config file (optional, defaults applied)")
		tenantsFile = flag.String("tenants", "", "Path to tenant config JSON file")
		dataDir     = flag.String("datadir", ".", "Data directory for the session store and event logs")
		connect     = flag.String("connect", "", "Comma-separated tenant:instance pairs to connect at startup")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("chatpilot %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}

	os.Exit(run(*configFile, *tenantsFile, *dataDir, *connect))
}

// run contains the main application logic and returns an exit code.
// This allows defers to execute before os.Exit is called.
func run(configFile, tenantsFile, dataDir, connect string) int {
	logger := logx.NewLogger("main")

	cfg, err := loadConfig(configFile, dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	provider, bootPairs, err := loadTenants(tenantsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load tenant configs: %v\n", err)
		return 1
	}
	bootPairs = append(bootPairs, splitPairs(connect)...)

	app, err := newApp(cfg, provider)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Startup failed: %v\n", err)
		return 1
	}
	defer app.close()

	if err := app.connectInstances(context.Background(), bootPairs); err != nil {
		fmt.Fprintf(os.Stderr, "Instance connect failed: %v\n", err)
		return 1
	}

	app.serveMetrics()

	logger.Info("chatpilot %s started (data dir: %s)", version, cfg.DataDir)

	// Block until shutdown is requested.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal %v, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := app.shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete: %v", err)
		return 1
	}

	logger.Info("Shutdown complete")
	return 0
}

func loadConfig(configFile, dataDir string) (*config.Config, error) {
	if configFile == "" {
		return config.Default(dataDir), nil
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if dataDir != "." {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

// tenantEntry is one tenant in the -tenants file: the conversation config
// plus the instances to bring up at startup.
type tenantEntry struct {
	Config    *convo.TenantConfig `json:"config"`
	Instances []string            `json:"instances,omitempty"`
}

type tenantFile map[string]tenantEntry

// loadTenants returns the config provider plus the tenant:instance pairs the
// file asks to connect at startup.
func loadTenants(path string) (*convo.StaticProvider, []string, error) {
	provider := &convo.StaticProvider{
		Configs: make(map[string]*convo.TenantConfig),
		Default: &convo.TenantConfig{},
	}
	if path == "" {
		return provider, nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read tenants file %s: %w", path, err)
	}
	var entries tenantFile
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, nil, fmt.Errorf("failed to parse tenants file %s: %w", path, err)
	}

	var bootPairs []string
	for tenantID, entry := range entries {
		if entry.Config == nil {
			return nil, nil, fmt.Errorf("tenant %q has no config", tenantID)
		}
		provider.Configs[tenantID] = entry.Config
		for _, instanceID := range entry.Instances {
			bootPairs = append(bootPairs, tenantID+":"+instanceID)
		}
	}
	return provider, bootPairs, nil
}

// app holds the wired components so shutdown can stop them in reverse order.
type app struct {
	cfg           *config.Config
	store         *session.SQLiteStore
	rateLimiter   *limiter.Limiter
	eventLog      *eventlog.Writer
	publisher     notify.Publisher
	manager       *instance.Manager
	dispatcher    *dispatch.Dispatcher
	metricsServer *http.Server
	logger        *logx.Logger
}

func newApp(cfg *config.Config, provider *convo.StaticProvider) (*app, error) {
	logger := logx.NewLogger("app")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", cfg.DataDir, err)
	}

	store, err := session.OpenSQLite(cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	// Instances cannot survive a process restart; reap statuses persisted by
	// the previous run before anything reads them.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	stale, err := store.MarkStaleInstances(ctx)
	cancel()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to mark stale instances: %w", err)
	}
	if stale > 0 {
		logger.Info("Marked %d stale instance(s) as disconnected", stale)
	}

	eventLog, err := eventlog.NewWriter(cfg.EventLogPath(), cfg.EventLogRotationHours)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}

	var publisher notify.Publisher = notify.NoopPublisher{}
	if cfg.Broker.URL != "" {
		amqpPub, pubErr := notify.NewAMQPPublisher(cfg.Broker.URL, cfg.Broker.Exchange)
		if pubErr != nil {
			eventLog.Close()
			store.Close()
			return nil, fmt.Errorf("failed to connect event broker: %w", pubErr)
		}
		publisher = amqpPub
		logger.Info("Event broker connected (exchange: %s)", cfg.Broker.Exchange)
	}

	recorder := metrics.NewPrometheusRecorder()

	engine, err := convo.NewEngine(store, provider)
	if err != nil {
		eventLog.Close()
		store.Close()
		return nil, fmt.Errorf("failed to create conversation engine: %w", err)
	}
	engine.WithRecorder(recorder).WithPublisher(publisher)

	transport := instance.NewWSTransport(cfg.Transport.URL)
	manager := instance.NewManager(cfg, transport, store, recorder, publisher)

	rateLimiter := limiter.NewLimiter(cfg.RateLimit.SendsPerMinute, cfg.RateLimit.Burst)
	dispatcher := dispatch.NewDispatcher(cfg, engine, manager, rateLimiter, eventLog, recorder)

	return &app{
		cfg:         cfg,
		store:       store,
		rateLimiter: rateLimiter,
		eventLog:    eventLog,
		publisher:   publisher,
		manager:     manager,
		dispatcher:  dispatcher,
		logger:      logger,
	}, nil
}

// connectInstances brings up the instances named by -connect plus those
// declared in the tenants file.
func (a *app) connectInstances(ctx context.Context, pairs []string) error {
	for _, pair := range pairs {
		tenantID, instanceID, ok := strings.Cut(pair, ":")
		if !ok || tenantID == "" || instanceID == "" {
			return fmt.Errorf("invalid -connect entry %q, want tenant:instance", pair)
		}
		st, err := a.manager.Connect(ctx, tenantID, instanceID)
		if err != nil {
			return fmt.Errorf("failed to connect instance %s: %w", instanceID, err)
		}
		if st.PairingCode != "" {
			a.logger.Info("Instance %s pairing code: %s", instanceID, st.PairingCode)
		}
	}
	return nil
}

func (a *app) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	a.metricsServer = &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed: %v", err)
		}
	}()
	a.logger.Info("Metrics available at %s/metrics", a.cfg.MetricsAddr)
}

// shutdown stops components in reverse dependency order: stop accepting
// traffic, drain the instance actors, then close the durable layers.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	if err := a.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("instance manager: %w", err))
	}
	if closer, ok := a.publisher.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event publisher: %w", err))
		}
	}
	if err := a.eventLog.Close(); err != nil {
		errs = append(errs, fmt.Errorf("event log: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("session store: %w", err))
	}

	return errors.Join(errs...)
}

// close is the unconditional cleanup used when startup fails partway.
func (a *app) close() {
	if a.metricsServer != nil {
		_ = a.metricsServer.Close()
	}
}

func splitPairs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
