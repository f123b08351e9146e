// Package kernel wires the shared infrastructure of the service: database,
// durable engine, event bus, workflows, metrics and the HTTP API.
package kernel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"autocoder/pkg/agentexec"
	"autocoder/pkg/api"
	"autocoder/pkg/config"
	"autocoder/pkg/coordinator"
	"autocoder/pkg/detect"
	"autocoder/pkg/durable"
	"autocoder/pkg/events"
	"autocoder/pkg/followup"
	"autocoder/pkg/forge"
	forgegithub "autocoder/pkg/forge/github"
	"autocoder/pkg/github"
	"autocoder/pkg/logx"
	"autocoder/pkg/metrics"
	"autocoder/pkg/mirror"
	"autocoder/pkg/persistence"
	"autocoder/pkg/poller"
	"autocoder/pkg/runtoken"
	"autocoder/pkg/sandbox"
	"autocoder/pkg/trigger"
	"autocoder/pkg/workspace"
)

// Kernel owns the long-lived components. Concrete types are exposed so the
// supervisor and commands can reach them directly.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // kernel lifecycle
	cancel context.CancelFunc

	Config *config.Config
	Logger *logx.Logger

	Database  *sql.DB
	Store     *persistence.DatabaseOperations
	Engine    *durable.Engine
	Bus       events.Bus
	Publisher *events.Publisher
	Registry  *prometheus.Registry // nil when metrics are disabled
	Metrics   *metrics.Recorder    // nil when metrics are disabled
	Tokens    *runtoken.Issuer
	Forge     forge.Factory
	Workspace *workspace.Manager
	Trigger   *trigger.Service
	API       *api.Server

	// Overrides for tests; set before Start.
	Provisioner coordinator.Provisioner
	Agent       coordinator.AgentRunner

	httpServer *http.Server
	listener   net.Listener
	serveErr   chan error
	running    bool
}

// NewKernel creates the kernel and initializes every service. Nothing runs
// until Start.
func NewKernel(parent context.Context, cfg *config.Config) (*Kernel, error) {
	ctx, cancel := context.WithCancel(parent)
	k := &Kernel{
		ctx:    ctx,
		cancel: cancel,
		Config: cfg,
		Logger: logx.NewLogger("kernel"),
	}
	if err := k.initializeServices(); err != nil {
		cancel()
		k.closeResources()
		return nil, fmt.Errorf("failed to initialize kernel services: %w", err)
	}
	return k, nil
}

func (k *Kernel) initializeServices() error {
	cfg := k.Config

	if err := k.initializeSecrets(); err != nil {
		return err
	}

	var err error
	k.Database, err = persistence.OpenDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	k.Store = persistence.NewDatabaseOperations(k.Database)
	k.Logger.Info("Database ready at %s", cfg.Database.Path)

	sealer, err := runtoken.NewSealer(cfg.TokenSecret)
	if err != nil {
		return err
	}
	k.Tokens = runtoken.NewIssuer(k.Store, sealer)

	k.Bus, err = events.New(cfg.Events.Backend, cfg.Events.URL)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	k.Publisher = events.NewPublisher(k.Bus, events.DefaultSubjects(""))

	if cfg.Metrics.Enabled {
		k.Registry = prometheus.NewRegistry()
		k.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		k.Metrics = metrics.NewRecorder(k.Registry)
	}

	backend, err := k.newBackend()
	if err != nil {
		return err
	}
	engineOpts := durable.Options{HistoryLimit: cfg.Engine.HistoryLimit, Logger: logx.NewLogger("engine")}
	if k.Metrics != nil {
		engineOpts.Observer = k.Metrics
	}
	k.Engine = durable.NewEngine(backend, engineOpts)

	k.Forge = forgegithub.NewFactory(github.Options{
		GHPath:  cfg.Forge.GHPath,
		Host:    cfg.Forge.Host,
		Token:   cfg.GitHubToken,
		Timeout: cfg.Forge.Timeout,
	})

	mirrors := mirror.NewManager(cfg.Workspace.RepoRoot, cfg.Forge.Host, cfg.GitHubToken)
	k.Workspace = workspace.NewManager(mirrors, cfg.Workspace.WorktreeRoot)
	k.Provisioner = sandbox.New(cfg.Sandbox, cfg.Workspace.WorktreeRoot)
	k.Agent = agentexec.New(cfg.Agent, cfg.Workspace.WorktreeRoot, "http://"+cfg.API.Listen)

	k.Trigger = trigger.NewService(k.Store, k.Engine, k.Publisher, cfg.Agent.DefaultType)

	apiOpts := api.Options{
		Store:      k.Store,
		Dispatcher: k.Trigger,
		Tokens:     k.Tokens,
		APIToken:   cfg.API.Token,
	}
	if k.Registry != nil {
		apiOpts.Gatherer = k.Registry
	}
	k.API = api.NewServer(apiOpts)

	k.Logger.Info("Kernel services initialized successfully")
	return nil
}

// initializeSecrets fills missing secrets with per-process values. Tokens
// sealed with an ephemeral secret cannot be opened after a restart; runs
// mint a new one when that happens.
func (k *Kernel) initializeSecrets() error {
	if k.Config.TokenSecret == "" {
		secret, err := runtoken.Mint()
		if err != nil {
			return err
		}
		k.Config.TokenSecret = secret
		k.Logger.Warn("%s not set; using an ephemeral secret, run tokens will not survive a restart", config.EnvTokenSecret)
	}
	if k.Config.API.Token == "" {
		token, err := runtoken.Mint()
		if err != nil {
			return err
		}
		k.Config.API.Token = token
		k.Logger.Warn("%s not set; generated API token for this process: %s", config.EnvAPIToken, token)
	}
	return nil
}

// newBackend connects to the DBOS system database, or falls back to the
// in-memory backend when none is configured.
func (k *Kernel) newBackend() (durable.Backend, error) {
	cfg := k.Config.Engine
	if cfg.DatabaseURL == "" {
		k.Logger.Warn("%s not set; workflows run in memory and will not resume after a restart", config.EnvDBOSURL)
		return durable.NewMemoryBackend(), nil
	}
	backend, err := durable.NewDBOSBackend(k.ctx, cfg.AppName, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect durable backend: %w", err)
	}
	k.Logger.Info("Durable workflows run on DBOS (app %s)", cfg.AppName)
	return backend, nil
}

// registerWorkflows wires the coordinator and the poll loop into the engine.
func (k *Kernel) registerWorkflows() {
	cfg := k.Config
	timeouts, retry := coordinator.TimeoutsFromConfig(cfg.Steps)

	deps := coordinator.Deps{
		Store:       k.Store,
		Forge:       k.Forge,
		Provisioner: k.Provisioner,
		Workspace:   k.Workspace,
		Agent:       k.Agent,
		Tokens:      k.Tokens,
		Events:      k.Publisher,
	}
	var scanMetrics followup.Metrics
	if k.Metrics != nil {
		deps.Metrics = k.Metrics
		scanMetrics = k.Metrics
	}
	coordinator.New(deps, timeouts, retry).Register(k.Engine, durable.WithMaxConcurrency(cfg.Engine.Workers))

	poller.New(poller.Deps{
		Store:    k.Store,
		Forge:    k.Forge,
		Detector: detect.NewDetector(k.Store),
		Scanner:  followup.NewScanner(k.Store, scanMetrics),
	}, poller.Options{
		DefaultInterval:  cfg.Poll.DefaultInterval,
		IterationCap:     cfg.Poll.IterationCap,
		DefaultAgentType: cfg.Agent.DefaultType,
		StepTimeout:      cfg.Steps.ShortTimeout,
		Retry:            retry,
	}).Register(k.Engine)
}

// Start registers the workflows, launches the engine (which resumes
// interrupted executions), sweeps orphaned worktrees and starts the API
// listener.
func (k *Kernel) Start() error {
	if k.running {
		return fmt.Errorf("kernel already running")
	}
	k.Logger.Info("Starting kernel services...")

	k.registerWorkflows()

	if err := k.Engine.Launch(k.ctx); err != nil {
		return fmt.Errorf("failed to launch durable engine: %w", err)
	}

	k.SweepWorktrees(k.ctx)

	if err := k.startAPI(); err != nil {
		return err
	}

	k.running = true
	k.Logger.Info("Kernel services started successfully")
	return nil
}

// SweepWorktrees removes worktrees left behind by finished runs of every
// project. Failures are logged.
func (k *Kernel) SweepWorktrees(ctx context.Context) workspace.SweepResult {
	var total workspace.SweepResult
	projects, err := k.Store.ListProjects(ctx, false)
	if err != nil {
		k.Logger.Warn("Worktree sweep skipped: %v", err)
		return total
	}
	for _, p := range projects {
		res, err := k.Workspace.Sweep(ctx, k.Store, p)
		if err != nil {
			k.Logger.Warn("Worktree sweep of %s failed: %v", p.Name, err)
		}
		total.Cleaned += res.Cleaned
		total.Failed += res.Failed
	}
	return total
}

func (k *Kernel) startAPI() error {
	ln, err := net.Listen("tcp", k.Config.API.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", k.Config.API.Listen, err)
	}
	k.listener = ln
	k.httpServer = &http.Server{
		Handler:           k.API.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	k.serveErr = make(chan error, 1)
	go func() {
		err := k.httpServer.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		k.serveErr <- err
	}()
	k.Logger.Info("API listening on %s", ln.Addr())
	return nil
}

// APIAddr returns the address the API listens on, once started.
func (k *Kernel) APIAddr() string {
	if k.listener == nil {
		return ""
	}
	return k.listener.Addr().String()
}

// Wait blocks until ctx ends or the API server fails.
func (k *Kernel) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-k.ctx.Done():
		return nil
	case err := <-k.serveErr:
		return err
	}
}

// Context returns the kernel's lifecycle context.
func (k *Kernel) Context() context.Context {
	return k.ctx
}

// Stop shuts everything down. Running executions stay pending in the DBOS
// system database and resume on the next Start.
func (k *Kernel) Stop() error {
	if !k.running {
		k.cancel()
		k.closeResources()
		return nil
	}
	k.Logger.Info("Stopping kernel services...")

	if k.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := k.httpServer.Shutdown(shutdownCtx); err != nil {
			k.Logger.Warn("API shutdown: %v", err)
		}
		cancel()
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := k.Engine.Close(closeCtx); err != nil {
		k.Logger.Warn("Engine shutdown: %v", err)
	}
	cancel()

	k.cancel()
	k.closeResources()
	k.running = false
	k.Logger.Info("Kernel services stopped")
	return nil
}

func (k *Kernel) closeResources() {
	if k.Bus != nil {
		if err := k.Bus.Close(); err != nil {
			k.Logger.Warn("Event bus close: %v", err)
		}
		k.Bus = nil
	}
	if k.Database != nil {
		if err := k.Database.Close(); err != nil {
			k.Logger.Error("Error closing database: %v", err)
		}
		k.Database = nil
	}
}
