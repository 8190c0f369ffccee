// Package app wires the application together. Every collaborator is
// built here and carried explicitly; nothing reaches for globals.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hochfrequenz/runforge/internal/config"
	"github.com/hochfrequenz/runforge/internal/domain"
	"github.com/hochfrequenz/runforge/internal/engine"
	"github.com/hochfrequenz/runforge/internal/governor"
	"github.com/hochfrequenz/runforge/internal/metrics"
	"github.com/hochfrequenz/runforge/internal/notify"
	"github.com/hochfrequenz/runforge/internal/orchestrator"
	"github.com/hochfrequenz/runforge/internal/resilience"
	"github.com/hochfrequenz/runforge/internal/slots"
	"github.com/hochfrequenz/runforge/internal/statestore"
	"github.com/hochfrequenz/runforge/internal/sweep"
	"github.com/hochfrequenz/runforge/internal/tracker"
	"github.com/hochfrequenz/runforge/internal/watch"
	"github.com/rs/zerolog"
)

// App bundles all long-lived collaborators
type App struct {
	Config       *config.Config
	Log          zerolog.Logger
	Store        *statestore.Store
	Pool         *slots.Pool
	Governor     *governor.Governor
	Breakers     *resilience.Registry
	Engine       engine.Engine
	Tracker      tracker.Tracker
	Notifier     notify.Notifier
	Metrics      *metrics.Metrics
	Orchestrator *orchestrator.Orchestrator
	Watcher      *watch.Watcher
	Sweeper      *sweep.Sweeper
}

// New builds the application from configuration. The trigger watcher
// and sweeper are constructed but not started; Serve owns their
// lifecycle.
func New(cfg *config.Config, log zerolog.Logger) (*App, error) {
	store, err := statestore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	pool, err := slots.NewPool(cfg.Pool.Size, cfg.Pool.BasePortA, cfg.Pool.BasePortB, cfg.Pool.WorkspaceRoot, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating slot pool: %w", err)
	}
	// Clear workspaces left behind by a previous process.
	pool.Reset()

	rateLimits := make(map[string]governor.RateLimit, len(cfg.Governor.RateLimits))
	for dep, rl := range cfg.Governor.RateLimits {
		rateLimits[dep] = governor.RateLimit{MaxRequests: rl.MaxRequests, Window: rl.Window}
	}
	gov := governor.New(governor.Config{
		MaxConcurrent:   cfg.Governor.MaxConcurrent,
		MemoryThreshold: cfg.Governor.MemoryThreshold,
		RateLimits:      rateLimits,
	}, log)

	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		RecoveryTimeout:  cfg.Resilience.RecoveryTimeout,
		SuccessThreshold: cfg.Resilience.SuccessThreshold,
		HalfOpenMax:      cfg.Resilience.HalfOpenMax,
	})

	eng := engine.NewProcessEngine(engine.ProcessConfig{
		Binary:      cfg.Engine.Binary,
		Timeout:     cfg.Engine.Timeout,
		GracePeriod: cfg.Engine.GracePeriod,
		Models: map[domain.ModelTier]string{
			domain.TierStandard: cfg.Engine.StandardModel,
			domain.TierAdvanced: cfg.Engine.AdvancedModel,
		},
	}, log)

	var trk tracker.Tracker = tracker.Noop{}
	if cfg.Tracker.Enabled && cfg.Tracker.Repo != "" {
		trk = tracker.NewCLI(cfg.Tracker.Repo, gov, log)
	}

	sinks := []notify.Notifier{notify.NewLogNotifier(log)}
	if cfg.Notifications.SlackWebhook != "" {
		sinks = append(sinks, notify.NewWebhookNotifier(cfg.Notifications.SlackWebhook))
	}
	var notifier notify.Notifier = notify.NewMultiNotifier(sinks...)

	m := metrics.New()

	pipelines := orchestrator.Builtins()
	if cfg.General.PipelineFile != "" {
		if _, err := os.Stat(cfg.General.PipelineFile); err == nil {
			custom, err := orchestrator.LoadPipelineFile(cfg.General.PipelineFile)
			if err != nil {
				store.Close()
				return nil, err
			}
			for name, spec := range custom {
				pipelines[name] = spec
			}
		}
	}

	orch := orchestrator.New(orchestrator.Options{
		Store:     store,
		Pool:      pool,
		Governor:  gov,
		Engine:    eng,
		Breakers:  breakers,
		Retry:     retryConfig(cfg),
		Pipelines: pipelines,
		Tracker:   trk,
		Notifier:  notifier,
		Metrics:   m,
		Logger:    log,
	})

	app := &App{
		Config:       cfg,
		Log:          log,
		Store:        store,
		Pool:         pool,
		Governor:     gov,
		Breakers:     breakers,
		Engine:       eng,
		Tracker:      trk,
		Notifier:     notifier,
		Metrics:      m,
		Orchestrator: orch,
	}

	if cfg.General.TriggerDir != "" {
		w, err := watch.New(cfg.General.TriggerDir, orch.Trigger, log)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.Watcher = w
	}

	if cfg.Sweep.Enabled {
		app.Sweeper = sweep.New(sweep.Config{
			Schedule: cfg.Sweep.Schedule,
			Pipeline: cfg.Sweep.Pipeline,
			Label:    cfg.Sweep.Label,
		}, trk, store, orch.Trigger, log)
	}

	return app, nil
}

// Start brings up the background collaborators
func (a *App) Start(ctx context.Context) error {
	if a.Watcher != nil {
		a.Watcher.Start(ctx)
	}
	if a.Sweeper != nil {
		if err := a.Sweeper.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close waits for in-flight runs and releases resources
func (a *App) Close() {
	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}
	if a.Watcher != nil {
		a.Watcher.Stop()
	}
	a.Orchestrator.Wait()
	if a.Store != nil {
		a.Store.Close()
	}
}

func retryConfig(cfg *config.Config) resilience.RetryConfig {
	backoff := resilience.DefaultBackoff()
	if cfg.Resilience.BackoffBase > 0 {
		backoff.Base = cfg.Resilience.BackoffBase
	}
	if cfg.Resilience.BackoffMax > 0 {
		backoff.Max = cfg.Resilience.BackoffMax
	}
	return resilience.RetryConfig{
		MaxRetries: cfg.Resilience.MaxRetries,
		Backoff:    backoff,
	}
}

// NewLogger builds the process logger at the configured level, console
// formatted when stderr is a terminal-ish destination
func NewLogger(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(lvl).With().Timestamp().Logger()
}
