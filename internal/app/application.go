package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/raysh454/deployproxy/internal/activity"
	"github.com/raysh454/deployproxy/internal/builder"
	"github.com/raysh454/deployproxy/internal/logging"
	"github.com/raysh454/deployproxy/internal/metrics"
	"github.com/raysh454/deployproxy/internal/provider"
	"github.com/raysh454/deployproxy/internal/registry"
	"github.com/raysh454/deployproxy/internal/webclient"
	"github.com/raysh454/deployproxy/internal/webhook"
)

// Application is the global runtime state container. It owns every
// long-lived resource and hands the orchestrator to the HTTP layer.
type Application struct {
	Config      *Config
	Credentials Credentials

	Logger   logging.Logger
	Metrics  *metrics.Metrics
	Registry *registry.Registry
	Provider *provider.Client
	Orch     *Orchestrator

	db        *sql.DB
	webClient webclient.WebClient
	closers   []func() error
}

// NewApplication wires every component from cfg. Credentials are resolved
// by the caller once, at startup.
func NewApplication(cfg *Config, creds Credentials, logger logging.Logger) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		logger = logging.Nop{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ResolvePaths(); err != nil {
		return nil, err
	}

	a := &Application{
		Config:      cfg,
		Credentials: creds,
		Logger:      logger,
		Metrics:     metrics.New(),
	}
	if err := a.wire(); err != nil {
		_ = a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *Application) wire() error {
	cfg := a.Config
	logger := a.Logger

	reg, db, err := OpenRegistry(cfg, logger)
	if err != nil {
		return err
	}
	a.db, a.Registry = db, reg
	a.closers = append(a.closers, db.Close)

	wc, err := webclient.NewNetHTTPClient(webclient.Config{
		Timeout:   cfg.Provider.Timeout,
		UserAgent: "deployproxy",
	}, logger, nil)
	if err != nil {
		return fmt.Errorf("creating web client: %w", err)
	}
	a.webClient = wc
	a.closers = append(a.closers, wc.Close)

	a.Provider = provider.New(provider.Options{
		BaseURL:            cfg.Provider.BaseURL,
		Token:              a.Credentials.Token,
		SiteName:           a.Credentials.SiteName,
		DeployHistoryCount: cfg.Provider.DeployHistoryCount,
		Recorder:           a.Metrics,
	}, wc, logger)

	source, err := a.activitySource()
	if err != nil {
		return err
	}
	correlator := activity.NewCorrelator(source, cfg.ActivityFilter(), reg, logger)

	runner := builder.New(builder.Config{
		LogRoot:               cfg.Build.LogRoot,
		Shell:                 cfg.Build.Shell,
		AllowConcurrentBuilds: cfg.Build.AllowConcurrentBuilds,
		UseNPM:                cfg.Build.UseNPM,
	}, reg, correlator, logger, builder.WithRecorder(a.Metrics))

	registrar := webhook.New(webhook.Config{
		PublicURL: cfg.Webhook.PublicURL,
		Namespace: cfg.Namespace,
		Branch:    cfg.Webhook.Branch,
	}, a.Provider, correlator, logger)

	a.Orch = NewOrchestrator(cfg, Services{
		Provider:   a.Provider,
		Registry:   reg,
		Builder:    runner,
		Correlator: correlator,
		Registrar:  registrar,
		Recorder:   a.Metrics,
	}, logger)
	return nil
}

func (a *Application) activitySource() (activity.Source, error) {
	cfg := a.Config.Activity
	switch cfg.Driver {
	case "":
		return activity.NoSource{}, nil
	case "sqlite", "postgres":
		src, err := activity.OpenSQLSource(cfg.Driver, cfg.DSN, cfg.Table)
		if err != nil {
			return nil, fmt.Errorf("opening activity source: %w", err)
		}
		a.closers = append(a.closers, src.Close)
		return src, nil
	case "http":
		src, err := activity.NewHTTPSource(cfg.ConsoleURL, cfg.ConsoleToken, a.webClient)
		if err != nil {
			return nil, fmt.Errorf("creating activity source: %w", err)
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown activity driver %q", cfg.Driver)
	}
}

// OpenRegistry opens the settings database named by cfg and migrates it.
func OpenRegistry(cfg *Config, logger logging.Logger) (*registry.Registry, *sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating storage directory: %w", err)
	}
	db, err := registry.OpenDB(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	reg, err := registry.NewRegistry(db, logger)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("opening registry: %w", err)
	}
	return reg, db, nil
}

// Start logs the resolved runtime configuration.
func (a *Application) Start() error {
	if a == nil {
		return errors.New("application is nil")
	}
	a.Logger.Info("application starting",
		logging.Field{Key: "namespace", Value: a.Config.Namespace},
		logging.Field{Key: "completion", Value: a.Orch.CompletionMode()},
		logging.Field{Key: "activity_driver", Value: a.Config.Activity.Driver},
		logging.Field{Key: "token_source", Value: string(a.Credentials.TokenSource)},
		logging.Field{Key: "site_source", Value: string(a.Credentials.SiteSource)})
	if err := a.Provider.CheckConfig(); err != nil {
		a.Logger.Warn("provider operations will fail until configured",
			logging.Field{Key: "error", Value: err.Error()})
	}
	return nil
}

// Shutdown stops background work, then releases resources.
func (a *Application) Shutdown(ctx context.Context) error {
	if a == nil {
		return errors.New("application is nil")
	}
	a.Logger.Info("application shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if a.Orch != nil {
		if err := a.Orch.Close(shutdownCtx); err != nil {
			a.Logger.Info("orchestrator shutdown returned error", logging.Field{Key: "error", Value: err.Error()})
		}
	}
	return a.closeAll()
}

func (a *Application) closeAll() error {
	var errList []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errList = append(errList, err)
		}
	}
	a.closers = nil
	return errors.Join(errList...)
}
