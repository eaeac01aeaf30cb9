// Package app bootstraps the platform: it opens the store, wires the adapter
// manager, workflow service, installer, and builtin library together, and
// runs the MCP server. Startup is store-first; shutdown is the exact reverse.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"skillhub/internal/adapter"
	"skillhub/internal/api"
	"skillhub/internal/installer"
	"skillhub/internal/server"
	"skillhub/internal/store"
	"skillhub/internal/workflow"
	"skillhub/pkg/logging"
)

// SeedLoggerAdapterID is the adapter the bundled skills depend on. It is
// registered at bootstrap so builtin installs always find it.
const SeedLoggerAdapterID = "system.logger.default"

// Application owns the wired component graph and its lifecycle.
type Application struct {
	cfg     Config
	version string

	store     *store.Store
	manager   *adapter.Manager
	workflows *workflow.Service
	installer *installer.Installer
	builtins  *installer.BuiltinLibrary
	server    *server.Server
}

// New wires the application from configuration. Nothing is started yet.
func New(cfg Config, version string) (*Application, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}
	logging.Init(level, os.Stderr)

	waitTimeout, err := cfg.waitTimeout()
	if err != nil {
		return nil, err
	}
	pollInterval, err := cfg.pollInterval()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", cfg.DatabasePath, err)
	}

	factories := adapter.NewFactories()
	mgr := adapter.NewManager(factories, st)
	svc := workflow.NewService(st, workflow.NewEngine(mgr))
	factories.Register(adapter.WorkflowAdapterClass, adapter.NewWorkflowAdapterFactory(svc))

	inst := installer.New(st, mgr, svc)
	builtins := installer.NewBuiltinLibrary(cfg.BuiltinOverrideDir)
	srv := server.New(inst, mgr, builtins, server.Options{
		Name:         "skillhub",
		Version:      version,
		WaitTimeout:  waitTimeout,
		PollInterval: pollInterval,
	})

	return &Application{
		cfg:       cfg,
		version:   version,
		store:     st,
		manager:   mgr,
		workflows: svc,
		installer: inst,
		builtins:  builtins,
		server:    srv,
	}, nil
}

// Start brings the platform up: restore persisted adapters, start the
// manager, seed the logger adapter, watch builtin overrides, serve MCP.
func (a *Application) Start(ctx context.Context) error {
	if err := a.manager.Initialize(ctx); err != nil {
		return fmt.Errorf("restoring adapter configurations: %w", err)
	}
	if err := a.manager.Start(ctx); err != nil {
		return fmt.Errorf("starting adapter manager: %w", err)
	}
	if err := a.seedAdapters(ctx); err != nil {
		return err
	}
	if err := a.builtins.Watch(); err != nil {
		return fmt.Errorf("watching builtin overrides: %w", err)
	}
	if err := a.server.Start(ctx); err != nil {
		return fmt.Errorf("starting MCP server: %w", err)
	}
	logging.Info("App", "skillhub %s started (db %s)", a.version, a.cfg.DatabasePath)
	return nil
}

// seedAdapters registers the platform adapters the bundled skills rely on.
// Register is idempotent, so a restored configuration is left untouched.
func (a *Application) seedAdapters(ctx context.Context) error {
	return a.manager.Register(ctx, &api.AdapterConfig{
		AdapterID:    SeedLoggerAdapterID,
		Name:         "System Logger",
		AdapterType:  api.AdapterTypeSoft,
		AdapterClass: adapter.SystemLoggerClass,
		Version:      a.version,
		Config:       map[string]interface{}{},
		Dependencies: []string{},
		IsEnabled:    true,
	})
}

// Stop tears the platform down in reverse order, force-stopping adapters.
func (a *Application) Stop(ctx context.Context) error {
	var firstErr error
	if err := a.server.Stop(ctx); err != nil {
		logging.Error("App", err, "Stopping MCP server")
		firstErr = err
	}
	if err := a.builtins.Close(); err != nil {
		logging.Error("App", err, "Closing builtin library")
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := a.manager.Stop(ctx); err != nil {
		logging.Error("App", err, "Stopping adapter manager")
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := a.store.Close(); err != nil {
		logging.Error("App", err, "Closing store")
		if firstErr == nil {
			firstErr = err
		}
	}
	logging.Info("App", "skillhub stopped")
	return firstErr
}

// Run starts the application and blocks until the context is cancelled.
func (a *Application) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.Stop(stopCtx)
}

// Installer exposes the installer for CLI commands.
func (a *Application) Installer() *installer.Installer {
	return a.installer
}

// Server exposes the MCP surface for CLI commands.
func (a *Application) Server() *server.Server {
	return a.server
}
