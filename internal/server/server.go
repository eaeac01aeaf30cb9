// Package server exposes the platform's skill operations as MCP tools:
// skill_install, skill_uninstall, skill_list, and skill_execute. Handlers
// always return shaped JSON results; raw adapter or store errors never reach
// the caller.
package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"skillhub/internal/api"
	"skillhub/pkg/logging"
)

// SkillInstaller is the slice of the installer the server drives.
type SkillInstaller interface {
	Install(ctx context.Context, m *api.Manifest, userID string, mode api.InstallMode) *api.InstallResult
	Uninstall(ctx context.Context, packageID, userID string) *api.UninstallResult
	ListInstallations(ctx context.Context, userID string, skip, limit int) ([]*api.SkillInstallation, int, error)
	GetInstalled(ctx context.Context, userID, packageID string) (*api.SkillInstallation, error)
}

// AdapterInvoker is the slice of the adapter manager the server drives.
type AdapterInvoker interface {
	Process(ctx context.Context, adapterID string, input map[string]interface{}, ec *api.ExecutionContext) (*api.ExecutionResult, error)
}

// ManifestSource resolves bundled skill manifests for the builtin
// auto-install fast path.
type ManifestSource interface {
	Load(packageID string) (*api.Manifest, error)
}

// Options tunes the server. Zero values fall back to defaults.
type Options struct {
	Name         string
	Version      string
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "skillhub"
	}
	if o.Version == "" {
		o.Version = "dev"
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 5 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	return o
}

// Server is the MCP invocation surface over the installer and the adapter
// manager.
type Server struct {
	installer SkillInstaller
	adapters  AdapterInvoker
	builtins  ManifestSource
	opts      Options

	mu          sync.Mutex
	mcp         *mcpserver.MCPServer
	stdioServer *mcpserver.StdioServer
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a server. builtins may be nil to disable the builtin
// auto-install fast path.
func New(inst SkillInstaller, adapters AdapterInvoker, builtins ManifestSource, opts Options) *Server {
	return &Server{
		installer: inst,
		adapters:  adapters,
		builtins:  builtins,
		opts:      opts.withDefaults(),
	}
}

// Start serves the MCP tools over stdio until the context is cancelled or
// Stop is called.
func (s *Server) Start(ctx context.Context) error {
	return s.serve(ctx, os.Stdin, os.Stdout)
}

func (s *Server) serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.mu.Lock()
	if s.mcp != nil {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}

	mcp := mcpserver.NewMCPServer(
		s.opts.Name,
		s.opts.Version,
		mcpserver.WithToolCapabilities(true),
	)
	mcp.AddTools(s.tools()...)
	s.mcp = mcp

	serveCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stdioServer = mcpserver.NewStdioServer(mcp)
	s.done = make(chan struct{})

	stdio := s.stdioServer
	done := s.done
	s.mu.Unlock()

	logging.Info("Server", "Serving MCP tools over stdio")
	go func() {
		defer close(done)
		if err := stdio.Listen(serveCtx, in, out); err != nil && serveCtx.Err() == nil {
			logging.Error("Server", err, "Stdio server error")
		}
	}()
	return nil
}

// Stop cancels the serving loop and waits for it to drain.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mcp = nil
	s.stdioServer = nil
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	logging.Info("Server", "Stopped MCP server")
	return nil
}
