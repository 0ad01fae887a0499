// Package server orchestrates all components: message bus, plugin registry,
// tool registry, bridge, and protocol transports.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openmesa/appcore/internal/config"
	"github.com/openmesa/appcore/pkg/bridge"
	"github.com/openmesa/appcore/pkg/bus"
	"github.com/openmesa/appcore/pkg/mcp"
	"github.com/openmesa/appcore/pkg/plugin"
	"github.com/openmesa/appcore/pkg/tools"
	"github.com/openmesa/appcore/pkg/transport"
)

const logPrefix = "server:server"

// shutdownGrace bounds the wait for in-flight tool calls once the
// transports have stopped.
const shutdownGrace = 10 * time.Second

// Run starts the server, blocks until a shutdown signal arrives or every
// transport has stopped, then cleans up.
func Run() error {
	// Setup structured logging
	var logLevel slog.Level
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}

	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	// Logs go to stderr: in stdio mode stdout carries protocol frames.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info(fmt.Sprintf("%s - Starting %s %s", logPrefix, cfg.ServerName, cfg.ServerVersion))

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startedAt := time.Now()

	// Step 1: Create the message bus
	b := bus.NewBus(bus.NewBusParams{Config: bus.Config{
		DefaultPublishTimeout: cfg.PublishTimeout,
		DefaultQueryTimeout:   cfg.ToolCallTimeout,
	}})

	// Step 2: Plugin registry, gating filter, and dispatch tracing
	pluginReg, err := plugin.NewRegistry(plugin.NewRegistryParams{FrameworkVersion: cfg.ServerVersion})
	if err != nil {
		return fmt.Errorf("%s - failed to create plugin registry: %w", logPrefix, err)
	}
	b.UseFilter(plugin.NewFilter(pluginReg))
	b.UsePipe(bus.TracePipe{})

	// Step 3: Load and validate the tool manifest
	manifest, err := tools.LoadManifest(cfg.ToolManifest)
	if err != nil {
		return fmt.Errorf("%s - failed to load tool manifest: %w", logPrefix, err)
	}
	if err := manifest.Validate(); err != nil {
		return fmt.Errorf("%s - invalid tool manifest: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Loaded tool manifest %q (%d tools)", logPrefix, manifest.Name, len(manifest.Tools)))

	// Step 3b: Register the plugins the manifest references so their tools
	// pass the availability gate.
	registered := 0
	for _, mt := range manifest.Tools {
		if mt.Plugin == "" {
			continue
		}
		if _, ok := pluginReg.Get(mt.Plugin); ok {
			continue
		}
		if err := pluginReg.Register(plugin.Info{ID: mt.Plugin, Name: mt.Plugin}); err != nil {
			return fmt.Errorf("%s - failed to register plugin %s: %w", logPrefix, mt.Plugin, err)
		}
		registered++
	}
	if registered > 0 {
		slog.Info(fmt.Sprintf("%s - Registered %d plugins from manifest", logPrefix, registered))
	}

	// Step 4: Tool registry seeded from the manifest
	toolReg := tools.NewRegistry(tools.NewRegistryParams{
		PluginGate: func(id string) bool {
			return pluginReg.Active() && pluginReg.Enabled(id)
		},
	})
	if err := tools.Seed(toolReg, manifest, builtinToolHandlers(cfg, startedAt)); err != nil {
		return fmt.Errorf("%s - failed to seed tool registry: %w", logPrefix, err)
	}

	// Step 5: Attach the tool-call bridge to the bus
	br := bridge.NewBridge(bridge.NewBridgeParams{Registry: toolReg})
	if err := br.Attach(b); err != nil {
		return fmt.Errorf("%s - failed to attach tool bridge: %w", logPrefix, err)
	}

	// Step 6: Start the enabled transports, one protocol server each
	info := mcp.PeerInfo{Name: cfg.ServerName, Version: cfg.ServerVersion}
	var (
		servers []*mcp.Server
		closers []io.Closer
		enabled []string
	)
	g, gctx := errgroup.WithContext(ctx)

	newServer := func(t mcp.Transport) *mcp.Server {
		return mcp.NewServer(mcp.NewServerParams{
			Bus:             b,
			Registry:        toolReg,
			Transport:       t,
			Info:            info,
			ProtocolVersion: cfg.ProtocolVersion,
			CallTimeout:     cfg.ToolCallTimeout,
		})
	}

	// Step 6a: stdio
	if cfg.StdioEnabled {
		st := transport.NewStdio()
		servers = append(servers, newServer(st))
		closers = append(closers, st)
		enabled = append(enabled, "stdio")
	}

	// Step 6b: HTTP
	if cfg.HTTPEnabled {
		ht := transport.NewHTTP(transport.HTTPOptions{
			Host:           cfg.HTTPHost,
			Port:           cfg.HTTPPort,
			Path:           cfg.HTTPPath,
			AllowedOrigins: cfg.HTTPAllowedOrigins,
		})
		if err := ht.Start(); err != nil {
			closeTransports(closers)
			return fmt.Errorf("%s - failed to start HTTP transport: %w", logPrefix, err)
		}
		slog.Info(fmt.Sprintf("%s - HTTP transport listening on %s", logPrefix, ht.Endpoint()))
		servers = append(servers, newServer(ht))
		closers = append(closers, ht)
		enabled = append(enabled, "http")
	}

	// Step 6c: NATS
	if cfg.NATSEnabled {
		nt := transport.NewNATS(transport.NATSOptions{
			URL:     cfg.NATSURL,
			Subject: cfg.NATSSubject,
			Name:    cfg.NATSName,
		})
		if err := nt.Connect(); err != nil {
			closeTransports(closers)
			return fmt.Errorf("%s - failed to connect NATS transport: %w", logPrefix, err)
		}
		servers = append(servers, newServer(nt))
		closers = append(closers, nt)
		enabled = append(enabled, "nats")
	}

	for _, srv := range servers {
		srv := srv
		g.Go(func() error { return srv.Run(gctx) })
	}

	// Step 7: Fan tool list changes out to every connected client
	toolReg.OnChange(func() {
		for _, srv := range servers {
			if err := srv.NotifyToolsListChanged(ctx); err != nil {
				slog.Warn(fmt.Sprintf("%s - tools/list_changed notify: %v", logPrefix, err))
			}
		}
	})

	slog.Info(fmt.Sprintf("%s - %s is ready (transports: %s)", logPrefix, cfg.ServerName, strings.Join(enabled, ", ")))

	// Wait for a shutdown signal or for every transport to stop
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	runResult := make(chan error, 1)
	go func() { runResult <- g.Wait() }()

	var runErr error
	stopped := false
	select {
	case sig := <-sigCh:
		slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))
	case runErr = <-runResult:
		stopped = true
		slog.Info(fmt.Sprintf("%s - Transports stopped, shutting down", logPrefix))
	}

	// Graceful shutdown
	cancel()
	closeTransports(closers)
	if !stopped {
		runErr = <-runResult
	}
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	b.Close()
	quiesceCtx, quiesceCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer quiesceCancel()
	if err := b.Quiesce(quiesceCtx); err != nil {
		slog.Warn(fmt.Sprintf("%s - in-flight tool calls did not finish: %v", logPrefix, err))
	}

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return runErr
}

func closeTransports(closers []io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			slog.Warn(fmt.Sprintf("%s - transport close: %v", logPrefix, err))
		}
	}
}
