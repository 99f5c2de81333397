// Kioku is a memory-first MCP aggregator.
//
// It connects to multiple external MCP (Model Context Protocol) servers
// as subprocesses, exposes their tools behind one unified interface,
// and optionally captures every tool result as a durable chunk in its
// memory store. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]); the MCP
// server list lives in a declarative mcp_servers.json.
//
// Usage:
//
//	kioku servers              List configured servers
//	kioku connect              Connect all enabled servers, report results
//	kioku tools                List tools across all connected servers
//	kioku call <tool>          Invoke a tool (-args JSON, -capture, -project id)
//	kioku recent [n]           Show recently captured chunks
//	kioku watch                Stay connected and forward events to MQTT
//	kioku version              Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kioku-ai/kioku/internal/buildinfo"
	"github.com/kioku-ai/kioku/internal/capture"
	"github.com/kioku-ai/kioku/internal/chunks"
	"github.com/kioku-ai/kioku/internal/config"
	"github.com/kioku-ai/kioku/internal/events"
	"github.com/kioku-ai/kioku/internal/mcp"
	"github.com/kioku-ai/kioku/internal/mqtt"
	"github.com/kioku-ai/kioku/internal/secrets"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the full
// lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the kioku command. Arguments are
// parsed by hand: the flag package relies on package-level globals,
// which interferes with calling run() concurrently from tests, and the
// argument surface is small.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	switch command {
	case "servers":
		return runServers(ctx, stdout, stderr, configPath)
	case "connect":
		return runConnect(ctx, stdout, stderr, configPath)
	case "tools":
		return runTools(ctx, stdout, stderr, configPath)
	case "call":
		return runCall(ctx, stdout, stderr, configPath, cmdArgs)
	case "recent":
		limit := 10
		if len(cmdArgs) > 0 {
			n, err := strconv.Atoi(cmdArgs[0])
			if err != nil {
				return fmt.Errorf("usage: kioku recent [count]")
			}
			limit = n
		}
		return runRecent(ctx, stdout, stderr, configPath, limit)
	case "watch":
		return runWatch(ctx, stdout, stderr, configPath)
	case "version":
		return runVersion(stdout)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// app bundles the wired components behind every subcommand. Everything
// is constructed explicitly here and injected — no package-level
// singletons.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *events.Bus
	registry *mcp.Registry
	store    *chunks.SQLiteStore
	pipeline *capture.Service
}

// setup loads configuration, builds the logger, and wires the registry
// and capture pipeline. The chunk store is opened lazily by commands
// that need it.
func setup(configPath string, stderr io.Writer) (*app, error) {
	cfg := config.Default()
	if path, err := config.FindConfig(configPath); err == nil {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = loaded
	} else if configPath != "" {
		// An explicit -config that does not exist is an error; silent
		// defaults are only for the zero-config case.
		return nil, err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))

	bus := events.New()
	resolver := secrets.NewResolver(logger)
	registry := mcp.NewRegistry(resolver, bus, logger)

	if _, err := registry.RegisterFromFile(cfg.ServersFilePath()); err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		registry: registry,
	}
	a.pipeline = capture.New(registry, nil, bus, logger)
	return a, nil
}

// openStore opens the chunk database and rewires the pipeline to
// capture into it.
func (a *app) openStore() error {
	store, err := chunks.NewSQLiteStore(a.cfg.ChunkDBPath())
	if err != nil {
		return fmt.Errorf("open chunk store: %w", err)
	}
	a.store = store
	a.pipeline = capture.New(a.registry, store, a.bus, a.logger)
	return nil
}

func (a *app) close() {
	a.registry.DisconnectAll()
	if a.store != nil {
		a.store.Close()
	}
}

func runServers(ctx context.Context, stdout, stderr io.Writer, configPath string) error {
	a, err := setup(configPath, stderr)
	if err != nil {
		return err
	}
	defer a.close()

	servers := a.registry.ListServers()
	if len(servers) == 0 {
		fmt.Fprintln(stdout, "no MCP servers configured")
		return nil
	}
	for _, s := range servers {
		fmt.Fprintf(stdout, "%-20s %-12s %s %s\n", s.Name, s.Status, s.Command, strings.Join(s.Args, " "))
	}
	return nil
}

func runConnect(ctx context.Context, stdout, stderr io.Writer, configPath string) error {
	a, err := setup(configPath, stderr)
	if err != nil {
		return err
	}
	defer a.close()

	results := a.registry.ConnectAll(ctx)
	connected := 0
	for id, ok := range results {
		server := a.registry.GetServer(id)
		if ok {
			connected++
			fmt.Fprintf(stdout, "%-20s connected\n", server.Name)
		} else {
			fmt.Fprintf(stdout, "%-20s FAILED: %s\n", server.Name, server.LastError)
		}
	}
	fmt.Fprintf(stdout, "%d/%d server(s) connected\n", connected, len(results))
	return nil
}

func runTools(ctx context.Context, stdout, stderr io.Writer, configPath string) error {
	a, err := setup(configPath, stderr)
	if err != nil {
		return err
	}
	defer a.close()

	a.registry.ConnectAll(ctx)

	tools := a.registry.ListTools()
	if len(tools) == 0 {
		fmt.Fprintln(stdout, "no tools available (are any servers connected?)")
		return nil
	}
	for _, t := range tools {
		server := a.registry.GetServer(t.ServerID)
		name := "?"
		if server != nil {
			name = server.Name
		}
		fmt.Fprintf(stdout, "%-30s [%s] %s\n", t.Name, name, t.Description)
	}
	return nil
}

func runCall(ctx context.Context, stdout, stderr io.Writer, configPath string, cmdArgs []string) error {
	var toolName, serverName, argsJSON, projectStr string
	doCapture := false

	for i := 0; i < len(cmdArgs); i++ {
		switch {
		case cmdArgs[i] == "-args" && i+1 < len(cmdArgs):
			argsJSON = cmdArgs[i+1]
			i++
		case cmdArgs[i] == "-server" && i+1 < len(cmdArgs):
			serverName = cmdArgs[i+1]
			i++
		case cmdArgs[i] == "-project" && i+1 < len(cmdArgs):
			projectStr = cmdArgs[i+1]
			i++
		case cmdArgs[i] == "-capture":
			doCapture = true
		case !strings.HasPrefix(cmdArgs[i], "-") && toolName == "":
			toolName = cmdArgs[i]
		default:
			return fmt.Errorf("unknown argument: %s", cmdArgs[i])
		}
	}
	if toolName == "" {
		return fmt.Errorf("usage: kioku call <tool> [-server name] [-args '{...}'] [-project id] [-capture]")
	}

	args := map[string]any{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return fmt.Errorf("parse -args: %w", err)
		}
	}

	var projectID *uuid.UUID
	if projectStr != "" {
		pid, err := uuid.Parse(projectStr)
		if err != nil {
			return fmt.Errorf("parse -project: %w", err)
		}
		projectID = &pid
	}

	a, err := setup(configPath, stderr)
	if err != nil {
		return err
	}
	defer a.close()

	if doCapture || a.cfg.Capture.Enabled {
		if err := a.openStore(); err != nil {
			return err
		}
	}

	a.registry.ConnectAll(ctx)

	result, err := a.pipeline.CallTool(ctx, serverName, toolName, args, projectID, doCapture || a.cfg.Capture.Enabled)
	if err != nil {
		return fmt.Errorf("call %s: %w", toolName, err)
	}

	for _, block := range result.Result.Content {
		if block.Type == "text" {
			fmt.Fprintln(stdout, block.Text)
		}
	}
	if result.ChunkID != nil {
		fmt.Fprintf(stdout, "captured as chunk %s\n", result.ChunkID)
	}
	return nil
}

func runRecent(ctx context.Context, stdout, stderr io.Writer, configPath string, limit int) error {
	a, err := setup(configPath, stderr)
	if err != nil {
		return err
	}
	if err := a.openStore(); err != nil {
		return err
	}
	defer a.close()

	recent, err := a.store.ListRecent(ctx, limit)
	if err != nil {
		return err
	}
	if len(recent) == 0 {
		fmt.Fprintln(stdout, "no chunks captured yet")
		return nil
	}
	for _, c := range recent {
		first := c.Content
		if idx := strings.IndexByte(first, '\n'); idx >= 0 {
			first = first[:idx]
		}
		fmt.Fprintf(stdout, "%s  %-8s %-30s %s\n", c.CreatedAt.Format("2006-01-02 15:04"), c.Status, c.Source, first)
	}
	return nil
}

// runWatch connects all servers and stays up, forwarding bus events to
// MQTT when configured, until interrupted.
func runWatch(ctx context.Context, stdout, stderr io.Writer, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(configPath, stderr)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.openStore(); err != nil {
		return err
	}

	results := a.registry.ConnectAll(ctx)
	connected := 0
	for _, ok := range results {
		if ok {
			connected++
		}
	}
	a.logger.Info("watch started", "connected", connected, "registered", len(results))

	if a.cfg.MQTT.Enabled {
		pub := mqtt.New(a.cfg.MQTT, a.bus, a.logger)
		go func() {
			if err := pub.Start(ctx); err != nil {
				a.logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			pub.Stop(stopCtx)
		}()
	}

	<-ctx.Done()
	fmt.Fprintln(stdout, "shutting down")
	return nil
}

// runVersion prints build metadata.
func runVersion(w io.Writer) error {
	fmt.Fprintln(w, buildinfo.String())
	info := buildinfo.Info()
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Kioku - memory-first MCP aggregator")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: kioku [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  servers       List configured MCP servers")
	fmt.Fprintln(w, "  connect       Connect all enabled servers and report results")
	fmt.Fprintln(w, "  tools         List tools across all connected servers")
	fmt.Fprintln(w, "  call <tool>   Invoke a tool by name")
	fmt.Fprintln(w, "  recent [n]    Show recently captured chunks")
	fmt.Fprintln(w, "  watch         Stay connected; forward events to MQTT")
	fmt.Fprintln(w, "  version       Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>   Path to config file (default: auto-discover)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Call flags:")
	fmt.Fprintln(w, "  -server <name>   Provenance label (routing is name-based)")
	fmt.Fprintln(w, "  -args '{...}'    Tool arguments as JSON")
	fmt.Fprintln(w, "  -project <id>    Associate the captured chunk with a project")
	fmt.Fprintln(w, "  -capture         Persist the result as a chunk")
	return nil
}
