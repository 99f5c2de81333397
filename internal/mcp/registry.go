package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kioku-ai/kioku/internal/events"
	"github.com/kioku-ai/kioku/internal/secrets"
)

// ErrToolNotFound is returned by Registry.CallTool when no connected
// server advertises the requested tool name.
var ErrToolNotFound = fmt.Errorf("tool not found")

// Registry manages connections to multiple MCP servers and provides a
// unified interface for discovering and calling their tools.
//
// Routing policy: tool names are unique only within one server's
// catalog. When two connected servers expose the same name, the server
// registered first wins — deliberately simple rather than a namespaced
// scheme. Callers needing determinism should avoid cross-server name
// collisions.
type Registry struct {
	resolver *secrets.Resolver
	bus      *events.Bus
	logger   *slog.Logger

	mu      sync.RWMutex
	order   []uuid.UUID // registration order, drives routing priority
	clients map[uuid.UUID]*Client
}

// NewRegistry creates an empty registry. Construct one explicitly at
// process startup and inject it where needed; there is no package-level
// instance.
func NewRegistry(resolver *secrets.Resolver, bus *events.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = secrets.NewResolver(logger)
	}
	return &Registry{
		resolver: resolver,
		bus:      bus,
		logger:   logger,
		clients:  make(map[uuid.UUID]*Client),
	}
}

// Register adds a server descriptor and instantiates its client. A zero
// ID is assigned a fresh one. Returns the server's id.
func (r *Registry) Register(cfg *ServerConfig) uuid.UUID {
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	if cfg.Status == "" {
		cfg.Status = StatusDisconnected
	}

	client := NewClient(cfg, r.resolver, r.bus, r.logger)

	r.mu.Lock()
	if _, exists := r.clients[cfg.ID]; !exists {
		r.order = append(r.order, cfg.ID)
	}
	r.clients[cfg.ID] = client
	r.mu.Unlock()

	r.logger.Info("registered MCP server", "server", cfg.Name, "command", cfg.Command)
	return cfg.ID
}

// Unregister removes a server. The caller should disconnect it first;
// Unregister does not tear down a live child.
func (r *Registry) Unregister(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Connect connects one server by id. Returns false for an unknown id or
// a failed connect attempt; the failure detail is on the descriptor.
func (r *Registry) Connect(ctx context.Context, id uuid.UUID) bool {
	client := r.client(id)
	if client == nil {
		return false
	}
	return client.Connect(ctx)
}

// Disconnect disconnects one server by id. Unknown ids are a no-op.
func (r *Registry) Disconnect(id uuid.UUID) error {
	client := r.client(id)
	if client == nil {
		return nil
	}
	return client.Disconnect()
}

// ConnectAll issues a connect attempt for every enabled server
// concurrently and returns a per-server success map. Partial failure is
// visible per entry; the batch never aborts.
func (r *Registry) ConnectAll(ctx context.Context) map[uuid.UUID]bool {
	r.mu.RLock()
	targets := make(map[uuid.UUID]*Client)
	for _, id := range r.order {
		client := r.clients[id]
		if client.Config().Enabled {
			targets[id] = client
		}
	}
	r.mu.RUnlock()

	results := make(map[uuid.UUID]bool, len(targets))
	var (
		wg        sync.WaitGroup
		resultsMu sync.Mutex
	)
	for id, client := range targets {
		wg.Add(1)
		go func(id uuid.UUID, client *Client) {
			defer wg.Done()
			ok := client.Connect(ctx)
			resultsMu.Lock()
			results[id] = ok
			resultsMu.Unlock()
		}(id, client)
	}
	wg.Wait()

	return results
}

// DisconnectAll tears down every client unconditionally.
func (r *Registry) DisconnectAll() {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.order))
	for _, id := range r.order {
		clients = append(clients, r.clients[id])
	}
	r.mu.RUnlock()

	for _, client := range clients {
		if err := client.Disconnect(); err != nil {
			r.logger.Warn("disconnect failed", "server", client.Config().Name, "error", err)
		}
	}
}

// GetServer returns a snapshot of one server's descriptor, or nil for
// an unknown id.
func (r *Registry) GetServer(id uuid.UUID) *ServerConfig {
	client := r.client(id)
	if client == nil {
		return nil
	}
	cfg := client.Config()
	return &cfg
}

// ListServers returns descriptor snapshots in registration order.
func (r *Registry) ListServers() []ServerConfig {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.order))
	for _, id := range r.order {
		clients = append(clients, r.clients[id])
	}
	r.mu.RUnlock()

	out := make([]ServerConfig, 0, len(clients))
	for _, client := range clients {
		out = append(out, client.Config())
	}
	return out
}

// ListTools returns the union of tool catalogs from every connected
// server, in registration order.
func (r *Registry) ListTools() []Tool {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.order))
	for _, id := range r.order {
		clients = append(clients, r.clients[id])
	}
	r.mu.RUnlock()

	var tools []Tool
	for _, client := range clients {
		if client.Status() == StatusConnected {
			tools = append(tools, client.Tools()...)
		}
	}
	return tools
}

// FindTool scans connected servers in registration order and returns
// the first client advertising the named tool, plus the tool itself.
// Returns (nil, nil) when no connected server has it.
func (r *Registry) FindTool(name string) (*Client, *Tool) {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.order))
	for _, id := range r.order {
		clients = append(clients, r.clients[id])
	}
	r.mu.RUnlock()

	for _, client := range clients {
		if client.Status() != StatusConnected {
			continue
		}
		for _, tool := range client.Tools() {
			if tool.Name == name {
				t := tool
				return client, &t
			}
		}
	}
	return nil, nil
}

// CallTool routes a tool call by name across all connected servers and
// executes it. Returns ErrToolNotFound when nothing advertises the name.
func (r *Registry) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	client, _ := r.FindTool(name)
	if client == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return client.CallTool(ctx, name, args)
}

// RegisterFromFile loads the declarative servers file and registers
// every enabled entry. Returns the number registered.
func (r *Registry) RegisterFromFile(path string) (int, error) {
	sf, err := LoadServersFile(path)
	if err != nil {
		return 0, err
	}

	configs := sf.ServerConfigs()
	for _, cfg := range configs {
		r.Register(cfg)
	}
	if len(configs) > 0 {
		r.logger.Info("loaded MCP servers from file", "path", path, "count", len(configs))
	}
	return len(configs), nil
}

func (r *Registry) client(id uuid.UUID) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[id]
}
