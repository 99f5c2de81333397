package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kioku-ai/kioku/internal/buildinfo"
	"github.com/kioku-ai/kioku/internal/events"
	"github.com/kioku-ai/kioku/internal/secrets"
)

// protocolVersion is the MCP protocol version advertised during initialization.
const protocolVersion = "2024-11-05"

const (
	// requestTimeout bounds every outstanding request. There is no
	// per-call override.
	requestTimeout = 30 * time.Second
	// shutdownGrace is how long Disconnect waits for the child to exit
	// after SIGTERM before escalating to SIGKILL.
	shutdownGrace = 5 * time.Second
	// maxLineBytes caps a single stdout line (large tool results).
	maxLineBytes = 1 << 20
)

var (
	// ErrNotConnected is returned by Request and CallTool when no child
	// process is running. It fails fast rather than waiting out the
	// request timeout.
	ErrNotConnected = errors.New("not connected to MCP server")
	// ErrClosed resolves requests still pending when the client is
	// disconnected or the child's stdout closes underneath them.
	ErrClosed = errors.New("mcp client closed")
	// ErrTimeout is returned when no matching response arrives within
	// the request timeout.
	ErrTimeout = errors.New("request timed out")
)

// ContentBlock is a single typed content item in a tools/call result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the payload of a tools/call response. Raw preserves the
// full result object for callers that need more than the typed view.
type ToolResult struct {
	Content []ContentBlock
	IsError bool
	Raw     json.RawMessage
}

// serverInfo is returned in the initialize response.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the initialize response result.
type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      serverInfo `json:"serverInfo"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"inputSchema"`
	} `json:"tools"`
}

// pendingResult is the single-resolution outcome delivered to a waiting
// Request call.
type pendingResult struct {
	resp *Response
	err  error
}

// Client owns one MCP server subprocess and the JSON-RPC session with
// it. Requests are correlated to responses strictly by integer id, so
// out-of-order responses from a reordering server are handled
// correctly. All methods are safe for concurrent use.
type Client struct {
	resolver *secrets.Resolver
	bus      *events.Bus
	logger   *slog.Logger

	// nextID assigns correlation ids. Monotonically increasing for the
	// lifetime of the client; never reused while a request is pending.
	nextID atomic.Int64

	// writeMu serializes stdin writes so concurrent requests cannot
	// interleave their framed lines.
	writeMu sync.Mutex

	// lifecycleMu serializes Connect and Disconnect so only one
	// transition runs at a time. Without it, two concurrent Connect
	// calls can both pass the cmd==nil check and spawn two children,
	// orphaning the first.
	lifecycleMu sync.Mutex

	mu     sync.Mutex
	config *ServerConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	// gen counts sessions. A reader goroutine can outlive its session,
	// so pending-table teardown is gated on the generation the reader
	// was started under; a stale reader waking after a reconnect must
	// not fail the new session's requests.
	gen     int64
	pending map[int64]chan pendingResult
	tools   []Tool
}

// NewClient creates a client for one server descriptor. The descriptor
// is owned by the client from here on: its Status and LastError fields
// are mutated by connect/disconnect transitions.
func NewClient(cfg *ServerConfig, resolver *secrets.Resolver, bus *events.Bus, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = secrets.NewResolver(logger)
	}
	return &Client{
		resolver: resolver,
		bus:      bus,
		logger:   logger.With("mcp_server", cfg.Name),
		config:   cfg,
		pending:  make(map[int64]chan pendingResult),
	}
}

// Config returns a snapshot of the server descriptor.
func (c *Client) Config() ServerConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.config
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config.Status
}

// Tools returns the current tool catalog. Empty unless Connected.
func (c *Client) Tools() []Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Connect spawns the server subprocess and performs the MCP handshake:
// initialize, the initialized notification, then tools/list to populate
// the catalog. Returns true on success. Expected failures (bad command,
// malformed response, handshake timeout) transition the descriptor to
// StatusError with the message captured and return false — callers
// inspect status rather than handle a panic or error value. Concurrent
// Connect calls serialize: the loser observes the winner's established
// session and returns true without spawning a second child.
func (c *Client) Connect(ctx context.Context) bool {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	if c.cmd != nil {
		c.mu.Unlock()
		return true
	}
	c.config.Status = StatusConnecting
	c.config.LastError = ""
	c.mu.Unlock()
	c.publishStatus()

	if err := c.start(ctx); err != nil {
		// Never leave a half-spawned process behind a Connected (or
		// Error) descriptor.
		c.teardown()

		c.mu.Lock()
		c.config.Status = StatusError
		c.config.LastError = err.Error()
		c.mu.Unlock()

		c.logger.Error("MCP connect failed", "error", err)
		c.publishStatus()
		return false
	}

	c.mu.Lock()
	c.config.Status = StatusConnected
	c.config.LastError = ""
	toolCount := len(c.tools)
	c.mu.Unlock()

	c.logger.Info("MCP server connected", "tools", toolCount)
	c.publishStatus()
	return true
}

// start spawns the subprocess, wires the three pipes, launches the
// reader goroutines, and runs the handshake.
func (c *Client) start(ctx context.Context) error {
	c.mu.Lock()
	cfg := *c.config
	c.mu.Unlock()

	cmd := exec.Command(cfg.Command, cfg.Args...)

	// Secret references resolve only here, at launch time. Resolved
	// values are appended after the inherited environment so they take
	// precedence (os/exec keeps the last value for duplicate keys).
	env := os.Environ()
	for k, v := range c.resolver.Resolve(cfg.Env) {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	// Stderr is diagnostic only; it never affects connection state.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start subprocess %s: %w", cfg.Command, err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.gen++
	gen := c.gen
	c.pending = make(map[int64]chan pendingResult)
	c.mu.Unlock()

	c.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)

	go c.readLoop(stdout, gen)
	go c.logStderr(stderr)

	return c.handshake(ctx)
}

// handshake runs the strictly ordered MCP initialization sequence.
func (c *Client) handshake(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "kioku",
			"version": buildinfo.Version,
		},
	}

	res, err := c.Request(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var init initializeResult
	if err := json.Unmarshal(res, &init); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}
	c.logger.Info("MCP server initialized",
		"server_name", init.ServerInfo.Name,
		"server_version", init.ServerInfo.Version,
		"protocol_version", init.ProtocolVersion,
	)

	if err := c.notify("notifications/initialized", nil); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	res, err = c.Request(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}

	var list toolsListResult
	if err := json.Unmarshal(res, &list); err != nil {
		return fmt.Errorf("unmarshal tools/list result: %w", err)
	}

	serverID := c.Config().ID
	tools := make([]Tool, 0, len(list.Tools))
	for _, t := range list.Tools {
		tools = append(tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			ServerID:    serverID,
			InputSchema: t.InputSchema,
		})
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(tools))
	return nil
}

// Request sends a JSON-RPC request and waits for the matching response.
// The completion handle is registered in the pending table before the
// line is written, so a response can never arrive unmatched. The entry
// is removed on every path out of this function. A fixed 30-second
// deadline applies on top of ctx.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	stdin := c.stdin
	if stdin == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := c.nextID.Add(1)
	ch := make(chan pendingResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	// The pipe write blocks once the kernel buffer fills, so a stalled
	// child applies backpressure here instead of us buffering unbounded
	// output.
	c.writeMu.Lock()
	_, err = stdin.Write(append(data, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%s: %w", method, res.err)
		}
		if res.resp.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, res.resp.Error)
		}
		return res.resp.Result, nil
	}
}

// notify sends a JSON-RPC notification. No response is expected.
func (c *Client) notify(method string, params any) error {
	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	c.writeMu.Lock()
	_, err = stdin.Write(append(data, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// CallTool invokes a tool on this server via tools/call and returns the
// result's content.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	res, err := c.Request(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	var payload struct {
		Content []ContentBlock `json:"content"`
		IsError bool           `json:"isError"`
	}
	if err := json.Unmarshal(res, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
	}

	return &ToolResult{
		Content: payload.Content,
		IsError: payload.IsError,
		Raw:     res,
	}, nil
}

// Disconnect terminates the subprocess (SIGTERM, 5s grace, then
// SIGKILL), resolves any still-pending requests with ErrClosed, clears
// the tool catalog, and transitions to Disconnected. Idempotent:
// calling it when already disconnected is a no-op.
func (c *Client) Disconnect() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	cmd := c.cmd
	stdin := c.stdin
	gen := c.gen
	wasDown := cmd == nil && c.config.Status == StatusDisconnected
	c.cmd = nil
	c.stdin = nil
	c.tools = nil
	c.config.Status = StatusDisconnected
	c.config.LastError = ""
	c.mu.Unlock()

	if cmd == nil {
		if !wasDown {
			c.publishStatus()
		}
		return nil
	}

	// Teardown path for outstanding requests: resolve them now instead
	// of letting them expire via the request timeout.
	c.failPending(gen, ErrClosed)

	if stdin != nil {
		stdin.Close()
	}
	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		c.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-done
	}

	c.logger.Info("MCP server disconnected")
	c.publishStatus()
	return nil
}

// teardown reaps a half-started subprocess after a failed connect. It
// leaves status handling to the caller.
func (c *Client) teardown() {
	c.mu.Lock()
	cmd := c.cmd
	stdin := c.stdin
	gen := c.gen
	c.cmd = nil
	c.stdin = nil
	c.tools = nil
	c.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
	c.failPending(gen, ErrClosed)
}

// readLoop parses newline-delimited messages from the child's stdout.
// Each line is handled independently: a parse failure drops that line
// and keeps the loop alive (robustness over strictness). When stdout
// closes — process exit or teardown — anything still pending from this
// reader's own session (gen) is resolved with ErrClosed; a newer
// session's requests are left alone.
func (c *Client) readLoop(stdout io.Reader, gen int64) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var msg inbound
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Debug("dropping unparseable stdout line", "error", err)
			continue
		}

		switch {
		case msg.Method != "":
			// Server-initiated request or notification. Nothing we
			// support requires these yet.
			c.logger.Debug("ignoring server-initiated message", "method", msg.Method)
		case msg.ID != nil:
			c.complete(*msg.ID, &Response{
				JSONRPC: msg.JSONRPC,
				ID:      *msg.ID,
				Result:  msg.Result,
				Error:   msg.Error,
			})
		default:
			c.logger.Debug("ignoring message with no id and no method")
		}
	}

	c.failPending(gen, ErrClosed)
}

// complete resolves the pending request with the given id, if any.
// Ids are monotonic across sessions, so a stale reader completing here
// can never match a newer session's request.
func (c *Client) complete(id int64, resp *Response) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("response with no pending request", "id", id)
		return
	}
	ch <- pendingResult{resp: resp}
}

// failPending resolves every request registered under session gen with
// err and resets the table. A call carrying a generation older than the
// current session is a no-op: those requests were already resolved when
// their session ended, and the current table belongs to someone else.
func (c *Client) failPending(gen int64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	pending := c.pending
	c.pending = make(map[int64]chan pendingResult)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- pendingResult{err: err}
	}
}

// logStderr drains the child's stderr, logging each line. Diagnostic
// only — nothing here affects connection state.
func (c *Client) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		c.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// publishStatus emits a status_changed event for the current descriptor
// state. Safe when no bus is configured.
func (c *Client) publishStatus() {
	cfg := c.Config()
	data := map[string]any{
		"server_id": cfg.ID.String(),
		"server":    cfg.Name,
		"status":    string(cfg.Status),
	}
	if cfg.LastError != "" {
		data["error"] = cfg.LastError
	}
	c.bus.Publish(events.Event{
		Source: events.SourceMCP,
		Kind:   events.KindStatusChanged,
		Data:   data,
	})
}
