package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kioku-ai/kioku/internal/events"
)

// TestHelperMCPServer is not a real test. When re-executed with
// MCP_FAKE_SERVER=1 it becomes a line-delimited JSON-RPC server on
// stdin/stdout, standing in for an external MCP server. MCP_FAKE_MODE
// selects misbehavior: "reorder" answers paired tools/call requests in
// reverse id order, "garbage" interleaves non-JSON lines.
func TestHelperMCPServer(t *testing.T) {
	if os.Getenv("MCP_FAKE_SERVER") != "1" {
		t.Skip("helper process")
	}
	fakeServerMain(os.Getenv("MCP_FAKE_MODE"), os.Getenv("MCP_FAKE_TOOLS"))
	os.Exit(0)
}

type fakeRequest struct {
	ID     *int64 `json:"id"`
	Method string `json:"method"`
	Params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"params"`
}

func fakeServerMain(mode, toolNames string) {
	if toolNames == "" {
		toolNames = "echo,fail"
	}

	// Leave one file per spawned process so tests can count children.
	if dir := os.Getenv("MCP_FAKE_SPAWN_DIR"); dir != "" {
		os.WriteFile(filepath.Join(dir, strconv.Itoa(os.Getpid())), nil, 0o644)
	}

	out := bufio.NewWriter(os.Stdout)
	reply := func(id int64, result any) {
		data, _ := json.Marshal(result)
		fmt.Fprintf(out, `{"jsonrpc":"2.0","id":%d,"result":%s}`+"\n", id, data)
		out.Flush()
	}

	callResult := func(req fakeRequest) any {
		switch req.Params.Name {
		case "fail":
			return map[string]any{
				"content": []map[string]any{{"type": "text", "text": "tool exploded"}},
				"isError": true,
			}
		default:
			text, _ := req.Params.Arguments["text"].(string)
			return map[string]any{
				"content": []map[string]any{{"type": "text", "text": text}},
			}
		}
	}

	var held []fakeRequest // reorder mode buffer

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var req fakeRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}

		if mode == "garbage" && req.ID != nil {
			fmt.Fprintln(out, "not json at all {{{")
			fmt.Fprintln(out, `{"some":"object","with":"no id or method"}`)
			out.Flush()
		}

		switch req.Method {
		case "initialize":
			reply(*req.ID, map[string]any{
				"protocolVersion": protocolVersion,
				"serverInfo":      map[string]any{"name": "fake-server", "version": "0.0.1"},
			})
		case "notifications/initialized":
			// notification, no reply
		case "tools/list":
			var tools []map[string]any
			for _, name := range strings.Split(toolNames, ",") {
				tools = append(tools, map[string]any{
					"name":        name,
					"description": "fake tool " + name,
					"inputSchema": map[string]any{"type": "object"},
				})
			}
			reply(*req.ID, map[string]any{"tools": tools})
		case "tools/call":
			if mode == "reorder" {
				held = append(held, req)
				if len(held) == 2 {
					// Higher id answered first.
					reply(*held[1].ID, callResult(held[1]))
					reply(*held[0].ID, callResult(held[0]))
					held = nil
				}
				continue
			}
			reply(*req.ID, callResult(req))
		}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeServerConfig builds a descriptor that re-executes this test
// binary as the fake server.
func fakeServerConfig(extraEnv map[string]string) *ServerConfig {
	env := map[string]string{"MCP_FAKE_SERVER": "1"}
	for k, v := range extraEnv {
		env[k] = v
	}
	return &ServerConfig{
		ID:      uuid.New(),
		Name:    "fake",
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperMCPServer$"},
		Env:     env,
		Enabled: true,
		Status:  StatusDisconnected,
	}
}

func connectFake(t *testing.T, extraEnv map[string]string) *Client {
	t.Helper()
	c := NewClient(fakeServerConfig(extraEnv), nil, nil, testLogger())
	if !c.Connect(context.Background()) {
		t.Fatalf("Connect failed: %s", c.Config().LastError)
	}
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func TestClient_ConnectHandshake(t *testing.T) {
	c := connectFake(t, nil)

	if got := c.Status(); got != StatusConnected {
		t.Errorf("Status = %q, want %q", got, StatusConnected)
	}
	tools := c.Tools()
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	if tools[0].Name != "echo" {
		t.Errorf("tools[0].Name = %q, want %q", tools[0].Name, "echo")
	}
	if tools[0].ServerID != c.Config().ID {
		t.Error("tool is not stamped with the owning server id")
	}
	if c.Config().LastError != "" {
		t.Errorf("LastError = %q, want empty", c.Config().LastError)
	}
}

// Concurrent Connect calls on one client must spawn exactly one child:
// the serialized loser sees the winner's session instead of launching
// and orphaning a second process.
func TestClient_ConcurrentConnectSpawnsOneChild(t *testing.T) {
	spawnDir := t.TempDir()
	c := NewClient(fakeServerConfig(map[string]string{"MCP_FAKE_SPAWN_DIR": spawnDir}), nil, nil, testLogger())

	const callers = 4
	results := make([]bool, callers)
	var start, wg sync.WaitGroup
	start.Add(1)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			start.Wait()
			results[i] = c.Connect(context.Background())
		}()
	}
	start.Done()
	wg.Wait()

	for i, ok := range results {
		if !ok {
			t.Errorf("Connect %d = false: %s", i, c.Config().LastError)
		}
	}
	if got := c.Status(); got != StatusConnected {
		t.Errorf("Status = %q, want %q", got, StatusConnected)
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	spawned, err := os.ReadDir(spawnDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(spawned) != 1 {
		t.Errorf("spawned %d child processes, want exactly 1", len(spawned))
	}
}

// A reader goroutine from a torn-down session may wake after the
// client has already reconnected. Its late teardown must not resolve
// the new session's in-flight requests.
func TestClient_StaleReaderCannotFailNewSession(t *testing.T) {
	c := connectFake(t, nil)

	c.mu.Lock()
	staleGen := c.gen
	c.mu.Unlock()

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if !c.Connect(context.Background()) {
		t.Fatalf("reconnect failed: %s", c.Config().LastError)
	}

	// The old session's reader waking late is a no-op against the new
	// session's pending table.
	c.failPending(staleGen, ErrClosed)

	res, err := c.CallTool(context.Background(), "echo", map[string]any{"text": "still here"})
	if err != nil {
		t.Fatalf("CallTool on fresh session: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "still here" {
		t.Errorf("Content = %+v", res.Content)
	}
}

func TestClient_ConnectIdempotent(t *testing.T) {
	c := connectFake(t, nil)

	if !c.Connect(context.Background()) {
		t.Fatal("second Connect on a connected client = false, want true")
	}
	if got := c.Status(); got != StatusConnected {
		t.Errorf("Status = %q, want %q", got, StatusConnected)
	}
}

func TestClient_CallTool(t *testing.T) {
	c := connectFake(t, nil)

	res, err := c.CallTool(context.Background(), "echo", map[string]any{"text": "hello"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Error("IsError = true, want false")
	}
	if len(res.Content) != 1 || res.Content[0].Text != "hello" {
		t.Errorf("Content = %+v, want one text block %q", res.Content, "hello")
	}
	if len(res.Raw) == 0 {
		t.Error("Raw result not preserved")
	}
}

// A tool that reports failure in-band is a successful call: the error
// travels in the result, not in the Go error.
func TestClient_CallToolIsError(t *testing.T) {
	c := connectFake(t, nil)

	res, err := c.CallTool(context.Background(), "fail", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError {
		t.Error("IsError = false, want true")
	}
}

// Responses arriving in reverse id order must still reach the request
// that issued them.
func TestClient_OutOfOrderResponses(t *testing.T) {
	c := connectFake(t, map[string]string{"MCP_FAKE_MODE": "reorder"})

	texts := []string{"first", "second"}
	results := make([]string, len(texts))
	errs := make([]error, len(texts))

	var start, wg sync.WaitGroup
	start.Add(1)
	for i, text := range texts {
		i, text := i, text
		wg.Add(1)
		go func() {
			defer wg.Done()
			start.Wait()
			res, err := c.CallTool(context.Background(), "echo", map[string]any{"text": text})
			if err != nil {
				errs[i] = err
				return
			}
			if len(res.Content) == 1 {
				results[i] = res.Content[0].Text
			}
		}()
	}
	start.Done()
	wg.Wait()

	for i, text := range texts {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if results[i] != text {
			t.Errorf("call %d got %q, want %q (responses correlated to wrong request)", i, results[i], text)
		}
	}
}

// Unparseable and unroutable stdout lines are dropped without killing
// the session.
func TestClient_GarbageLinesIgnored(t *testing.T) {
	c := connectFake(t, map[string]string{"MCP_FAKE_MODE": "garbage"})

	res, err := c.CallTool(context.Background(), "echo", map[string]any{"text": "still works"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "still works" {
		t.Errorf("Content = %+v", res.Content)
	}
}

// Secret references in the server env resolve before spawn; the child
// sees the plaintext value. The fake server's tool list is driven by an
// env var, which makes resolution observable end to end.
func TestClient_SecretResolutionAtLaunch(t *testing.T) {
	t.Setenv("KIOKU_TEST_TOOLS", "secret_tool")

	c := connectFake(t, map[string]string{"MCP_FAKE_TOOLS": "env://KIOKU_TEST_TOOLS"})

	tools := c.Tools()
	if len(tools) != 1 || tools[0].Name != "secret_tool" {
		t.Errorf("tools = %+v, want one tool named secret_tool", tools)
	}
}

func TestClient_RequestNotConnected(t *testing.T) {
	c := NewClient(fakeServerConfig(nil), nil, nil, testLogger())

	done := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "tools/list", nil)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("Request = %v, want ErrNotConnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Request on a disconnected client blocked instead of failing fast")
	}
}

func TestClient_ConnectBadCommand(t *testing.T) {
	cfg := &ServerConfig{
		ID:      uuid.New(),
		Name:    "broken",
		Command: "/nonexistent/definitely-not-a-binary",
		Enabled: true,
		Status:  StatusDisconnected,
	}
	c := NewClient(cfg, nil, nil, testLogger())

	if c.Connect(context.Background()) {
		t.Fatal("Connect = true for a nonexistent command")
	}
	if got := c.Status(); got != StatusError {
		t.Errorf("Status = %q, want %q", got, StatusError)
	}
	if c.Config().LastError == "" {
		t.Error("LastError is empty, want failure message")
	}
}

func TestClient_DisconnectIdempotent(t *testing.T) {
	c := connectFake(t, nil)

	if err := c.Disconnect(); err != nil {
		t.Fatalf("first Disconnect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}

	if got := c.Status(); got != StatusDisconnected {
		t.Errorf("Status = %q, want %q", got, StatusDisconnected)
	}
	if tools := c.Tools(); len(tools) != 0 {
		t.Errorf("Tools after disconnect = %d, want 0", len(tools))
	}
	if _, err := c.CallTool(context.Background(), "echo", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("CallTool after disconnect = %v, want ErrNotConnected", err)
	}
}

func TestClient_ReconnectAfterDisconnect(t *testing.T) {
	c := connectFake(t, nil)

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if !c.Connect(context.Background()) {
		t.Fatalf("reconnect failed: %s", c.Config().LastError)
	}
	if got := c.Status(); got != StatusConnected {
		t.Errorf("Status = %q, want %q", got, StatusConnected)
	}

	// Ids keep increasing across sessions, so stale responses from an
	// old process can never match a new request.
	before := c.nextID.Load()
	if _, err := c.CallTool(context.Background(), "echo", map[string]any{"text": "x"}); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if after := c.nextID.Load(); after <= before {
		t.Errorf("nextID went from %d to %d, want strictly increasing", before, after)
	}
}

func TestClient_StatusEvents(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(16)
	defer sub.Close()

	c := NewClient(fakeServerConfig(nil), nil, bus, testLogger())
	if !c.Connect(context.Background()) {
		t.Fatalf("Connect failed: %s", c.Config().LastError)
	}
	defer c.Disconnect()

	want := []string{string(StatusConnecting), string(StatusConnected)}
	for _, status := range want {
		select {
		case ev := <-sub.C:
			if ev.Kind != events.KindStatusChanged {
				t.Fatalf("event kind = %q, want %q", ev.Kind, events.KindStatusChanged)
			}
			if got := ev.Data["status"]; got != status {
				t.Errorf("status event = %v, want %q", got, status)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no %q status event", status)
		}
	}
}
