// Package capture is the bridge between tool execution and durable
// memory: it wraps MCP tool calls and persists their textual output as
// chunks, tagged with server/tool provenance. This is the single place
// where "an external action happened" becomes "a memory exists" — the
// MCP registry itself has no awareness of persistence.
package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kioku-ai/kioku/internal/chunks"
	"github.com/kioku-ai/kioku/internal/events"
	"github.com/kioku-ai/kioku/internal/mcp"
)

// Store is the chunk persistence the pipeline appends to. Creation is
// an opaque append: the pipeline keeps no reference to the chunk after
// the call returns except its id.
type Store interface {
	Create(ctx context.Context, req chunks.CreateRequest) (*chunks.Chunk, error)
}

// Service executes tools through the MCP registry with optional
// auto-capture of their results.
type Service struct {
	registry *mcp.Registry
	store    Store
	bus      *events.Bus
	logger   *slog.Logger
}

// New creates a capture service. store may be nil, in which case
// capture requests are skipped with a warning.
func New(registry *mcp.Registry, store Store, bus *events.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry: registry,
		store:    store,
		bus:      bus,
		logger:   logger,
	}
}

// Result is the outcome of one pipeline call: the raw tool result plus
// the id of the captured chunk, when one was created.
type Result struct {
	Tool    string          `json:"tool"`
	Result  *mcp.ToolResult `json:"result"`
	ChunkID *uuid.UUID      `json:"chunk_id,omitempty"`
}

// CallTool executes a tool by name through the registry and, when
// capture is true and the result carries non-empty text, persists it as
// an inbox chunk tagged with provenance. serverName is advisory — it
// labels the capture but routing is always name-based across all
// connected servers. A capture-write failure is logged and leaves
// ChunkID nil; it never fails a call whose tool already ran.
func (s *Service) CallTool(ctx context.Context, serverName, toolName string, args map[string]any, projectID *uuid.UUID, capture bool) (*Result, error) {
	if serverName == "" {
		if client, _ := s.registry.FindTool(toolName); client != nil {
			serverName = client.Config().Name
		} else {
			serverName = "unknown"
		}
	}

	s.bus.Publish(events.Event{
		Source: events.SourceCapture,
		Kind:   events.KindToolCall,
		Data:   map[string]any{"server": serverName, "tool": toolName},
	})

	start := time.Now()
	result, err := s.registry.CallTool(ctx, toolName, args)

	s.bus.Publish(events.Event{
		Source: events.SourceCapture,
		Kind:   events.KindToolDone,
		Data: map[string]any{
			"server":      serverName,
			"tool":        toolName,
			"ok":          err == nil,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	})
	if err != nil {
		return nil, err
	}

	out := &Result{Tool: toolName, Result: result}

	text := extractText(result)
	if !capture || text == "" {
		return out, nil
	}
	if s.store == nil {
		s.logger.Warn("capture requested but no chunk store configured", "tool", toolName)
		return out, nil
	}

	chunk, err := s.captureChunk(ctx, serverName, toolName, args, text, projectID)
	if err != nil {
		// Best effort: the tool already ran, so surface the result and
		// log the persistence failure.
		s.logger.Warn("failed to capture tool result as chunk",
			"server", serverName,
			"tool", toolName,
			"error", err,
		)
		return out, nil
	}

	out.ChunkID = &chunk.ID
	return out, nil
}

// captureChunk formats the provenance record and appends it to the store.
func (s *Service) captureChunk(ctx context.Context, serverName, toolName string, args map[string]any, text string, projectID *uuid.UUID) (*chunks.Chunk, error) {
	argsJSON, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		argsJSON = []byte("{}")
	}

	record := fmt.Sprintf(
		"🛠️ **Tool Execution: %s:%s**\n```json\n%s\n```\n**Output:**\n%s",
		serverName, toolName, argsJSON, text,
	)

	chunk, err := s.store.Create(ctx, chunks.CreateRequest{
		Content:   record,
		ProjectID: projectID,
		Tags:      []string{"tool_result", "mcp:" + serverName, toolName},
		Source:    fmt.Sprintf("mcp:%s:%s", serverName, toolName),
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("captured tool result as chunk",
		"chunk_id", chunk.ID,
		"server", serverName,
		"tool", toolName,
	)
	s.bus.Publish(events.Event{
		Source: events.SourceCapture,
		Kind:   events.KindChunkCreated,
		Data: map[string]any{
			"chunk_id":    chunk.ID.String(),
			"server":      serverName,
			"tool":        toolName,
			"content_len": len(chunk.Content),
		},
	})

	return chunk, nil
}

// extractText pulls human-readable text out of a tool result. Text
// content blocks are concatenated in order; a result with no content
// list at all is rendered as indented JSON so unusual shapes still
// capture something readable.
func extractText(result *mcp.ToolResult) string {
	if result == nil {
		return ""
	}

	if len(result.Content) > 0 {
		var parts []string
		for _, block := range result.Content {
			if block.Type == "text" {
				parts = append(parts, block.Text)
			}
		}
		return strings.Join(parts, "\n")
	}

	if len(result.Raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, result.Raw, "", "  "); err != nil {
		return string(result.Raw)
	}
	return buf.String()
}
