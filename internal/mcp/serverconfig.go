package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"
)

// Status is the connection status of an MCP server.
type Status string

const (
	// StatusDisconnected means no child process is running.
	StatusDisconnected Status = "disconnected"
	// StatusConnecting means a connect attempt is in progress.
	StatusConnecting Status = "connecting"
	// StatusConnected means the handshake completed and tools are available.
	StatusConnected Status = "connected"
	// StatusError means the last connect attempt failed; LastError holds
	// the reason. Terminal until a fresh connect attempt is made.
	StatusError Status = "error"
)

// ServerConfig describes one external MCP server: how to launch it and
// its current connection state. Env values may be secret references
// (env:// or keyring://) resolved only at launch time.
type ServerConfig struct {
	ID         uuid.UUID         `json:"id"`
	Name       string            `json:"name"`
	ServerType string            `json:"server_type"`
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Enabled    bool              `json:"enabled"`
	Status     Status            `json:"status"`
	LastError  string            `json:"last_error,omitempty"`
}

// Tool is a tool advertised by a connected MCP server. Tool names are
// unique only within one server's catalog; cross-server collisions are
// resolved by the registry's routing policy.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	ServerID    uuid.UUID      `json:"server_id"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ServersFile is the declarative on-disk server list, following the
// conventional mcpServers layout:
//
//	{
//	  "mcpServers": {
//	    "github": {
//	      "command": "npx",
//	      "args": ["-y", "@modelcontextprotocol/server-github"],
//	      "env": {"GITHUB_TOKEN": "env://GITHUB_TOKEN"}
//	    }
//	  }
//	}
type ServersFile struct {
	MCPServers map[string]FileServer `json:"mcpServers"`
}

// FileServer is a single server entry in the servers file.
type FileServer struct {
	Command  string            `json:"command"`
	Args     []string          `json:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Disabled bool              `json:"disabled,omitempty"`
}

// LoadServersFile reads and parses a servers file. A missing file is
// not an error: it returns an empty list so a fresh install starts with
// no servers.
func LoadServersFile(path string) (*ServersFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &ServersFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read servers file: %w", err)
	}

	var sf ServersFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse servers file %s: %w", path, err)
	}
	return &sf, nil
}

// ServerConfigs converts the file entries to runtime descriptors,
// skipping disabled servers. Entries are returned in name order so
// registration order — and therefore tool routing priority — is stable
// across restarts.
func (sf *ServersFile) ServerConfigs() []*ServerConfig {
	names := make([]string, 0, len(sf.MCPServers))
	for name := range sf.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []*ServerConfig
	for _, name := range names {
		fs := sf.MCPServers[name]
		if fs.Disabled {
			continue
		}
		out = append(out, &ServerConfig{
			Name:       name,
			ServerType: "config",
			Command:    fs.Command,
			Args:       fs.Args,
			Env:        fs.Env,
			Enabled:    true,
		})
	}
	return out
}
