// Package mcp implements MCP (Model Context Protocol) client support,
// allowing Kioku to aggregate tools from multiple external MCP servers
// behind one unified interface.
//
// MCP uses JSON-RPC 2.0, one JSON object per line, over a subprocess's
// stdin/stdout. Each [Client] owns exactly one child process and the
// session with it: handshake, tool discovery, request/response
// correlation by integer id, and lifecycle transitions. The [Registry]
// holds many clients keyed by server identity and routes tool calls by
// name across all connected servers.
//
// This implementation covers the client/host side only — serving
// Kioku's own data as MCP tools to external agents is a separate
// concern and lives elsewhere.
package mcp
