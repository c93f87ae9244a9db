// Package mcp implements MCP (Model Context Protocol) client support,
// connecting parley to external MCP servers and exposing their tools
// to the conversation loop.
//
// MCP uses JSON-RPC 2.0 over three transports: stdio (subprocess),
// streamable HTTP, and WebSocket. The client discovers tools via
// tools/list and invokes them via tools/call; the Registry aggregates
// multiple servers under namespaced tool names.
//
// This implementation covers the client/host side only — parley does
// not act as an MCP server.
package mcp
