// Package mcp implements the Model Context Protocol (MCP) engine used by the
// docmesh documentation tools: the JSON-RPC wire model, a newline-framed
// stdio transport, an SSE transport, a capability-routing server, and a
// subprocess-driving client. Domain functionality (documentation crawling,
// search indexes, terminal UIs) plugs into the engine through the
// PromptServer, ResourceServer and ToolServer interfaces and is otherwise
// outside this package.
package mcp
