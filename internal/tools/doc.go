// Package tools resolves an agent's declared tools into a callable set and
// executes the calls a model makes against them. Remote MCP catalogs are
// fetched on every resolution; the generic HTTP tool is gated by a per-tool
// policy (base URL, method allow-list, approval for non-idempotent methods).
package tools
