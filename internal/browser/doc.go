// Package browser is the gateway's client for the browser automation
// backend, an MCP server reached over Streamable HTTP.
//
// A Client keeps one MCP session open and reuses it across calls. Any
// transport failure drops the session; the next call opens a fresh one.
package browser
