// Package mcp exposes the tool catalog as a Model Context Protocol server.
//
// External MCP clients (Claude Desktop, other agents, test harnesses) can
// list and invoke the same tools the upstream agent uses. Calls go through
// the shared tools.Executor, so per-session FIFO ordering, call timeouts
// and fault codes are identical for both callers.
//
// The server is built on github.com/modelcontextprotocol/go-sdk and served
// with its Streamable HTTP transport:
//
//	srv, err := mcp.NewServer(executor, mcp.Options{Version: version})
//	mux.Handle("/mcp", auth.Middleware(verifier, logger)(srv))
//
// Tool results map onto MCP content: text items become TextContent, images
// become ImageContent, structured data becomes StructuredContent, and the
// fault code of a failed call is reported in the result's _meta as "code".
//
// # Integration with Claude Desktop
//
//	{
//	  "mcpServers": {
//	    "pilot": {
//	      "url": "http://localhost:8080/mcp",
//	      "headers": {"Authorization": "Bearer <token>"}
//	    }
//	  }
//	}
package mcp
