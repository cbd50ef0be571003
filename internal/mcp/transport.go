package mcp

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewHTTPHandler serves the tools over Streamable HTTP. Mount it at /mcp.
// Stateless disables session management; every request gets a fresh
// session against the same server.
func NewHTTPHandler(server *Server, stateless bool) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server.MCPServer()
	}, &mcp.StreamableHTTPOptions{Stateless: stateless})
}
