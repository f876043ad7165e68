// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package tools

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/maruel/pichat/internal"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewMCPServer exposes the registry's tools as MCP tools. Results are
// returned as text content, so MCPCaller gets back exactly what Invoke
// produced.
func NewMCPServer(r *Registry, version string) *sdkmcp.Server {
	s := sdkmcp.NewServer(&sdkmcp.Implementation{Name: "pichat-tools", Version: version}, nil)
	type noArgs struct{}
	for _, d := range r.defs {
		name := d.Name
		sdkmcp.AddTool(s, &sdkmcp.Tool{Name: name, Description: d.Description},
			func(ctx context.Context, req *sdkmcp.CallToolRequest, _ noArgs) (*sdkmcp.CallToolResult, any, error) {
				return &sdkmcp.CallToolResult{
					Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: r.Invoke(ctx, name)}},
				}, nil, nil
			})
	}
	return s
}

// MCPHandler serves s over the streamable HTTP transport.
func MCPHandler(s *sdkmcp.Server) http.Handler {
	return sdkmcp.NewStreamableHTTPHandler(func(*http.Request) *sdkmcp.Server { return s }, nil)
}

// HTTPHandler serves the registry with the protocol spoken by HTTPCaller.
//
// Unknown tools are reported with a 404 so the caller does not mistake the
// error payload for a result.
func HTTPHandler(r *Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		in := toolRequest{}
		if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<16)).Decode(&in); err != nil {
			http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, ok := r.Lookup(in.Name); !ok {
			internal.Logger(req.Context()).Info("tools", "unknown", in.Name)
			w.WriteHeader(http.StatusNotFound)
		}
		_, _ = w.Write([]byte(r.Invoke(req.Context(), in.Name)))
	})
}
