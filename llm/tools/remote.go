// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/maruel/httpjson"
	"github.com/maruel/pichat/internal"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Caller invokes a tool by name on a tool server.
type Caller interface {
	Call(ctx context.Context, name string) (json.RawMessage, error)
}

// Remote returns a Tool that forwards to c.
func Remote(c Caller, d Definition) Tool {
	return Tool{
		Definition: d,
		Call: func(ctx context.Context) string {
			out, err := c.Call(ctx, d.Name)
			if err != nil {
				internal.Logger(ctx).Error("tools", "name", d.Name, "err", err)
				return ErrorResult("could not run "+d.Name, err)
			}
			return string(out)
		},
	}
}

// HTTPCaller calls a tool server accepting {"name": ..., "arguments": {}}.
type HTTPCaller struct {
	URL string
}

type toolRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Call implements Caller.
func (h *HTTPCaller) Call(ctx context.Context, name string) (json.RawMessage, error) {
	resp, err := httpjson.DefaultClient.PostRequest(ctx, h.URL, nil, &toolRequest{Name: name, Arguments: map[string]any{}})
	if err != nil {
		return nil, fmt.Errorf("failed to get tool server response: %w", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read tool server response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool server error: %d %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("tool server returned invalid JSON %q", b)
	}
	return b, nil
}

// MCPCaller calls tools on an MCP server over the streamable HTTP transport.
type MCPCaller struct {
	session *sdkmcp.ClientSession
}

// DialMCP connects to the MCP server at endpoint and performs the
// initialization handshake.
func DialMCP(ctx context.Context, endpoint, version string) (*MCPCaller, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("mcp: endpoint cannot be empty")
	}
	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "pichat", Version: version}, nil)
	session, err := client.Connect(ctx, &sdkmcp.StreamableClientTransport{Endpoint: endpoint}, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp: connect failed: %w", err)
	}
	return &MCPCaller{session: session}, nil
}

// Call implements Caller.
func (m *MCPCaller) Call(ctx context.Context, name string) (json.RawMessage, error) {
	res, err := m.session.CallTool(ctx, &sdkmcp.CallToolParams{Name: name, Arguments: map[string]any{}})
	if err != nil {
		return nil, fmt.Errorf("mcp: call %s: %w", name, err)
	}
	text := normalizeContent(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool returned error without message"
		}
		return nil, fmt.Errorf("mcp tool %s: %s", name, text)
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	return json.Marshal(map[string]string{"result": text})
}

// Close closes the MCP session.
func (m *MCPCaller) Close() error {
	return m.session.Close()
}

func normalizeContent(content []sdkmcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		switch v := c.(type) {
		case *sdkmcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := c.MarshalJSON(); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
