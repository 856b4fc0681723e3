// Package gateway adapts upstream MCP servers into the sandbox's tool
// catalog and invoker. It connects to each configured server, performs the
// initialization handshake, discovers tools, and dispatches bridged tool
// calls back over the same connections.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/ngome/internal/catalog"
)

// Upstream describes one MCP server connection.
type Upstream struct {
	Name      string            `json:"name" yaml:"name"`
	Transport string            `json:"transport" yaml:"transport"` // "stdio", "sse", "streamable_http"
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// target is one dispatchable tool: either an upstream connection or a
// canned local result.
type target struct {
	client       mcpclient.MCPClient
	originalName string
	canned       map[string]any
}

// Connector owns upstream MCP connections and the merged tool catalog.
type Connector struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients []mcpclient.MCPClient
	tools   []catalog.Tool
	targets map[string]target // by gateway tool name
}

// NewConnector creates an empty connector.
func NewConnector(logger *slog.Logger) *Connector {
	return &Connector{logger: logger, targets: make(map[string]target)}
}

// Connect dials one upstream, runs the handshake, and merges its tools
// into the catalog under "<server>-<tool>" gateway names.
func (c *Connector) Connect(ctx context.Context, up Upstream) error {
	cl, err := c.createClient(up)
	if err != nil {
		return fmt.Errorf("creating MCP client for %q: %w", up.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "ngome", Version: "0.0.1"}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := cl.Initialize(ctx, initReq); err != nil {
		return fmt.Errorf("MCP initialize for %q: %w", up.Name, err)
	}

	listResp, err := cl.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("MCP list tools for %q: %w", up.Name, err)
	}

	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients = append(c.clients, cl)
	for _, t := range listResp.Tools {
		gatewayName := up.Name + "-" + t.Name
		c.tools = append(c.tools, catalog.Tool{
			ID:           gatewayName,
			Name:         gatewayName,
			OriginalName: t.Name,
			Description:  t.Description,
			Provider:     up.Name,
			InputSchema:  convertInputSchema(t.InputSchema),
			Enabled:      true,
			Reachable:    true,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		c.targets[gatewayName] = target{client: cl, originalName: t.Name}
	}

	c.logger.Info("upstream connected",
		slog.String("server", up.Name),
		slog.String("transport", up.Transport),
		slog.Int("tools", len(listResp.Tools)),
	)
	return nil
}

// AddStatic registers catalog-only tools, typically from a catalog file.
// A tool with a canned result is invokable offline; others reject calls.
func (c *Connector) AddStatic(tools []ToolSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, spec := range tools {
		c.tools = append(c.tools, spec.tool())
		c.targets[spec.Name] = target{canned: spec.Result}
	}
}

// ListTools implements catalog.ToolCatalog. The merged catalog is shared
// across deployments; mount rules narrow it per deployment.
func (c *Connector) ListTools(context.Context, string) ([]catalog.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]catalog.Tool(nil), c.tools...), nil
}

// Invoke implements catalog.Invoker, dispatching by gateway tool name.
func (c *Connector) Invoke(ctx context.Context, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	c.mu.Lock()
	tgt, ok := c.targets[toolName]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("tool %q has no upstream", toolName)
	}

	if tgt.client == nil {
		if tgt.canned == nil {
			return nil, fmt.Errorf("tool %q has no upstream", toolName)
		}
		return &mcp.CallToolResult{StructuredContent: tgt.canned}, nil
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = tgt.originalName
	callReq.Params.Arguments = args
	res, err := tgt.client.CallTool(ctx, callReq)
	if err != nil {
		return nil, fmt.Errorf("upstream call to %s failed: %w", toolName, err)
	}
	return res, nil
}

// Close shuts down all upstream connections.
func (c *Connector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cl := range c.clients {
		if err := cl.Close(); err != nil {
			c.logger.Error("closing MCP client", slog.String("error", err.Error()))
		}
	}
	c.clients = nil
}

func (c *Connector) createClient(up Upstream) (*mcpclient.Client, error) {
	switch up.Transport {
	case "stdio", "":
		return mcpclient.NewStdioMCPClient(up.Command, expandEnvList(up.Env), up.Args...)
	case "sse":
		var opts []transport.ClientOption
		if len(up.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(expandEnvValues(up.Headers)))
		}
		return mcpclient.NewSSEMCPClient(up.URL, opts...)
	case "streamable_http":
		var opts []transport.StreamableHTTPCOption
		if len(up.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(expandEnvValues(up.Headers)))
		}
		return mcpclient.NewStreamableHttpClient(up.URL, opts...)
	default:
		return nil, fmt.Errorf("unsupported transport: %s", up.Transport)
	}
}

func convertInputSchema(schema mcp.ToolInputSchema) map[string]any {
	result := map[string]any{"type": schema.Type}
	if schema.Properties != nil {
		result["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		req := make([]any, len(schema.Required))
		for i, r := range schema.Required {
			req[i] = r
		}
		result["required"] = req
	}
	return result
}

func expandEnvList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	return env
}

func expandEnvValues(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}
