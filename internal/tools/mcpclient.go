package tools

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// connectTimeout bounds the initialize and list handshake with a tool server.
const connectTimeout = 15 * time.Second

// RemoteError is a tool result an MCP server flagged as an error.
type RemoteError struct {
	Server  string
	Tool    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("tool %s on %s: %s", e.Tool, e.Server, e.Message)
}

// MCPConnection is the stdio session with one tool server subprocess.
type MCPConnection struct {
	name   string
	client *client.Client
	tools  []mcp.Tool
}

// NewMCPConnection starts the server described by cfg and performs the
// handshake. Env values of the form ${VAR} are read from the environment.
func NewMCPConnection(name string, cfg ToolServerConfig) (*MCPConnection, error) {
	c, err := client.NewStdioMCPClient(cfg.Binary, serverEnv(cfg.Env), cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("starting MCP server %s (%s): %w", name, cfg.Binary, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	init := mcp.InitializeRequest{}
	init.Params.ClientInfo = mcp.Implementation{Name: "lotse", Version: "0.1.0"}
	if _, err := c.Initialize(ctx, init); err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing MCP server %s: %w", name, err)
	}

	result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("listing tools from %s: %w", name, err)
	}
	return &MCPConnection{name: name, client: c, tools: result.Tools}, nil
}

func serverEnv(extra map[string]string) []string {
	env := append([]string(nil), os.Environ()...)
	for k, v := range extra {
		if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
			v = os.Getenv(v[2 : len(v)-1])
		}
		env = append(env, k+"="+v)
	}
	return env
}

// Descriptors converts the server's tools into registry descriptors whose
// handlers forward to this connection. MCP servers describe their tools in
// a single language.
func (mc *MCPConnection) Descriptors(lang string) []Descriptor {
	if lang == "" {
		lang = DefaultLanguage
	}
	descs := make([]Descriptor, 0, len(mc.tools))
	for _, t := range mc.tools {
		schema := map[string]any{"type": t.InputSchema.Type}
		if t.InputSchema.Properties != nil {
			schema["properties"] = t.InputSchema.Properties
		}
		if len(t.InputSchema.Required) > 0 {
			schema["required"] = t.InputSchema.Required
		}

		title := t.Annotations.Title
		if title == "" {
			title = t.Name
		}
		toolName := t.Name
		descs = append(descs, Descriptor{
			Name: toolName,
			Locales: map[string]Localized{
				lang: {Title: title, Summary: t.Description, Instructions: t.Description},
			},
			InputSchema: schema,
			Handler: func(ctx context.Context, args map[string]any, _ Emitter) (string, error) {
				return mc.CallTool(ctx, toolName, args)
			},
		})
	}
	return descs
}

// CallTool invokes a tool on this server and joins its text content.
// A result flagged as error comes back as *RemoteError.
func (mc *MCPConnection) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := mc.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("calling tool %s on %s: %w", name, mc.name, err)
	}

	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if result.IsError {
		return "", &RemoteError{Server: mc.name, Tool: name, Message: text}
	}
	return text, nil
}

// Close shuts down the server subprocess.
func (mc *MCPConnection) Close() {
	mc.client.Close()
}
