// Command lotse-tool-weather is an example MCP tool server reporting the
// current weather for a location.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func main() {
	s := server.NewMCPServer("lotse-tool-weather", "0.1.0")

	s.AddTool(mcp.Tool{
		Name:        "weather",
		Description: "Get the current weather for a location. Use this whenever the user asks about the weather somewhere.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"location": map[string]any{
					"type":        "string",
					"description": "City or place name, for example SF",
				},
			},
			Required: []string{"location"},
		},
	}, handleWeather)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
	}
}

func handleWeather(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	location, _ := args["location"].(string)
	if strings.TrimSpace(location) == "" {
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "error: 'location' argument must be a non-empty string"}},
			IsError: true,
		}, nil
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: report(location)}},
	}, nil
}

func report(location string) string {
	switch strings.ToLower(strings.TrimSpace(location)) {
	case "sf", "san francisco":
		return "It's 60 degrees and foggy."
	default:
		return "It's 90 degrees and sunny."
	}
}
