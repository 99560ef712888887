// Package broker exposes the retrieval/execution core to agents as two MCP
// tools over a streamable-HTTP endpoint.
package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	brokererr "github.com/ztxtxwd/dext/pkg/errors"
	"github.com/ztxtxwd/dext/pkg/retrieval"
)

// RetrieverToolName and ExecutorToolName are the two tools the broker
// presents over MCP.
const (
	RetrieverToolName = "retriever"
	ExecutorToolName  = "executor"
)

// retrieverCore is the subset of *retrieval.Engine the retriever tool needs.
type retrieverCore interface {
	Retrieve(ctx context.Context, descriptions []string, sessionID string, serverNames []string) (retrieval.Result, error)
}

// executorCore is the subset of *executor.Executor the executor tool needs.
type executorCore interface {
	Execute(ctx context.Context, toolMD5 string, params map[string]any) (any, error)
}

// Broker wires the retrieval engine and the executor into MCP tool handlers.
type Broker struct {
	retriever retrieverCore
	executor  executorCore
}

// New builds a Broker over the given core components.
func New(retriever retrieverCore, exec executorCore) *Broker {
	return &Broker{retriever: retriever, executor: exec}
}

// NewMCPServer builds a mark3labs/mcp-go server exposing the retriever and
// executor tools.
func (b *Broker) NewMCPServer(name, version string) *server.MCPServer {
	mcpServer := server.NewMCPServer(
		name,
		version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)

	mcpServer.AddTool(mcp.Tool{
		Name:        RetrieverToolName,
		Description: "Search the tool catalog by natural-language description and return the closest matching tools. Always call this before invoking any tool.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"descriptions": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "One or more natural-language descriptions of the capability being searched for",
				},
				"sessionId": map[string]any{
					"type":        "string",
					"description": "Session id from a previous retriever call, or empty to start a new session",
				},
				"serverNames": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Optional: restrict the search to these upstream server names",
				},
			},
			Required: []string{"descriptions"},
		},
	}, b.handleRetrieve)

	mcpServer.AddTool(mcp.Tool{
		Name:        ExecutorToolName,
		Description: "Invoke a tool previously surfaced by the retriever, identified by its md5 digest.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"md5": map[string]any{
					"type":        "string",
					"description": "The tool_md5 returned by a prior retriever call",
				},
				"parameters": map[string]any{
					"type":        "object",
					"description": "Arguments to pass to the upstream tool",
				},
			},
			Required: []string{"md5"},
		},
	}, b.handleExecute)

	return mcpServer
}

type retrieveArgs struct {
	Descriptions []string `json:"descriptions"`
	SessionID    string   `json:"sessionId"`
	ServerNames  []string `json:"serverNames"`
}

func (b *Broker) handleRetrieve(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args retrieveArgs
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if len(args.Descriptions) == 0 {
		return mcp.NewToolResultError("descriptions must contain at least one entry"), nil
	}

	result, err := b.retriever.Retrieve(ctx, args.Descriptions, args.SessionID, args.ServerNames)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("retrieve failed: %v", err)), nil
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshaling result failed: %v", err)), nil
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: string(payload)},
			mcp.TextContent{Type: "text", Text: fmt.Sprintf(
				"Session ID: %s. %d new tool(s), %d known tool(s) from this session's history.",
				result.SessionID, result.Summary.NewToolsCount, result.Summary.KnownToolsCount,
			)},
		},
	}, nil
}

type executeArgs struct {
	MD5        string         `json:"md5"`
	Parameters map[string]any `json:"parameters"`
}

func (b *Broker) handleExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args executeArgs
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.MD5 == "" {
		return mcp.NewToolResultError("md5 must not be empty"), nil
	}

	result, err := b.executor.Execute(ctx, args.MD5, args.Parameters)
	if err != nil {
		if brokererr.IsNotFound(err) {
			return mcp.NewToolResultError(fmt.Sprintf("no live tool matches md5 %q", args.MD5)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("execute failed: %v", err)), nil
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshaling result failed: %v", err)), nil
	}

	return mcp.NewToolResultText(string(payload)), nil
}
