package registry

//go:generate mockgen -destination=mocks/mock_liveclient.go -package=mocks -source=client.go LiveClient

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	brokererr "github.com/ztxtxwd/dext/pkg/errors"
	"github.com/ztxtxwd/dext/pkg/storage"
)

const connectTimeout = 30 * time.Second

// ToolInfo is one tool as reported by a LiveClient.
type ToolInfo struct {
	Name         string
	Description  string
	InputSchema  any
	OutputSchema any
}

// LiveClient owns the MCP session to one upstream server.
type LiveClient interface {
	GetTools(ctx context.Context) ([]ToolInfo, error)
	Invoke(ctx context.Context, toolName string, params map[string]any) (any, error)
	Close() error
}

// connectFunc builds a LiveClient for a ServerConfig. Swapped out in tests.
type connectFunc func(ctx context.Context, cfg storage.ServerConfig) (LiveClient, error)

// connect dispatches to the transport-specific connector implied by
// cfg.Kind, substituting ${VAR[:default]} references in env/headers from
// the broker's own process environment.
func connect(ctx context.Context, cfg storage.ServerConfig) (LiveClient, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	var c *mcpclient.Client
	var err error

	switch cfg.Kind {
	case storage.KindStdio:
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+substituteEnv(v))
		}
		c, err = mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	case storage.KindSSE:
		httpClient := &http.Client{Transport: headerRoundTripper{headers: substituteMap(cfg.Headers)}}
		c, err = mcpclient.NewSSEMCPClient(cfg.URL, mcptransport.WithHTTPClient(httpClient))
	case storage.KindHTTPStream:
		httpClient := &http.Client{Transport: headerRoundTripper{headers: substituteMap(cfg.Headers)}, Timeout: connectTimeout}
		c, err = mcpclient.NewStreamableHttpClient(cfg.URL, mcptransport.WithHTTPBasicClient(httpClient))
	default:
		return nil, brokererr.NewValidation(fmt.Sprintf("unsupported server kind %q", cfg.Kind), nil)
	}
	if err != nil {
		return nil, brokererr.NewUpstream(fmt.Sprintf("creating %s client for %q", cfg.Kind, cfg.Name), err)
	}

	if err := c.Start(context.Background()); err != nil {
		return nil, brokererr.NewUpstream(fmt.Sprintf("starting client for %q", cfg.Name), err)
	}

	if _, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "dext-broker", Version: "dev"},
		},
	}); err != nil {
		_ = c.Close()
		return nil, brokererr.NewUpstream(fmt.Sprintf("initializing %q", cfg.Name), err)
	}

	return &mcpLiveClient{client: c}, nil
}

// mcpLiveClient is the production LiveClient backed by mark3labs/mcp-go.
type mcpLiveClient struct {
	client *mcpclient.Client
}

func (c *mcpLiveClient) GetTools(ctx context.Context) ([]ToolInfo, error) {
	result, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, brokererr.NewUpstream("listing tools", err)
	}

	tools := make([]ToolInfo, len(result.Tools))
	for i, t := range result.Tools {
		tools[i] = ToolInfo{
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			OutputSchema: t.OutputSchema,
		}
	}
	return tools, nil
}

func (c *mcpLiveClient) Invoke(ctx context.Context, toolName string, params map[string]any) (any, error) {
	result, err := c.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: toolName, Arguments: params},
	})
	if err != nil {
		return nil, brokererr.NewUpstream(fmt.Sprintf("invoking %q", toolName), err)
	}
	if result.IsError {
		return nil, brokererr.NewUpstream(fmt.Sprintf("upstream tool %q returned an error", toolName), contentError(result.Content))
	}
	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}
	return result.Content, nil
}

func (c *mcpLiveClient) Close() error { return c.client.Close() }

func contentError(content []mcp.Content) error {
	for _, c := range content {
		if tc, ok := c.(mcp.TextContent); ok {
			return fmt.Errorf("%s", tc.Text)
		}
	}
	return fmt.Errorf("upstream returned an error with no text content")
}

// disconnectedClient stands in for a LiveClient that failed to connect: it
// serves an empty tool list and fails every invocation.
type disconnectedClient struct {
	cause error
}

func (d disconnectedClient) GetTools(context.Context) ([]ToolInfo, error) { return nil, nil }

func (d disconnectedClient) Invoke(context.Context, string, map[string]any) (any, error) {
	return nil, brokererr.NewUpstream("server is disconnected", d.cause)
}

func (d disconnectedClient) Close() error { return nil }

// headerRoundTripper attaches a fixed set of headers to every request.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (h headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	base := h.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// envSubstitutionPattern matches ${VAR} or ${VAR:default}.
var envSubstitutionPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:([^}]*))?\}`)

// substituteEnv resolves ${VAR[:default]} references against the broker's
// own process environment, once, at connection time.
func substituteEnv(s string) string {
	return envSubstitutionPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envSubstitutionPattern.FindStringSubmatch(match)
		name, hasDefault, def := groups[1], groups[2] != "", groups[3]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		if hasDefault {
			return def
		}
		return ""
	})
}

func substituteMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = substituteEnv(v)
	}
	return out
}
