package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Transport selects how an MCP server is reached.
type Transport string

const (
	// TransportStdio spawns a subprocess and speaks over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP uses the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes an MCP server whose tools are exposed as functions.
type ServerConfig struct {
	Name      string
	Transport Transport

	// Command is the executable and its arguments, split on whitespace.
	// Required for stdio.
	Command string

	// Env is added to the subprocess environment. stdio only.
	Env map[string]string

	// URL is the endpoint address. Required for streamable-http.
	URL string

	// Token is sent as a Bearer token. streamable-http only.
	Token string
}

// ImportMCPServer connects to an MCP server, lists its tools and registers
// each one as a function. Tools previously imported from a server with the
// same name are replaced. It returns the number of functions registered.
//
// A tool whose input schema cannot be compiled is still registered, without
// argument validation.
func (r *Registry) ImportMCPServer(ctx context.Context, cfg ServerConfig) (int, error) {
	if cfg.Name == "" {
		return 0, fmt.Errorf("tools: mcp server must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return 0, fmt.Errorf("tools: unknown transport %q for mcp server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return 0, fmt.Errorf("tools: stdio mcp server %q requires a command", cfg.Name)
		}
		cmd := exec.Command(executable, args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return 0, fmt.Errorf("tools: streamable-http mcp server %q requires a URL", cfg.Name)
		}
		st := &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
		if cfg.Token != "" {
			st.HTTPClient = &http.Client{Transport: &bearerTransport{token: cfg.Token, base: http.DefaultTransport}}
		}
		transport = st
	}

	session, err := r.client.Connect(ctx, transport, nil)
	if err != nil {
		return 0, fmt.Errorf("tools: connect mcp server %q: %w", cfg.Name, err)
	}

	var discovered []*mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return 0, fmt.Errorf("tools: list tools of mcp server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, tool)
	}

	r.mu.Lock()
	if old, ok := r.servers[cfg.Name]; ok {
		_ = old.Close()
		source := "mcp:" + cfg.Name
		kept := r.order[:0]
		for _, name := range r.order {
			if r.fns[name].source == source {
				delete(r.fns, name)
				continue
			}
			kept = append(kept, name)
		}
		r.order = kept
	}
	r.servers[cfg.Name] = session
	r.mu.Unlock()

	for _, t := range discovered {
		params := schemaToMap(t.InputSchema)
		schema, err := compileSchema(t.Name, params)
		if err != nil {
			slog.Warn("tools: mcp tool schema not compiled, arguments will not be validated",
				"server", cfg.Name, "tool", t.Name, "err", err)
			schema = nil
		}
		r.add(Function{
			Definition: Definition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
			Handler: mcpHandler(session, t.Name),
		}, schema, "mcp:"+cfg.Name)
	}

	slog.Info("tools: imported mcp server", "server", cfg.Name, "functions", len(discovered))
	return len(discovered), nil
}

// mcpHandler forwards an invocation to an MCP session and concatenates the
// text content of the result.
func mcpHandler(session *mcpsdk.ClientSession, name string) Handler {
	return func(ctx context.Context, args json.RawMessage) (string, error) {
		var argsMap map[string]any
		if err := json.Unmarshal(args, &argsMap); err != nil {
			return "", fmt.Errorf("decode arguments: %w", err)
		}
		res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      name,
			Arguments: argsMap,
		})
		if err != nil {
			return "", fmt.Errorf("mcp call: %w", err)
		}

		var sb strings.Builder
		for _, c := range res.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if res.IsError {
			return "", fmt.Errorf("mcp tool error: %s", sb.String())
		}
		return sb.String(), nil
	}
}

func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits "/bin/foo --bar baz" into ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

// bearerTransport adds an Authorization header to every request.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}
