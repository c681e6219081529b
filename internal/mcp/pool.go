package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/lumenchat/lumen/internal/llm"
)

// Pool opens tool server connections for the duration of one request.
// Connections are never shared across requests: Acquire opens them, the
// returned Lease owns them, Release closes them.
type Pool struct {
	logger *slog.Logger
	impl   *mcp.Implementation
}

func NewPool(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		logger: logger.With("component", "mcp"),
		impl:   &mcp.Implementation{Name: "lumen", Version: "1.0.0"},
	}
}

// Lease holds the connections opened for one request. Release is idempotent
// and safe to defer on every exit path.
type Lease struct {
	tools []llm.Tool
	conns []*serverConn

	releaseOnce sync.Once
	logger      *slog.Logger
}

// Tools returns the callable tools exposed by the connected servers, with
// names prefixed as server__tool.
func (l *Lease) Tools() []llm.Tool {
	return l.tools
}

// Register adds every leased tool to the registry.
func (l *Lease) Register(registry *llm.ToolRegistry) {
	for _, tool := range l.tools {
		registry.Register(tool)
	}
}

// Release closes every opened connection. Calling it more than once is a
// no-op.
func (l *Lease) Release() {
	l.releaseOnce.Do(func() {
		for _, conn := range l.conns {
			if err := conn.session.Close(); err != nil {
				l.logger.Warn("closing tool server", "server", conn.name, "error", err)
			}
		}
	})
}

type serverConn struct {
	name    string
	session *mcp.ClientSession
}

// Acquire connects to each descriptor concurrently and returns a Lease over
// the successful connections. A server that fails to connect is dropped with
// a warning; an empty tool set is a valid outcome. Acquire errors only when
// a descriptor is malformed or the context is cancelled, and in both cases
// every connection opened so far is closed before returning.
func (p *Pool) Acquire(ctx context.Context, descriptors []Descriptor) (*Lease, error) {
	for i := range descriptors {
		if err := descriptors[i].Validate(); err != nil {
			return nil, fmt.Errorf("invalid tool server descriptor: %w", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type connResult struct {
		conn  *serverConn
		tools []llm.Tool
		err   error
		name  string
	}

	results := make([]connResult, len(descriptors))
	var wg sync.WaitGroup
	for i := range descriptors {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			desc := descriptors[idx]
			conn, tools, err := p.connect(ctx, desc)
			results[idx] = connResult{conn: conn, tools: tools, err: err, name: desc.Name}
		}(i)
	}
	wg.Wait()

	lease := &Lease{logger: p.logger}
	for _, r := range results {
		if r.err != nil {
			p.logger.Warn("tool server unavailable", "server", r.name, "error", r.err)
			continue
		}
		lease.conns = append(lease.conns, r.conn)
		lease.tools = append(lease.tools, r.tools...)
	}

	// Cancellation during connect must not leak the connections that did
	// come up.
	if err := ctx.Err(); err != nil {
		lease.Release()
		return nil, err
	}

	return lease, nil
}

func (p *Pool) connect(ctx context.Context, desc Descriptor) (*serverConn, []llm.Tool, error) {
	client := mcp.NewClient(p.impl, nil)
	session, err := client.Connect(ctx, desc.newTransport(ctx), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}

	listed, err := session.ListTools(ctx, nil)
	if err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("list tools: %w", err)
	}

	conn := &serverConn{name: desc.Name, session: session}
	tools := make([]llm.Tool, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		schema := make(map[string]any)
		if t.InputSchema != nil {
			if m, ok := t.InputSchema.(map[string]any); ok {
				schema = m
			}
		}
		tools = append(tools, &serverTool{
			session:     session,
			server:      desc.Name,
			name:        t.Name,
			description: t.Description,
			schema:      schema,
		})
	}
	return conn, tools, nil
}

// serverTool exposes one remote tool as an llm.Tool. The advertised name is
// prefixed with the server name to keep tools from different servers from
// colliding.
type serverTool struct {
	session     *mcp.ClientSession
	server      string
	name        string
	description string
	schema      map[string]any
}

func (t *serverTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        fmt.Sprintf("%s__%s", t.server, t.name),
		Description: fmt.Sprintf("[%s] %s", t.server, t.description),
		Schema:      t.schema,
	}
}

func (t *serverTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", fmt.Errorf("invalid tool arguments: %w", err)
		}
	}

	result, err := t.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      t.name,
		Arguments: arguments,
	})
	if err != nil {
		return "", fmt.Errorf("call tool %s: %w", t.name, err)
	}

	if result.IsError {
		return "", fmt.Errorf("tool %s returned error: %s", t.name, formatContent(result.Content))
	}

	return formatContent(result.Content), nil
}

// formatContent converts MCP content to a string.
func formatContent(content []mcp.Content) string {
	var result string
	for _, c := range content {
		switch v := c.(type) {
		case *mcp.TextContent:
			result += v.Text
		default:
			if data, err := json.Marshal(c); err == nil {
				result += string(data)
			}
		}
	}
	return result
}
