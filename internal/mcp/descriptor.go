package mcp

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/lumenchat/lumen/internal/config"
)

// Descriptor identifies one tool server for the duration of a single
// request. Command/Args selects the stdio transport, URL the streamable
// HTTP transport.
type Descriptor struct {
	Name    string            `json:"name"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// transport overrides the derived transport, for in-memory test wiring.
	transport mcp.Transport
}

// DescriptorFromConfig converts a configured server entry to a Descriptor.
func DescriptorFromConfig(name string, cfg config.MCPServerConfig) Descriptor {
	return Descriptor{
		Name:    name,
		Command: cfg.Command,
		Args:    cfg.Args,
		URL:     cfg.URL,
		Headers: cfg.Headers,
		Env:     cfg.Env,
	}
}

// Validate checks that the descriptor names a server and selects exactly one
// transport.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("descriptor missing name")
	}
	if d.transport != nil {
		return nil
	}
	if d.Command != "" && d.URL != "" {
		return fmt.Errorf("server %s: cannot specify both command and url", d.Name)
	}
	if d.Command == "" && d.URL == "" {
		return fmt.Errorf("server %s: either command or url is required", d.Name)
	}
	return nil
}

// newTransport builds the SDK transport for this descriptor.
func (d *Descriptor) newTransport(ctx context.Context) mcp.Transport {
	if d.transport != nil {
		return d.transport
	}
	if d.URL != "" {
		return d.createHTTPTransport()
	}
	return d.createStdioTransport(ctx)
}

func (d *Descriptor) createStdioTransport(ctx context.Context) mcp.Transport {
	cmd := exec.CommandContext(ctx, d.Command, d.Args...)
	if len(d.Env) > 0 {
		// Inherit the parent environment; appended entries win in exec.Cmd.
		cmd.Env = os.Environ()
		for k, v := range d.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}
	return &mcp.CommandTransport{Command: cmd}
}

func (d *Descriptor) createHTTPTransport() mcp.Transport {
	client := &http.Client{Timeout: 5 * time.Minute}
	if len(d.Headers) > 0 {
		client.Transport = &headerRoundTripper{headers: d.Headers, base: http.DefaultTransport}
	}
	return &mcp.StreamableClientTransport{Endpoint: d.URL, HTTPClient: client}
}

// headerRoundTripper attaches fixed headers to every outbound request.
type headerRoundTripper struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		if v != "" {
			clone.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(clone)
}
