// Package mcpsource exposes the tools of Model Context Protocol servers as
// [tools.Registry] handlers.
//
// Each server tool is registered under the key "mcp:<server>/<tool>", which a
// package service names as its function:
//
//	services:
//	  - name: find_customer
//	    function: mcp:crm/find_customer
//
// Servers are reached over stdio (a spawned subprocess) or streamable HTTP
// using the official MCP Go SDK (github.com/modelcontextprotocol/go-sdk).
package mcpsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/hexenseai/hex-platform/internal/observe"
	"github.com/hexenseai/hex-platform/internal/tools"
	"github.com/hexenseai/hex-platform/pkg/types"
)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and talks over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP uses the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one MCP server.
type ServerConfig struct {
	// Name must be unique within a Source. It is part of every handler key.
	Name string `yaml:"name"`

	Transport Transport `yaml:"transport"`

	// Command is the executable and its arguments for stdio servers.
	Command string `yaml:"command"`

	// URL is the endpoint of streamable-http servers.
	URL string `yaml:"url"`

	// Env is added to the environment of stdio servers.
	Env map[string]string `yaml:"env"`
}

// Key returns the registry key of tool on server.
func Key(server, tool string) string {
	return "mcp:" + server + "/" + tool
}

type server struct {
	session *mcpsdk.ClientSession
	tools   []types.ToolDefinition
}

// Source connects to MCP servers and keeps their tools registered in a
// registry. It is safe for concurrent use.
type Source struct {
	registry *tools.Registry
	client   *mcpsdk.Client

	mu      sync.Mutex
	servers map[string]*server
}

// New returns a Source registering into reg.
func New(reg *tools.Registry) *Source {
	return &Source{
		registry: reg,
		client:   mcpsdk.NewClient(&mcpsdk.Implementation{Name: "hex-platform", Version: "1.0.0"}, nil),
		servers:  make(map[string]*server),
	}
}

// ConnectAll connects to every server concurrently. It fails if any server
// fails; servers that did connect stay registered.
func (s *Source) ConnectAll(ctx context.Context, cfgs []ServerConfig) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, cfg := range cfgs {
		g.Go(func() error { return s.Register(gctx, cfg) })
	}
	return g.Wait()
}

// Register connects to the server described by cfg and registers its tools.
// A server already registered under the same name is replaced.
func (s *Source) Register(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcpsource: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcpsource: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		fields := strings.Fields(cfg.Command)
		if len(fields) == 0 {
			return fmt.Errorf("mcpsource: stdio server %q requires a command", cfg.Name)
		}
		// The subprocess lives as long as the session, not as long as ctx.
		cmd := exec.Command(fields[0], fields[1:]...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for _, k := range slices.Sorted(maps.Keys(cfg.Env)) {
				cmd.Env = append(cmd.Env, k+"="+cfg.Env[k])
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcpsource: streamable-http server %q requires a URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}
	return s.Connect(ctx, cfg.Name, transport)
}

// Connect opens a session to the server named name over transport and
// registers its tools.
func (s *Source) Connect(ctx context.Context, name string, transport mcpsdk.Transport) error {
	session, err := s.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcpsource: connect %q: %w", name, err)
	}

	var defs []types.ToolDefinition
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcpsource: list tools of %q: %w", name, err)
		}
		defs = append(defs, types.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaToMap(tool.InputSchema),
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.servers[name]; ok {
		s.unregister(name, old)
		_ = old.session.Close()
	}
	s.servers[name] = &server{session: session, tools: defs}
	for _, def := range defs {
		if err := s.registry.Register(Key(name, def.Name), s.handler(session, def.Name)); err != nil {
			return fmt.Errorf("mcpsource: register %q: %w", def.Name, err)
		}
	}
	observe.Logger(ctx).Info("mcpsource: server connected", "server", name, "tools", len(defs))
	return nil
}

// Tools returns the tool definitions of the server called name, keyed by
// registry key.
func (s *Source) Tools(name string) map[string]types.ToolDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[name]
	if !ok {
		return nil
	}
	out := make(map[string]types.ToolDefinition, len(srv.tools))
	for _, def := range srv.tools {
		out[Key(name, def.Name)] = def
	}
	return out
}

// Close unregisters every tool and closes all sessions.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for name, srv := range s.servers {
		s.unregister(name, srv)
		if err := srv.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcpsource: close %q: %w", name, err)
		}
		delete(s.servers, name)
	}
	return firstErr
}

func (s *Source) unregister(name string, srv *server) {
	for _, def := range srv.tools {
		s.registry.Unregister(Key(name, def.Name))
	}
}

func (s *Source) handler(session *mcpsdk.ClientSession, tool string) tools.Handler {
	return tools.HandlerFunc(func(ctx context.Context, call tools.Call) (any, error) {
		res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: tool, Arguments: call.Args})
		if err != nil {
			return nil, fmt.Errorf("call %q: %w", tool, err)
		}
		var sb strings.Builder
		for _, c := range res.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if res.IsError {
			return nil, errors.New(sb.String())
		}
		return sb.String(), nil
	})
}

// schemaToMap converts an SDK schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	fallback := map[string]any{"type": "object"}
	if schema == nil {
		return fallback
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return fallback
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return fallback
	}
	return m
}
