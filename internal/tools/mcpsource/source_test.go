package mcpsource_test

import (
	"context"
	"strings"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hexenseai/hex-platform/internal/tools"
	"github.com/hexenseai/hex-platform/internal/tools/mcpsource"
)

type lookupIn struct {
	Customer string `json:"customer" jsonschema:"customer name"`
}

func startServer(t *testing.T) mcpsdk.Transport {
	t.Helper()
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "crm", Version: "v0.0.1"}, nil)
	mcpsdk.AddTool(server, &mcpsdk.Tool{Name: "find_customer", Description: "Look up a customer."},
		func(_ context.Context, _ *mcpsdk.CallToolRequest, in lookupIn) (*mcpsdk.CallToolResult, any, error) {
			if in.Customer == "" {
				return &mcpsdk.CallToolResult{
					IsError: true,
					Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "customer is required"}},
				}, nil, nil
			}
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: `{"tier":"gold"}`}},
			}, nil, nil
		})

	clientT, serverT := mcpsdk.NewInMemoryTransports()
	session, err := server.Connect(context.Background(), serverT, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return clientT
}

func TestSource_RegistersServerTools(t *testing.T) {
	t.Parallel()

	reg := tools.NewRegistry()
	src := mcpsource.New(reg)
	ctx := context.Background()

	if err := src.Connect(ctx, "crm", startServer(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	key := mcpsource.Key("crm", "find_customer")
	defs := src.Tools("crm")
	if def, ok := defs[key]; !ok || def.Description != "Look up a customer." {
		t.Fatalf("Tools = %+v", defs)
	}

	res, err := reg.Invoke(ctx, tools.Call{Function: key, Service: "find_customer", Args: map[string]any{"customer": "ACME"}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := tools.Encode(res, nil); got != `{"tier":"gold"}` {
		t.Errorf("result = %s", got)
	}

	_, err = reg.Invoke(ctx, tools.Call{Function: key, Service: "find_customer", Args: map[string]any{}})
	if err == nil {
		t.Error("tool-level error not reported")
	}

	if err := src.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if _, ok := reg.Lookup(key); ok {
		t.Error("tool still registered after Close")
	}
}

func TestSource_RegisterValidation(t *testing.T) {
	t.Parallel()

	src := mcpsource.New(tools.NewRegistry())
	ctx := context.Background()
	tests := []struct {
		cfg  mcpsource.ServerConfig
		want string
	}{
		{mcpsource.ServerConfig{Transport: mcpsource.TransportStdio, Command: "x"}, "non-empty name"},
		{mcpsource.ServerConfig{Name: "a", Transport: "sse"}, "unknown transport"},
		{mcpsource.ServerConfig{Name: "a", Transport: mcpsource.TransportStdio}, "requires a command"},
		{mcpsource.ServerConfig{Name: "a", Transport: mcpsource.TransportStreamableHTTP}, "requires a URL"},
	}
	for _, tc := range tests {
		err := src.Register(ctx, tc.cfg)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("Register(%+v) = %v, want %q", tc.cfg, err, tc.want)
		}
	}

	err := src.ConnectAll(ctx, []mcpsource.ServerConfig{{Name: "a", Transport: "sse"}})
	if err == nil || !strings.Contains(err.Error(), "unknown transport") {
		t.Errorf("ConnectAll = %v", err)
	}
}
