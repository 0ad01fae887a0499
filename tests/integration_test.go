//go:build integration

package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/openmesa/appcore/internal/config"
	"github.com/openmesa/appcore/pkg/bridge"
	"github.com/openmesa/appcore/pkg/bus"
	"github.com/openmesa/appcore/pkg/commsutil"
	"github.com/openmesa/appcore/pkg/mcp"
	"github.com/openmesa/appcore/pkg/plugin"
	"github.com/openmesa/appcore/pkg/tools"
	"github.com/openmesa/appcore/pkg/transport"
)

const integrationTestPrefix = "tests:integration_test"
const integrationNatsPort = 14241

// TestIntegration_MultiTransportSharedRegistry builds the stack from
// config the way the server process does, with the HTTP and NATS
// transports both enabled, and verifies they share one tool registry.
func TestIntegration_MultiTransportSharedRegistry(t *testing.T) {
	t.Setenv("APPCORE_SERVER_NAME", "appcore-int")
	t.Setenv("APPCORE_STDIO_ENABLED", "false")
	t.Setenv("APPCORE_HTTP_ENABLED", "true")
	t.Setenv("APPCORE_HTTP_HOST", "127.0.0.1")
	t.Setenv("APPCORE_HTTP_PORT", "13380")
	t.Setenv("APPCORE_NATS_ENABLED", "true")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Embedded NATS
	opts := &commsserver.Options{
		Host:   "127.0.0.1",
		Port:   integrationNatsPort,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := commsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("%s - failed to create NATS server: %v", integrationTestPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - NATS server failed to start", integrationTestPrefix)
	}
	defer func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	}()

	// 1. Load config and assemble the pipeline
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("%s - load config: %v", integrationTestPrefix, err)
	}
	cfg.NATSURL = ns.ClientURL()
	if err := cfg.ValidateForServe(); err != nil {
		t.Fatalf("%s - validate config: %v", integrationTestPrefix, err)
	}

	b := bus.NewBus(bus.NewBusParams{Config: bus.Config{
		DefaultPublishTimeout: cfg.PublishTimeout,
		DefaultQueryTimeout:   cfg.ToolCallTimeout,
	}})
	pluginReg, err := plugin.NewRegistry(plugin.NewRegistryParams{FrameworkVersion: cfg.ServerVersion})
	if err != nil {
		t.Fatalf("%s - plugin registry: %v", integrationTestPrefix, err)
	}
	b.UseFilter(plugin.NewFilter(pluginReg))
	b.UsePipe(bus.TracePipe{})

	toolReg := tools.NewRegistry(tools.NewRegistryParams{
		PluginGate: func(id string) bool {
			return pluginReg.Active() && pluginReg.Enabled(id)
		},
	})
	manifest := tools.DefaultManifest()
	handlers := map[string]tools.Handler{
		"echo": func(_ context.Context, input any) (*tools.Result, error) {
			raw, _ := input.(json.RawMessage)
			var args struct {
				Payload string `json:"payload"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			return tools.TextResult(args.Payload), nil
		},
		"server_info": func(context.Context, any) (*tools.Result, error) {
			data, _ := json.Marshal(map[string]string{"name": cfg.ServerName, "version": cfg.ServerVersion})
			return tools.TextResult(string(data)), nil
		},
	}
	if err := tools.Seed(toolReg, manifest, handlers); err != nil {
		t.Fatalf("%s - seed tools: %v", integrationTestPrefix, err)
	}
	br := bridge.NewBridge(bridge.NewBridgeParams{Registry: toolReg})
	if err := br.Attach(b); err != nil {
		t.Fatalf("%s - attach bridge: %v", integrationTestPrefix, err)
	}

	// 2. Start both transports, one protocol server each
	info := mcp.PeerInfo{Name: cfg.ServerName, Version: cfg.ServerVersion}

	ht := transport.NewHTTP(transport.HTTPOptions{
		Host:           cfg.HTTPHost,
		Port:           cfg.HTTPPort,
		Path:           cfg.HTTPPath,
		AllowedOrigins: cfg.HTTPAllowedOrigins,
	})
	if err := ht.Start(ctx); err != nil {
		t.Fatalf("%s - start HTTP transport: %v", integrationTestPrefix, err)
	}
	defer ht.Close()

	nt := transport.NewNATS(transport.NATSOptions{
		URL:     cfg.NATSURL,
		Subject: cfg.NATSSubject,
		Name:    cfg.NATSName,
	})
	if err := nt.Connect(); err != nil {
		t.Fatalf("%s - connect NATS transport: %v", integrationTestPrefix, err)
	}
	defer nt.Close()

	httpSrv := mcp.NewServer(mcp.NewServerParams{
		Bus: b, Registry: toolReg, Transport: ht,
		Info: info, ProtocolVersion: cfg.ProtocolVersion, CallTimeout: cfg.ToolCallTimeout,
	})
	natsSrv := mcp.NewServer(mcp.NewServerParams{
		Bus: b, Registry: toolReg, Transport: nt,
		Info: info, ProtocolVersion: cfg.ProtocolVersion, CallTimeout: cfg.ToolCallTimeout,
	})
	go httpSrv.Run(ctx)
	go natsSrv.Run(ctx)

	toolReg.OnChange(func() {
		httpSrv.NotifyToolsListChanged(ctx)
		natsSrv.NotifyToolsListChanged(ctx)
	})

	// NATS client plus helpers
	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		t.Fatalf("%s - connect client: %v", integrationTestPrefix, err)
	}
	defer nc.Close()

	natsRPC := func(id, frame string) *rpcReply {
		t.Helper()
		msg, err := nc.Request(cfg.NATSSubject, []byte(frame), 10*time.Second)
		if err != nil {
			t.Fatalf("%s - NATS request %s failed: %v", integrationTestPrefix, id, err)
		}
		var reply rpcReply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			t.Fatalf("%s - unmarshal NATS response: %v", integrationTestPrefix, err)
		}
		return &reply
	}

	session := ""
	httpRPC := func(frame string) (*http.Response, *rpcReply) {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, ht.Endpoint(), bytes.NewReader([]byte(frame)))
		if err != nil {
			t.Fatalf("%s - build HTTP request: %v", integrationTestPrefix, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Origin", "http://localhost")
		if session != "" {
			req.Header.Set("Mcp-Session-Id", session)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s - HTTP request failed: %v", integrationTestPrefix, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("%s - read HTTP body: %v", integrationTestPrefix, err)
		}
		if len(body) == 0 {
			return resp, nil
		}
		var reply rpcReply
		if err := json.Unmarshal(body, &reply); err != nil {
			t.Fatalf("%s - unmarshal HTTP response %q: %v", integrationTestPrefix, body, err)
		}
		return resp, &reply
	}

	// 3. Initialize over HTTP; the transport issues a session
	resp, reply := httpRPC(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","clientInfo":{"name":"int-http","version":"1.0.0"}}}`)
	if reply == nil || reply.Error != nil {
		t.Fatalf("%s - HTTP initialize failed: %+v", integrationTestPrefix, reply)
	}
	session = resp.Header.Get("Mcp-Session-Id")
	if session == "" {
		t.Fatalf("%s - HTTP initialize returned no session id", integrationTestPrefix)
	}

	// 4. The initialized notification is accepted with no body
	resp, reply = httpRPC(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("%s - notification status = %d, want %d", integrationTestPrefix, resp.StatusCode, http.StatusAccepted)
	}
	if reply != nil {
		t.Errorf("%s - notification reply = %+v, want empty body", integrationTestPrefix, reply)
	}

	// 5. Initialize over NATS
	if reply := natsRPC("init", `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"2025-06-18","clientInfo":{"name":"int-nats","version":"1.0.0"}}}`); reply.Error != nil {
		t.Fatalf("%s - NATS initialize failed: %+v", integrationTestPrefix, reply.Error)
	}

	// 6. Call echo on both transports
	_, reply = httpRPC(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"payload":"via http"}}}`)
	if reply == nil || reply.Error != nil {
		t.Fatalf("%s - HTTP echo failed: %+v", integrationTestPrefix, reply)
	}
	var callOut mcp.ToolsCallResult
	if err := json.Unmarshal(reply.Result, &callOut); err != nil {
		t.Fatalf("%s - HTTP echo result unmarshal: %v", integrationTestPrefix, err)
	}
	if callOut.IsError || len(callOut.Content) != 1 || callOut.Content[0].Text != "via http" {
		t.Errorf("%s - HTTP echo = %+v, want %q", integrationTestPrefix, callOut, "via http")
	}

	if reply := natsRPC("echo", `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"echo","arguments":{"payload":"via nats"}}}`); reply.Error != nil {
		t.Fatalf("%s - NATS echo failed: %+v", integrationTestPrefix, reply.Error)
	} else {
		if err := json.Unmarshal(reply.Result, &callOut); err != nil {
			t.Fatalf("%s - NATS echo result unmarshal: %v", integrationTestPrefix, err)
		}
		if callOut.IsError || len(callOut.Content) != 1 || callOut.Content[0].Text != "via nats" {
			t.Errorf("%s - NATS echo = %+v, want %q", integrationTestPrefix, callOut, "via nats")
		}
	}

	// 7. server_info reports the configured name
	_, reply = httpRPC(`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"server_info"}}`)
	if reply == nil || reply.Error != nil {
		t.Fatalf("%s - server_info failed: %+v", integrationTestPrefix, reply)
	}
	if err := json.Unmarshal(reply.Result, &callOut); err != nil {
		t.Fatalf("%s - server_info result unmarshal: %v", integrationTestPrefix, err)
	}
	if len(callOut.Content) != 1 || !bytes.Contains([]byte(callOut.Content[0].Text), []byte("appcore-int")) {
		t.Errorf("%s - server_info = %+v, want configured name", integrationTestPrefix, callOut)
	}

	// 8. Disabling a tool is visible on both transports and announced on
	// the NATS events subject. The HTTP transport has no push channel, so
	// its notification is dropped.
	eventsSub, err := nc.SubscribeSync(commsutil.BuildEventsSubject(cfg.NATSSubject))
	if err != nil {
		t.Fatalf("%s - subscribe events: %v", integrationTestPrefix, err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("%s - flush: %v", integrationTestPrefix, err)
	}

	if err := toolReg.SetEnabled("echo", false); err != nil {
		t.Fatalf("%s - disable echo: %v", integrationTestPrefix, err)
	}

	note, err := eventsSub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("%s - no list_changed notification: %v", integrationTestPrefix, err)
	}
	if !bytes.Contains(note.Data, []byte("notifications/tools/list_changed")) {
		t.Errorf("%s - notification = %s, want tools/list_changed", integrationTestPrefix, note.Data)
	}

	var listOut mcp.ToolsListResult
	_, reply = httpRPC(`{"jsonrpc":"2.0","id":6,"method":"tools/list"}`)
	if reply == nil || reply.Error != nil {
		t.Fatalf("%s - HTTP tools/list failed: %+v", integrationTestPrefix, reply)
	}
	if err := json.Unmarshal(reply.Result, &listOut); err != nil {
		t.Fatalf("%s - HTTP tools/list unmarshal: %v", integrationTestPrefix, err)
	}
	for _, d := range listOut.Tools {
		if d.Name == "echo" {
			t.Errorf("%s - HTTP tools/list still shows disabled echo", integrationTestPrefix)
		}
	}

	if reply := natsRPC("list", `{"jsonrpc":"2.0","id":7,"method":"tools/list"}`); reply.Error != nil {
		t.Fatalf("%s - NATS tools/list failed: %+v", integrationTestPrefix, reply.Error)
	} else {
		if err := json.Unmarshal(reply.Result, &listOut); err != nil {
			t.Fatalf("%s - NATS tools/list unmarshal: %v", integrationTestPrefix, err)
		}
		for _, d := range listOut.Tools {
			if d.Name == "echo" {
				t.Errorf("%s - NATS tools/list still shows disabled echo", integrationTestPrefix)
			}
		}
	}

	// 9. A request without a session is rejected by the HTTP transport
	session = ""
	resp, reply = httpRPC(`{"jsonrpc":"2.0","id":8,"method":"tools/list"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("%s - sessionless request status = %d, want %d", integrationTestPrefix, resp.StatusCode, http.StatusBadRequest)
	}
	if reply == nil || reply.Error == nil || reply.Error.Code != -32000 {
		t.Errorf("%s - sessionless request reply = %+v, want -32000", integrationTestPrefix, reply)
	}
}

// TestIntegration_HTTPPortFallback occupies the configured port and
// verifies the transport walks the fallback ladder.
func TestIntegration_HTTPPortFallback(t *testing.T) {
	ctx := context.Background()

	blocker := transport.NewHTTP(transport.HTTPOptions{Host: "127.0.0.1", Port: 13390})
	if err := blocker.Start(ctx); err != nil {
		t.Fatalf("%s - start blocker: %v", integrationTestPrefix, err)
	}
	defer blocker.Close()

	ht := transport.NewHTTP(transport.HTTPOptions{Host: "127.0.0.1", Port: 13390})
	if err := ht.Start(ctx); err != nil {
		t.Fatalf("%s - start fallback transport: %v", integrationTestPrefix, err)
	}
	defer ht.Close()

	if ht.Endpoint() == blocker.Endpoint() {
		t.Errorf("%s - fallback endpoint %s equals blocked endpoint", integrationTestPrefix, ht.Endpoint())
	}

	resp, err := http.Get(ht.Endpoint() + "/health")
	if err != nil {
		t.Fatalf("%s - health check: %v", integrationTestPrefix, err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Errorf("%s - health = %d %q, want 200 OK", integrationTestPrefix, resp.StatusCode, body)
	}
}
