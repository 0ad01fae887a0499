package server

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/openmesa/appcore/internal/config"
	"github.com/openmesa/appcore/pkg/bridge"
	"github.com/openmesa/appcore/pkg/bus"
	"github.com/openmesa/appcore/pkg/plugin"
	"github.com/openmesa/appcore/pkg/tools"
)

const serverTestPrefix = "server:server_test"

func testConfig() *config.Config {
	return &config.Config{
		ServerName:      "appcore-test",
		ServerVersion:   "9.9.9",
		ProtocolVersion: "2025-06-18",
		StdioEnabled:    true,
		NATSEnabled:     true,
	}
}

func firstText(t *testing.T, res *tools.Result) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatalf("%s - result has no content: %+v", serverTestPrefix, res)
	}
	return res.Content[0].Text
}

func TestBuiltinHandlersCoverDefaultManifest(t *testing.T) {
	handlers := builtinToolHandlers(testConfig(), time.Now())
	for _, mt := range tools.DefaultManifest().Tools {
		if _, ok := handlers[mt.Name]; !ok {
			t.Errorf("%s - built-in tool %q has no handler", serverTestPrefix, mt.Name)
		}
	}
}

func TestEchoHandler(t *testing.T) {
	h := echoHandler()

	res, err := h(context.Background(), json.RawMessage(`{"payload":"hello"}`))
	if err != nil {
		t.Fatalf("%s - echo failed: %v", serverTestPrefix, err)
	}
	if got := firstText(t, res); got != "hello" {
		t.Errorf("%s - echo text = %q, want %q", serverTestPrefix, got, "hello")
	}

	if _, err := h(context.Background(), json.RawMessage(`{`)); err == nil {
		t.Errorf("%s - malformed arguments should fail", serverTestPrefix)
	}
}

func TestServerInfoHandler(t *testing.T) {
	started := time.Now().Add(-90 * time.Second)
	h := serverInfoHandler(testConfig(), started)

	res, err := h(context.Background(), nil)
	if err != nil {
		t.Fatalf("%s - server_info failed: %v", serverTestPrefix, err)
	}

	var info struct {
		Name            string   `json:"name"`
		Version         string   `json:"version"`
		ProtocolVersion string   `json:"protocolVersion"`
		StartedAt       string   `json:"startedAt"`
		Uptime          string   `json:"uptime"`
		Transports      []string `json:"transports"`
	}
	if err := json.Unmarshal([]byte(firstText(t, res)), &info); err != nil {
		t.Fatalf("%s - server_info is not valid JSON: %v", serverTestPrefix, err)
	}
	if info.Name != "appcore-test" || info.Version != "9.9.9" {
		t.Errorf("%s - server_info identity = %s %s, want appcore-test 9.9.9", serverTestPrefix, info.Name, info.Version)
	}
	if info.ProtocolVersion != "2025-06-18" {
		t.Errorf("%s - protocolVersion = %q, want %q", serverTestPrefix, info.ProtocolVersion, "2025-06-18")
	}
	if _, err := time.Parse(time.RFC3339, info.StartedAt); err != nil {
		t.Errorf("%s - startedAt %q is not RFC3339: %v", serverTestPrefix, info.StartedAt, err)
	}
	if !strings.Contains(info.Uptime, "m") && !strings.Contains(info.Uptime, "s") {
		t.Errorf("%s - uptime %q looks wrong", serverTestPrefix, info.Uptime)
	}
	want := []string{"stdio", "nats"}
	if len(info.Transports) != len(want) {
		t.Fatalf("%s - transports = %v, want %v", serverTestPrefix, info.Transports, want)
	}
	for i, name := range want {
		if info.Transports[i] != name {
			t.Errorf("%s - transports[%d] = %q, want %q", serverTestPrefix, i, info.Transports[i], name)
		}
	}
}

// TestToolPipeline wires the bus, plugin gate, tool registry, and bridge the
// way Run does and drives a call end to end.
func TestToolPipeline(t *testing.T) {
	cfg := testConfig()

	b := bus.NewBus(bus.NewBusParams{})
	pluginReg, err := plugin.NewRegistry(plugin.NewRegistryParams{FrameworkVersion: cfg.ServerVersion})
	if err != nil {
		t.Fatalf("%s - plugin registry: %v", serverTestPrefix, err)
	}
	b.UseFilter(plugin.NewFilter(pluginReg))

	toolReg := tools.NewRegistry(tools.NewRegistryParams{
		PluginGate: func(id string) bool {
			return pluginReg.Active() && pluginReg.Enabled(id)
		},
	})
	manifest := tools.DefaultManifest()
	if err := tools.Seed(toolReg, manifest, builtinToolHandlers(cfg, time.Now())); err != nil {
		t.Fatalf("%s - seed: %v", serverTestPrefix, err)
	}

	br := bridge.NewBridge(bridge.NewBridgeParams{Registry: toolReg})
	if err := br.Attach(b); err != nil {
		t.Fatalf("%s - attach: %v", serverTestPrefix, err)
	}

	res, err := bus.Send[bridge.ToolCallRequest, bridge.ToolCallResult](context.Background(), b, bridge.ToolCallRequest{
		Name:      "echo",
		Arguments: json.RawMessage(`{"payload":"through the bus"}`),
	}, bus.WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("%s - send: %v", serverTestPrefix, err)
	}
	if res.IsError {
		t.Fatalf("%s - echo returned an error result: %+v", serverTestPrefix, res)
	}
	if len(res.Content) == 0 || res.Content[0].Text != "through the bus" {
		t.Errorf("%s - echo result = %+v, want text %q", serverTestPrefix, res, "through the bus")
	}
}
