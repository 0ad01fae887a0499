package plugin

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/openmesa/appcore/pkg/bus"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(NewRegistryParams{FrameworkVersion: "1.4.0"})
	if err != nil {
		t.Fatalf("plugin:plugin_test - failed to create registry: %v", err)
	}
	return r
}

func TestRegister_Defaults(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(Info{ID: "metrics", Name: "Metrics", Version: "0.3.1"}); err != nil {
		t.Fatalf("plugin:plugin_test - register failed: %v", err)
	}
	if !r.Enabled("metrics") {
		t.Error("plugin:plugin_test - freshly registered plugin should be enabled")
	}
}

func TestRegister_CompatibleRequires(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(Info{ID: "exporter", Version: "2.0.0", Requires: ">= 1.0.0, < 2.0.0"}); err != nil {
		t.Fatalf("plugin:plugin_test - register failed: %v", err)
	}
	if !r.Enabled("exporter") {
		t.Error("plugin:plugin_test - compatible plugin should be enabled")
	}
}

func TestRegister_IncompatibleRequiresDisablesPlugin(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(Info{ID: "legacy", Version: "1.0.0", Requires: "< 1.0.0"}); err != nil {
		t.Fatalf("plugin:plugin_test - incompatible plugin should register, got %v", err)
	}
	if r.Enabled("legacy") {
		t.Error("plugin:plugin_test - incompatible plugin should be disabled")
	}
	info, ok := r.Get("legacy")
	if !ok {
		t.Fatal("plugin:plugin_test - plugin should be listed")
	}
	if !strings.Contains(info.DisabledReason, "requires framework") {
		t.Errorf("plugin:plugin_test - disabled reason = %q, want compatibility note", info.DisabledReason)
	}
}

func TestRegister_Validation(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(Info{Name: "anonymous"}); err == nil {
		t.Error("plugin:plugin_test - empty id should fail")
	}
	if err := r.Register(Info{ID: "bad-ver", Version: "not-a-version"}); err == nil {
		t.Error("plugin:plugin_test - malformed version should fail")
	}
	if err := r.Register(Info{ID: "bad-req", Requires: ">>nope"}); err == nil {
		t.Error("plugin:plugin_test - malformed requires range should fail")
	}
	if err := r.Register(Info{ID: "dup"}); err != nil {
		t.Fatalf("plugin:plugin_test - register failed: %v", err)
	}
	if err := r.Register(Info{ID: "dup"}); err == nil {
		t.Error("plugin:plugin_test - duplicate id should fail")
	}
}

func TestSetEnabled(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(Info{ID: "audit"}); err != nil {
		t.Fatalf("plugin:plugin_test - register failed: %v", err)
	}
	if err := r.SetEnabled("audit", false); err != nil {
		t.Fatalf("plugin:plugin_test - disable failed: %v", err)
	}
	if r.Enabled("audit") {
		t.Error("plugin:plugin_test - plugin should be disabled")
	}
	if err := r.SetEnabled("audit", true); err != nil {
		t.Fatalf("plugin:plugin_test - enable failed: %v", err)
	}
	if !r.Enabled("audit") {
		t.Error("plugin:plugin_test - plugin should be enabled again")
	}
	if err := r.SetEnabled("ghost", true); err == nil {
		t.Error("plugin:plugin_test - unknown plugin should fail")
	}
}

func TestList_SortedCopies(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(Info{ID: id}); err != nil {
			t.Fatalf("plugin:plugin_test - register %s failed: %v", id, err)
		}
	}
	list := r.List()
	if len(list) != 3 {
		t.Fatalf("plugin:plugin_test - listed %d plugins, want 3", len(list))
	}
	if list[0].ID != "alpha" || list[1].ID != "mid" || list[2].ID != "zeta" {
		t.Errorf("plugin:plugin_test - list not sorted: %v", list)
	}
	list[0].Disabled = true
	if !r.Enabled("alpha") {
		t.Error("plugin:plugin_test - mutating the listed copy must not affect the registry")
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(Info{ID: "hot"}); err != nil {
		t.Fatalf("plugin:plugin_test - register failed: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.SetEnabled("hot", i%2 == 0)
			_ = r.Enabled("hot")
			_ = r.List()
			r.SetActive(i%3 != 0)
		}(i)
	}
	wg.Wait()
	r.SetActive(true)
	if err := r.SetEnabled("hot", true); err != nil {
		t.Fatalf("plugin:plugin_test - enable failed: %v", err)
	}
	if !r.Enabled("hot") {
		t.Error("plugin:plugin_test - plugin should settle enabled")
	}
}

type pluginConsumer struct {
	plugin string
	got    chan string
}

func (c *pluginConsumer) PluginID() string { return c.plugin }

func (c *pluginConsumer) Consume(_ context.Context, msg auditEntry) error {
	c.got <- msg.Actor
	return nil
}

type plainConsumer struct {
	got chan string
}

func (c *plainConsumer) Consume(_ context.Context, msg auditEntry) error {
	c.got <- msg.Actor
	return nil
}

type auditEntry struct {
	Actor string
}

func TestFilter_DisabledPluginSuppressed(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(Info{ID: "audit"}); err != nil {
		t.Fatalf("plugin:filter_test - register failed: %v", err)
	}
	b := bus.NewBus(bus.NewBusParams{})
	b.UseFilter(NewFilter(r))

	owned := &pluginConsumer{plugin: "audit", got: make(chan string, 4)}
	plain := &plainConsumer{got: make(chan string, 4)}
	bus.Subscribe[auditEntry](b, owned)
	bus.Subscribe[auditEntry](b, plain)

	if err := b.Publish(context.Background(), auditEntry{Actor: "amy"}); err != nil {
		t.Fatalf("plugin:filter_test - publish failed: %v", err)
	}
	if len(owned.got) != 1 || len(plain.got) != 1 {
		t.Fatalf("plugin:filter_test - enabled plugin should deliver to both, got %d/%d", len(owned.got), len(plain.got))
	}

	if err := r.SetEnabled("audit", false); err != nil {
		t.Fatalf("plugin:filter_test - disable failed: %v", err)
	}
	if err := b.Publish(context.Background(), auditEntry{Actor: "bob"}); err != nil {
		t.Fatalf("plugin:filter_test - publish failed: %v", err)
	}
	if len(owned.got) != 1 {
		t.Error("plugin:filter_test - disabled plugin consumer should be suppressed")
	}
	if len(plain.got) != 2 {
		t.Error("plugin:filter_test - plain consumer should keep receiving")
	}
}

func TestFilter_KillSwitchSuppressesAllPluginConsumers(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(Info{ID: "audit"}); err != nil {
		t.Fatalf("plugin:filter_test - register failed: %v", err)
	}
	b := bus.NewBus(bus.NewBusParams{})
	b.UseFilter(NewFilter(r))

	owned := &pluginConsumer{plugin: "audit", got: make(chan string, 4)}
	plain := &plainConsumer{got: make(chan string, 4)}
	bus.Subscribe[auditEntry](b, owned)
	bus.Subscribe[auditEntry](b, plain)

	r.SetActive(false)
	if err := b.Publish(context.Background(), auditEntry{Actor: "amy"}); err != nil {
		t.Fatalf("plugin:filter_test - publish failed: %v", err)
	}
	if len(owned.got) != 0 {
		t.Error("plugin:filter_test - kill-switch should suppress plugin consumers")
	}
	if len(plain.got) != 1 {
		t.Error("plugin:filter_test - kill-switch must not affect plain consumers")
	}

	r.SetActive(true)
	if err := b.Publish(context.Background(), auditEntry{Actor: "bob"}); err != nil {
		t.Fatalf("plugin:filter_test - publish failed: %v", err)
	}
	if len(owned.got) != 1 {
		t.Error("plugin:filter_test - plugin consumer should receive after reactivation")
	}
}

func TestFilter_UnknownPluginSuppressed(t *testing.T) {
	r := newTestRegistry(t)
	b := bus.NewBus(bus.NewBusParams{})
	b.UseFilter(NewFilter(r))

	owned := &pluginConsumer{plugin: "never-registered", got: make(chan string, 1)}
	bus.Subscribe[auditEntry](b, owned)

	if err := b.Publish(context.Background(), auditEntry{Actor: "amy"}); err != nil {
		t.Fatalf("plugin:filter_test - publish failed: %v", err)
	}
	if len(owned.got) != 0 {
		t.Error("plugin:filter_test - consumer of an unregistered plugin should be suppressed")
	}
}
