package sentry_pipeline

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

type mockConfigurer struct {
	cfg *Config
}

func (m *mockConfigurer) Has(name string) bool { return m.cfg != nil && name == PluginName }

func (m *mockConfigurer) UnmarshalKey(name string, out interface{}) error {
	*out.(*Config) = *m.cfg
	return nil
}

type mockLogger struct{}

func (mockLogger) NamedLogger(string) *zap.Logger { return zap.NewNop() }

func startTestPlugin(t *testing.T, cfg *Config) *Plugin {
	t.Helper()

	p := &Plugin{}
	if err := p.Init(&mockConfigurer{cfg: cfg}, mockLogger{}); err != nil {
		t.Fatalf("init: %v", err)
	}

	errCh := p.Serve()
	select {
	case err := <-errCh:
		t.Fatalf("serve: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p
}

func TestPluginInitDisabledWithoutSection(t *testing.T) {
	p := &Plugin{}
	if err := p.Init(&mockConfigurer{}, mockLogger{}); err == nil {
		t.Fatal("expected disabled error without a config section")
	}
}

func TestPluginInitDisabledByConfig(t *testing.T) {
	p := &Plugin{}
	err := p.Init(&mockConfigurer{cfg: &Config{Enabled: false}}, mockLogger{})
	if err == nil {
		t.Fatal("expected disabled error when enabled=false")
	}
}

func TestPluginLifecycleAndSend(t *testing.T) {
	cs := newCollectorServer(t)
	p := startTestPlugin(t, &Config{Enabled: true, DSN: cs.dsn()})

	if p.Name() != PluginName {
		t.Errorf("plugin name = %s", p.Name())
	}

	sender := p.Sender()
	res := waitResult(t, sender.Send(&Event{Category: CategoryError, Payload: `{"message":"hi"}`},
		SendOptions{Priority: PriorityCritical}))
	if !res.Success {
		t.Fatalf("send through plugin failed: %v", res.Err)
	}

	if m := sender.GetMetrics(); m.EventsSent != 1 {
		t.Errorf("events_sent = %d, want 1", m.EventsSent)
	}
}

func TestPluginStopFlushesPendingBatches(t *testing.T) {
	cs := newCollectorServer(t)
	cfg := &Config{Enabled: true, DSN: cs.dsn()}
	cfg.InitDefaults()
	cfg.Batch.MaxWait = time.Hour
	p := startTestPlugin(t, cfg)

	future := p.Sender().Send(&Event{Category: CategoryError, Payload: `{}`}, SendOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	res := waitResult(t, future)
	if !res.Success {
		t.Fatalf("pending batch should flush on shutdown: %v", res.Err)
	}
}

func TestRPCSendAndMetrics(t *testing.T) {
	cs := newCollectorServer(t)
	p := startTestPlugin(t, &Config{Enabled: true, DSN: cs.dsn()})
	rpc := NewRPC(p, zap.NewNop())

	var ack SendResult
	if err := rpc.SendEvent(&Event{Category: CategoryError, Payload: `{}`}, &ack); err != nil {
		t.Fatal(err)
	}
	if !ack.Success {
		t.Fatalf("admitted event should ack success: %+v", ack)
	}

	var flushed bool
	if err := rpc.Flush("", &flushed); err != nil {
		t.Fatal(err)
	}
	if !flushed {
		t.Fatal("flush reported failure")
	}

	var metrics PipelineMetrics
	if err := rpc.Metrics(false, &metrics); err != nil {
		t.Fatal(err)
	}
	if metrics.EventsSent != 1 {
		t.Errorf("events_sent = %d, want 1", metrics.EventsSent)
	}
}

func TestRPCSendBatch(t *testing.T) {
	cs := newCollectorServer(t)
	p := startTestPlugin(t, &Config{Enabled: true, DSN: cs.dsn()})
	rpc := NewRPC(p, zap.NewNop())

	events := []*Event{
		{Category: CategoryError, Payload: `{"a":1}`},
		{Category: CategoryTransaction, Payload: `{"b":2}`},
	}

	var results []*SendResult
	if err := rpc.SendBatch(events, &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for i, res := range results {
		if !res.Success {
			t.Errorf("event %d not accepted: %+v", i, res)
		}
	}
}

func TestRPCRejectionReportedSynchronously(t *testing.T) {
	p := startTestPlugin(t, &Config{Enabled: true}) // no DSN
	rpc := NewRPC(p, zap.NewNop())

	var ack SendResult
	if err := rpc.SendEvent(&Event{Category: CategoryError, Payload: `{}`}, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Success {
		t.Fatal("rejected event must not ack success")
	}
}
