package control

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/stsupervisor/internal/audit"
	"github.com/nerrad567/stsupervisor/internal/caller"
	"github.com/nerrad567/stsupervisor/internal/history"
	"github.com/nerrad567/stsupervisor/internal/infrastructure/mqtt"
	"github.com/nerrad567/stsupervisor/internal/process"
	"github.com/nerrad567/stsupervisor/internal/supervisor"
)

type published struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// mockMQTTClient records publishes and keeps the subscribed handlers.
type mockMQTTClient struct {
	mu           sync.Mutex
	published    []published
	handlers     map[string]mqtt.MessageHandler
	unsubscribed []string
	connected    bool
}

func newMockMQTTClient() *mockMQTTClient {
	return &mockMQTTClient{handlers: make(map[string]mqtt.MessageHandler), connected: true}
}

func (m *mockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, published{topic, payload, qos, retained})
	return nil
}

func (m *mockMQTTClient) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *mockMQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribed = append(m.unsubscribed, topic)
	delete(m.handlers, topic)
	return nil
}

func (m *mockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// deliver simulates an inbound message on a subscribed pattern.
func (m *mockMQTTClient) deliver(t *testing.T, pattern, topic, payload string) error {
	t.Helper()
	m.mu.Lock()
	h := m.handlers[pattern]
	m.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler for %s", pattern)
	}
	return h(topic, []byte(payload))
}

func (m *mockMQTTClient) on(topic string) []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []published
	for _, p := range m.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// waitFor polls until a message is published on topic.
func (m *mockMQTTClient) waitFor(t *testing.T, topic string) published {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := m.on(topic); len(msgs) > 0 {
			return msgs[len(msgs)-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("nothing published on %s", topic)
	return published{}
}

type mockController struct {
	mu       sync.Mutex
	calls    []string
	startEnv map[string]string
	shellCmd string
	actor    audit.Actor
}

func (c *mockController) record(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
}

func (c *mockController) StartSupervisedDaemon(_ context.Context, env map[string]string) caller.Ack {
	c.record("start")
	c.mu.Lock()
	c.startEnv = env
	c.mu.Unlock()
	return caller.Ack{OK: true, Message: "daemon work scheduled"}
}

func (c *mockController) StopSupervisedDaemon(ctx context.Context) caller.Ack {
	c.record("stop")
	c.mu.Lock()
	c.actor = audit.ActorFrom(ctx)
	c.mu.Unlock()
	return caller.Ack{OK: true, Message: "daemon stopped"}
}

func (c *mockController) KillDaemon(context.Context) caller.Ack {
	c.record("kill")
	return caller.Ack{Message: "killing daemon: 1 process left", Code: caller.CodeConflict}
}

func (c *mockController) RunShellCommand(_ context.Context, text string) caller.CommandResult {
	c.record("shell")
	c.mu.Lock()
	c.shellCmd = text
	c.mu.Unlock()
	return caller.CommandResult{ExitCode: 0, Logs: []string{"ok"}, Command: text}
}

func (c *mockController) Status(context.Context) caller.Status {
	return caller.Status{Status: supervisor.Status{State: supervisor.StateRunning, PID: 7}, WorkID: "SyncthingWorker"}
}

var testTopics = mqtt.Topics{Prefix: "test"}

func newTestBridge(t *testing.T, output bool) (*Bridge, *mockMQTTClient, *mockController) {
	t.Helper()
	client := newMockMQTTClient()
	ctl := &mockController{}
	b, err := NewBridge(Options{
		Client:        client,
		Controller:    ctl,
		Topics:        testTopics,
		QoS:           1,
		PublishOutput: output,
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)
	return b, client, ctl
}

func decodeResponse(t *testing.T, p published) ResponseMessage {
	t.Helper()
	var resp ResponseMessage
	if err := json.Unmarshal(p.payload, &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp
}

func TestNewBridge_RequiresDeps(t *testing.T) {
	if _, err := NewBridge(Options{Controller: &mockController{}}); err == nil {
		t.Error("NewBridge() without client error = nil")
	}
	if _, err := NewBridge(Options{Client: newMockMQTTClient()}); err == nil {
		t.Error("NewBridge() without controller error = nil")
	}
}

func TestStart_PublishesRetainedState(t *testing.T) {
	_, client, _ := newTestBridge(t, false)

	msgs := client.on("test/state")
	if len(msgs) != 1 || !msgs[0].retained {
		t.Fatalf("state messages = %+v, want one retained", msgs)
	}
	var state map[string]any
	if err := json.Unmarshal(msgs[0].payload, &state); err != nil {
		t.Fatal(err)
	}
	if state["state"] != "running" || state["pid"] != float64(7) {
		t.Errorf("state = %v", state)
	}
}

func TestCommands(t *testing.T) {
	tests := []struct {
		name    string
		command string
		payload string
		wantOK  bool
		wantMsg string
	}{
		{"start", "start", `{"request_id":"r1","env":{"STTRACE":"model"}}`, true, "daemon work scheduled"},
		{"stop", "stop", `{"request_id":"r1"}`, true, "daemon stopped"},
		{"kill failure", "kill", `{"request_id":"r1"}`, false, "killing daemon: 1 process left"},
		{"shell", "shell", `{"request_id":"r1","command":"ps -A"}`, true, "exit code 0"},
		{"shell without text", "shell", `{"request_id":"r1"}`, false, "command is required"},
		{"unknown", "reboot", `{"request_id":"r1"}`, false, "unknown command: reboot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, client, _ := newTestBridge(t, false)

			if err := client.deliver(t, "test/command/+", "test/command/"+tt.command, tt.payload); err != nil {
				t.Fatalf("handler error = %v", err)
			}
			resp := decodeResponse(t, client.waitFor(t, "test/response/r1"))
			if resp.OK != tt.wantOK || resp.Message != tt.wantMsg || resp.Command != tt.command {
				t.Errorf("response = %+v", resp)
			}
			if tt.command == "kill" && resp.Code != caller.CodeConflict {
				t.Errorf("kill response code = %q, want %q", resp.Code, caller.CodeConflict)
			}
		})
	}
}

func TestCommand_PassesArguments(t *testing.T) {
	_, client, ctl := newTestBridge(t, false)

	_ = client.deliver(t, "test/command/+", "test/command/start", `{"request_id":"a","env":{"STTRACE":"model"}}`)
	client.waitFor(t, "test/response/a")
	_ = client.deliver(t, "test/command/+", "test/command/shell", `{"request_id":"b","command":"ps -A"}`)
	resp := decodeResponse(t, client.waitFor(t, "test/response/b"))

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if ctl.startEnv["STTRACE"] != "model" {
		t.Errorf("start env = %v", ctl.startEnv)
	}
	if ctl.shellCmd != "ps -A" {
		t.Errorf("shell command = %q", ctl.shellCmd)
	}
	if resp.Result == nil || resp.Result.Logs[0] != "ok" {
		t.Errorf("shell result = %+v", resp.Result)
	}
}

func TestCommand_AttributesActor(t *testing.T) {
	_, client, ctl := newTestBridge(t, false)

	_ = client.deliver(t, "test/command/+", "test/command/stop", `{"request_id":"q7"}`)
	client.waitFor(t, "test/response/q7")

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if ctl.actor.Source != audit.SourceMQTT || ctl.actor.RequestID != "q7" {
		t.Errorf("actor = %+v", ctl.actor)
	}
}

func TestCommand_EmptyPayloadGetsRequestID(t *testing.T) {
	_, client, ctl := newTestBridge(t, false)

	if err := client.deliver(t, "test/command/+", "test/command/stop", ""); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		client.mu.Lock()
		var found bool
		for _, p := range client.published {
			if strings.HasPrefix(p.topic, "test/response/") {
				found = true
			}
		}
		client.mu.Unlock()
		if found {
			ctl.mu.Lock()
			defer ctl.mu.Unlock()
			if len(ctl.calls) != 1 || ctl.calls[0] != "stop" {
				t.Errorf("calls = %v", ctl.calls)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no response published")
}

func TestCommand_InvalidPayload(t *testing.T) {
	_, client, ctl := newTestBridge(t, false)

	if err := client.deliver(t, "test/command/+", "test/command/start", "{"); err == nil {
		t.Error("handler error = nil for invalid JSON")
	}
	if len(ctl.calls) != 0 {
		t.Errorf("controller called: %v", ctl.calls)
	}
}

func TestCommand_InvalidRequestID(t *testing.T) {
	_, client, ctl := newTestBridge(t, false)

	if err := client.deliver(t, "test/command/+", "test/command/kill", `{"request_id":"a/#"}`); err == nil {
		t.Error("handler error = nil for wildcard request_id")
	}

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if len(ctl.calls) != 0 {
		t.Errorf("controller called: %v", ctl.calls)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	for _, p := range client.published {
		if strings.Contains(p.topic, "#") {
			t.Errorf("published to %q", p.topic)
		}
	}
}

func TestObserver(t *testing.T) {
	b, client, _ := newTestBridge(t, false)

	b.OnTransition(supervisor.Transition{From: supervisor.StateStarting, To: supervisor.StateRunning})
	if got := len(client.on("test/state")); got != 2 {
		t.Errorf("state publishes = %d, want 2", got)
	}

	lines := make([]string, 80)
	for i := range lines {
		lines[i] = "line"
	}
	b.OnRunFinished(supervisor.RunRecord{
		ID:     "run-1",
		State:  supervisor.StateStopped,
		Result: process.RunResult{Lines: lines},
	})
	msgs := client.on("test/runs")
	if len(msgs) != 1 || msgs[0].retained {
		t.Fatalf("run messages = %+v", msgs)
	}
	var run history.Run
	if err := json.Unmarshal(msgs[0].payload, &run); err != nil {
		t.Fatal(err)
	}
	if run.ID != "run-1" || len(run.LogTail) != history.DefaultTailLines {
		t.Errorf("run = %s with %d lines", run.ID, len(run.LogTail))
	}
}

func TestLine(t *testing.T) {
	b, client, _ := newTestBridge(t, false)
	b.Line("hidden")
	if got := len(client.on("test/output")); got != 0 {
		t.Errorf("output published with forwarding off: %d", got)
	}

	b, client, _ = newTestBridge(t, true)
	b.Line("INFO: Ready")
	msgs := client.on("test/output")
	if len(msgs) != 1 || msgs[0].qos != 0 {
		t.Fatalf("output messages = %+v", msgs)
	}
	if !strings.Contains(string(msgs[0].payload), "INFO: Ready") {
		t.Errorf("payload = %s", msgs[0].payload)
	}

	client.mu.Lock()
	client.connected = false
	client.mu.Unlock()
	b.Line("dropped")
	if got := len(client.on("test/output")); got != 1 {
		t.Errorf("output while disconnected = %d messages, want 1", got)
	}
}

func TestStop_Unsubscribes(t *testing.T) {
	b, client, ctl := newTestBridge(t, false)
	handler := client.handlers["test/command/+"]

	b.Stop()
	b.Stop()

	if len(client.unsubscribed) != 1 || client.unsubscribed[0] != "test/command/+" {
		t.Errorf("unsubscribed = %v", client.unsubscribed)
	}
	if err := handler("test/command/stop", []byte(`{"request_id":"late"}`)); err != nil {
		t.Errorf("late handler error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if len(ctl.calls) != 0 {
		t.Errorf("commands ran after Stop: %v", ctl.calls)
	}
}
