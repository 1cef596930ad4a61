package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/stsupervisor/internal/audit"
	"github.com/nerrad567/stsupervisor/internal/caller"
	"github.com/nerrad567/stsupervisor/internal/history"
	"github.com/nerrad567/stsupervisor/internal/infrastructure/mqtt"
	"github.com/nerrad567/stsupervisor/internal/supervisor"
)

// commandTimeout bounds one command, including a full stop or kill.
const commandTimeout = 2 * time.Minute

// ErrUnknownCommand is reported for command names the bridge does not handle.
var ErrUnknownCommand = errors.New("unknown command")

// MQTTClient is the part of the MQTT client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Controller executes commands.
type Controller interface {
	StartSupervisedDaemon(ctx context.Context, env map[string]string) caller.Ack
	StopSupervisedDaemon(ctx context.Context) caller.Ack
	KillDaemon(ctx context.Context) caller.Ack
	RunShellCommand(ctx context.Context, text string) caller.CommandResult
	Status(ctx context.Context) caller.Status
}

// Logger defines the logging interface for the bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Bridge.
type Options struct {
	Client     MQTTClient
	Controller Controller
	Topics     mqtt.Topics
	QoS        byte

	// PublishOutput forwards daemon output lines to the output topic.
	PublishOutput bool

	Logger Logger
}

// Bridge exposes the caller API over MQTT. It executes commands from
// <prefix>/command/+, answers on <prefix>/response/<id>, keeps the retained
// <prefix>/state current and publishes finished runs to <prefix>/runs.
//
// Bridge is a supervisor.Observer and, for output forwarding, a
// process.LineSink.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	client MQTTClient
	ctl    Controller
	topics mqtt.Topics
	qos    byte
	output bool
	logger Logger

	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once

	mu      sync.Mutex
	stopped bool
}

// NewBridge creates a bridge. Call Start to subscribe.
func NewBridge(opts Options) (*Bridge, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("mqtt client is required")
	}
	if opts.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		client:    opts.Client,
		ctl:       opts.Controller,
		topics:    opts.Topics,
		qos:       opts.QoS,
		output:    opts.PublishOutput,
		logger:    logger,
		ctx:       ctx,
		ctxCancel: cancel,
	}, nil
}

// Start subscribes to the command topics and publishes the current state.
func (b *Bridge) Start(ctx context.Context) error {
	topic := b.topics.AllCommands()
	if err := b.client.Subscribe(topic, b.qos, b.handleMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logger.Info("subscribed to commands", "topic", topic)

	b.publishState(ctx)
	return nil
}

// Stop unsubscribes and waits for commands in flight. Commands still
// running are cancelled.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if err := b.client.Unsubscribe(b.topics.AllCommands()); err != nil {
			b.logger.Warn("unsubscribing from commands failed", "error", err)
		}
		b.mu.Lock()
		b.stopped = true
		b.mu.Unlock()

		b.ctxCancel()
		b.wg.Wait()
		b.logger.Info("control bridge stopped")
	})
}

// handleMessage decodes a command and executes it off the MQTT delivery
// goroutine, so a long stop does not hold up other messages.
func (b *Bridge) handleMessage(topic string, payload []byte) error {
	name, ok := b.topics.CommandName(topic)
	if !ok {
		return fmt.Errorf("not a command topic: %s", topic)
	}

	var cmd CommandMessage
	if len(strings.TrimSpace(string(payload))) > 0 {
		if err := json.Unmarshal(payload, &cmd); err != nil {
			b.respond(ResponseMessage{
				RequestID: uuid.NewString(),
				Command:   name,
				Message:   fmt.Sprintf("invalid command payload: %v", err),
			})
			return fmt.Errorf("parsing %s command: %w", name, err)
		}
	}
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	} else if !mqtt.ValidLevel(cmd.RequestID) {
		bad := cmd.RequestID
		b.respond(ResponseMessage{
			RequestID: uuid.NewString(),
			Command:   name,
			Message:   fmt.Sprintf("invalid request_id %q", bad),
		})
		return fmt.Errorf("%s command: invalid request_id %q", name, bad)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.respond(b.execute(name, cmd))
	}()
	return nil
}

// execute runs one command and builds its response.
func (b *Bridge) execute(name string, cmd CommandMessage) ResponseMessage {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	ctx = audit.WithActor(ctx, audit.Actor{Source: audit.SourceMQTT, RequestID: cmd.RequestID})

	b.logger.Info("received command", "command", name, "request_id", cmd.RequestID)

	resp := ResponseMessage{RequestID: cmd.RequestID, Command: name}
	var ack caller.Ack
	switch name {
	case mqtt.CommandStart:
		ack = b.ctl.StartSupervisedDaemon(ctx, cmd.Env)
	case mqtt.CommandStop:
		ack = b.ctl.StopSupervisedDaemon(ctx)
	case mqtt.CommandKill:
		ack = b.ctl.KillDaemon(ctx)
	case mqtt.CommandShell:
		if strings.TrimSpace(cmd.Command) == "" {
			ack = caller.Ack{Message: "command is required"}
			break
		}
		res := b.ctl.RunShellCommand(ctx, cmd.Command)
		resp.Result = &res
		ack = caller.Ack{OK: res.ExitCode == 0, Message: fmt.Sprintf("exit code %d", res.ExitCode)}
	default:
		ack = caller.Ack{Message: fmt.Sprintf("%v: %s", ErrUnknownCommand, name)}
	}

	resp.OK, resp.Message, resp.Code = ack.OK, ack.Message, ack.Code
	return resp
}

func (b *Bridge) respond(resp ResponseMessage) {
	resp.Timestamp = time.Now().UTC()
	b.publishJSON(b.topics.Response(resp.RequestID), resp, false)
}

// OnTransition republishes the retained state.
func (b *Bridge) OnTransition(supervisor.Transition) {
	b.publishState(b.ctx)
}

// OnRunFinished publishes a run summary with the run's last output lines.
func (b *Bridge) OnRunFinished(r supervisor.RunRecord) {
	b.publishJSON(b.topics.Runs(), history.FromRecord(r, history.DefaultTailLines), false)
}

// Line forwards a daemon output line when output publishing is enabled.
// Output is sent at QoS 0.
func (b *Bridge) Line(line string) {
	if !b.output || !b.client.IsConnected() {
		return
	}
	payload, err := json.Marshal(OutputMessage{Line: line, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := b.client.Publish(b.topics.Output(), payload, 0, false); err != nil {
		b.logger.Debug("publishing output line failed", "error", err)
	}
}

func (b *Bridge) publishState(ctx context.Context) {
	msg := StateMessage{Status: b.ctl.Status(ctx), Timestamp: time.Now().UTC()}
	b.publishJSON(b.topics.State(), msg, true)
}

func (b *Bridge) publishJSON(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("encoding MQTT payload failed", "topic", topic, "error", err)
		return
	}
	if err := b.client.Publish(topic, payload, b.qos, retained); err != nil {
		b.logger.Warn("MQTT publish failed", "topic", topic, "error", err)
	}
}
