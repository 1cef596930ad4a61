package audit

import (
	"context"
	"time"
)

// Sources of control commands.
const (
	SourceAPI      = "api"
	SourceMQTT     = "mqtt"
	SourceCLI      = "cli"
	SourceInternal = "internal"
)

// writeTimeout bounds one audit insert.
const writeTimeout = 5 * time.Second

// Actor identifies who issued a command.
type Actor struct {
	Source    string
	Subject   string
	RequestID string
}

type actorKey struct{}

// WithActor returns a copy of ctx carrying a.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor stored in ctx. Commands without one are
// attributed to SourceInternal.
func ActorFrom(ctx context.Context) Actor {
	a, _ := ctx.Value(actorKey{}).(Actor)
	if a.Source == "" {
		a.Source = SourceInternal
	}
	return a
}

// Logger defines the logging interface for the trail.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Trail writes one entry per control command. Write failures are logged
// and never reach the caller.
type Trail struct {
	repo   Repository
	logger Logger
}

// NewTrail creates a trail over repo.
func NewTrail(repo Repository) *Trail {
	return &Trail{repo: repo, logger: noopLogger{}}
}

// SetLogger sets the logger for the trail.
func (t *Trail) SetLogger(logger Logger) {
	t.logger = logger
}

// Record stores the outcome of action, attributed to the actor in ctx.
// The write survives cancellation of ctx.
func (t *Trail) Record(ctx context.Context, action string, ok bool, message string, details map[string]any) {
	actor := ActorFrom(ctx)
	e := &Entry{
		Action:    action,
		Source:    actor.Source,
		Subject:   actor.Subject,
		RequestID: actor.RequestID,
		OK:        ok,
		Message:   message,
		Details:   details,
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := t.repo.Create(wctx, e); err != nil {
		t.logger.Warn("writing audit entry failed", "action", action, "source", actor.Source, "error", err)
	}
}
