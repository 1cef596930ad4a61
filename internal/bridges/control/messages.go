package control

import (
	"time"

	"github.com/nerrad567/stsupervisor/internal/caller"
)

// CommandMessage is received on <prefix>/command/<name>. The command name
// comes from the topic; the payload may be empty.
type CommandMessage struct {
	// RequestID correlates the response. One is generated when absent.
	RequestID string `json:"request_id,omitempty"`

	// Env is layered over the base environment for start.
	Env map[string]string `json:"env,omitempty"`

	// Command is the shell text for shell.
	Command string `json:"command,omitempty"`
}

// ResponseMessage is published to <prefix>/response/<request_id>.
type ResponseMessage struct {
	RequestID string                `json:"request_id"`
	Command   string                `json:"command"`
	Timestamp time.Time             `json:"timestamp"`
	OK        bool                  `json:"ok"`
	Message   string                `json:"message,omitempty"`
	Code      string                `json:"code,omitempty"`
	Result    *caller.CommandResult `json:"result,omitempty"`
}

// StateMessage is the retained payload of <prefix>/state.
type StateMessage struct {
	caller.Status
	Timestamp time.Time `json:"timestamp"`
}

// OutputMessage carries one daemon output line on <prefix>/output.
type OutputMessage struct {
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}
