package mqtt

import "strings"

// DefaultTopicPrefix is used when the configured prefix is empty.
const DefaultTopicPrefix = "stsupervisor"

// Command names accepted on the command topics.
const (
	CommandStart = "start"
	CommandStop  = "stop"
	CommandKill  = "kill"
	CommandShell = "shell"
)

// Topics builds the supervisor's topic tree under a prefix:
//
//	<prefix>/status                 online/offline (retained, LWT)
//	<prefix>/state                  supervisor status (retained)
//	<prefix>/runs                   finished run summaries
//	<prefix>/output                 daemon output lines
//	<prefix>/command/<name>         inbound commands
//	<prefix>/response/<request_id>  command responses
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.TrimRight(t.Prefix, "/")
	if p == "" {
		return DefaultTopicPrefix
	}
	return p
}

// Status returns the online/offline status topic.
func (t Topics) Status() string {
	return t.prefix() + "/status"
}

// State returns the retained supervisor state topic.
func (t Topics) State() string {
	return t.prefix() + "/state"
}

// Runs returns the finished-run topic.
func (t Topics) Runs() string {
	return t.prefix() + "/runs"
}

// Output returns the daemon output topic.
func (t Topics) Output() string {
	return t.prefix() + "/output"
}

// Command returns the topic for one command.
//
// Example: stsupervisor/command/start
func (t Topics) Command(name string) string {
	return t.prefix() + "/command/" + name
}

// AllCommands returns the wildcard subscription for every command.
func (t Topics) AllCommands() string {
	return t.Command("+")
}

// Response returns the response topic for a request.
//
// Example: stsupervisor/response/3f0c...
func (t Topics) Response(requestID string) string {
	return t.prefix() + "/response/" + requestID
}

// CommandName extracts the command from a command topic. ok is false for
// topics outside the tree.
func (t Topics) CommandName(topic string) (name string, ok bool) {
	name, ok = strings.CutPrefix(topic, t.prefix()+"/command/")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// ValidTopicName reports whether name can be published to. Wildcards and
// NUL are not allowed in topic names.
func ValidTopicName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "+#\x00")
}

// ValidFilter reports whether filter is a well-formed subscription filter:
// "+" must fill a whole level and "#" may only be the last level.
func ValidFilter(filter string) bool {
	if filter == "" || strings.ContainsRune(filter, 0) {
		return false
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return false
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return false
		}
	}
	return true
}

// ValidLevel reports whether s can be used as a single topic level, such
// as the request ID in a response topic.
func ValidLevel(s string) bool {
	return ValidTopicName(s) && !strings.Contains(s, "/")
}
