package mqtt

import "strings"

// Topics builds the topic layout for one lock:
//
//	<prefix>/<device>/status        retained JSON status
//	<prefix>/<device>/availability  retained "online"/"offline" (also the LWT)
//	<prefix>/<device>/set/<name>    commands
//	<prefix>/<device>/result        command outcomes (not retained)
type Topics struct {
	Prefix   string
	DeviceID string
}

func (t Topics) base() string {
	return strings.TrimSuffix(t.Prefix, "/") + "/" + t.DeviceID
}

// Status is the retained status topic.
func (t Topics) Status() string { return t.base() + "/status" }

// Availability is the retained availability topic.
func (t Topics) Availability() string { return t.base() + "/availability" }

// Result is the topic command outcomes are published on.
func (t Topics) Result() string { return t.base() + "/result" }

// Command is the topic for one named command.
func (t Topics) Command(name string) string { return t.base() + "/set/" + name }

// AllCommands matches every command topic.
func (t Topics) AllCommands() string { return t.base() + "/set/+" }

// CommandName extracts the command name from a command topic.
func (t Topics) CommandName(topic string) (string, bool) {
	prefix := t.base() + "/set/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	name := topic[len(prefix):]
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// Availability payloads.
const (
	Online  = "online"
	Offline = "offline"
)
