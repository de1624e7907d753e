package mqtt

import "strings"

// DefaultTopicPrefix is used when the configuration leaves topic_prefix empty.
const DefaultTopicPrefix = "knxlink"

// Protocol is the protocol segment of every bus topic.
const Protocol = "knx"

// Topics builds knxlink MQTT topics under one prefix.
//
// All bus topics use the flat scheme {prefix}/{category}/knx/{address_or_id}.
// Group addresses contain slashes and must be passed URL-encoded
// (knx.GroupAddress.URLEncode):
//
//	topics := mqtt.NewTopics("knxlink")
//	topics.State("1%2F2%2F3") // "knxlink/state/knx/1%2F2%2F3"
type Topics struct {
	Prefix string
}

// NewTopics returns a builder for prefix. Trailing slashes are trimmed and
// an empty prefix becomes DefaultTopicPrefix.
func NewTopics(prefix string) Topics {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Prefix: prefix}
}

func (t Topics) join(category string, rest ...string) string {
	prefix := t.Prefix
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	parts := append([]string{prefix, category, Protocol}, rest...)
	return strings.Join(parts, "/")
}

// Command is the topic clients publish group writes to.
//
// Example: knxlink/command/knx/1%2F2%2F3
func (t Topics) Command(address string) string { return t.join("command", address) }

// Ack is the topic a command's outcome is published on.
//
// Example: knxlink/ack/knx/1%2F2%2F3
func (t Topics) Ack(address string) string { return t.join("ack", address) }

// Request is the topic clients publish read/bulk requests to.
//
// Example: knxlink/request/knx/3f0c...
func (t Topics) Request(requestID string) string { return t.join("request", requestID) }

// Response is the topic a request's result is published on.
func (t Topics) Response(requestID string) string { return t.join("response", requestID) }

// Event carries every group event seen on the bus.
//
// Example: knxlink/event/knx/1%2F2%2F3
func (t Topics) Event(address string) string { return t.join("event", address) }

// State carries the last known decoded value of a group address (retained).
func (t Topics) State(address string) string { return t.join("state", address) }

// Health carries service health and the Last Will (retained).
//
// Example: knxlink/health/knx
func (t Topics) Health() string { return t.join("health") }

// AllCommands matches every command topic: {prefix}/command/knx/+
func (t Topics) AllCommands() string { return t.join("command", "+") }

// AllRequests matches every request topic: {prefix}/request/knx/+
func (t Topics) AllRequests() string { return t.join("request", "+") }

// AllEvents matches every event topic: {prefix}/event/knx/+
func (t Topics) AllEvents() string { return t.join("event", "+") }

// Split parses a topic under this prefix into its category and last
// segment. ok is false for topics outside the scheme.
//
// Example: "knxlink/command/knx/1%2F2%2F3" → "command", "1%2F2%2F3"
func (t Topics) Split(topic string) (category, last string, ok bool) {
	prefix := t.Prefix
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	rest, found := strings.CutPrefix(topic, prefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != Protocol || parts[2] == "" {
		return "", "", false
	}
	return parts[0], parts[2], true
}
