package bus

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Topics used across the robot. Topic strings are opaque to the broker.
const (
	TopicMove         = "cmd.move"
	TopicStop         = "cmd.stop"
	TopicLegacyMotion = "cmd.motion."
	TopicMotionCmd    = "motion.cmd"
	TopicTelemetry    = "devices.xgo"
	TopicBridgeEvent  = "motion.bridge.event"
)

// Message is one delivered bus frame. Payload holds the raw JSON document; when the
// frame did not carry valid JSON, Undecodable is set and Payload holds the raw bytes.
type Message struct {
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	Undecodable bool            `json:"undecodable,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if m.Undecodable {
		return NewError(ErrorConfiguration, "payload is not valid JSON")
	}
	return json.Unmarshal(m.Payload, v)
}

// Fields returns the payload as a JSON object, or false when it is not one.
func (m Message) Fields() (map[string]any, bool) {
	if m.Undecodable {
		return nil, false
	}
	var fields map[string]any
	if err := json.Unmarshal(m.Payload, &fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

// Bus is a publish/subscribe handle. Implementations are safe for concurrent use.
type Bus interface {
	// Publish encodes payload as JSON and hands it to the transport without blocking.
	Publish(topic string, payload any, opts ...PublishOption) error
	// Subscribe delivers every message whose topic starts with one of prefixes.
	// No prefixes, or an empty prefix, subscribes to everything.
	Subscribe(ctx context.Context, prefixes ...string) (*Subscription, error)
	Close() error
}

// MatchPrefix reports whether topic starts with any of prefixes.
func MatchPrefix(topic string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	return false
}

func normalizePrefixes(prefixes []string) []string {
	out := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		if prefix == "" {
			// Empty prefix matches everything; the rest are redundant.
			return nil
		}
		out = append(out, prefix)
	}
	return out
}
