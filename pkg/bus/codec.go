package bus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
)

type publishOptions struct {
	timestamp bool
	now       func() time.Time
}

// PublishOption adjusts how a payload is encoded.
type PublishOption func(*publishOptions)

// WithTimestamp injects a "ts" field (epoch seconds) into object payloads that lack one.
func WithTimestamp() PublishOption {
	return func(o *publishOptions) {
		o.timestamp = true
	}
}

// WithClock overrides the clock used by WithTimestamp.
func WithClock(now func() time.Time) PublishOption {
	return func(o *publishOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// ValidateTopic rejects topics that cannot be framed.
func ValidateTopic(topic string) error {
	if topic == "" {
		return NewError(ErrorConfiguration, "topic is empty")
	}
	if strings.IndexFunc(topic, unicode.IsSpace) >= 0 {
		return NewError(ErrorConfiguration, fmt.Sprintf("topic %q contains whitespace", topic))
	}
	return nil
}

// EncodePayload serializes payload to JSON. Raw JSON ([]byte, json.RawMessage)
// is validated and passed through.
func EncodePayload(payload any, opts ...PublishOption) ([]byte, error) {
	options := publishOptions{now: time.Now}
	for _, opt := range opts {
		opt(&options)
	}

	var data []byte
	switch value := payload.(type) {
	case nil:
		data = []byte("{}")
	case json.RawMessage:
		data = []byte(value)
	case []byte:
		data = value
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, NewError(ErrorConfiguration, fmt.Sprintf("payload is not serializable: %v", err))
		}
		data = encoded
	}

	if !json.Valid(data) {
		return nil, NewError(ErrorConfiguration, "payload is not valid JSON")
	}

	if options.timestamp {
		return injectTimestamp(data, options.now())
	}
	return data, nil
}

func injectTimestamp(data []byte, now time.Time) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return data, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, NewError(ErrorConfiguration, fmt.Sprintf("decode payload object: %v", err))
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}
	if _, ok := fields["ts"]; ok {
		return data, nil
	}

	ts, err := json.Marshal(EpochSeconds(now))
	if err != nil {
		return nil, NewError(ErrorConfiguration, err.Error())
	}
	fields["ts"] = ts

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, NewError(ErrorConfiguration, err.Error())
	}
	return out, nil
}

// EpochSeconds converts t to fractional seconds since the Unix epoch.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromEpochSeconds is the inverse of EpochSeconds.
func FromEpochSeconds(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// EncodeFrame renders the wire form "<topic> <json>".
func EncodeFrame(topic string, payload []byte) []byte {
	frame := make([]byte, 0, len(topic)+1+len(payload))
	frame = append(frame, topic...)
	frame = append(frame, ' ')
	frame = append(frame, payload...)
	return frame
}

// DecodeFrame splits a wire frame at the first space. A frame without a payload
// decodes to an empty payload.
func DecodeFrame(frame []byte) (string, []byte, error) {
	topic, payload, _ := bytes.Cut(frame, []byte{' '})
	if len(topic) == 0 {
		return "", nil, NewError(ErrorConfiguration, "frame has no topic")
	}
	return string(topic), payload, nil
}

// NewMessage builds a delivered Message, flagging payloads that are not valid JSON.
func NewMessage(topic string, payload []byte, receivedAt time.Time) Message {
	raw := append(json.RawMessage(nil), payload...)
	return Message{
		Topic:       topic,
		Payload:     raw,
		Undecodable: !json.Valid(raw),
		ReceivedAt:  receivedAt,
	}
}
