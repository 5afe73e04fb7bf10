// Package channel defines the envelope format and naming scheme shared by
// every publisher and subscriber on the message broker.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TopicOutput carries process stdout, stderr and exit events for a project.
const TopicOutput = "claude-output"

// ForProject returns the logical broker channel for a project.
func ForProject(projectID string) string {
	return "workspace:" + projectID
}

// TopicInputForSession returns the input topic for one supervised session.
func TopicInputForSession(sessionID string) string {
	return "session-input:" + sessionID
}

// KeyAgentPID is the broker record key holding the supervisor's current
// child PID for a project. The record carries a TTL so it self-expires if
// the supervisor dies without cleanup.
func KeyAgentPID(projectID string) string {
	return "agent-pid:" + projectID
}

// KeyAgentReady is the broker record key flagging that a project's
// supervisor is running and accepting input. TTL-expired like the PID record.
func KeyAgentReady(projectID string) string {
	return "agent-ready:" + projectID
}

// Envelope is the unit of pub/sub traffic. Envelopes are immutable once
// published; ordering is per-channel publish order as delivered by the
// broker.
type Envelope struct {
	Channel   string
	Topic     string
	Payload   Payload
	Timestamp time.Time
}

// NewEnvelope stamps an envelope with the current time.
func NewEnvelope(channel, topic string, payload Payload) Envelope {
	return Envelope{
		Channel:   channel,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

type wireEnvelope struct {
	Channel   string          `json:"channel"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// MarshalJSON encodes the wire shape {channel, topic, data, timestamp} with
// an epoch-millisecond timestamp.
func (e Envelope) MarshalJSON() ([]byte, error) {
	data, err := marshalPayload(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{
		Channel:   e.Channel,
		Topic:     e.Topic,
		Data:      data,
		Timestamp: e.Timestamp.UnixMilli(),
	})
}

// UnmarshalJSON decodes the wire shape and resolves the payload to its
// tagged variant. Payloads are decoded exactly once, here at the boundary.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var wire wireEnvelope
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	payload, err := unmarshalPayload(wire.Data)
	if err != nil {
		return err
	}
	e.Channel = wire.Channel
	e.Topic = wire.Topic
	e.Payload = payload
	e.Timestamp = time.UnixMilli(wire.Timestamp).UTC()
	return nil
}

// Payload is a closed set of message payload variants, distinguished on the
// wire by a "type" tag.
type Payload interface {
	payloadType() string
}

// OutputPayload carries one chunk of process output.
type OutputPayload struct {
	Kind string // "stdout" or "stderr"
	Data string
}

func (p OutputPayload) payloadType() string { return p.Kind }

// ExitPayload reports process termination. Signal is nil for a plain exit.
type ExitPayload struct {
	Code   int
	Signal *string
}

func (ExitPayload) payloadType() string { return "exit" }

// InputPayload carries keyboard data destined for a session's stdin.
type InputPayload struct {
	Data string
}

func (InputPayload) payloadType() string { return "data" }

type wirePayload struct {
	Type   string  `json:"type"`
	Data   string  `json:"data,omitempty"`
	Code   *int    `json:"code,omitempty"`
	Signal *string `json:"signal"`
}

func marshalPayload(p Payload) ([]byte, error) {
	switch v := p.(type) {
	case OutputPayload:
		if v.Kind != "stdout" && v.Kind != "stderr" {
			return nil, fmt.Errorf("invalid output payload kind %q", v.Kind)
		}
		return json.Marshal(struct {
			Type string `json:"type"`
			Data string `json:"data"`
		}{Type: v.Kind, Data: v.Data})
	case ExitPayload:
		return json.Marshal(struct {
			Type   string  `json:"type"`
			Code   int     `json:"code"`
			Signal *string `json:"signal"`
		}{Type: "exit", Code: v.Code, Signal: v.Signal})
	case InputPayload:
		return json.Marshal(struct {
			Type string `json:"type"`
			Data string `json:"data"`
		}{Type: "data", Data: v.Data})
	case nil:
		return nil, errors.New("missing payload")
	default:
		return nil, fmt.Errorf("unknown payload variant %T", p)
	}
}

// DecodePayload resolves bare payload bytes to their tagged variant. Stream
// consumers that receive the payload member without its envelope use this.
func DecodePayload(raw json.RawMessage) (Payload, error) {
	return unmarshalPayload(raw)
}

func unmarshalPayload(raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return nil, errors.New("missing payload")
	}
	var wire wirePayload
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	switch wire.Type {
	case "stdout", "stderr":
		return OutputPayload{Kind: wire.Type, Data: wire.Data}, nil
	case "exit":
		code := 0
		if wire.Code != nil {
			code = *wire.Code
		}
		return ExitPayload{Code: code, Signal: wire.Signal}, nil
	case "data":
		return InputPayload{Data: wire.Data}, nil
	default:
		return nil, fmt.Errorf("unknown payload type %q", wire.Type)
	}
}
