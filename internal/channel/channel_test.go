package channel

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestForProject(t *testing.T) {
	t.Parallel()
	if got := ForProject("proj_123"); got != "workspace:proj_123" {
		t.Fatalf("expected workspace:proj_123, got %s", got)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()
	env := Envelope{
		Channel:   ForProject("p1"),
		Topic:     TopicOutput,
		Payload:   OutputPayload{Kind: "stdout", Data: "hello\n"},
		Timestamp: time.UnixMilli(1700000000000).UTC(),
	}

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"timestamp":1700000000000`) {
		t.Fatalf("expected epoch-ms timestamp on the wire, got %s", b)
	}
	if !strings.Contains(string(b), `"type":"stdout"`) {
		t.Fatalf("expected type tag on the wire, got %s", b)
	}

	var decoded Envelope
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out, ok := decoded.Payload.(OutputPayload)
	if !ok {
		t.Fatalf("expected OutputPayload, got %T", decoded.Payload)
	}
	if out.Data != "hello\n" {
		t.Fatalf("payload data mismatch: %q", out.Data)
	}
	if !decoded.Timestamp.Equal(env.Timestamp) {
		t.Fatalf("timestamp mismatch: %v vs %v", decoded.Timestamp, env.Timestamp)
	}
}

func TestExitPayloadWireShape(t *testing.T) {
	t.Parallel()
	env := NewEnvelope(ForProject("p1"), TopicOutput, ExitPayload{Code: 1})
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// A plain exit carries an explicit null signal.
	if !strings.Contains(string(b), `"signal":null`) {
		t.Fatalf("expected explicit null signal, got %s", b)
	}
	if !strings.Contains(string(b), `"code":1`) {
		t.Fatalf("expected exit code on the wire, got %s", b)
	}

	var decoded Envelope
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	exit, ok := decoded.Payload.(ExitPayload)
	if !ok {
		t.Fatalf("expected ExitPayload, got %T", decoded.Payload)
	}
	if exit.Code != 1 || exit.Signal != nil {
		t.Fatalf("unexpected exit payload: %+v", exit)
	}
}

func TestExitPayloadWithSignal(t *testing.T) {
	t.Parallel()
	sig := "SIGKILL"
	env := NewEnvelope(ForProject("p1"), TopicOutput, ExitPayload{Code: -1, Signal: &sig})
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Envelope
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	exit := decoded.Payload.(ExitPayload)
	if exit.Signal == nil || *exit.Signal != "SIGKILL" {
		t.Fatalf("expected SIGKILL signal, got %+v", exit)
	}
}

func TestInputPayloadRoundTrip(t *testing.T) {
	t.Parallel()
	env := NewEnvelope(ForProject("p1"), TopicInputForSession("sess_1"), InputPayload{Data: "ls -la\r"})
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Envelope
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	in, ok := decoded.Payload.(InputPayload)
	if !ok {
		t.Fatalf("expected InputPayload, got %T", decoded.Payload)
	}
	if in.Data != "ls -la\r" {
		t.Fatalf("input data mismatch: %q", in.Data)
	}
}

func TestUnmarshalRejectsUnknownPayloadType(t *testing.T) {
	t.Parallel()
	raw := `{"channel":"workspace:p1","topic":"claude-output","data":{"type":"bogus"},"timestamp":0}`
	var decoded Envelope
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
		t.Fatal("expected error for unknown payload type")
	}
}

func TestMarshalRejectsInvalidOutputKind(t *testing.T) {
	t.Parallel()
	env := NewEnvelope(ForProject("p1"), TopicOutput, OutputPayload{Kind: "stdlog", Data: "x"})
	if _, err := json.Marshal(env); err == nil {
		t.Fatal("expected error for invalid output kind")
	}
}
