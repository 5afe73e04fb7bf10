package broker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stackpad/stackpad/internal/channel"
)

func TestMemoryPublishOrderPreserved(t *testing.T) {
	t.Parallel()
	m := NewMemory(nil)
	defer m.Close()
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "workspace:p1", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	const n = 50
	for i := 0; i < n; i++ {
		m.Publish(ctx, channel.NewEnvelope("workspace:p1", channel.TopicOutput,
			channel.OutputPayload{Kind: "stdout", Data: fmt.Sprintf("line %d", i)}))
	}

	for i := 0; i < n; i++ {
		select {
		case env := <-sub.Events():
			got := env.Payload.(channel.OutputPayload).Data
			want := fmt.Sprintf("line %d", i)
			if got != want {
				t.Fatalf("out of order at %d: got %q want %q", i, got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestMemoryTopicFilter(t *testing.T) {
	t.Parallel()
	m := NewMemory(nil)
	defer m.Close()
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "workspace:p1", []string{channel.TopicOutput})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	m.Publish(ctx, channel.NewEnvelope("workspace:p1", channel.TopicInputForSession("s1"),
		channel.InputPayload{Data: "secret"}))
	m.Publish(ctx, channel.NewEnvelope("workspace:p1", channel.TopicOutput,
		channel.OutputPayload{Kind: "stdout", Data: "visible"}))

	select {
	case env := <-sub.Events():
		if env.Topic != channel.TopicOutput {
			t.Fatalf("expected only %s, got %s", channel.TopicOutput, env.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered message")
	}
}

func TestMemoryChannelIsolation(t *testing.T) {
	t.Parallel()
	m := NewMemory(nil)
	defer m.Close()
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "workspace:p1", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	m.Publish(ctx, channel.NewEnvelope("workspace:p2", channel.TopicOutput,
		channel.OutputPayload{Kind: "stdout", Data: "other project"}))

	select {
	case env := <-sub.Events():
		t.Fatalf("unexpected cross-channel delivery: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemorySubscriptionCloseIdempotent(t *testing.T) {
	t.Parallel()
	m := NewMemory(nil)
	defer m.Close()

	sub, err := m.Subscribe(context.Background(), "workspace:p1", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected events channel to be closed")
	}
}

func TestMemoryPublishAfterCloseIsNoop(t *testing.T) {
	t.Parallel()
	m := NewMemory(nil)
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Must not panic.
	m.Publish(context.Background(), channel.NewEnvelope("workspace:p1", channel.TopicOutput,
		channel.OutputPayload{Kind: "stdout", Data: "x"}))
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestMemoryRecordTTL(t *testing.T) {
	t.Parallel()
	m := NewMemory(nil)
	defer m.Close()
	ctx := context.Background()

	if err := m.SetRecord(ctx, channel.KeyAgentPID("p1"), "12345", 30*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	val, ok, err := m.GetRecord(ctx, channel.KeyAgentPID("p1"))
	if err != nil || !ok || val != "12345" {
		t.Fatalf("expected live record, got %q %v %v", val, ok, err)
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok, _ := m.GetRecord(ctx, channel.KeyAgentPID("p1")); ok {
		t.Fatal("expected record to expire")
	}
}

func TestMemoryDeleteRecord(t *testing.T) {
	t.Parallel()
	m := NewMemory(nil)
	defer m.Close()
	ctx := context.Background()

	if err := m.SetRecord(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := m.DeleteRecord(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := m.GetRecord(ctx, "k"); ok {
		t.Fatal("expected record to be gone")
	}
	// Deleting an absent record is a no-op.
	if err := m.DeleteRecord(ctx, "k"); err != nil {
		t.Fatalf("delete absent: %v", err)
	}
}
