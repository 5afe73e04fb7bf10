package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stackpad/stackpad/internal/broker"
	"github.com/stackpad/stackpad/internal/channel"
	"github.com/stackpad/stackpad/internal/registry"
	"github.com/stackpad/stackpad/internal/token"
)

var testSecret = []byte("gateway-test-secret")

type testGateway struct {
	broker   *broker.Memory
	registry *registry.Registry
	server   *httptest.Server
}

func newTestGateway(t *testing.T, heartbeat time.Duration) *testGateway {
	t.Helper()
	m := broker.NewMemory(nil)
	reg := registry.New()
	h, err := NewHandler(HandlerConfig{
		Broker:            m,
		Registry:          reg,
		TokenSecret:       testSecret,
		HeartbeatInterval: heartbeat,
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		m.Close()
	})
	return &testGateway{broker: m, registry: reg, server: srv}
}

func (g *testGateway) mintToken(t *testing.T, projectID string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"projectId": projectID})
	resp, err := http.Post(g.server.URL+"/token", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mint token status: %d", resp.StatusCode)
	}
	var tr struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	return tr.Token
}

// sseEvent is one parsed server-sent event; comment lines surface with
// Name "" and the comment text in Data.
type sseEvent struct {
	Name string
	Data string
}

func readEvents(t *testing.T, ctx context.Context, url string, out chan<- sseEvent) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("stream status: %d", resp.StatusCode)
	}
	go func() {
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		var current sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				current.Name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				current.Data = strings.TrimPrefix(line, "data: ")
			case strings.HasPrefix(line, ":"):
				out <- sseEvent{Data: line}
			case line == "":
				if current.Name != "" || current.Data != "" {
					out <- current
					current = sseEvent{}
				}
			}
		}
	}()
	return resp
}

func waitEvent(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return sseEvent{}
	}
}

func waitRegistryLen(t *testing.T, reg *registry.Registry, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if reg.Len() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("registry never reached %d streams (have %d)", want, reg.Len())
}

func TestStreamRejectsBadTokens(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, 0)

	expired, err := token.Mint(testSecret, "workspace:p1", []string{channel.TopicOutput}, -time.Second)
	if err != nil {
		t.Fatalf("mint expired: %v", err)
	}

	for name, raw := range map[string]string{
		"missing":   "",
		"malformed": "not-a-token",
		"expired":   expired,
	} {
		resp, err := http.Get(g.server.URL + "/events?token=" + raw)
		if err != nil {
			t.Fatalf("%s: get: %v", name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, resp.StatusCode)
		}
	}
}

func TestStreamConnectedThenMessagesInOrder(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, 0)
	raw := g.mintToken(t, "p1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan sseEvent, 64)
	readEvents(t, ctx, g.server.URL+"/events?token="+raw, events)

	first := waitEvent(t, events)
	if first.Name != "connected" {
		t.Fatalf("expected connected event first, got %+v", first)
	}
	if !strings.Contains(first.Data, `"workspace:p1"`) {
		t.Fatalf("connected event missing channel: %s", first.Data)
	}

	waitRegistryLen(t, g.registry, 1)

	for i := 0; i < 5; i++ {
		g.broker.Publish(ctx, channel.NewEnvelope("workspace:p1", channel.TopicOutput,
			channel.OutputPayload{Kind: "stdout", Data: fmt.Sprintf("line %d", i)}))
	}

	for i := 0; i < 5; i++ {
		ev := waitEvent(t, events)
		if ev.Name != "message" {
			t.Fatalf("expected message event, got %+v", ev)
		}
		var msg struct {
			Topic     string          `json:"topic"`
			Data      json.RawMessage `json:"data"`
			Timestamp int64           `json:"timestamp"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		if msg.Topic != channel.TopicOutput {
			t.Fatalf("unexpected topic %s", msg.Topic)
		}
		if msg.Timestamp == 0 {
			t.Fatal("missing timestamp")
		}
		want := fmt.Sprintf(`"data":"line %d"`, i)
		if !strings.Contains(string(msg.Data), want) {
			t.Fatalf("out of order at %d: %s", i, msg.Data)
		}
	}
}

func TestStreamTeardownOnDisconnect(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, 0)
	raw := g.mintToken(t, "p1")

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan sseEvent, 8)
	readEvents(t, ctx, g.server.URL+"/events?token="+raw, events)
	waitEvent(t, events) // connected
	waitRegistryLen(t, g.registry, 1)

	cancel()
	waitRegistryLen(t, g.registry, 0)

	// Publishing after teardown must not panic or wedge.
	g.broker.Publish(context.Background(), channel.NewEnvelope("workspace:p1",
		channel.TopicOutput, channel.OutputPayload{Kind: "stdout", Data: "late"}))
}

func TestRepeatedConnectDisconnectCyclesLeakNothing(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, 0)

	for i := 0; i < 5; i++ {
		raw := g.mintToken(t, "p1")
		ctx, cancel := context.WithCancel(context.Background())
		events := make(chan sseEvent, 8)
		readEvents(t, ctx, g.server.URL+"/events?token="+raw, events)
		waitEvent(t, events)
		waitRegistryLen(t, g.registry, 1)
		cancel()
		waitRegistryLen(t, g.registry, 0)
	}
}

func TestHeartbeatCommentLines(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, 40*time.Millisecond)
	raw := g.mintToken(t, "p1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan sseEvent, 8)
	readEvents(t, ctx, g.server.URL+"/events?token="+raw, events)
	waitEvent(t, events) // connected

	ev := waitEvent(t, events)
	if ev.Name != "" || !strings.HasPrefix(ev.Data, ":") {
		t.Fatalf("expected comment heartbeat, got %+v", ev)
	}
}

func TestInputEndpointPublishes(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, 0)

	sub, err := g.broker.Subscribe(context.Background(), "workspace:p1",
		[]string{channel.TopicInputForSession("s1")})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	body, _ := json.Marshal(map[string]string{"projectId": "p1", "sessionId": "s1", "data": "ls\r"})
	resp, err := http.Post(g.server.URL+"/input", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post input: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	select {
	case env := <-sub.Events():
		in, ok := env.Payload.(channel.InputPayload)
		if !ok || in.Data != "ls\r" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("input envelope never arrived")
	}
}

func TestTokenEndpointValidatesBody(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, 0)

	resp, err := http.Post(g.server.URL+"/token", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for truncated body, got %d", resp.StatusCode)
	}

	resp, err = http.Post(g.server.URL+"/token", "application/json", strings.NewReader(`{"projectId":" "}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank project, got %d", resp.StatusCode)
	}
}
