// Package streamclient maintains a best-effort live connection to the
// realtime gateway, self-healing with exponential backoff. It mirrors the
// browser stream manager so terminal clients get the same semantics.
package streamclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Backoff computes reconnect delays: min(base * 2^attempt, cap).
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff matches the browser client: 3s base, 30s cap.
var DefaultBackoff = Backoff{Base: 3 * time.Second, Cap: 30 * time.Second}

// Delay returns the delay before reconnect attempt number attempt (0-based
// count of consecutive failures).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}

// State is the connection state visible to consumers.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Message is one application message received from the gateway.
type Message struct {
	Topic     string
	Data      json.RawMessage
	Timestamp time.Time
}

// Config configures a stream Manager.
type Config struct {
	// BaseURL is the gateway root, e.g. "http://127.0.0.1:8210".
	BaseURL   string
	ProjectID string

	HTTPClient *http.Client
	Backoff    Backoff
	Logger     *log.Logger

	// MaxLog bounds the in-memory message log. Zero means 2048.
	MaxLog int
}

// Manager owns one logical stream: token exchange, the streaming
// connection, and the reconnect loop.
type Manager struct {
	cfg    Config
	client *http.Client
	logger *log.Logger

	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	running  bool
	state    State
	attempt  int
	messages []Message
}

// New creates a Manager. Run starts the connection loop.
func New(cfg Config) (*Manager, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("missing base url")
	}
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("missing project id")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.MaxLog <= 0 {
		cfg.MaxLog = 2048
	}
	return &Manager{
		cfg:    cfg,
		client: cfg.HTTPClient,
		logger: cfg.Logger,
		sleep:  sleepCtx,
	}, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Latest returns the most recent message, if any.
func (m *Manager) Latest() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages) == 0 {
		return Message{}, false
	}
	return m.messages[len(m.messages)-1], true
}

// Log returns a copy of the in-memory message log.
func (m *Manager) Log() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// Run connects and keeps reconnecting until ctx is canceled. Only one Run
// per Manager may be active; a second call fails rather than racing the
// first (the reconnect-in-progress guard).
func (m *Manager) Run(ctx context.Context, onMessage func(Message)) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("stream manager already running")
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.state = StateDisconnected
		m.mu.Unlock()
	}()

	for {
		err := m.connectOnce(ctx, onMessage)
		if ctx.Err() != nil {
			return nil
		}

		m.mu.Lock()
		m.state = StateDisconnected
		attempt := m.attempt
		m.attempt++
		m.mu.Unlock()

		delay := m.cfg.Backoff.Delay(attempt)
		if m.logger != nil {
			m.logger.Warn("stream disconnected, scheduling reconnect",
				"error", err, "attempt", attempt, "delay", delay)
		}
		if err := m.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// connectOnce performs one full connect attempt: a fresh token (tokens are
// never reused across attempts), then the streaming request, then the read
// loop until the transport fails.
func (m *Manager) connectOnce(ctx context.Context, onMessage func(Message)) error {
	m.mu.Lock()
	m.state = StateConnecting
	m.mu.Unlock()

	tok, err := m.fetchToken(ctx)
	if err != nil {
		return fmt.Errorf("fetch subscription token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		m.cfg.BaseURL+"/events?token="+url.QueryEscape(tok), nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("stream request failed: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return m.readLoop(resp.Body, onMessage)
}

func (m *Manager) readLoop(body io.Reader, onMessage func(Message)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var name, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, ":"):
			// Heartbeat comment; not an application message.
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if name != "" || data != "" {
				m.dispatch(name, data, onMessage)
				name, data = "", ""
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("stream closed by server")
}

// dispatch routes one parsed event. Unparsable events are logged and
// dropped; they never break the stream.
func (m *Manager) dispatch(name, data string, onMessage func(Message)) {
	switch name {
	case "connected":
		m.mu.Lock()
		m.state = StateConnected
		m.attempt = 0 // a successful connection clears backoff
		m.mu.Unlock()
		if m.logger != nil {
			m.logger.Info("stream connected", "project_id", m.cfg.ProjectID)
		}
	case "message":
		var wire struct {
			Topic     string          `json:"topic"`
			Data      json.RawMessage `json:"data"`
			Timestamp int64           `json:"timestamp"`
		}
		if err := json.Unmarshal([]byte(data), &wire); err != nil {
			if m.logger != nil {
				m.logger.Warn("dropping unparsable event", "error", err)
			}
			return
		}
		msg := Message{
			Topic:     wire.Topic,
			Data:      wire.Data,
			Timestamp: time.UnixMilli(wire.Timestamp).UTC(),
		}
		m.mu.Lock()
		m.messages = append(m.messages, msg)
		if len(m.messages) > m.cfg.MaxLog {
			m.messages = m.messages[len(m.messages)-m.cfg.MaxLog:]
		}
		m.mu.Unlock()
		if onMessage != nil {
			onMessage(msg)
		}
	default:
		if m.logger != nil {
			m.logger.Debug("ignoring unknown event", "event", name)
		}
	}
}

func (m *Manager) fetchToken(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{"projectId": m.cfg.ProjectID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.cfg.BaseURL+"/token", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request failed: %d", resp.StatusCode)
	}
	var tr struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", err
	}
	if tr.Token == "" {
		return "", errors.New("empty token in response")
	}
	return tr.Token, nil
}

// SendInput publishes keystroke data toward a session via the gateway.
func (m *Manager) SendInput(ctx context.Context, sessionID, data string) error {
	body, err := json.Marshal(map[string]string{
		"projectId": m.cfg.ProjectID,
		"sessionId": sessionID,
		"data":      data,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.cfg.BaseURL+"/input", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("input request failed: %d", resp.StatusCode)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
