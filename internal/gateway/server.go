// Package gateway exposes broker traffic to browsers over one-directional
// text/event-stream connections, each scoped by a capability token.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/stackpad/stackpad/internal/broker"
	"github.com/stackpad/stackpad/internal/channel"
	"github.com/stackpad/stackpad/internal/registry"
	"github.com/stackpad/stackpad/internal/token"
)

const (
	// DefaultHeartbeatInterval paces comment-only keepalive lines that stop
	// intermediating proxies from closing idle streams.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultTokenTTL bounds how long a minted subscription token stays
	// valid. Clients mint a fresh token per connection attempt.
	DefaultTokenTTL = time.Minute
)

// HandlerConfig configures the gateway HTTP surface.
type HandlerConfig struct {
	Broker            broker.Broker
	Registry          *registry.Registry
	TokenSecret       []byte
	TokenTTL          time.Duration
	HeartbeatInterval time.Duration
	Logger            *log.Logger
}

type handler struct {
	broker    broker.Broker
	registry  *registry.Registry
	secret    []byte
	tokenTTL  time.Duration
	heartbeat time.Duration
	logger    *log.Logger
}

// NewHandler builds the gateway's http.Handler: GET /events streams broker
// traffic, POST /token mints subscription tokens, POST /input publishes
// keystrokes toward a session.
func NewHandler(cfg HandlerConfig) (http.Handler, error) {
	if cfg.Broker == nil {
		return nil, errors.New("missing broker")
	}
	if len(cfg.TokenSecret) == 0 {
		return nil, errors.New("missing token secret")
	}
	h := &handler{
		broker:    cfg.Broker,
		registry:  cfg.Registry,
		secret:    cfg.TokenSecret,
		tokenTTL:  cfg.TokenTTL,
		heartbeat: cfg.HeartbeatInterval,
		logger:    cfg.Logger,
	}
	if h.registry == nil {
		h.registry = registry.New()
	}
	if h.tokenTTL <= 0 {
		h.tokenTTL = DefaultTokenTTL
	}
	if h.heartbeat <= 0 {
		h.heartbeat = DefaultHeartbeatInterval
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", h.handleEvents)
	mux.HandleFunc("POST /token", h.handleToken)
	mux.HandleFunc("POST /input", h.handleInput)
	return mux, nil
}

func (h *handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	claims, err := token.Verify(h.secret, r.URL.Query().Get("token"))
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("rejected stream request", "error", err)
		}
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, flusher, "connected", connectedEvent{
		Channel: claims.Channel,
		Topics:  claims.Topics,
	}); err != nil {
		return
	}

	sub, err := h.broker.Subscribe(r.Context(), claims.Channel, claims.Topics)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("broker subscribe failed", "channel", claims.Channel, "error", err)
		}
		return
	}

	// The cancellation listener and the stream's own error path can both
	// reach teardown; it must run exactly once.
	var once sync.Once
	teardown := func() {
		once.Do(func() {
			if err := sub.Close(); err != nil && h.logger != nil {
				h.logger.Warn("close broker subscription", "error", err)
			}
		})
	}
	defer teardown()

	streamID := h.registry.Register(projectFromChannel(claims.Channel), claims.Channel, claims.Topics)
	defer h.registry.Release(streamID)

	if h.logger != nil {
		h.logger.Info("stream connected", "stream_id", streamID, "channel", claims.Channel)
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			teardown()
			return
		case <-ticker.C:
			// Heartbeats are comment lines, not application messages. A
			// failed heartbeat is logged and swallowed; the disconnect
			// surfaces through the request context.
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				if h.logger != nil {
					h.logger.Debug("heartbeat write failed", "stream_id", streamID, "error", err)
				}
				teardown()
				return
			}
			flusher.Flush()
		case env, ok := <-sub.Events():
			if !ok {
				teardown()
				return
			}
			if err := writeEvent(w, flusher, "message", messageEventFrom(env)); err != nil {
				teardown()
				return
			}
		}
	}
}

type connectedEvent struct {
	Channel string   `json:"channel"`
	Topics  []string `json:"topics"`
}

type messageEvent struct {
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

func messageEventFrom(env channel.Envelope) messageEvent {
	// Envelope marshaling is the single place payload encoding lives; lean
	// on it and lift out the data member.
	b, err := json.Marshal(env)
	if err != nil {
		return messageEvent{Topic: env.Topic, Timestamp: env.Timestamp.UnixMilli()}
	}
	var wire struct {
		Data json.RawMessage `json:"data"`
	}
	_ = json.Unmarshal(b, &wire)
	return messageEvent{
		Topic:     env.Topic,
		Data:      wire.Data,
		Timestamp: env.Timestamp.UnixMilli(),
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

type tokenRequest struct {
	ProjectID string   `json:"projectId"`
	Topics    []string `json:"topics,omitempty"`
}

type tokenResponse struct {
	Token     string   `json:"token"`
	Channel   string   `json:"channel"`
	Topics    []string `json:"topics"`
	ExpiresAt int64    `json:"expiresAt"`
}

func (h *handler) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ProjectID) == "" {
		http.Error(w, "missing projectId", http.StatusBadRequest)
		return
	}
	topics := req.Topics
	if len(topics) == 0 {
		topics = []string{channel.TopicOutput}
	}

	chann := channel.ForProject(req.ProjectID)
	raw, err := token.Mint(h.secret, chann, topics, h.tokenTTL)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("mint token", "project_id", req.ProjectID, "error", err)
		}
		http.Error(w, "token minting failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokenResponse{
		Token:     raw,
		Channel:   chann,
		Topics:    topics,
		ExpiresAt: time.Now().Add(h.tokenTTL).UnixMilli(),
	})
}

type inputRequest struct {
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

func (h *handler) handleInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ProjectID) == "" || strings.TrimSpace(req.SessionID) == "" {
		http.Error(w, "missing projectId or sessionId", http.StatusBadRequest)
		return
	}

	// No delivery confirmation. If no supervisor is listening the input is
	// simply lost.
	h.broker.Publish(r.Context(), channel.NewEnvelope(
		channel.ForProject(req.ProjectID),
		channel.TopicInputForSession(req.SessionID),
		channel.InputPayload{Data: req.Data},
	))
	w.WriteHeader(http.StatusAccepted)
}

func projectFromChannel(chann string) string {
	return strings.TrimPrefix(chann, "workspace:")
}
