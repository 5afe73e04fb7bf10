// Package compute wraps the remote sandbox compute provider's API surface
// as consumed by the control-plane: connect-by-id, kill, and pause.
package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// ErrSandboxNotFound classifies provider responses meaning the sandbox no
// longer exists. Callers branch on this to distinguish a confirmed kill
// from a zombie.
var ErrSandboxNotFound = errors.New("sandbox not found")

// Provider is the compute provider's process/lifecycle surface.
type Provider interface {
	// Connect verifies the sandbox is reachable with the given credential.
	// Returns ErrSandboxNotFound (wrapped) when the provider reports the
	// sandbox gone.
	Connect(ctx context.Context, sandboxID, credential string) error

	// Kill force-terminates the sandbox.
	Kill(ctx context.Context, sandboxID, credential string) error

	// Pause suspends the sandbox, preserving provider-side state.
	Pause(ctx context.Context, sandboxID, credential string) error
}

// CredentialService resolves per-team provider credentials.
type CredentialService interface {
	TeamCredential(ctx context.Context, teamID string) (string, error)
}

// HTTPProvider talks to the provider's REST API.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
	logger  *log.Logger
}

// HTTPProviderConfig configures an HTTPProvider.
type HTTPProviderConfig struct {
	BaseURL string
	Client  *http.Client
	Logger  *log.Logger
}

// NewHTTPProvider creates a provider client.
func NewHTTPProvider(cfg HTTPProviderConfig) (*HTTPProvider, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("missing provider base url")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		logger:  cfg.Logger,
	}, nil
}

func (p *HTTPProvider) Connect(ctx context.Context, sandboxID, credential string) error {
	return p.do(ctx, http.MethodGet, "/sandboxes/"+sandboxID, credential, nil)
}

func (p *HTTPProvider) Kill(ctx context.Context, sandboxID, credential string) error {
	return p.do(ctx, http.MethodPost, "/sandboxes/"+sandboxID+"/kill", credential, nil)
}

func (p *HTTPProvider) Pause(ctx context.Context, sandboxID, credential string) error {
	return p.do(ctx, http.MethodPost, "/sandboxes/"+sandboxID+"/pause", credential, nil)
}

func (p *HTTPProvider) do(ctx context.Context, method, path, credential string, payload any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: %s %s", ErrSandboxNotFound, method, path)
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("provider %s %s: %d %s", method, path, resp.StatusCode,
			strings.TrimSpace(string(detail)))
	}
}

// StaticCredentials is a CredentialService backed by a fixed map, useful
// for development and tests.
type StaticCredentials map[string]string

func (s StaticCredentials) TeamCredential(_ context.Context, teamID string) (string, error) {
	cred, ok := s[teamID]
	if !ok {
		return "", fmt.Errorf("no credential for team %q", teamID)
	}
	return cred, nil
}
