package reconciler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/charmbracelet/log"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Signature"

// maxWebhookBody bounds lifecycle payload reads.
const maxWebhookBody = 64 * 1024

// lifecycleEvent is the provider's webhook payload.
type lifecycleEvent struct {
	EventCategory string `json:"eventCategory"`
	EventLabel    string `json:"eventLabel"`
	SandboxID     string `json:"sandboxId"`
	SandboxTeamID string `json:"sandboxTeamId"`
	Timestamp     int64  `json:"timestamp"`
}

// WebhookConfig configures the lifecycle webhook handler.
type WebhookConfig struct {
	Reconciler *Reconciler
	// Secret signs webhook bodies. Requests whose signature does not
	// match are rejected unless AllowUnsigned is set.
	Secret []byte
	// AllowUnsigned accepts requests that carry no signature, logging a
	// warning for each one. Requests that do carry a signature are still
	// verified. Intended for local development only.
	AllowUnsigned bool
	Logger        *log.Logger
}

// NewWebhookHandler returns the HTTP handler for provider lifecycle
// notifications, mounted at POST /lifecycle.
func NewWebhookHandler(cfg WebhookConfig) http.Handler {
	if cfg.AllowUnsigned && cfg.Logger != nil {
		cfg.Logger.Warn("lifecycle webhook signature verification is DISABLED; do not run this in production")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /lifecycle", func(w http.ResponseWriter, r *http.Request) {
		handleLifecycle(cfg, w, r)
	})
	return mux
}

func handleLifecycle(cfg WebhookConfig, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	// A request that carries a signature is verified even in AllowUnsigned
	// mode; the escape hatch only covers requests with no signature at all.
	sig := r.Header.Get(SignatureHeader)
	switch {
	case sig != "" && len(cfg.Secret) > 0, !cfg.AllowUnsigned:
		if !verifySignature(cfg.Secret, body, sig) {
			if cfg.Logger != nil {
				cfg.Logger.Warn("rejected lifecycle webhook with bad signature", "remote", r.RemoteAddr)
			}
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	default:
		if cfg.Logger != nil {
			cfg.Logger.Warn("accepting unsigned lifecycle webhook", "remote", r.RemoteAddr)
		}
	}

	var ev lifecycleEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if ev.SandboxID == "" {
		http.Error(w, "missing sandboxId", http.StatusBadRequest)
		return
	}

	// Unknown labels are acknowledged without action so the provider does
	// not retry events we will never handle.
	switch routeLabel(ev.EventLabel) {
	case "kill":
		err = cfg.Reconciler.HandleKill(r.Context(), ev.SandboxID, ev.SandboxTeamID)
	case "pause":
		err = cfg.Reconciler.HandlePause(r.Context(), ev.SandboxID)
	default:
		if cfg.Logger != nil {
			cfg.Logger.Info("ignoring lifecycle event",
				"category", ev.EventCategory, "label", ev.EventLabel, "sandbox_id", ev.SandboxID)
		}
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		if cfg.Logger != nil {
			cfg.Logger.Error("lifecycle reconciliation failed",
				"label", ev.EventLabel, "sandbox_id", ev.SandboxID, "error", err)
		}
		http.Error(w, "reconciliation failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// verifySignature checks the hex HMAC-SHA256 of body against the header
// value in constant time.
func verifySignature(secret, body []byte, header string) bool {
	if header == "" || len(secret) == 0 {
		return false
	}
	got, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// SignBody computes the lifecycle webhook signature for a body. Exposed for
// clients and tests that need to produce valid requests.
func SignBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
