// Package reconciler converges the control-plane's sandbox session records
// with lifecycle notifications pushed by the compute provider. It defends
// against stale, duplicate and out-of-order notifications: every path is
// idempotent and converges on the same terminal state.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/stackpad/stackpad/internal/compute"
)

// Record status values. The control-plane state machine per sandbox is
// starting -> ready -> stopped, with stopped terminal.
const (
	StatusStarting = "starting"
	StatusReady    = "ready"
	StatusStopped  = "stopped"
)

// ErrNotFound is returned by SessionStore lookups for unknown sandboxes.
var ErrNotFound = errors.New("session record not found")

// SessionRecord is the control-plane's belief about one remote sandbox.
type SessionRecord struct {
	ID         string
	SandboxID  string
	ProjectID  string
	TeamID     string
	Status     string
	CreatedAt  time.Time
	StoppedAt  *time.Time
	SnapshotID string
}

// Snapshot references provider-side saved sandbox state for later resume.
type Snapshot struct {
	ID          string
	ProjectID   string
	ProviderRef string
	Reason      string
	CreatedAt   time.Time
}

// SessionStore is the relational-store surface the reconciler needs.
type SessionStore interface {
	GetBySandboxID(ctx context.Context, sandboxID string) (*SessionRecord, error)
	MarkStopped(ctx context.Context, id string, at time.Time) error
	SaveSnapshot(ctx context.Context, snap Snapshot) error
}

// VerifyOutcome classifies a kill verification. Reconnect-to-verify is a
// side-effecting health check, so its result is modeled explicitly instead
// of being inferred from error text.
type VerifyOutcome int

const (
	// KillConfirmed: the provider no longer knows the sandbox.
	KillConfirmed VerifyOutcome = iota
	// ZombieTerminated: the "killed" sandbox was still reachable and has
	// been force-terminated.
	ZombieTerminated
	// KillInconclusive: verification failed in an unexpected way. The
	// record still transitions to stopped.
	KillInconclusive
)

func (o VerifyOutcome) String() string {
	switch o {
	case KillConfirmed:
		return "confirmed-dead"
	case ZombieTerminated:
		return "zombie-terminated"
	default:
		return "inconclusive"
	}
}

// Reconciler applies lifecycle notifications to session records.
type Reconciler struct {
	store    SessionStore
	provider compute.Provider
	creds    compute.CredentialService
	logger   *log.Logger
	now      func() time.Time
}

// New creates a reconciler.
func New(store SessionStore, provider compute.Provider, creds compute.CredentialService, logger *log.Logger) (*Reconciler, error) {
	if store == nil {
		return nil, errors.New("missing session store")
	}
	if provider == nil {
		return nil, errors.New("missing compute provider")
	}
	if creds == nil {
		return nil, errors.New("missing credential service")
	}
	return &Reconciler{
		store:    store,
		provider: provider,
		creds:    creds,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// HandleKill reconciles a provider "kill" notification. Unknown sandboxes
// are a no-op so duplicate or late notifications are harmless. For known
// sandboxes the kill is verified by reconnecting; whatever the verification
// outcome, the record ends up stopped.
func (r *Reconciler) HandleKill(ctx context.Context, sandboxID, teamID string) error {
	rec, err := r.store.GetBySandboxID(ctx, sandboxID)
	if errors.Is(err, ErrNotFound) {
		if r.logger != nil {
			r.logger.Info("kill notification for unknown sandbox, ignoring", "sandbox_id", sandboxID)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up session record for %q: %w", sandboxID, err)
	}

	outcome := r.verifyKill(ctx, rec, teamID)
	if r.logger != nil {
		r.logger.Info("kill verified", "sandbox_id", sandboxID, "outcome", outcome.String())
	}

	// The terminal transition happens regardless of the verification
	// branch; a record must never stay stuck because verification
	// misbehaved.
	if err := r.store.MarkStopped(ctx, rec.ID, r.now()); err != nil {
		return fmt.Errorf("mark record %q stopped: %w", rec.ID, err)
	}
	return nil
}

// verifyKill reconnects to the supposedly killed sandbox. Reconnection
// success means the provider's notification was wrong and the sandbox is a
// zombie; it gets force-terminated. A not-found failure confirms the kill.
// Anything else is logged and treated as inconclusive.
func (r *Reconciler) verifyKill(ctx context.Context, rec *SessionRecord, teamID string) VerifyOutcome {
	if teamID == "" {
		teamID = rec.TeamID
	}
	cred, err := r.creds.TeamCredential(ctx, teamID)
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("credential lookup failed during kill verification",
				"sandbox_id", rec.SandboxID, "team_id", teamID, "error", err)
		}
		return KillInconclusive
	}

	err = r.provider.Connect(ctx, rec.SandboxID, cred)
	switch {
	case err == nil:
		// Still reachable: self-heal against provider-side notification
		// bugs by force-terminating.
		if killErr := r.provider.Kill(ctx, rec.SandboxID, cred); killErr != nil && r.logger != nil {
			r.logger.Warn("force-kill of zombie sandbox failed",
				"sandbox_id", rec.SandboxID, "error", killErr)
		}
		return ZombieTerminated
	case errors.Is(err, compute.ErrSandboxNotFound):
		return KillConfirmed
	default:
		if r.logger != nil {
			r.logger.Warn("kill verification failed unexpectedly",
				"sandbox_id", rec.SandboxID, "error", err)
		}
		return KillInconclusive
	}
}

// HandlePause reconciles a provider "pause" notification. Snapshot
// bookkeeping is best-effort: a failure to record the snapshot never
// blocks the stop transition.
func (r *Reconciler) HandlePause(ctx context.Context, sandboxID string) error {
	rec, err := r.store.GetBySandboxID(ctx, sandboxID)
	if errors.Is(err, ErrNotFound) {
		if r.logger != nil {
			r.logger.Info("pause notification for unknown sandbox, ignoring", "sandbox_id", sandboxID)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up session record for %q: %w", sandboxID, err)
	}

	// For provider-initiated pauses the snapshot identifier equals the
	// sandbox identifier.
	snap := Snapshot{
		ID:          rec.SandboxID,
		ProjectID:   rec.ProjectID,
		ProviderRef: rec.SandboxID,
		Reason:      "auto-saved on idle timeout",
		CreatedAt:   r.now(),
	}
	if err := r.store.SaveSnapshot(ctx, snap); err != nil && r.logger != nil {
		r.logger.Warn("snapshot bookkeeping failed", "sandbox_id", sandboxID, "error", err)
	}

	if err := r.store.MarkStopped(ctx, rec.ID, r.now()); err != nil {
		return fmt.Errorf("mark record %q stopped: %w", rec.ID, err)
	}
	return nil
}

// EventLabel routing. Provider event labels vary by deployment; anything
// containing "kill" or "pause" routes accordingly.
func routeLabel(label string) string {
	label = strings.ToLower(label)
	switch {
	case strings.Contains(label, "kill"):
		return "kill"
	case strings.Contains(label, "pause"):
		return "pause"
	default:
		return ""
	}
}
