// Package supervisor keeps exactly one interactive process alive per
// sandbox and bridges its stdio to the message broker.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/stackpad/stackpad/internal/broker"
	"github.com/stackpad/stackpad/internal/channel"
)

const (
	// DefaultPIDRecordTTL is how long a PID record lives in the broker. It
	// is refreshed only by re-registration on spawn, never by activity, so
	// a dead supervisor's record silently expires.
	DefaultPIDRecordTTL = time.Hour

	// DefaultRestartDelay is the pause between a child exit and the
	// unconditional respawn.
	DefaultRestartDelay = 2 * time.Second

	readChunkSize = 4096
)

// Config configures a Supervisor.
type Config struct {
	ProjectID string
	SessionID string
	Command   []string
	Dir       string
	Env       []string // KEY=VALUE entries layered over the inherited environment

	// UsePTY allocates a pseudo-terminal for the child. Interactive
	// sessions want this; it merges stderr into the stdout stream.
	UsePTY bool

	PIDRecordTTL time.Duration
	RestartDelay time.Duration
}

// Session is one supervised process instance. A restart produces a new
// Session; they are never reused.
type Session struct {
	ProjectID string
	PID       int
	Dir       string
	StartedAt time.Time
	Alive     bool
	ExitCode  int
	Signal    *string
}

// Supervisor owns the spawn/forward/restart loop for one sandbox.
type Supervisor struct {
	cfg    Config
	broker broker.Broker
	logger *log.Logger

	mu      sync.Mutex
	stdin   io.Writer
	current *Session
}

// New creates a supervisor. Run starts it.
func New(cfg Config, b broker.Broker, logger *log.Logger) (*Supervisor, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("missing project id")
	}
	if strings.TrimSpace(cfg.SessionID) == "" {
		return nil, errors.New("missing session id")
	}
	if len(cfg.Command) == 0 {
		return nil, errors.New("missing command")
	}
	if cfg.PIDRecordTTL <= 0 {
		cfg.PIDRecordTTL = DefaultPIDRecordTTL
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	return &Supervisor{cfg: cfg, broker: b, logger: logger}, nil
}

// Current returns a copy of the active session, if any.
func (s *Supervisor) Current() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Session{}, false
	}
	return *s.current, true
}

// Run drives the supervisor until ctx is canceled: it subscribes to the
// session's input topic, then spawns the child in a loop, forwarding output
// and restarting after every exit. Returning without error means a clean,
// signal-driven shutdown with the child already killed and broker
// subscriptions closed.
func (s *Supervisor) Run(ctx context.Context) error {
	inputTopic := channel.TopicInputForSession(s.cfg.SessionID)
	sub, err := s.broker.Subscribe(ctx, channel.ForProject(s.cfg.ProjectID), []string{inputTopic})
	if err != nil {
		// The one fatal failure mode: the broker must be reachable at start.
		return fmt.Errorf("subscribe to input topic: %w", err)
	}
	defer sub.Close()

	go s.inputLoop(sub)

	for {
		if err := s.runOnce(ctx); err != nil {
			// Spawn failures are retried on the same cadence as exits.
			// A crash loop here is acceptable; the control-plane tears
			// down the whole sandbox eventually.
			if s.logger != nil {
				s.logger.Error("spawn failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.RestartDelay):
		}
	}
}

// runOnce spawns one child generation and blocks until it exits or ctx is
// canceled. The restart decision belongs to the caller.
func (s *Supervisor) runOnce(ctx context.Context) error {
	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = buildEnv(s.cfg.Env)

	var output io.ReadCloser
	var stderr io.ReadCloser
	var stdin io.WriteCloser

	if s.cfg.UsePTY {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return fmt.Errorf("start %q on pty: %w", s.cfg.Command[0], err)
		}
		_ = pty.Setsize(ptmx, &pty.Winsize{Rows: 24, Cols: 80})
		output = ptmx
		stdin = ptmx
	} else {
		outPipe, err := cmd.StdoutPipe()
		if err != nil {
			return err
		}
		errPipe, err := cmd.StderrPipe()
		if err != nil {
			return err
		}
		inPipe, err := cmd.StdinPipe()
		if err != nil {
			return err
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start %q: %w", s.cfg.Command[0], err)
		}
		output = outPipe
		stderr = errPipe
		stdin = inPipe
	}

	sess := &Session{
		ProjectID: s.cfg.ProjectID,
		PID:       cmd.Process.Pid,
		Dir:       s.cfg.Dir,
		StartedAt: time.Now().UTC(),
		Alive:     true,
	}
	s.mu.Lock()
	s.current = sess
	s.stdin = stdin
	s.mu.Unlock()

	s.registerRecords(ctx, sess.PID)
	if s.logger != nil {
		s.logger.Info("session started", "pid", sess.PID, "command", s.cfg.Command[0])
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.forward(ctx, output, "stdout")
	}()
	if stderr != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.forward(ctx, stderr, "stderr")
		}()
	}

	waitCh := make(chan error, 1)
	go func() {
		wg.Wait()
		waitCh <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		// Shutdown: kill the child and wait for it synchronously so we
		// never exit leaving an orphan behind.
		_ = cmd.Process.Kill()
		<-waitCh
		if s.cfg.UsePTY {
			_ = output.Close()
		}
		s.clearSession(0, nil)
		s.deleteRecords()
		return nil
	case waitErr := <-waitCh:
		if s.cfg.UsePTY {
			_ = output.Close()
		}
		code, signal := exitStatus(cmd, waitErr)
		s.clearSession(code, signal)
		s.publishExit(ctx, code, signal)
		s.deleteRecords()
		if s.logger != nil {
			s.logger.Warn("session exited, scheduling restart",
				"pid", sess.PID, "code", code, "signal", signalName(signal),
				"delay", s.cfg.RestartDelay)
		}
		return nil
	}
}

// forward publishes every output chunk immediately; buffering across chunks
// would add latency to an interactive session.
func (s *Supervisor) forward(ctx context.Context, r io.Reader, kind string) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.broker.Publish(ctx, channel.NewEnvelope(
				channel.ForProject(s.cfg.ProjectID),
				channel.TopicOutput,
				channel.OutputPayload{Kind: kind, Data: string(buf[:n])},
			))
		}
		if err != nil {
			return
		}
	}
}

// inputLoop writes received input envelopes verbatim to the live child's
// stdin. Input for a dead or not-yet-started child is dropped, never queued.
func (s *Supervisor) inputLoop(sub broker.Subscription) {
	for env := range sub.Events() {
		payload, ok := env.Payload.(channel.InputPayload)
		if !ok {
			if s.logger != nil {
				s.logger.Warn("ignoring non-input payload on input topic", "topic", env.Topic)
			}
			continue
		}
		s.mu.Lock()
		stdin := s.stdin
		alive := s.current != nil && s.current.Alive
		s.mu.Unlock()
		if !alive || stdin == nil {
			if s.logger != nil {
				s.logger.Warn("dropping input: no live session", "bytes", len(payload.Data))
			}
			continue
		}
		if _, err := io.WriteString(stdin, payload.Data); err != nil {
			if s.logger != nil {
				s.logger.Warn("write to session stdin failed", "error", err)
			}
		}
	}
}

func (s *Supervisor) registerRecords(ctx context.Context, pid int) {
	if err := s.broker.SetRecord(ctx, channel.KeyAgentPID(s.cfg.ProjectID),
		strconv.Itoa(pid), s.cfg.PIDRecordTTL); err != nil && s.logger != nil {
		s.logger.Warn("register pid record failed", "error", err)
	}
	if err := s.broker.SetRecord(ctx, channel.KeyAgentReady(s.cfg.ProjectID),
		"1", s.cfg.PIDRecordTTL); err != nil && s.logger != nil {
		s.logger.Warn("register ready record failed", "error", err)
	}
}

func (s *Supervisor) deleteRecords() {
	// Records also expire on their own; explicit delete just tightens the
	// window where a stale PID is visible.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.broker.DeleteRecord(ctx, channel.KeyAgentPID(s.cfg.ProjectID)); err != nil && s.logger != nil {
		s.logger.Warn("delete pid record failed", "error", err)
	}
}

func (s *Supervisor) publishExit(ctx context.Context, code int, signal *string) {
	s.broker.Publish(ctx, channel.NewEnvelope(
		channel.ForProject(s.cfg.ProjectID),
		channel.TopicOutput,
		channel.ExitPayload{Code: code, Signal: signal},
	))
}

func (s *Supervisor) clearSession(code int, signal *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.Alive = false
		s.current.ExitCode = code
		s.current.Signal = signal
	}
	s.stdin = nil
}

// exitStatus extracts the exit code and, when the child was signaled, the
// signal name.
func exitStatus(cmd *exec.Cmd, waitErr error) (int, *string) {
	if waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return 1, nil
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		name := unix.SignalName(unix.Signal(ws.Signal()))
		return exitErr.ExitCode(), &name
	}
	return exitErr.ExitCode(), nil
}

func signalName(sig *string) string {
	if sig == nil {
		return ""
	}
	return *sig
}

// buildEnv layers configured entries over the inherited environment and
// guarantees the terminal-emulation variables interactive tools expect.
func buildEnv(extra []string) []string {
	base := map[string]string{}
	for _, entry := range os.Environ() {
		key, value, _ := strings.Cut(entry, "=")
		base[key] = value
	}
	for _, entry := range extra {
		key, value, _ := strings.Cut(entry, "=")
		base[key] = value
	}
	if strings.TrimSpace(base["TERM"]) == "" {
		base["TERM"] = "xterm-256color"
	}
	if strings.TrimSpace(base["COLORTERM"]) == "" {
		base["COLORTERM"] = "truecolor"
	}

	out := make([]string, 0, len(base))
	for key, value := range base {
		out = append(out, key+"="+value)
	}
	return out
}
