package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/term"

	"github.com/stackpad/stackpad/internal/broker"
	"github.com/stackpad/stackpad/internal/channel"
	"github.com/stackpad/stackpad/internal/compute"
	"github.com/stackpad/stackpad/internal/endpoint"
	"github.com/stackpad/stackpad/internal/gateway"
	"github.com/stackpad/stackpad/internal/reconciler"
	"github.com/stackpad/stackpad/internal/registry"
	"github.com/stackpad/stackpad/internal/runtimeconfig"
	"github.com/stackpad/stackpad/internal/store"
	"github.com/stackpad/stackpad/internal/streamclient"
	"github.com/stackpad/stackpad/internal/token"
)

type runtimeContext struct {
	Stdout     *os.File
	Config     runtimeconfig.Config
	ConfigPath string
}

type CLI struct {
	Version  kong.VersionFlag `help:"Print version and exit"`
	Serve    ServeCommand     `cmd:"" help:"Run the stackpad control-plane server"`
	Token    TokenCommand     `cmd:"" help:"Mint a stream subscription token"`
	Attach   AttachCommand    `cmd:"" help:"Attach an interactive terminal to a project's session stream"`
	Sessions SessionsCommand  `cmd:"" help:"List session records for a project"`
}

type ServeCommand struct {
	Listen   string `help:"Listen address for the stream gateway and lifecycle webhook (host:port)"`
	LogLevel string `help:"Server log level (debug|info|warn|error)"`

	BrokerAddr    string `help:"Redis broker address (defaults to runtime config; empty selects the in-memory broker)"`
	StorePath     string `help:"SQLite session database path"`
	AllowUnsigned bool   `help:"Accept lifecycle webhooks without a signature (development only)"`
}

type TokenCommand struct {
	Project string   `required:"" help:"Project ID the token grants access to"`
	Topics  []string `help:"Topics the token may subscribe to (default: claude-output)"`
}

type AttachCommand struct {
	Project  string `required:"" help:"Project ID to attach to"`
	Session  string `required:"" help:"Session ID keystrokes are routed to"`
	Host     string `help:"Gateway base URL (default http://127.0.0.1:8210)"`
	LogLevel string `help:"Client log level (debug|info|warn|error)"`
}

type SessionsCommand struct {
	Project   string `required:"" help:"Project ID to list sessions for"`
	StorePath string `help:"SQLite session database path"`
}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

func Run(args []string, version string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Stdout:     os.Stdout,
		Config:     cfg,
		ConfigPath: cfgPath,
	}

	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("stackpad"),
		kong.Description("Stackpad sandbox control-plane CLI"),
		kong.Vars{"version": version},
	)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(runtimeCtx)
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func (s *ServeCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(s.LogLevel, "server")
	if err != nil {
		return err
	}

	listen, err := endpoint.ResolveListen(firstNonEmpty(s.Listen, ctx.Config.Listen))
	if err != nil {
		return err
	}
	tokenSecret := strings.TrimSpace(ctx.Config.Tokens.Secret)
	if tokenSecret == "" {
		return fmt.Errorf("tokens.secret is not set in %s", ctx.ConfigPath)
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	b, err := openBroker(runCtx, firstNonEmpty(s.BrokerAddr, ctx.Config.Broker.Addr), ctx.Config, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = b.Close()
	}()

	st, err := openStore(s.StorePath, ctx.Config)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()

	gw, err := gateway.NewHandler(gateway.HandlerConfig{
		Broker:            b,
		Registry:          registry.New(),
		TokenSecret:       []byte(tokenSecret),
		TokenTTL:          time.Duration(ctx.Config.Tokens.TTLSeconds) * time.Second,
		HeartbeatInterval: time.Duration(ctx.Config.Stream.HeartbeatSeconds) * time.Second,
		Logger:            logger.With("subsystem", "gateway"),
	})
	if err != nil {
		return err
	}
	mux.Handle("/", gw)

	if hook, err := buildWebhook(s, ctx, st, logger); err != nil {
		return err
	} else if hook != nil {
		mux.Handle("/lifecycle", hook)
	}

	return serveHTTP(runCtx, listen, h2c.NewHandler(mux, &http2.Server{}), logger)
}

// buildWebhook wires the lifecycle reconciler when a compute provider is
// configured. Without one the webhook is simply not mounted.
func buildWebhook(s *ServeCommand, ctx *runtimeContext, st *store.Store, logger *log.Logger) (http.Handler, error) {
	providerURL := strings.TrimSpace(ctx.Config.Provider.BaseURL)
	if providerURL == "" {
		logger.Info("no compute provider configured, lifecycle webhook disabled")
		return nil, nil
	}

	provider, err := compute.NewHTTPProvider(compute.HTTPProviderConfig{
		BaseURL: providerURL,
		Logger:  logger.With("subsystem", "provider"),
	})
	if err != nil {
		return nil, err
	}
	rec, err := reconciler.New(st, provider,
		compute.StaticCredentials(ctx.Config.Provider.Credentials),
		logger.With("subsystem", "reconciler"))
	if err != nil {
		return nil, err
	}

	allowUnsigned := s.AllowUnsigned || ctx.Config.Webhook.AllowUnsigned
	hookSecret := strings.TrimSpace(ctx.Config.Webhook.Secret)
	if hookSecret == "" && !allowUnsigned {
		return nil, fmt.Errorf("webhook.secret is not set in %s (or pass --allow-unsigned for development)", ctx.ConfigPath)
	}
	return reconciler.NewWebhookHandler(reconciler.WebhookConfig{
		Reconciler:    rec,
		Secret:        []byte(hookSecret),
		AllowUnsigned: allowUnsigned,
		Logger:        logger.With("subsystem", "webhook"),
	}), nil
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *log.Logger) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", addr, err)
	}
	defer listener.Close()
	logger.Info("serving stackpad control plane", "addr", listener.Addr().String())

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		logger.Info("control plane shutdown complete", "addr", addr)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error("control plane serve failed", "error", err)
		return err
	}
}

func (t *TokenCommand) Run(ctx *runtimeContext) error {
	secret := strings.TrimSpace(ctx.Config.Tokens.Secret)
	if secret == "" {
		return fmt.Errorf("tokens.secret is not set in %s", ctx.ConfigPath)
	}
	topics := t.Topics
	if len(topics) == 0 {
		topics = []string{channel.TopicOutput}
	}
	ttl := time.Duration(ctx.Config.Tokens.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = gateway.DefaultTokenTTL
	}

	tok, err := token.Mint([]byte(secret), channel.ForProject(t.Project), topics, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(ctx.Stdout, tok)
	return err
}

func (a *AttachCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(a.LogLevel, "client")
	if err != nil {
		return err
	}

	baseURL, err := endpoint.ResolveBaseURL(a.Host)
	if err != nil {
		return err
	}
	manager, err := streamclient.New(streamclient.Config{
		BaseURL:   baseURL,
		ProjectID: a.Project,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	batcher := streamclient.NewInputBatcher(0, func(data string) {
		if sendErr := manager.SendInput(runCtx, a.Session, data); sendErr != nil {
			logger.Warn("send input failed", "session_id", a.Session, "error", sendErr)
		}
	})
	defer batcher.Close()

	stdinFD := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFD) {
		oldState, rawErr := term.MakeRaw(stdinFD)
		if rawErr != nil {
			logger.Warn("failed to enter raw mode", "error", rawErr)
		} else {
			defer func() {
				_ = term.Restore(stdinFD, oldState)
			}()
		}
	}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, readErr := os.Stdin.Read(buf)
			if n > 0 {
				batcher.Write(string(buf[:n]))
			}
			if readErr != nil {
				cancel()
				return
			}
		}
	}()

	var exitCode int
	runErr := manager.Run(runCtx, func(msg streamclient.Message) {
		payload, decodeErr := channel.DecodePayload(msg.Data)
		if decodeErr != nil {
			logger.Debug("dropping undecodable payload", "topic", msg.Topic, "error", decodeErr)
			return
		}
		switch p := payload.(type) {
		case channel.OutputPayload:
			if p.Kind == "stderr" {
				fmt.Fprint(os.Stderr, p.Data)
				return
			}
			fmt.Fprint(ctx.Stdout, p.Data)
		case channel.ExitPayload:
			exitCode = p.Code
			if p.Signal != nil {
				fmt.Fprintf(os.Stderr, "\r\nsession terminated by %s\r\n", *p.Signal)
				return
			}
			fmt.Fprintf(os.Stderr, "\r\nsession exited with code %d\r\n", p.Code)
		}
	})
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if exitCode != 0 {
		return exitCodeError{code: exitCode}
	}
	return nil
}

func (c *SessionsCommand) Run(ctx *runtimeContext) error {
	st, err := openStore(c.StorePath, ctx.Config)
	if err != nil {
		return err
	}

	recs, err := st.ListForProject(context.Background(), c.Project)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		_, err := fmt.Fprintf(ctx.Stdout, "no sessions found for project %s\n", c.Project)
		return err
	}
	for _, rec := range recs {
		stopped := "-"
		if rec.StoppedAt != nil {
			stopped = rec.StoppedAt.Format(time.RFC3339)
		}
		if _, err := fmt.Fprintf(ctx.Stdout, "%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.SandboxID, rec.Status, rec.CreatedAt.Format(time.RFC3339), stopped); err != nil {
			return err
		}
	}
	return nil
}

func openBroker(ctx context.Context, addr string, cfg runtimeconfig.Config, logger *log.Logger) (broker.Broker, error) {
	if addr == "" {
		logger.Warn("no broker address configured, using in-memory broker")
		return broker.NewMemory(logger.With("subsystem", "broker")), nil
	}
	return broker.NewRedis(ctx, broker.RedisConfig{
		Addr:     addr,
		Password: cfg.Broker.Password,
		DB:       cfg.Broker.DB,
		Logger:   logger.With("subsystem", "broker"),
	})
}

func openStore(flagPath string, cfg runtimeconfig.Config) (*store.Store, error) {
	path := firstNonEmpty(flagPath, cfg.Store.Path)
	if path == "" {
		defaultPath, err := runtimeconfig.DefaultStorePath()
		if err != nil {
			return nil, err
		}
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session database directory: %w", err)
	}
	return store.New(path)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}
