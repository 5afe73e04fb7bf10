// stackpad-agent runs inside a sandbox and supervises the workspace's
// interactive process: it spawns the command, bridges its stdio through the
// message broker, and restarts it after every exit. Configuration comes
// from the environment because the sandbox image has no config file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/stackpad/stackpad/internal/broker"
	"github.com/stackpad/stackpad/internal/supervisor"
)

func main() {
	logger := newLogger(os.Getenv("STACKPAD_LOG_LEVEL"))

	command := os.Args[1:]
	if len(command) == 0 {
		if raw := strings.TrimSpace(os.Getenv("STACKPAD_COMMAND")); raw != "" {
			command = strings.Fields(raw)
		}
	}
	cfg := supervisor.Config{
		ProjectID: os.Getenv("STACKPAD_PROJECT_ID"),
		SessionID: os.Getenv("STACKPAD_SESSION_ID"),
		Command:   command,
		Dir:       os.Getenv("STACKPAD_WORKDIR"),
		UsePTY:    envBool("STACKPAD_USE_PTY"),
	}

	brokerAddr := strings.TrimSpace(os.Getenv("STACKPAD_BROKER_ADDR"))
	if brokerAddr == "" {
		fmt.Fprintln(os.Stderr, "STACKPAD_BROKER_ADDR is required")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Broker setup is the one fatal failure: without the broker the agent
	// can neither forward output nor receive input.
	b, err := broker.NewRedis(ctx, broker.RedisConfig{
		Addr:     brokerAddr,
		Password: os.Getenv("STACKPAD_BROKER_PASSWORD"),
		DB:       envInt("STACKPAD_BROKER_DB"),
		Logger:   logger.With("subsystem", "broker"),
	})
	if err != nil {
		logger.Error("broker setup failed", "addr", brokerAddr, "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = b.Close()
	}()

	sup, err := supervisor.New(cfg, b, logger.With("subsystem", "supervisor"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := sup.Run(ctx); err != nil {
		logger.Error("supervisor stopped", "error", err)
		os.Exit(1)
	}
}

func envBool(name string) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	return raw == "1" || raw == "true" || raw == "yes"
}

func envInt(name string) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func newLogger(rawLevel string) *log.Logger {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		level = log.InfoLevel
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	}).With("component", "agent")
}
