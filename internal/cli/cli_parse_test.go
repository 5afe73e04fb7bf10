package cli

import (
	"errors"
	"testing"

	"github.com/alecthomas/kong"
)

func TestParseServeFlags(t *testing.T) {
	cli := CLI{}
	parser, err := kong.New(&cli, kong.Name("stackpad"))
	if err != nil {
		t.Fatalf("kong.New returned error: %v", err)
	}

	ctx, err := parser.Parse([]string{"serve", "--listen", ":9000", "--broker-addr", "localhost:6379", "--allow-unsigned"})
	if err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	if got, want := ctx.Command(), "serve"; got != want {
		t.Fatalf("unexpected command: got %q want %q", got, want)
	}
	if got, want := cli.Serve.Listen, ":9000"; got != want {
		t.Fatalf("unexpected listen: got %q want %q", got, want)
	}
	if got, want := cli.Serve.BrokerAddr, "localhost:6379"; got != want {
		t.Fatalf("unexpected broker addr: got %q want %q", got, want)
	}
	if !cli.Serve.AllowUnsigned {
		t.Fatal("expected --allow-unsigned to be set")
	}
}

func TestParseAttachRequiresProjectAndSession(t *testing.T) {
	cli := CLI{}
	parser, err := kong.New(&cli, kong.Name("stackpad"))
	if err != nil {
		t.Fatalf("kong.New returned error: %v", err)
	}

	if _, err := parser.Parse([]string{"attach"}); err == nil {
		t.Fatal("expected error for attach without --project/--session")
	}

	ctx, err := parser.Parse([]string{"attach", "--project", "proj_1", "--session", "sess_1"})
	if err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	if got, want := ctx.Command(), "attach"; got != want {
		t.Fatalf("unexpected command: got %q want %q", got, want)
	}
	if got, want := cli.Attach.Project, "proj_1"; got != want {
		t.Fatalf("unexpected project: got %q want %q", got, want)
	}
}

func TestParseTokenTopics(t *testing.T) {
	cli := CLI{}
	parser, err := kong.New(&cli, kong.Name("stackpad"))
	if err != nil {
		t.Fatalf("kong.New returned error: %v", err)
	}

	if _, err := parser.Parse([]string{"token", "--project", "proj_1", "--topics", "claude-output,session-input:s1"}); err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	if got, want := len(cli.Token.Topics), 2; got != want {
		t.Fatalf("unexpected topic count: got %d want %d", got, want)
	}
}

func TestExitCode(t *testing.T) {
	if got, want := ExitCode(exitCodeError{code: 42}), 42; got != want {
		t.Fatalf("unexpected exit code: got %d want %d", got, want)
	}
	if got, want := ExitCode(errors.New("boom")), 1; got != want {
		t.Fatalf("unexpected fallback exit code: got %d want %d", got, want)
	}
}
