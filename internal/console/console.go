// Package console runs RCON commands against the host the daemon fronts.
package console

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/schultz-is/rcond"
	"github.com/schultz-is/rcond/internal/config"
)

// Environment variables describing the requesting peer, set for every program run.
const (
	EnvPeer            = "RCON_PEER"
	EnvSession         = "RCON_SESSION"
	EnvPermissionLevel = "RCON_PERMISSION_LEVEL"
)

// New returns the executor described by cfg. An empty program selects [EchoExecutor].
func New(cfg config.ExecutorConfig, logger *slog.Logger) rcon.Executor {
	if cfg.Program == "" {
		return EchoExecutor{}
	}

	return &ProgramExecutor{
		Program: cfg.Program,
		Args:    cfg.Args,
		Dir:     cfg.Dir,
		Timeout: cfg.Timeout,
		Logger:  logger,
	}
}

// EchoExecutor replies with the command text unchanged.
type EchoExecutor struct{}

// Execute implements [rcon.Executor].
func (EchoExecutor) Execute(_ context.Context, _ rcon.Peer, command string) (string, error) {
	return command, nil
}

// ProgramExecutor runs Program once per command with Args followed by the command text as a single
// final argument. Combined stdout and stderr form the reply, one line per output line, with the
// trailing newline removed.
//
// A program that cannot start, exits non-zero or outlives Timeout still produces a reply: whatever
// output it wrote followed by a "command failed: ..." line. Execute only returns an error when ctx
// itself ends, which ends the session.
type ProgramExecutor struct {
	Program string
	Args    []string
	Dir     string

	// Timeout bounds a single run. Zero means no limit beyond ctx.
	Timeout time.Duration

	// Logger may be nil.
	Logger *slog.Logger
}

// Execute implements [rcon.Executor].
func (e *ProgramExecutor) Execute(ctx context.Context, peer rcon.Peer, command string) (string, error) {
	runCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	args := make([]string, 0, len(e.Args)+1)
	args = append(args, e.Args...)
	args = append(args, command)

	cmd := exec.CommandContext(runCtx, e.Program, args...)
	cmd.Dir = e.Dir
	cmd.Env = append(os.Environ(), peerEnv(peer)...)
	// Children that inherit the output pipe must not hold the reply open after a kill.
	cmd.WaitDelay = time.Second

	start := time.Now()
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	reply := normalizeOutput(out)
	if e.Logger != nil {
		e.Logger.Debug(
			"command finished",
			"program", e.Program,
			"session", peer.SessionID,
			"exit_code", cmd.ProcessState.ExitCode(),
			"duration", time.Since(start),
			"error", err,
		)
	}
	if err == nil {
		return reply, nil
	}

	reason := err.Error()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		reason = fmt.Sprintf("timed out after %s", e.Timeout)
	}
	if reply == "" {
		return "command failed: " + reason, nil
	}
	return reply + "\ncommand failed: " + reason, nil
}

func peerEnv(peer rcon.Peer) []string {
	addr := ""
	if peer.Addr != nil {
		addr = peer.Addr.String()
	}

	return []string{
		EnvPeer + "=" + addr,
		EnvSession + "=" + peer.SessionID,
		EnvPermissionLevel + "=" + strconv.Itoa(peer.PermissionLevel),
	}
}

func normalizeOutput(out []byte) string {
	out = bytes.ReplaceAll(out, []byte("\r\n"), []byte("\n"))
	return strings.TrimRight(string(out), "\n")
}
