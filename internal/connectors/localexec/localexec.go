// Package localexec runs allowlisted local commands. Missions use it to
// verify work before they are marked completed.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/fentz26/swarm/internal/models"
)

// ErrNotAllowed rejects commands outside the allowlist.
var ErrNotAllowed = errors.New("command not allowed")

// ErrVerificationFailed is returned when the verify command exits non-zero.
var ErrVerificationFailed = errors.New("verification failed")

// DefaultAllowlist maps each command to its permitted subcommands.
var DefaultAllowlist = map[string][]string{
	"go":   {"test", "vet", "build"},
	"git":  {"diff", "status"},
	"make": {"test", "check", "lint"},
}

// maxOutput bounds the output kept from a verification run.
const maxOutput = 4000

// Result is the outcome of one command.
type Result struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// Output returns stdout and stderr together, trimmed to the last maxOutput bytes.
func (r *Result) Output() string {
	out := strings.TrimSpace(r.Stdout + "\n" + r.Stderr)
	if len(out) > maxOutput {
		out = out[len(out)-maxOutput:]
	}
	return out
}

// Config selects the verify command.
type Config struct {
	WorkDir string        `yaml:"work_dir"`
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
	// Allow extends DefaultAllowlist.
	Allow map[string][]string `yaml:"allow"`
}

// LocalExec runs allowlisted commands in a work directory.
type LocalExec struct {
	workDir string
	command []string
	timeout time.Duration
	allowed map[string][]string
}

// New creates an executor from cfg.
func New(cfg Config) *LocalExec {
	allowed := make(map[string][]string, len(DefaultAllowlist)+len(cfg.Allow))
	for k, v := range DefaultAllowlist {
		allowed[k] = v
	}
	for k, v := range cfg.Allow {
		allowed[k] = append(append([]string(nil), allowed[k]...), v...)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &LocalExec{
		workDir: cfg.WorkDir,
		command: cfg.Command,
		timeout: timeout,
		allowed: allowed,
	}
}

// Name returns the executor identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks if a command is in the allowlist.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	subcmds, ok := l.allowed[cmd]
	if !ok || len(args) == 0 {
		return false
	}
	for _, allowed := range subcmds {
		if args[0] == allowed {
			return true
		}
	}
	return false
}

// Execute runs a command if it's in the allowlist. A non-zero exit is
// reported in the result, not as an error.
func (l *LocalExec) Execute(ctx context.Context, cmd string, args []string) (*Result, error) {
	if !l.IsAllowed(cmd, args) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotAllowed, cmd, strings.Join(args, " "))
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	if l.workDir != "" {
		execCmd.Dir = l.workDir
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	exitCode := 0
	if err := execCmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("exec error: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &Result{
		Command:  cmd,
		Args:     args,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// Verify runs the configured command for a mission about to complete.
// It passes trivially when no command is configured.
func (l *LocalExec) Verify(ctx context.Context, state models.MissionState) (string, error) {
	if len(l.command) == 0 {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	res, err := l.Execute(ctx, l.command[0], l.command[1:])
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return res.Output(), fmt.Errorf("%w: %s exited %d", ErrVerificationFailed, strings.Join(l.command, " "), res.ExitCode)
	}
	return res.Output(), nil
}
