package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const redacted = "********"

// minRedactLen is the shortest secret that is also masked inside captured
// tool output. Shorter values would mangle unrelated text.
const minRedactLen = 4

// Command is one external process invocation. SecretArgs holds the indexes
// of Args that must never appear in logs or error messages.
type Command struct {
	Name       string
	Args       []string
	SecretArgs []int
}

// String renders the command line with the secret arguments masked.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Name)
	for i, a := range c.Args {
		if c.isSecret(i) {
			a = redacted
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

func (c Command) isSecret(i int) bool {
	for _, j := range c.SecretArgs {
		if i == j {
			return true
		}
	}
	return false
}

// redactOutput masks secret values that a tool echoed back.
func (c Command) redactOutput(s string) string {
	for _, i := range c.SecretArgs {
		if i < 0 || i >= len(c.Args) || len(c.Args[i]) < minRedactLen {
			continue
		}
		s = strings.ReplaceAll(s, c.Args[i], redacted)
	}
	return s
}

type Result struct {
	ExitCode int
	Output   []byte // combined stdout and stderr
}

// Runner executes commands. Implementations return a *CommandError when the
// process could not start or exited non-zero.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// CommandError identifies a failed invocation. Secrets are already masked.
type CommandError struct {
	Command  string
	ExitCode int // -1 when the process never ran
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	var b strings.Builder
	if e.ExitCode < 0 {
		fmt.Fprintf(&b, "command '%s' could not be run: %v", e.Command, e.Err)
	} else {
		fmt.Fprintf(&b, "command '%s' returned non-zero exit status %d", e.Command, e.ExitCode)
	}
	if e.Output != "" {
		fmt.Fprintf(&b, ": %s", e.Output)
	}
	return b.String()
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExecRunner runs commands as child processes of the service.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	err := c.Run()
	res := Result{Output: out.Bytes()}
	if err == nil {
		return res, nil
	}

	cerr := &CommandError{
		Command:  cmd.String(),
		ExitCode: -1,
		Output:   cmd.redactOutput(strings.TrimSpace(out.String())),
		Err:      err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cerr.ExitCode = exitErr.ExitCode()
		res.ExitCode = cerr.ExitCode
	}
	return res, cerr
}
