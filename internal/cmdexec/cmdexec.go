// Package cmdexec runs external commands and captures their results.
// All subprocess invocations of the bot go through this package, commands
// are always run with an explicit working directory, the working directory
// of the process is never changed.
package cmdexec

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/helmupgradebot/chartbump/internal/logfields"
)

const loggerName = "cmdexec"

// Result describes the outcome of a terminated command.
type Result struct {
	// ExitCode is the exit status of the command, 0 on success.
	ExitCode int
	// Output is the captured standard output.
	Output string
	// Diagnostic is the captured standard error text.
	Diagnostic string
}

// Success returns true if the command exited with status 0.
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// Runner executes external commands.
type Runner interface {
	// Run executes the command in the directory dir and blocks until it
	// terminated.
	// If dir is empty the command runs in the current working directory of
	// the process.
	// An error is only returned when the command could not be started or
	// was aborted via the context, a non-zero exit status is reported via
	// Result.ExitCode.
	Run(ctx context.Context, dir, name string, args ...string) (*Result, error)
}

// Exec is a Runner that executes commands via os/exec.
type Exec struct {
	logger *zap.Logger
	// hiddenStrings are redacted from logged command lines and captured
	// stderr, used to keep credentials out of logs and error messages.
	hiddenStrings []string
}

// New returns a Runner executing commands as local subprocesses.
// Occurrences of hiddenStrings in logged command lines and in captured
// stderr are replaced with a placeholder.
func New(hiddenStrings ...string) *Exec {
	return &Exec{
		logger:        zap.L().Named(loggerName),
		hiddenStrings: hiddenStrings,
	}
}

func (e *Exec) Run(ctx context.Context, dir, name string, args ...string) (*Result, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmdLine := e.Redact(strings.Join(append([]string{name}, args...), " "))

	e.logger.Debug(
		"running command",
		logfields.Event("command_started"),
		logfields.Command(cmdLine),
		zap.String("working_directory", dir),
	)

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, err
		}
	}

	result := Result{
		ExitCode:   cmd.ProcessState.ExitCode(),
		Output:     stdout.String(),
		Diagnostic: e.Redact(stderr.String()),
	}

	e.logger.Debug(
		"command terminated",
		logfields.Event("command_terminated"),
		logfields.Command(cmdLine),
		zap.Int("exit_code", result.ExitCode),
	)

	return &result, nil
}

// Redact replaces all configured hidden strings in s with a placeholder.
func (e *Exec) Redact(s string) string {
	for _, hidden := range e.hiddenStrings {
		if hidden == "" {
			continue
		}

		s = strings.ReplaceAll(s, hidden, "**hidden**")
	}

	return s
}
