package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tallyhq/tally/internal/logging"
)

func main() {
	os.Exit(runMain(Execute, os.Stderr))
}

func runMain(execute func() error, stderr io.Writer) int {
	err := execute()
	if err == nil {
		return 0
	}
	st := statusFor(err)
	if !st.silent {
		emitCommandError(st.cause, st.message, st.code, stderr)
	}
	return st.code
}

type exitStatus struct {
	code    int
	message string
	cause   error
	silent  bool
}

// statusFor resolves how a failed command ends the process. Commands that
// already reported their outcome return a silent exitError.
func statusFor(err error) exitStatus {
	var ee *exitError
	if errors.As(err, &ee) {
		st := exitStatus{code: ee.code, message: "command failed", cause: err, silent: ee.silent}
		if ee.err != nil {
			st.cause = ee.err
		}
		if ee.code == exitCodeCanceled {
			st.message = "command canceled"
		}
		return st
	}
	if errors.Is(err, context.Canceled) {
		return exitStatus{code: exitCodeCanceled, message: "command canceled", cause: err}
	}
	return exitStatus{code: 1, message: "command failed", cause: err}
}

// emitCommandError writes the final error line: a structured record for
// commands that log, plain text for the ones that print.
func emitCommandError(err error, message string, exitCode int, stderr io.Writer) {
	ctx := currentCommandExecutionContext()
	if ctx.UsesStructuredLog {
		fatalLogger(ctx, stderr).Error(message, "exit_code", exitCode, "error", err)
		return
	}
	if exitCode == exitCodeCanceled {
		fmt.Fprintln(stderr, "canceled")
		return
	}
	fmt.Fprintln(stderr, err)
}

func fatalLogger(ctx commandExecutionContext, stderr io.Writer) *slog.Logger {
	cfg, err := logging.LoadConfigFromEnv()
	if err != nil {
		cfg = logging.DefaultConfig()
	}
	return logging.NewLogger(cfg, stderr, ctx.CommandPath)
}
