package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestEmitCommandError_StructuredForScopedCommands(t *testing.T) {
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "info")
	setCommandExecutionContext(commandExecutionContext{
		CommandPath:       "tally serve",
		UsesStructuredLog: true,
	})
	t.Cleanup(resetCommandExecutionContext)

	var out bytes.Buffer
	emitCommandError(errors.New("boom"), "command failed", 1, &out)

	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected structured log output")
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if got := payload["app"]; got != "tally" {
		t.Fatalf("app = %v, want %q", got, "tally")
	}
	if got := payload["command"]; got != "tally serve" {
		t.Fatalf("command = %v, want %q", got, "tally serve")
	}
	if got := payload["exit_code"]; got != float64(1) {
		t.Fatalf("exit_code = %v, want %v", got, 1)
	}
	if got := payload["error"]; got != "boom" {
		t.Fatalf("error = %v, want %q", got, "boom")
	}
}

func TestEmitCommandError_FallsBackToJSONWhenLoggingEnvInvalid(t *testing.T) {
	t.Setenv("LOG_FORMAT", "invalid")
	t.Setenv("LOG_LEVEL", "info")
	setCommandExecutionContext(commandExecutionContext{
		CommandPath:       "tally sync",
		UsesStructuredLog: true,
	})
	t.Cleanup(resetCommandExecutionContext)

	var out bytes.Buffer
	emitCommandError(errors.New("boom"), "command failed", 1, &out)

	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected structured log output")
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("expected JSON fallback log, got parse error: %v", err)
	}
}

func TestEmitCommandError_PlainOutputForNonScopedCommands(t *testing.T) {
	setCommandExecutionContext(commandExecutionContext{
		CommandPath:       "tally credentials set",
		UsesStructuredLog: false,
	})
	t.Cleanup(resetCommandExecutionContext)

	var out bytes.Buffer
	emitCommandError(errors.New("plain boom"), "command failed", 1, &out)
	if got := out.String(); got != "plain boom\n" {
		t.Fatalf("output = %q, want %q", got, "plain boom\n")
	}
}

func TestEmitCommandError_CanceledOutputForNonScopedCommands(t *testing.T) {
	setCommandExecutionContext(commandExecutionContext{
		CommandPath:       "tally credentials set",
		UsesStructuredLog: false,
	})
	t.Cleanup(resetCommandExecutionContext)

	var out bytes.Buffer
	emitCommandError(context.Canceled, "command canceled", 130, &out)
	if got := out.String(); got != "canceled\n" {
		t.Fatalf("output = %q, want %q", got, "canceled\n")
	}
}

func TestRunMain_ExitCodes(t *testing.T) {
	setCommandExecutionContext(commandExecutionContext{CommandPath: "tally sync"})
	t.Cleanup(resetCommandExecutionContext)

	tests := []struct {
		name     string
		err      error
		want     int
		wantText string
	}{
		{name: "ok", err: nil, want: 0},
		{name: "plain error", err: errors.New("boom"), want: 1, wantText: "boom\n"},
		{name: "canceled", err: fmt.Errorf("sync: %w", context.Canceled), want: 130, wantText: "canceled\n"},
		{name: "silent exit error", err: &exitError{code: 1, err: errors.New("sync failed"), silent: true}, want: 1},
		{name: "loud exit error", err: &exitError{code: 2, err: errors.New("bad flag")}, want: 2, wantText: "bad flag\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			got := runMain(func() error { return tc.err }, &out)
			if got != tc.want {
				t.Fatalf("runMain() = %d, want %d", got, tc.want)
			}
			if out.String() != tc.wantText {
				t.Fatalf("output = %q, want %q", out.String(), tc.wantText)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	inner := errors.New("connector test failed")
	tests := []struct {
		name        string
		err         error
		wantCode    int
		wantMessage string
		wantCause   error
		wantSilent  bool
	}{
		{name: "plain", err: inner, wantCode: 1, wantMessage: "command failed", wantCause: inner},
		{name: "wrapped canceled", err: fmt.Errorf("serve: %w", context.Canceled), wantCode: exitCodeCanceled, wantMessage: "command canceled"},
		{name: "exit error cause", err: fmt.Errorf("connectors test: %w", &exitError{code: 1, err: inner, silent: true}), wantCode: 1, wantMessage: "command failed", wantCause: inner, wantSilent: true},
		{name: "exit error canceled", err: &exitError{code: exitCodeCanceled, err: context.Canceled}, wantCode: exitCodeCanceled, wantMessage: "command canceled", wantCause: context.Canceled},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := statusFor(tc.err)
			if st.code != tc.wantCode || st.message != tc.wantMessage || st.silent != tc.wantSilent {
				t.Fatalf("statusFor() = %d %q silent=%v, want %d %q silent=%v", st.code, st.message, st.silent, tc.wantCode, tc.wantMessage, tc.wantSilent)
			}
			if tc.wantCause != nil && st.cause != tc.wantCause {
				t.Fatalf("cause = %v, want %v", st.cause, tc.wantCause)
			}
		})
	}
}

func TestRunExitError(t *testing.T) {
	t.Parallel()

	if err := runExitError(nil); err != nil {
		t.Fatalf("runExitError(nil) = %v, want nil", err)
	}

	var ee *exitError
	if err := runExitError(context.Canceled); !errors.As(err, &ee) || ee.code != exitCodeCanceled || !ee.silent {
		t.Fatalf("runExitError(canceled) = %#v, want silent exit %d", err, exitCodeCanceled)
	}
	if err := runExitError(errors.New("listen failed")); !errors.As(err, &ee) || ee.code != 1 || ee.silent {
		t.Fatalf("runExitError(err) = %#v, want loud exit 1", err)
	}
}
