package main

import (
	"context"
	"errors"
	"fmt"
)

const exitCodeCanceled = 130

type exitError struct {
	code   int
	err    error
	silent bool
}

func (e *exitError) Error() string {
	if e == nil {
		return ""
	}
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *exitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// runExitError maps a failed long running command to its exit status.
// Cancellation by signal exits quietly with 130.
func runExitError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return &exitError{code: exitCodeCanceled, err: err, silent: true}
	}
	return &exitError{code: 1, err: err}
}
