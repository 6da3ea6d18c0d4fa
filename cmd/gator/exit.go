package main

import (
	"errors"

	errpkg "github.com/veranemoloko/gator/internal/errors"
)

// Process exit codes.
const (
	exitOK            = 0
	exitGeneral       = 1
	exitUsage         = 2
	exitNetwork       = 3
	exitRangeMismatch = 4
	exitDisk          = 5
	exitCancelled     = 6
)

// exitError carries the process exit code for an error returned by the
// root command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// exitCodeForKind maps a terminating error kind to an exit code.
func exitCodeForKind(kind errpkg.Kind) int {
	switch kind {
	case errpkg.KindNetwork, errpkg.KindHTTPStatus:
		return exitNetwork
	case errpkg.KindRangeMismatch:
		return exitRangeMismatch
	case errpkg.KindDisk:
		return exitDisk
	case errpkg.KindCancelled:
		return exitCancelled
	default:
		return exitGeneral
	}
}

// exitCode returns the exit code for err. Errors that did not come from
// the download itself are argument or flag errors reported by cobra.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitUsage
}
