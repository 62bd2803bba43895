package commands

import (
	"errors"

	"github.com/sagaflow/sagaflow/pkg/config"
	"github.com/sagaflow/sagaflow/pkg/engine"
)

// Process exit codes.
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitValidation = 2
	ExitNotFound   = 3
	ExitLockBusy   = 4
	ExitExecution  = 5
)

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var settingsErr *config.ValidationError
	switch {
	case errors.As(err, &settingsErr), engine.IsValidation(err):
		return ExitValidation
	case engine.IsSpecNotFound(err):
		return ExitNotFound
	case engine.IsLockFailure(err):
		return ExitLockBusy
	case engine.CodeOf(err) != "":
		return ExitExecution
	default:
		return ExitFailure
	}
}
