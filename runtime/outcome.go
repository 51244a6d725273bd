package runtime

import "errors"

// Process exit codes for the daemon.
const (
	ExitCodeClean        = 0 // stream ended and everything was delivered
	ExitCodeSyncError    = 1 // sender or shutdown failure
	ExitCodeStreamError  = 2 // broken or undecodable frame stream
	ExitCodeInvalidInput = 3 // invalid arguments or configuration
	ExitCodeCanceled     = 130
)

// ExitCode maps a Run error to a process exit code. A stream error takes
// precedence over a shutdown failure reported alongside it.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitCodeClean
	case IsStreamError(err):
		return ExitCodeStreamError
	case IsCanceledError(err):
		return ExitCodeCanceled
	}
	var de *DaemonError
	if errors.As(err, &de) {
		return ExitCodeSyncError
	}
	return ExitCodeInvalidInput
}
