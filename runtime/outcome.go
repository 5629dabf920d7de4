package runtime

// Process exit codes of riverout run.
const (
	ExitCodeOK          = 0 // input ended, every start succeeded
	ExitCodeStartFailed = 1 // a session failed to start
	ExitCodeInputError  = 2 // input unreadable or malformed framing
)

// Outcome labels.
const (
	OutcomeCompleted   = "completed"
	OutcomeStartFailed = "start_failed"
	OutcomeInputError  = "input_error"
)

// DetermineExitCode maps an ingestion result to an exit code.
// Cancellation (SIGINT, SIGTERM) is a normal shutdown.
func DetermineExitCode(err error) int {
	switch {
	case err == nil, IsCanceledError(err):
		return ExitCodeOK
	case IsStartError(err):
		return ExitCodeStartFailed
	default:
		return ExitCodeInputError
	}
}

// OutcomeFor returns the outcome label of an exit code.
func OutcomeFor(code int) string {
	switch code {
	case ExitCodeOK:
		return OutcomeCompleted
	case ExitCodeStartFailed:
		return OutcomeStartFailed
	default:
		return OutcomeInputError
	}
}

