package engine

import "errors"

// Speech-pipeline failures are classified so callers know whether a retry
// could help. A recoverable failure degrades a single turn; a fatal one
// means the collaborator is misconfigured.
var (
	// ErrRecoverable marks a temporary failure: timeout, rate limit,
	// transient service trouble.
	ErrRecoverable = errors.New("recoverable engine error")

	// ErrFatal marks a permanent failure: bad credentials, unsupported
	// format, malformed request.
	ErrFatal = errors.New("fatal engine error")
)

// IsRecoverable reports whether err may succeed if retried.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRecoverable)
}

// IsFatal reports whether retrying err is pointless.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
