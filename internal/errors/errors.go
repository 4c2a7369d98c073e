// Package errors defines the sentinel error kinds the core distinguishes,
// per spec §7. Every package-boundary function wraps failures through one
// of these kinds using go-faster/errors so callers can dispatch on
// errors.Is rather than string matching.
package errors

import "github.com/go-faster/errors"

// Sentinel kinds. Add context to a kind with Wrap(kind, msg) or just
// return kind directly when there is nothing to add.
var (
	// ErrTransient covers adapter poll / HTTP probe / planner call failures
	// that are retried with backoff by the calling component.
	ErrTransient = errors.New("transient error")

	// ErrTimeout covers command executor, planner, and approval timeouts.
	// Counted against retry budget; not retried within the same attempt.
	ErrTimeout = errors.New("timeout")

	// ErrRefusedUnsafe covers Command Executor blocklist refusals, Fixer
	// whitelist violations, and Impact Analyzer protected-path refusals.
	// Never retried with the same strategy.
	ErrRefusedUnsafe = errors.New("refused unsafe operation")

	// ErrVerificationFailed covers a fix that ran but whose verification
	// step did not confirm success. Triggers immediate rollback.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrStateCorrupted covers an unreadable KB or persisted cache file.
	ErrStateCorrupted = errors.New("persisted state corrupted")

	// ErrCircuitOpen is returned by the orchestrator when the job-level
	// circuit breaker refuses to start a new batch.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrNotFound covers lookups (backup id, service name, project name)
	// that the caller can reasonably expect.
	ErrNotFound = errors.New("not found")

	// ErrConfigInvalid covers a YAML config file that is missing, malformed,
	// or fails validation. cmd/aegisctl exits 2 when this reaches main.
	ErrConfigInvalid = errors.New("invalid configuration")
)

// Wrap attaches msg as context to cause while keeping errors.Is(result, kind)
// true for any sentinel kind reachable via errors.Is(cause, kind).
func Wrap(cause error, msg string) error {
	return errors.Wrap(cause, msg)
}

// Wrapf is Wrap with formatting.
func Wrapf(cause error, format string, args ...any) error {
	return errors.Wrapf(cause, format, args...)
}

// Is reports whether err or any error it wraps matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain matching target's type.
func As(err error, target any) bool { return errors.As(err, target) }
