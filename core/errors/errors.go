// Package errors classifies failures so the CLI and HTTP API can map them
// to exit codes, status codes and retry hints.
package errors

import "errors"

type Category string

const (
	CategoryInvalidInput      Category = "invalid_input"
	CategoryNotFound          Category = "not_found"
	CategoryVerification      Category = "verification_failed"
	CategoryDependencyMissing Category = "dependency_missing"
	CategoryIOFailure         Category = "io_failure"
	CategoryStateContention   Category = "state_contention"
	CategoryInternalFailure   Category = "internal_failure"
)

// Codes shared by the timeline, ledger and attendance packages.
const (
	CodeMalformedEvent     = "malformed_event"
	CodeUnknownSession     = "unknown_session"
	CodeSessionNotFound    = "session_not_found"
	CodeSessionNotFinal    = "session_not_finalized"
	CodeRecordNotFound     = "record_not_found"
	CodeChainForkAttempt   = "chain_fork_attempt"
	CodeSigningUnavailable = "signing_unavailable"
	CodeStoreFailure       = "store_failure"
	CodeResultMismatch     = "result_mismatch"
	CodeInvalidRequest     = "invalid_request"
)

// classifiedError carries the category, code and hint reported to CLI and
// HTTP callers alongside the underlying cause.
type classifiedError struct {
	category  Category
	code      string
	hint      string
	retryable bool
	cause     error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

// Wrap classifies cause. A nil cause stays nil so call sites can wrap
// unconditionally.
func Wrap(cause error, category Category, code, hint string, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{category: category, code: code, hint: hint, retryable: retryable, cause: cause}
}

// Invalid wraps a non-retryable input error.
func Invalid(cause error, code string) error {
	return Wrap(cause, CategoryInvalidInput, code, "", false)
}

// NotFound wraps a lookup miss.
func NotFound(cause error, code string) error {
	return Wrap(cause, CategoryNotFound, code, "", false)
}

// Contention wraps a retryable state conflict. Callers are expected to re-read
// shared state before retrying.
func Contention(cause error, code, hint string) error {
	return Wrap(cause, CategoryStateContention, code, hint, true)
}

// classify returns the outermost classification in err's chain, or the zero
// value for unclassified errors.
func classify(err error) classifiedError {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return *classified
	}
	return classifiedError{}
}

func CategoryOf(err error) Category { return classify(err).category }

func CodeOf(err error) string { return classify(err).code }

func HintOf(err error) string { return classify(err).hint }

func RetryableOf(err error) bool { return classify(err).retryable }
