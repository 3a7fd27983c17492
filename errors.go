package feedback

import (
	"errors"
	"fmt"
)

// FetchError aborts a run: the tracker could not be read completely.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return "fetch issues: " + e.Err.Error() }
func (e *FetchError) Unwrap() error { return e.Err }

// TransientServiceError marks a failure worth retrying: rate limits,
// 5xx responses, network errors and per-call timeouts.
type TransientServiceError struct {
	Service string
	Status  int
	Err     error
}

func (e *TransientServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: transient (status %d): %v", e.Service, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: transient: %v", e.Service, e.Err)
}

func (e *TransientServiceError) Unwrap() error { return e.Err }

// MalformedResponseError is returned when a service answers with output
// that violates its contract, e.g. a label outside the vocabulary.
type MalformedResponseError struct {
	Service string
	Reason  string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s: malformed response: %s", e.Service, e.Reason)
}

// InvalidInputError is a service rejecting the submitted input, such as a
// 400 from the sentiment service.
type InvalidInputError struct {
	Service string
	Err     error
}

func (e *InvalidInputError) Error() string {
	return e.Service + ": invalid argument: " + e.Err.Error()
}

func (e *InvalidInputError) Unwrap() error { return e.Err }

// ClassificationError is the classifier's malformed-response error.
type ClassificationError = MalformedResponseError

// SystemicError aborts the whole enrichment phase. Authentication
// failures are systemic: every following call would fail the same way.
type SystemicError struct {
	Service string
	Err     error
}

func (e *SystemicError) Error() string { return e.Service + ": systemic: " + e.Err.Error() }
func (e *SystemicError) Unwrap() error { return e.Err }

// MergeError aborts a run without touching the committed snapshot.
type MergeError struct {
	Err error
}

func (e *MergeError) Error() string { return "commit snapshot: " + e.Err.Error() }
func (e *MergeError) Unwrap() error { return e.Err }

// ItemFailure records an issue left un-enriched by this run.
type ItemFailure struct {
	IssueID int64  `json:"issue_id"`
	Service string `json:"service"`
	Error   string `json:"error"`
}

func isTransient(err error) bool {
	var te *TransientServiceError
	return errors.As(err, &te)
}

func isSystemic(err error) bool {
	var se *SystemicError
	return errors.As(err, &se)
}

func isInvalidInput(err error) bool {
	var ie *InvalidInputError
	return errors.As(err, &ie)
}
