package pwchange

import (
	"errors"
	"fmt"
)

// Failure codes.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeCredentialMismatch = "credential_mismatch"
	CodeSubjectNotFound    = "subject_not_found"
	CodeChangeInProgress   = "change_in_progress"
	CodeMalformedRequest   = "malformed_request"
	CodeStaleCredential    = "stale_credential"
	CodeStoreUnavailable   = "store_unavailable"
)

// Failure is the error type of the change pipeline. Producers return it
// synchronously; the worker only logs it.
type Failure struct {
	Code      string
	Detail    string
	SubjectID string
	Err       error
}

func (f Failure) Error() string {
	msg := f.Code
	if f.Detail != "" {
		msg = fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	if f.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, f.Err)
	}
	return msg
}

func (f Failure) Unwrap() error { return f.Err }

func fail(code, subjectID, detail string, err error) error {
	return Failure{Code: code, Detail: detail, SubjectID: subjectID, Err: err}
}

// CodeOf returns the Failure code carried by err, or "".
func CodeOf(err error) string {
	var f Failure
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// IsValidation reports a rejected submission that left no trace: bad input,
// wrong current secret or unknown subject.
func IsValidation(err error) bool {
	switch CodeOf(err) {
	case CodeInvalidRequest, CodeCredentialMismatch, CodeSubjectNotFound:
		return true
	}
	return false
}

// IsConflict reports that another change for the subject is pending.
func IsConflict(err error) bool { return CodeOf(err) == CodeChangeInProgress }

// IsSerialization reports an undecodable queue item.
func IsSerialization(err error) bool { return CodeOf(err) == CodeMalformedRequest }

// IsStale reports a request whose current secret no longer matches.
func IsStale(err error) bool { return CodeOf(err) == CodeStaleCredential }

// IsStoreUnavailable reports a shared or credential store failure.
func IsStoreUnavailable(err error) bool { return CodeOf(err) == CodeStoreUnavailable }
