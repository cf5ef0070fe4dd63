package sync

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a sync failure so the orchestrator can decide
// whether to retry, abort the account, or skip the folder.
type ErrorKind int

const (
	// KindAuthExpired means the provider rejected our credential; the
	// account needs user reauthorization and nothing else should run.
	KindAuthExpired ErrorKind = iota

	// KindTransient covers timeouts, connection resets, 429 and 5xx
	// responses. Safe to retry with backoff.
	KindTransient

	// KindProviderRejected covers other 4xx responses; retrying the same
	// request will fail the same way, so the folder aborts for this run.
	KindProviderRejected

	// KindMalformedRecord marks a single undecodable change record; the
	// record is dropped, the run continues.
	KindMalformedRecord

	// KindPersistence marks a local database failure; the batch rolls
	// back and the cursor stays untouched.
	KindPersistence
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthExpired:
		return "auth_expired"
	case KindTransient:
		return "transient"
	case KindProviderRejected:
		return "provider_rejected"
	case KindMalformedRecord:
		return "malformed_record"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error is the typed failure the sync engine surfaces.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the error kind; unclassified errors report as transient
// so the caller errs on the side of retrying.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

func IsAuthExpired(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindAuthExpired
}

func IsTransient(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindTransient
}
