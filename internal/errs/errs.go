// Package errs defines the error taxonomy shared by every component of
// the indexer: a fixed set of kinds, not a type per failure site, so
// callers can branch on KindOf(err) regardless of which layer produced
// the error.
package errs

import "github.com/pkg/errors"

// Kind classifies an error without describing it; the message carries
// the specifics.
type Kind int

const (
	// KindUnknown is never used to build an error; it is the zero value
	// of Kind, and KindOf reports it for errors that carry no kind, so a
	// missing classification is obvious in tests.
	KindUnknown Kind = iota
	KindParse
	KindSchema
	KindStorage
	KindCorruptLineage
	KindReorgTooDeep
	KindNoSnapshotForReorg
	KindNotFound
	KindDeadlineExceeded
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "Parse"
	case KindSchema:
		return "Schema"
	case KindStorage:
		return "Storage"
	case KindCorruptLineage:
		return "CorruptLineage"
	case KindReorgTooDeep:
		return "ReorgTooDeep"
	case KindNoSnapshotForReorg:
		return "NoSnapshotForReorg"
	case KindNotFound:
		return "NotFound"
	case KindDeadlineExceeded:
		return "DeadlineExceeded"
	case KindShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// Fatal reports whether an error of this kind should abort the
// process after flushing logs and the store, per §7's policy.
func (k Kind) Fatal() bool {
	switch k {
	case KindCorruptLineage, KindReorgTooDeep, KindNoSnapshotForReorg:
		return true
	default:
		return false
	}
}

type indexerError struct {
	kind    Kind
	context string
	cause   error
}

func (e *indexerError) Error() string {
	if e.cause != nil {
		return e.kind.String() + ": " + e.context + ": " + e.cause.Error()
	}
	return e.kind.String() + ": " + e.context
}

func (e *indexerError) Cause() error { return e.cause }
func (e *indexerError) Unwrap() error { return e.cause }

// New builds a new error of the given kind with a plain message.
func New(kind Kind, context string) error {
	return &indexerError{kind: kind, context: context}
}

// Wrap attaches a kind and context to an existing error. Returns nil
// if err is nil, so Wrap(err, ...) composes at call sites that check
// err != nil afterward.
func Wrap(err error, kind Kind, context string) error {
	if err == nil {
		return nil
	}
	return &indexerError{kind: kind, context: context, cause: err}
}

// KindOf extracts the Kind an error was created or wrapped with.
// Non-indexer errors (e.g. from the standard library) report
// KindUnknown.
func KindOf(err error) Kind {
	var ie *indexerError
	for err != nil {
		if e, ok := err.(*indexerError); ok {
			ie = e
			break
		}
		cause := errors.Cause(err)
		if cause == err {
			break
		}
		err = cause
	}
	if ie == nil {
		return KindUnknown
	}
	return ie.kind
}

// Is reports whether err was created or wrapped with the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
