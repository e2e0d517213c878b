package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errorKind uint8

const (
	kindOther errorKind = iota
	kindNotFound
	kindConflict
	kindUnavailable
)

// codeKinds maps gRPC status codes onto repository semantics. Codes not listed are
// permanent failures.
var codeKinds = map[codes.Code]errorKind{
	codes.NotFound:           kindNotFound,
	codes.AlreadyExists:      kindConflict,
	codes.FailedPrecondition: kindConflict,
	codes.Aborted:            kindConflict,
	codes.OutOfRange:         kindConflict,
	codes.Unavailable:        kindUnavailable,
	codes.ResourceExhausted:  kindUnavailable,
	codes.Internal:           kindUnavailable,
	codes.DeadlineExceeded:   kindUnavailable,
}

// Error implements repositories.RepositoryError for Firestore backed repositories.
type Error struct {
	op   string
	err  error
	kind errorKind
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op == "" {
		return e.err.Error()
	}
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func (e *Error) IsNotFound() bool    { return e != nil && e.kind == kindNotFound }
func (e *Error) IsConflict() bool    { return e != nil && e.kind == kindConflict }
func (e *Error) IsUnavailable() bool { return e != nil && e.kind == kindUnavailable }

// NotFound reports a document found missing inside a transaction.
func NotFound(op string, err error) *Error {
	if err == nil {
		err = errors.New("document not found")
	}
	return &Error{op: op, err: err, kind: kindNotFound}
}

// Conflict reports an application-level precondition failure, such as an order whose
// status no longer matches the expected one.
func Conflict(op string, err error) *Error {
	if err == nil {
		err = errors.New("precondition failed")
	}
	return &Error{op: op, err: err, kind: kindConflict}
}

func classify(op string, err error) *Error {
	return &Error{op: op, err: err, kind: codeKinds[status.Code(err)]}
}

// WrapError annotates Firestore errors with repository semantics. Context errors and
// errors already classified (including ones returned from inside a transaction) pass through.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}

	var repoErr *Error
	if errors.As(err, &repoErr) {
		if op != "" && repoErr.op == "" {
			repoErr.op = op
		}
		return repoErr
	}
	// Typed domain errors raised inside transactions are kept as-is.
	var coded interface{ GRPCStatus() *status.Status }
	if !errors.As(err, &coded) && status.Code(err) == codes.Unknown {
		return err
	}
	return classify(op, err)
}
