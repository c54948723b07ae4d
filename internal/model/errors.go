package model

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every typed error below unwraps to exactly one of them.
var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidRequest = errors.New("invalid request")
	ErrRecordInUse    = errors.New("record in use")
	ErrDuplicateID    = errors.New("duplicate id")
	ErrInternal       = errors.New("internal error")
)

// NotFoundError reports a reference to a record that does not exist.
type NotFoundError struct {
	Kind string // job, task, resource, configuration, schedule ...
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound returns a *NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// InvalidRequestError reports caller input that violates a precondition.
type InvalidRequestError struct {
	Msg string
}

func (e *InvalidRequestError) Error() string {
	if e.Msg == "" {
		return ErrInvalidRequest.Error()
	}
	return fmt.Sprintf("%s: %s", ErrInvalidRequest.Error(), e.Msg)
}

func (e *InvalidRequestError) Unwrap() error { return ErrInvalidRequest }

// InvalidRequest formats a *InvalidRequestError.
func InvalidRequest(format string, args ...any) error {
	return &InvalidRequestError{Msg: fmt.Sprintf(format, args...)}
}

// LinkBuilder turns a record kind and id into a reference the caller can render.
type LinkBuilder func(kind, id string) string

// RecordInUseError reports a delete refused because other records still
// reference the target.
type RecordInUseError struct {
	Kind    string
	ID      string
	RefKind string
	RefIDs  []string
}

func (e *RecordInUseError) Error() string {
	return fmt.Sprintf("%s %q is in use by %s %s", e.Kind, e.ID, e.RefKind, strings.Join(e.RefIDs, ", "))
}

func (e *RecordInUseError) Unwrap() error { return ErrRecordInUse }

// Links renders every referencing record with the given builder.
func (e *RecordInUseError) Links(build LinkBuilder) []string {
	out := make([]string, 0, len(e.RefIDs))
	for _, id := range e.RefIDs {
		out = append(out, build(e.RefKind, id))
	}
	return out
}

// DuplicateIDError reports an insert of an id that already exists.
type DuplicateIDError struct {
	Kind string
	ID   string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.ID)
}

func (e *DuplicateIDError) Unwrap() error { return ErrDuplicateID }

// InternalError is an invariant violation. It is never recovered from
// silently: the failing operation reports it and the caller logs it.
type InternalError struct {
	Msg string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInternal.Error(), e.Msg)
}

func (e *InternalError) Unwrap() error { return ErrInternal }

// Internalf formats an *InternalError.
func Internalf(format string, args ...any) error {
	return &InternalError{Msg: fmt.Sprintf(format, args...)}
}
