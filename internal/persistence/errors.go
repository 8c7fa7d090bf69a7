package persistence

import (
	"errors"
	"fmt"

	"github.com/roach88/workd/internal/process"
)

var (
	// ErrPersistence matches every *Error with errors.Is.
	ErrPersistence = errors.New("persistence error")

	// ErrTagsUnsupported is returned for any non-empty checkpoint tag.
	ErrTagsUnsupported = errors.New("checkpoint tags are not supported")

	// ErrNoCheckpoint is returned when a record carries no checkpoint.
	ErrNoCheckpoint = errors.New("no checkpoint")
)

// Op names the persister operation that failed.
type Op string

const (
	OpBuild  Op = "build"
	OpWrite  Op = "write"
	OpRead   Op = "read"
	OpDecode Op = "decode"
	OpDelete Op = "delete"
	OpLoad   Op = "load"
)

// Error is a checkpoint failure.
type Error struct {
	Op  Op
	PID process.PID
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("checkpoint %s for pid %s: %v", e.Op, e.PID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrPersistence) true for every *Error.
func (e *Error) Is(target error) bool {
	return target == ErrPersistence
}

func wrap(op Op, pid process.PID, err error) error {
	return &Error{Op: op, PID: pid, Err: err}
}
