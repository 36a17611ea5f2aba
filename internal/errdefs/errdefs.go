// Package errdefs classifies failures so the CLI can map each kind to a
// distinct exit status.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind identifies a failure category. Its numeric value doubles as the
// process exit status.
type Kind int

const (
	KindGeneral         Kind = 1
	KindInvalidArgument Kind = 2
	KindDriverLoad      Kind = 3
	KindAttach          Kind = 4
	KindPartitionScan   Kind = 5
	KindMount           Kind = 6
	KindUnmount         Kind = 7
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid argument"
	case KindDriverLoad:
		return "driver load"
	case KindAttach:
		return "attach"
	case KindPartitionScan:
		return "partition scan"
	case KindMount:
		return "mount"
	case KindUnmount:
		return "unmount"
	default:
		return "general"
	}
}

// Error ties an underlying cause to a failure kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap classifies err under the given kind. Returns nil when err is nil.
// An error that already carries a kind keeps the innermost classification.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a classified error from a format string. The %w verb
// works as in fmt.Errorf.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the failure kind recorded closest to the root cause, or
// KindGeneral for unclassified errors.
func KindOf(err error) Kind {
	kind := KindGeneral
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			break
		}
		kind = e.Kind
		err = e.Err
	}
	return kind
}

// ExitCode maps an error to the process exit status. Nil means success.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return int(KindOf(err))
}
