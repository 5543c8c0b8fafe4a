// Package ufs defines the error kinds shared by every layer of the file
// system. The concrete pieces live in the subpackages: disk (the
// transactional block device), layout (the on-disk codec), fs (the inode and
// directory engine), and httpd (the /ds3/ HTTP front end).
package ufs

import "fmt"

// Error is a bare error kind. Test an error returned from any package in this
// module against one of these with [errors.Is]; use WithMessage or WrapError
// to attach detail without losing the kind.
type Error string

const ErrAlreadyInProgress = Error("Transaction already in progress")
const ErrArgumentOutOfRange = Error("Numerical argument out of domain")
const ErrDirectoryNotEmpty = Error("Directory not empty")
const ErrFileSystemCorrupted = Error("Structure needs cleaning")
const ErrInvalidInode = Error("Invalid inode number")
const ErrInvalidName = Error("Invalid object name")
const ErrInvalidSize = Error("Invalid size")
const ErrInvalidType = Error("Conflicting object type")
const ErrIOFailed = Error("Input/output error")
const ErrNoActiveTransaction = Error("No transaction in progress")
const ErrNoSpaceOnDevice = Error("No space left on device")
const ErrNotFound = Error("No such file or directory")
const ErrUnlinkNotAllowed = Error("Unlink not allowed")

func (e Error) Error() string {
	return string(e)
}

func (e Error) WithMessage(message string) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.Error(), message),
		originalError: e,
		kind:          e,
	}
}

func (e Error) WrapError(err error) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: err,
		kind:          e,
	}
}

// DriverError is an error that can be annotated with additional context while
// remaining matchable with [errors.Is].
type DriverError interface {
	error
	WithMessage(message string) DriverError
	WrapError(err error) DriverError
}

type customDriverError struct {
	message       string
	originalError error
	// kind, when nonempty, is reported as a match in addition to the wrapped
	// error so that wrapping a foreign error doesn't hide the kind.
	kind Error
}

func (e customDriverError) Error() string {
	return e.message
}

func (e customDriverError) WithMessage(message string) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
		kind:          e.kind,
	}
}

func (e customDriverError) WrapError(err error) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.message, err.Error()),
		originalError: err,
		kind:          e.kind,
	}
}

func (e customDriverError) Unwrap() error {
	return e.originalError
}

func (e customDriverError) Is(target error) bool {
	return e.kind != Error("") && target == e.kind
}
