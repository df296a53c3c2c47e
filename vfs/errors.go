package vfs

import (
	"errors"
	"syscall"

	"siyuan-fuse/resolver"
	"siyuan-fuse/siyuan"
)

// Filesystem error kinds. Every error returned by FileSystem matches one of
// these with errors.Is; the remote cause stays reachable through Unwrap.
var (
	ErrNotFound     = errors.New("no such file or directory")
	ErrNoPermission = errors.New("permission denied")
	ErrUnavailable  = errors.New("remote store unavailable")
	ErrUnsupported  = errors.New("operation not supported")
	ErrNotDirectory = errors.New("not a directory")
	ErrIsDirectory  = errors.New("is a directory")
	ErrClosed       = errors.New("filesystem closed")
)

// Error records a failed filesystem operation.
type Error struct {
	Op   string
	Path string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + " " + e.Path + ": " + e.Kind.Error()
	}
	return e.Op + " " + e.Path + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

// Is reports whether target is the kind of e.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, path string, kind error) *Error {
	return &Error{Op: op, Path: path, Kind: kind}
}

// wrapError classifies err into the filesystem vocabulary. It never issues
// remote calls and never retries.
func wrapError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var fsErr *Error
	if errors.As(err, &fsErr) {
		return err
	}
	return &Error{Op: op, Path: path, Kind: classify(err), Err: err}
}

func classify(err error) error {
	switch {
	case errors.Is(err, resolver.ErrNotFound), errors.Is(err, siyuan.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, siyuan.ErrAuthentication), errors.Is(err, siyuan.ErrPermission):
		return ErrNoPermission
	default:
		return ErrUnavailable
	}
}

// Errno maps an error returned by FileSystem to the errno a filesystem host
// reports. nil maps to 0 and unknown errors to EIO.
func Errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, ErrNoPermission):
		return syscall.EACCES
	case errors.Is(err, ErrUnsupported):
		return syscall.ENOTSUP
	case errors.Is(err, ErrNotDirectory):
		return syscall.ENOTDIR
	case errors.Is(err, ErrIsDirectory):
		return syscall.EISDIR
	default:
		return syscall.EIO
	}
}
