package segvol

import (
	"errors"
	"fmt"
	"runtime"
	"syscall"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// VolumeError is the error-reporting primitive for segvol: an integer code
// (an OS errno, or -1 for a semantic/precondition error) plus a formatted
// message carrying the file and line of origin, the offending filename, and
// a short description. There is no typed error hierarchy beyond this.
type VolumeError struct {
	Code    int32
	File    string
	Message string
	st      *status.Status
	cause   error
}

// Error implements the error interface.
func (e *VolumeError) Error() string {
	return e.Message
}

// Unwrap exposes the underlying OS/library error, if any.
func (e *VolumeError) Unwrap() error {
	return e.cause
}

// GRPCStatus lets callers that already speak grpc/status consume a
// VolumeError through status.FromError without a type switch.
func (e *VolumeError) GRPCStatus() *status.Status {
	return e.st
}

// errnoOf extracts the OS errno from err, if it carries one.
func errnoOf(err error) (int32, bool) {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int32(errno), true
	}
	return 0, false
}

// newIOError builds a VolumeError for a failed syscall-backed operation on
// file. desc is a short description such as "pread segment" or "open
// segment"; cause is the error returned by the os/syscall package.
func newIOError(cause error, file, desc string) *VolumeError {
	_, callerFile, callerLine, _ := runtime.Caller(1)

	code, ok := errnoOf(cause)
	grpcCode := codes.Unavailable
	if !ok {
		code = -1
		grpcCode = codes.Internal
	}

	msg := fmt.Sprintf(
		"[%s:%d] %s %q: %v",
		callerFile, callerLine, desc, file, cause,
	)

	st := status.New(grpcCode, msg)
	if d, derr := st.WithDetails(&errdetails.LocalizedMessage{
		Locale:  "en-US",
		Message: msg,
	}); derr == nil {
		st = d
	}

	return &VolumeError{
		Code:    code,
		File:    file,
		Message: msg,
		st:      st,
		cause:   cause,
	}
}

// newPreconditionError builds a VolumeError for a programming error the
// caller cannot justify (spec.md §7 taxonomy item 6), e.g. truncating to a
// length beyond provisioned_length. These carry code -1 and are not
// retryable.
func newPreconditionError(file, desc string) *VolumeError {
	_, callerFile, callerLine, _ := runtime.Caller(1)

	msg := fmt.Sprintf(
		"[%s:%d] %s %q",
		callerFile, callerLine, desc, file,
	)

	st := status.New(codes.FailedPrecondition, msg)

	return &VolumeError{
		Code:    -1,
		File:    file,
		Message: msg,
		st:      st,
	}
}
