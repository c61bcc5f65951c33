// Package fleeterrors contains generic errors returned by the coordinator, agents and workers.
// The gRPC interceptors in this package look for the error types defined here and set the gRPC status code
// accordingly, so that the calling side can tell "not found" from "timed out" from "broken".
//
// If multiple errors occur in some function (e.g. a broadcast to many agents), that function should return an
// error of type multierror.Error from package github.com/hashicorp/go-multierror that encapsulates them.
package fleeterrors

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g. "agent" or "worker"
	Value   string // Resource name, e.g. "A1.W3"
	Message string // An optional message to include in the error message
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// See ErrAlreadyExists for more info.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument, including invalid configuration.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g. "memberCount"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrTimeout indicates that some remote unit did not answer within its configured bound.
// Operators need to tell "slow" apart from "crashed", so timeouts are never folded into other errors.
type ErrTimeout struct {
	Operation string
	Target    string
	Timeout   time.Duration
}

func (err *ErrTimeout) Error() string {
	if err.Target == "" {
		return fmt.Sprintf("%s timed out after %s", err.Operation, err.Timeout)
	}
	return fmt.Sprintf("%s on %s timed out after %s", err.Operation, err.Target, err.Timeout)
}

// ErrRemote wraps an error returned by a remote agent or worker with the identity of that target.
type ErrRemote struct {
	Target string
	Op     string
	Err    error
}

func (err *ErrRemote) Error() string {
	return fmt.Sprintf("%s failed on %s: %s", err.Op, err.Target, err.Err)
}

func (err *ErrRemote) Unwrap() error {
	return err.Err
}

func (err *ErrRemote) Cause() error {
	return err.Err
}

// ErrTestCompleted is returned when a phase is invoked on a test that has already completed.
type ErrTestCompleted struct {
	TestId string
}

func (err *ErrTestCompleted) Error() string {
	return fmt.Sprintf("test %q has already completed", err.TestId)
}

// WrapRemote annotates err with the remote target. Deadline errors coming back from the call become ErrTimeout.
func WrapRemote(target, op string, timeout time.Duration, err error) error {
	if err == nil {
		return nil
	}
	if IsTimeout(err) {
		return errors.WithStack(&ErrTimeout{Operation: op, Target: target, Timeout: timeout})
	}
	return errors.WithStack(&ErrRemote{Target: target, Op: op, Err: err})
}

// IsTimeout returns true if err is, or wraps, a timeout of any kind known to this package.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var e *ErrTimeout
	if errors.As(err, &e) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return statusCode(err) == codes.DeadlineExceeded
}

// IsNotFound returns true if err is an ErrNotFound or a gRPC NotFound status.
func IsNotFound(err error) bool {
	var e *ErrNotFound
	if errors.As(err, &e) {
		return true
	}
	return statusCode(err) == codes.NotFound
}

// IsTestCompleted returns true if err is an ErrTestCompleted or the FailedPrecondition status it is sent as.
func IsTestCompleted(err error) bool {
	var e *ErrTestCompleted
	if errors.As(err, &e) {
		return true
	}
	return statusCode(err) == codes.FailedPrecondition
}

// statusCode finds a gRPC status anywhere in the chain of err, returning OK if there is none.
func statusCode(err error) codes.Code {
	var se interface{ GRPCStatus() *status.Status }
	if err != nil && errors.As(err, &se) {
		return se.GRPCStatus().Code()
	}
	return codes.OK
}

// CodeFromError maps error types to gRPC return codes.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
func CodeFromError(err error) codes.Code {
	// If the error is nil or already a status, return the embedded code.
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}

	{
		var e *ErrAlreadyExists
		if errors.As(err, &e) {
			return codes.AlreadyExists
		}
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return codes.NotFound
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return codes.InvalidArgument
		}
	}
	{
		var e *ErrTestCompleted
		if errors.As(err, &e) {
			return codes.FailedPrecondition
		}
	}
	if IsTimeout(err) {
		return codes.DeadlineExceeded
	}
	if code := statusCode(err); code != codes.OK {
		return code
	}
	return codes.Unknown
}

// UnaryServerInterceptor returns an interceptor that extracts the cause of an error chain
// and returns it as a gRPC status error.
//
// To log the full error chain and return only the cause to the caller, insert this interceptor before
// the logging interceptor.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		rv, err := handler(ctx, req)

		// If the error is nil or a gRPC status, return as-is
		if _, ok := status.FromError(err); ok {
			return rv, err
		}

		code := CodeFromError(err)
		return rv, status.Error(code, errors.Cause(err).Error())
	}
}
