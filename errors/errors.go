package errors

import (
	"errors"
	"fmt"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
)

// Coder is implemented by every error of this package.
type Coder interface {
	Code() codes.Code
}

// CodeError is an error with an attached status code.
type CodeError struct {
	code codes.Code
	err  error
}

func (e *CodeError) Error() string {
	return e.err.Error()
}

func (e *CodeError) Unwrap() error {
	return e.err
}

func (e *CodeError) Code() codes.Code {
	return e.code
}

func (e *CodeError) HttpCode() int {
	return runtime.HTTPStatusFromCode(e.code)
}

func makeError(code codes.Code, format string, a ...interface{}) *CodeError {
	return &CodeError{
		code: code,
		err:  fmt.Errorf(format, a...),
	}
}

// InvalidArgument indicates client specified an invalid argument.
func InvalidArgument(format string, a ...interface{}) *CodeError {
	return makeError(codes.InvalidArgument, format, a...)
}

// NotFound means some requested entity was not found.
func NotFound(format string, a ...interface{}) *CodeError {
	return makeError(codes.NotFound, format, a...)
}

// Unauthenticated indicates the request does not have valid
// authentication credentials for the operation.
func Unauthenticated(format string, a ...interface{}) *CodeError {
	return makeError(codes.Unauthenticated, format, a...)
}

// Unavailable indicates the service is currently unavailable.
func Unavailable(format string, a ...interface{}) *CodeError {
	return makeError(codes.Unavailable, format, a...)
}

// Internal errors. Means some invariants expected by underlying
// system has been broken.
func Internal(format string, a ...interface{}) *CodeError {
	return makeError(codes.Internal, format, a...)
}

// CodeOf returns the code of the first Coder in the chain of err.
// Errors without a code are Unknown.
func CodeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return codes.Unknown
}

// HttpCode maps err to an HTTP status.
func HttpCode(err error) int {
	return runtime.HTTPStatusFromCode(CodeOf(err))
}
