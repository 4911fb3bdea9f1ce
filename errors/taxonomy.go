package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
)

var (
	// ErrNotFound is wrapped by ResolutionError when nothing matches.
	ErrNotFound = errors.New("component not found")

	// ErrAmbiguous is wrapped by ResolutionError when several
	// components match at the same depth.
	ErrAmbiguous = errors.New("ambiguous component")

	// ErrUnresolved is wrapped by ResolutionError when a bound method
	// is invoked before its owner is known.
	ErrUnresolved = errors.New("bound method has no owner")

	// ErrBreak marks a sequence terminated by a break condition.
	// It is never returned to the caller of a sequence.
	ErrBreak = errors.New("break condition triggered")
)

// ConfigurationError reports a bad or missing declaration or
// conflicting capabilities.
type ConfigurationError struct {
	Component string
	Field     string
	Err       error
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Component != "" {
		fmt.Fprintf(&b, " in %s", e.Component)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " (%s)", e.Field)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ConfigurationError) Unwrap() error    { return e.Err }
func (e *ConfigurationError) Code() codes.Code { return codes.FailedPrecondition }
func (e *ConfigurationError) HttpCode() int    { return runtime.HTTPStatusFromCode(e.Code()) }

// Configf builds a ConfigurationError.
func Configf(component, field, format string, a ...interface{}) *ConfigurationError {
	return &ConfigurationError{
		Component: component,
		Field:     field,
		Err:       fmt.Errorf(format, a...),
	}
}

// ResolutionError reports a component or binding that cannot be found
// or finalized.
type ResolutionError struct {
	Component string
	Slot      string
	Endpoint  string
	Err       error
}

func (e *ResolutionError) Error() string {
	var b strings.Builder
	b.WriteString("resolution error")
	if e.Endpoint != "" {
		fmt.Fprintf(&b, " for endpoint %s", e.Endpoint)
	}
	if e.Component != "" {
		fmt.Fprintf(&b, " in %s", e.Component)
	}
	if e.Slot != "" {
		fmt.Fprintf(&b, " (slot %s)", e.Slot)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ResolutionError) Unwrap() error    { return e.Err }
func (e *ResolutionError) Code() codes.Code { return codes.NotFound }
func (e *ResolutionError) HttpCode() int    { return runtime.HTTPStatusFromCode(e.Code()) }

// PathSubstitutionError reports a path template slot left without a value.
type PathSubstitutionError struct {
	Endpoint string
	Param    string
	Path     string
}

func (e *PathSubstitutionError) Error() string {
	return fmt.Sprintf("endpoint %s: no value for path parameter %q in %s", e.Endpoint, e.Param, e.Path)
}

func (e *PathSubstitutionError) Code() codes.Code { return codes.InvalidArgument }
func (e *PathSubstitutionError) HttpCode() int    { return runtime.HTTPStatusFromCode(e.Code()) }

// ValidationError reports payload data rejected by a schema.
type ValidationError struct {
	Endpoint string
	Field    string
	Value    interface{}
	Err      error
}

func (e *ValidationError) Error() string {
	prefix := "validation failed"
	if e.Endpoint != "" {
		prefix = fmt.Sprintf("endpoint %s: validation failed", e.Endpoint)
	}
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
	return fmt.Sprintf("%s for field %q: %v", prefix, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error    { return e.Err }
func (e *ValidationError) Code() codes.Code { return codes.InvalidArgument }
func (e *ValidationError) HttpCode() int    { return runtime.HTTPStatusFromCode(e.Code()) }

// IterationError wraps the failure of one iteration step that ended
// the sequence.
type IterationError struct {
	Endpoint string
	Param    string
	Index    int
	Values   map[string]interface{}
	Attempts int
	Err      error
}

func (e *IterationError) Error() string {
	msg := fmt.Sprintf("endpoint %s: iteration over %q failed at step %d", e.Endpoint, e.Param, e.Index)
	if len(e.Values) != 0 {
		msg += fmt.Sprintf(" with %v", e.Values)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	return msg + ": " + e.Err.Error()
}

func (e *IterationError) Unwrap() error    { return e.Err }
func (e *IterationError) Code() codes.Code { return codes.Aborted }
func (e *IterationError) HttpCode() int    { return runtime.HTTPStatusFromCode(e.Code()) }
