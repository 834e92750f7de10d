// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/juju/errors"

	"github.com/juju/amqprpc/rpc/params"
)

// Error kinds. Every error surfaced by a client or produced by a worker
// matches one of these with errors.Is, except failures raised by the
// procedures themselves.
const (
	ErrEncode            = errors.ConstError("encode error")
	ErrDecode            = errors.ConstError("decode error")
	ErrProcedureNotFound = errors.ConstError("procedure not found")
	ErrConnectionClosed  = errors.ConstError("Connection closed cannot fulfill request.")
	ErrTimeout           = errors.ConstError("rpc timeout")
	ErrShutdown          = errors.ConstError("rpc shut down")
)

// Names carried in the error envelope for each kind.
const (
	EncodeErrorName            = "EncodeError"
	DecodeErrorName            = "DecodeError"
	ProcedureNotFoundErrorName = "ProcedureNotFoundError"
	ConnectionClosedErrorName  = "ConnectionClosedError"
	TimeoutErrorName           = "TimeoutError"
	ShutdownErrorName          = "ShutdownError"

	// DefaultErrorName names errors that do not name themselves.
	DefaultErrorName = "Error"
)

var kindsByName = map[string]error{
	EncodeErrorName:            ErrEncode,
	DecodeErrorName:            ErrDecode,
	ProcedureNotFoundErrorName: ErrProcedureNotFound,
	ConnectionClosedErrorName:  ErrConnectionClosed,
	TimeoutErrorName:           ErrTimeout,
	ShutdownErrorName:          ErrShutdown,
}

// IsShutdownErr returns true if the error is ErrShutdown.
func IsShutdownErr(err error) bool {
	return errors.Is(err, ErrShutdown)
}

// namedError is an error of a known kind with its own message.
type namedError struct {
	name    string
	message string
	info    map[string]interface{}
	cause   error
}

// NewError returns an error whose name travels with it to the caller.
// Procedures use it to fail with something more specific than "Error".
func NewError(name, message string, info map[string]interface{}) error {
	return &namedError{name: name, message: message, info: info}
}

func newKindError(name, message string, cause error) error {
	return &namedError{name: name, message: message, cause: cause}
}

func (e *namedError) Error() string {
	return e.message
}

// ErrorName returns the name sent in error replies.
func (e *namedError) ErrorName() string {
	return e.name
}

// ErrorInfo returns the extra fields sent in error replies.
func (e *namedError) ErrorInfo() map[string]interface{} {
	return e.info
}

func (e *namedError) Is(target error) bool {
	kind, ok := kindsByName[e.name]
	return ok && kind == target
}

func (e *namedError) Unwrap() error {
	return e.cause
}

func encodeError(message string, cause error) error {
	return newKindError(EncodeErrorName, message, cause)
}

func decodeError(message string, cause error) error {
	return newKindError(DecodeErrorName, message, cause)
}

func procedureNotFoundError(service, name string) error {
	return newKindError(ProcedureNotFoundErrorName,
		fmt.Sprintf("RPC procedure %q of %s was not found!", name, service), nil)
}

func timeoutError(service, name string) error {
	return newKindError(TimeoutErrorName, fmt.Sprintf("%s RPC timeout on %s", name, service), nil)
}

func connectionClosedError() error {
	return newKindError(ConnectionClosedErrorName, string(ErrConnectionClosed), nil)
}

func shutdownError(service string) error {
	return newKindError(ShutdownErrorName, fmt.Sprintf("RPC client of %s is shutting down", service), nil)
}

// RemoteError is a failure reported by a worker. Its message and name
// are the remote error's; it matches the kind named by the remote side,
// so a remote ProcedureNotFoundError satisfies
// errors.Is(err, ErrProcedureNotFound).
type RemoteError struct {
	Name        string
	Message     string
	RemoteStack string
	LocalStack  string
	Info        map[string]interface{}
}

func (e *RemoteError) Error() string {
	return e.Message
}

// ErrorName returns the remote error's name.
func (e *RemoteError) ErrorName() string {
	return e.Name
}

// ErrorInfo returns the extra fields the remote error carried.
func (e *RemoteError) ErrorInfo() map[string]interface{} {
	return e.Info
}

// StackTrace returns the remote stack followed by the stack of the
// local call site.
func (e *RemoteError) StackTrace() string {
	var b strings.Builder
	if e.RemoteStack != "" {
		b.WriteString(e.RemoteStack)
		b.WriteString("\n")
	}
	b.WriteString("called from:\n")
	b.WriteString(e.LocalStack)
	return b.String()
}

func (e *RemoteError) Is(target error) bool {
	kind, ok := kindsByName[e.Name]
	return ok && kind == target
}

func remoteError(p *params.Error, localStack string) *RemoteError {
	name := p.Name
	if name == "" {
		name = DefaultErrorName
	}
	return &RemoteError{
		Name:        name,
		Message:     p.Message,
		RemoteStack: p.Stack,
		LocalStack:  localStack,
		Info:        p.Info,
	}
}

// errorParams describes err for an error reply.
func errorParams(err error) *params.Error {
	p := &params.Error{
		Message: err.Error(),
		Name:    DefaultErrorName,
		Stack:   errors.ErrorStack(err),
	}
	var named interface{ ErrorName() string }
	if errors.As(err, &named) && named.ErrorName() != "" {
		p.Name = named.ErrorName()
	}
	var withInfo interface {
		ErrorInfo() map[string]interface{}
	}
	if errors.As(err, &withInfo) {
		p.Info = withInfo.ErrorInfo()
	}
	return p
}

// callerStack formats the stack of the goroutine calling it, skipping
// skip frames above the caller.
func callerStack(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return b.String()
}
