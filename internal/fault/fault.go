// Package fault defines the error taxonomy shared by the transport and the
// protocol engines. Four kinds exist:
//
//   - Validation: malformed URL or key material, CSR generation failure.
//     Raised before any network call.
//   - Server: a non-2xx ACME response carrying a parsed problem document.
//     The CA's detail string is surfaced verbatim.
//   - Operation: a local precondition violation, e.g. a finalize attempt on
//     an order with no finalize URL.
//   - Transport: a network, timeout or parse failure wrapping its cause.
//
// None of the kinds are retried automatically; retry policy belongs to the
// caller.
package fault

import (
	"errors"
	"fmt"

	"github.com/blockadesystems/certflow/internal/model"
)

// Validation indicates bad input detected before any network I/O.
type Validation struct {
	Msg string
}

func (e *Validation) Error() string { return e.Msg }

// Validationf builds a Validation fault from a format string.
func Validationf(format string, args ...any) *Validation {
	return &Validation{Msg: fmt.Sprintf(format, args...)}
}

// Server indicates the CA rejected a request with a problem document.
type Server struct {
	Problem *model.ProblemDetails
}

func (e *Server) Error() string {
	if e.Problem == nil {
		return "acme server error"
	}
	if e.Problem.Detail != "" {
		return e.Problem.Detail
	}
	return e.Problem.Type
}

// Operation indicates a domain-specific precondition violation raised from
// local entity state.
type Operation struct {
	Msg string
}

func (e *Operation) Error() string { return e.Msg }

// Operationf builds an Operation fault from a format string.
func Operationf(format string, args ...any) *Operation {
	return &Operation{Msg: fmt.Sprintf(format, args...)}
}

// Transport indicates a network, timeout or response-parse failure.
type Transport struct {
	Op  string
	Err error
}

func (e *Transport) Error() string { return fmt.Sprintf("%s failed: %v", e.Op, e.Err) }

func (e *Transport) Unwrap() error { return e.Err }

// Transportf wraps err as a transport fault for the named operation.
func Transportf(op string, err error) *Transport {
	return &Transport{Op: op, Err: err}
}

// IsValidation reports whether err is (or wraps) a Validation fault.
func IsValidation(err error) bool {
	var v *Validation
	return errors.As(err, &v)
}

// IsServer reports whether err is (or wraps) a Server fault.
func IsServer(err error) bool {
	var s *Server
	return errors.As(err, &s)
}

// AsServer returns the Server fault wrapped in err, or nil.
func AsServer(err error) *Server {
	var s *Server
	if errors.As(err, &s) {
		return s
	}
	return nil
}

// IsOperation reports whether err is (or wraps) an Operation fault.
func IsOperation(err error) bool {
	var o *Operation
	return errors.As(err, &o)
}

// IsTransport reports whether err is (or wraps) a Transport fault.
func IsTransport(err error) bool {
	var t *Transport
	return errors.As(err, &t)
}
