// Package errors defines the coded error type shared by all reportkit
// packages. Errors carry a machine-readable code, a human-readable message
// and a logical stack of wrapped causes.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Error codes used across the module. Automated handlers branch on the code;
// Msg and the wrapped Err chain are for operators.
const (
	EInternal = "internal error"
	EInvalid  = "invalid"   // validation failed
	ENotFound = "not found" // resource does not exist

	// EUnsupportedData signals compile data of a shape the artifact builder
	// does not recognize. This is an integration bug upstream, never retried.
	EUnsupportedData = "unsupported artifact data"

	// EMalformedArtifact signals artifact bytes that cannot be decoded into
	// a loadable unit.
	EMalformedArtifact = "malformed artifact"

	// ELoadRejected signals that the scope's inclusion policy refused a unit
	// or a symbol referenced by one.
	ELoadRejected = "load rejected"

	// EConstruction signals a failure while instantiating an evaluator from
	// an otherwise successfully loaded unit.
	EConstruction = "evaluator construction failed"
)

// Error is the coded error struct of reportkit.
//
// To create a simple error,
//     &Error{Code: ENotFound}
// To show where the error happens, add Op.
//     &Error{Code: ENotFound, Op: "evalcache.lookup"}
// To carry an unpredictable value, add it to Msg.
//     &Error{Code: ELoadRejected, Msg: fmt.Sprintf("unit %q refused", name)}
// To wrap another error,
//     &Error{Code: EConstruction, Err: err}
type Error struct {
	Code string
	Msg  string
	Op   string
	Err  error
}

// Error implements the error interface by writing out the recursive messages.
func (e *Error) Error() string {
	if e.Msg != "" && e.Err != nil {
		var b strings.Builder
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
		return b.String()
	} else if e.Msg != "" {
		return e.Msg
	} else if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("<%s>", e.Code)
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// ErrorCode returns the code of the first coded error in err's chain, if
// available; otherwise returns EInternal.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for {
		e, ok := err.(*Error)
		if !ok {
			return EInternal
		}
		if e == nil {
			return ""
		}
		if e.Code != "" {
			return e.Code
		}
		if e.Err == nil {
			return EInternal
		}
		err = e.Err
	}
}

// ErrorOp returns the op of the first coded error in err's chain that has
// one, if available; otherwise returns the empty string.
func ErrorOp(err error) string {
	if err == nil {
		return ""
	}
	for {
		e, ok := err.(*Error)
		if !ok || e == nil {
			return ""
		}
		if e.Op != "" {
			return e.Op
		}
		if e.Err == nil {
			return ""
		}
		err = e.Err
	}
}

// ErrorMessage returns the human-readable message of the error, if
// available; otherwise returns a generic message.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	for {
		e, ok := err.(*Error)
		if !ok {
			return "An internal error has occurred."
		}
		if e == nil {
			return ""
		}
		if e.Msg != "" {
			return e.Msg
		}
		if e.Err == nil {
			return "An internal error has occurred."
		}
		err = e.Err
	}
}

// errEncode handles the recursive stack of wrapped errors during JSON
// encoding.
type errEncode struct {
	Code string      `json:"code"`
	Msg  string      `json:"message,omitempty"`
	Op   string      `json:"op,omitempty"`
	Err  interface{} `json:"error,omitempty"`
}

// MarshalJSON recursively marshals the stack of Err.
func (e *Error) MarshalJSON() ([]byte, error) {
	ee := errEncode{
		Code: e.Code,
		Msg:  e.Msg,
		Op:   e.Op,
	}
	if e.Err != nil {
		if inner, ok := e.Err.(*Error); ok {
			ee.Err = inner
		} else {
			ee.Err = e.Err.Error()
		}
	}
	return json.Marshal(ee)
}

// UnmarshalJSON recursively unmarshals the error stack.
func (e *Error) UnmarshalJSON(b []byte) error {
	ee := new(errEncode)
	if err := json.Unmarshal(b, ee); err != nil {
		return err
	}
	e.Code = ee.Code
	e.Msg = ee.Msg
	e.Op = ee.Op
	e.Err = decodeWrapped(ee.Err)
	return nil
}

func decodeWrapped(target interface{}) error {
	if s, ok := target.(string); ok {
		return errors.New(s)
	}
	if m, ok := target.(map[string]interface{}); ok {
		inner := new(Error)
		if code, ok := m["code"].(string); ok {
			inner.Code = code
		}
		if msg, ok := m["message"].(string); ok {
			inner.Msg = msg
		}
		if op, ok := m["op"].(string); ok {
			inner.Op = op
		}
		inner.Err = decodeWrapped(m["error"])
		return inner
	}
	return nil
}
