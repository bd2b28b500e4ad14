// Copyright The Sandboxd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package engineerr defines the sandbox engine's error taxonomy: a fixed set
// of kinds the Shell Session, Sandbox Manager, and SoS Server all propagate
// and translate into HTTP status codes at the boundary.
package engineerr

import (
	"fmt"
	"strings"
)

// Kind is one of the fixed error taxonomy kinds. It is a string rather than
// an int so it serializes directly into the "error" field of an HTTP
// response body.
type Kind string

const (
	InvalidState        Kind = "InvalidState"
	UnknownSandbox      Kind = "UnknownSandbox"
	SetupError          Kind = "SetupError"
	AttachError         Kind = "AttachError"
	CommandTimeout      Kind = "CommandTimeout"
	SessionClosed       Kind = "SessionClosed"
	ResultRecoveryError Kind = "ResultRecoveryError"
	RuntimeError        Kind = "RuntimeError"
	ProtocolError       Kind = "ProtocolError"
)

// Error is the single error type the engine returns. It carries a taxonomy
// Kind plus a human-readable Detail, and optionally wraps an underlying
// cause for %w-style unwrapping.
type Error struct {
	K      Kind
	Detail string
	Cause  error
}

// New constructs an Error of the given kind with a formatted detail message.
func New(k Kind, format string, args ...interface{}) *Error {
	return &Error{K: k, Detail: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind, wrapping an underlying cause.
// Detail is the cause's message unless a non-empty detail is supplied.
func Wrap(k Kind, cause error, detail string) *Error {
	if detail == "" && cause != nil {
		detail = cause.Error()
	}

	return &Error{K: k, Detail: detail, Cause: cause}
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.K)
	}

	return fmt.Sprintf("%s: %s", e.K, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf reports the taxonomy kind of an Error. It returns "" for errors that
// are not *Error (e.g. raw errors from a library that a caller forgot to
// classify).
func KindOf(err error) Kind {
	var e *Error
	if err == nil {
		return ""
	}

	if asErr, ok := err.(*Error); ok {
		e = asErr
	} else {
		return ""
	}

	return e.K
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}

// ClassifyRuntimeError turns a low-level container-runtime error message
// into a taxonomy Kind by substring matching, the same technique the
// teacher repo's sessionutil.WrapErrorWithCode uses to turn raw Docker/
// containerd error text into a coarse classification. Call this at the
// boundary where a runtime client call first fails; everything above that
// boundary deals only in *Error.
func ClassifyRuntimeError(errMsg string) Kind {
	switch {
	case strings.Contains(errMsg, "No such container"),
		strings.Contains(errMsg, "not found"):
		return UnknownSandbox
	case strings.Contains(errMsg, "is not running"):
		return InvalidState
	case strings.Contains(errMsg, "no such file or directory"),
		strings.Contains(errMsg, "connection refused"):
		return RuntimeError
	default:
		return RuntimeError
	}
}

// WrapRuntimeError classifies errMsg via ClassifyRuntimeError and wraps cause
// into an *Error of the resulting kind, truncating the container id the way
// the teacher's WrapContainerError does for log/detail hygiene.
func WrapRuntimeError(cause error, containerID string, errMsg string) *Error {
	const maxContainerIDLen = 12

	id := containerID
	if len(id) > maxContainerIDLen {
		id = id[:maxContainerIDLen]
	}

	k := ClassifyRuntimeError(errMsg)

	detail := errMsg
	if id != "" {
		detail = fmt.Sprintf("%s (sandbox %s)", errMsg, id)
	}

	return &Error{K: k, Detail: detail, Cause: cause}
}

// HTTPStatus maps a taxonomy Kind to the HTTP status code the SoS Server
// responds with, per the fixed InvalidState->409, UnknownSandbox->404,
// CommandTimeout/ResultRecoveryError->504, else->500 mapping.
func HTTPStatus(k Kind) int {
	switch k {
	case InvalidState:
		return 409
	case UnknownSandbox:
		return 404
	case CommandTimeout, ResultRecoveryError:
		return 504
	default:
		return 500
	}
}
