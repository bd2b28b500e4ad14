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

package engineerr

import (
	"errors"
	"strings"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		k    Kind
		want int
	}{
		{InvalidState, 409},
		{UnknownSandbox, 404},
		{CommandTimeout, 504},
		{ResultRecoveryError, 504},
		{SetupError, 500},
		{AttachError, 500},
		{SessionClosed, 500},
		{RuntimeError, 500},
		{ProtocolError, 500},
		{Kind("unknown-kind"), 500},
	}

	for _, tt := range tests {
		if got := HTTPStatus(tt.k); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.k, got, tt.want)
		}
	}
}

func TestClassifyRuntimeError(t *testing.T) {
	tests := []struct {
		msg  string
		want Kind
	}{
		{"No such container: abc123", UnknownSandbox},
		{"container def456 not found", UnknownSandbox},
		{"Container abc is not running", InvalidState},
		{"exec: \"foo\": no such file or directory", RuntimeError},
		{"dial unix /var/run/docker.sock: connect: connection refused", RuntimeError},
		{"some unrecognized daemon failure", RuntimeError},
	}

	for _, tt := range tests {
		if got := ClassifyRuntimeError(tt.msg); got != tt.want {
			t.Errorf("ClassifyRuntimeError(%q) = %s, want %s", tt.msg, got, tt.want)
		}
	}
}

func TestWrapRuntimeErrorTruncatesContainerID(t *testing.T) {
	cause := errors.New("No such container")
	err := WrapRuntimeError(cause, "0123456789abcdef", "No such container")

	if err.K != UnknownSandbox {
		t.Fatalf("expected UnknownSandbox, got %s", err.K)
	}

	if got := err.Error(); !strings.Contains(got, "0123456789ab") || strings.Contains(got, "0123456789abcdef") {
		t.Fatalf("expected container id truncated to 12 chars in %q", got)
	}

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to unwrap to cause")
	}
}

func TestNewAndWrap(t *testing.T) {
	e := New(SetupError, "setup failed: %s", "bad command")
	if e.K != SetupError {
		t.Fatalf("expected SetupError, got %s", e.K)
	}
	if e.Detail != "setup failed: bad command" {
		t.Fatalf("unexpected detail: %s", e.Detail)
	}

	cause := errors.New("boom")
	wrapped := Wrap(AttachError, cause, "")
	if wrapped.Detail != "boom" {
		t.Fatalf("expected Wrap to default Detail to cause's message, got %q", wrapped.Detail)
	}
}

func TestKindOfAndIs(t *testing.T) {
	if KindOf(nil) != "" {
		t.Fatalf("expected KindOf(nil) to be empty")
	}

	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("expected KindOf(plain error) to be empty")
	}

	e := New(CommandTimeout, "timed out")
	if !Is(e, CommandTimeout) {
		t.Fatalf("expected Is(e, CommandTimeout) to be true")
	}
	if Is(e, InvalidState) {
		t.Fatalf("expected Is(e, InvalidState) to be false")
	}
}
