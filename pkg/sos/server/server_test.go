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

package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"sandboxd/pkg/engine/manager"
	"sandboxd/pkg/engine/session"
)

func newTestServer() *Server {
	mgr := manager.NewManager(nil, nil, session.Docker)

	return NewServer(mgr)
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}

		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	return rec
}

func TestHandleCreateAndList(t *testing.T) {
	s := newTestServer()

	rec := doRequest(t, s, http.MethodPost, "/sandboxes", createRequest{Image: "alpine", SetupCommands: []string{"true"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var created createResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected non-empty sandbox id")
	}

	rec = doRequest(t, s, http.MethodGet, "/sandboxes", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var infos []sandboxInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != created.ID || infos[0].State != "created" {
		t.Fatalf("unexpected list response: %+v", infos)
	}
}

func TestHandleExecUnknownSandboxReturns404(t *testing.T) {
	s := newTestServer()

	rec := doRequest(t, s, http.MethodPost, "/sandboxes/does-not-exist/exec", execRequest{Command: "true"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}

	var errResp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Error != "UnknownSandbox" {
		t.Fatalf("expected UnknownSandbox, got %q", errResp.Error)
	}
}

func TestHandleExecBeforeStartReturns409(t *testing.T) {
	s := newTestServer()

	rec := doRequest(t, s, http.MethodPost, "/sandboxes", createRequest{Image: "alpine"})
	var created createResponse
	json.Unmarshal(rec.Body.Bytes(), &created)

	rec = doRequest(t, s, http.MethodPost, "/sandboxes/"+created.ID+"/exec", execRequest{Command: "true"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleStopOnCreatedSandboxIsNoop(t *testing.T) {
	s := newTestServer()

	rec := doRequest(t, s, http.MethodPost, "/sandboxes", createRequest{Image: "alpine"})
	var created createResponse
	json.Unmarshal(rec.Body.Bytes(), &created)

	rec = doRequest(t, s, http.MethodPost, "/sandboxes/"+created.ID+"/stop", stopRequest{Remove: true})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodGet, "/sandboxes", nil)
	var infos []sandboxInfo
	json.Unmarshal(rec.Body.Bytes(), &infos)
	if len(infos) != 0 {
		t.Fatalf("expected sandbox removed from registry, got %+v", infos)
	}
}

func TestHandleCreateMalformedBodyReturns500(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/sandboxes", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = int64(len("{not json"))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for ProtocolError, got %d: %s", rec.Code, rec.Body.String())
	}
}
