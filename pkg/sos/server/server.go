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

// Package server implements the Sandbox-over-Service (SoS) HTTP control
// plane: a plain JSON REST surface over the Sandbox Manager.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"sandboxd/pkg/common/logutil"
	"sandboxd/pkg/engine/engineerr"
	"sandboxd/pkg/engine/manager"
	"sandboxd/pkg/engine/session"

	"github.com/gorilla/mux"
)

var logger = logutil.GetLogger("sandboxd-server")

// Server exposes a Manager over HTTP.
type Server struct {
	mgr    *manager.Manager
	router *mux.Router
}

// NewServer builds a Server wired to mgr's routes.
func NewServer(mgr *manager.Manager) *Server {
	s := &Server{mgr: mgr, router: mux.NewRouter()}

	s.router.HandleFunc("/sandboxes", s.handleCreate).Methods(http.MethodPost)
	s.router.HandleFunc("/sandboxes", s.handleList).Methods(http.MethodGet)
	s.router.HandleFunc("/sandboxes/{id}/start", s.handleStart).Methods(http.MethodPost)
	s.router.HandleFunc("/sandboxes/{id}/exec", s.handleExec).Methods(http.MethodPost)
	s.router.HandleFunc("/sandboxes/{id}/stop", s.handleStop).Methods(http.MethodPost)

	return s
}

// Router returns the server's http.Handler, ready to be wrapped by
// middleware (e.g. the Prometheus instrumentation in pkg/monitor).
func (s *Server) Router() http.Handler {
	return s.router
}

type createRequest struct {
	Image         string   `json:"image"`
	SetupCommands []string `json:"setup_commands"`
	Runtime       string   `json:"runtime,omitempty"`
}

type createResponse struct {
	ID string `json:"id"`
}

type sandboxInfo struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Runtime   string    `json:"runtime"`
	CreatedAt time.Time `json:"created_at"`
}

type execRequest struct {
	Command    string `json:"command"`
	Standalone bool   `json:"standalone"`
}

type execResponse struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

type stopRequest struct {
	Remove bool `json:"remove"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeBody(w, r, &req) {
		return
	}

	id, err := s.mgr.Create(req.Image, req.SetupCommands, session.ContainerRuntime(req.Runtime))
	if err != nil {
		writeError(w, r, err)

		return
	}

	logger.WithField("sandbox", id).Infof("POST /sandboxes image=%s", req.Image)
	writeJSON(w, http.StatusOK, createResponse{ID: id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	infos := s.mgr.List()

	resp := make([]sandboxInfo, 0, len(infos))
	for _, info := range infos {
		resp = append(resp, sandboxInfo{
			ID:        info.ID,
			State:     string(info.State),
			Runtime:   string(info.Runtime),
			CreatedAt: info.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.mgr.Start(r.Context(), id); err != nil {
		logger.WithField("sandbox", id).Errorf("POST /sandboxes/%s/start failed: %v", id, err)
		writeError(w, r, err)

		return
	}

	logger.WithField("sandbox", id).Infof("POST /sandboxes/%s/start", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req execRequest
	if !decodeBody(w, r, &req) {
		return
	}

	stdout, stderr, exitCode, err := s.mgr.Exec(r.Context(), id, req.Command, req.Standalone)
	if err != nil {
		logger.WithField("sandbox", id).Errorf("POST /sandboxes/%s/exec failed: %v", id, err)
		writeError(w, r, err)

		return
	}

	writeAuditRecord(id, req.Command, exitCode)
	writeJSON(w, http.StatusOK, execResponse{Output: stdout + stderr, ExitCode: exitCode})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req stopRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.mgr.Stop(r.Context(), id, req.Remove); err != nil {
		logger.WithField("sandbox", id).Errorf("POST /sandboxes/%s/stop failed: %v", id, err)
		writeError(w, r, err)

		return
	}

	logger.WithField("sandbox", id).Infof("POST /sandboxes/%s/stop remove=%v", id, req.Remove)
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody decodes r's JSON body into dst. On failure it writes a
// ProtocolError response and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.ContentLength == 0 {
		return true
	}

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, engineerr.New(engineerr.ProtocolError, "malformed request body: %v", err))

		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps an engine error to an HTTP status and JSON body per the
// InvalidState->409, UnknownSandbox->404, CommandTimeout/ResultRecoveryError
// ->504, else->500 mapping.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := engineerr.KindOf(err)
	if kind == "" {
		kind = engineerr.RuntimeError
	}

	logger.WithField("path", r.URL.Path).Warnf("request failed: %s: %v", kind, err)

	writeJSON(w, engineerr.HTTPStatus(kind), errorResponse{Error: string(kind), Detail: err.Error()})
}
