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

//go:build linux
// +build linux

package e2e

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sandboxd/pkg/engine/manager"
	"sandboxd/pkg/engine/session"
	"sandboxd/pkg/sos/client"
	"sandboxd/pkg/sos/server"

	dockerClient "github.com/docker/docker/client"
)

// newTestServer wires a Manager to an httptest server, the same way
// cmd/sandboxd/app does in production, and returns a client pointed at it.
func newTestServer(t *testing.T, docker dockerClient.CommonAPIClient) (*client.Client, func()) {
	t.Helper()

	mgr := manager.NewManager(docker, nil, session.Docker)
	srv := server.NewServer(mgr)
	ts := httptest.NewServer(srv.Router())

	return client.New(ts.URL), ts.Close
}

func dockerTestClient(t *testing.T) dockerClient.CommonAPIClient {
	t.Helper()

	cli, err := dockerClient.NewClientWithOpts(dockerClient.WithHost("unix:///var/run/docker.sock"), dockerClient.WithVersion(dockerAPIVersion))
	if err != nil {
		t.Skipf("docker client unavailable: %v", err)
	}

	if err := dockerReachable(cli); err != nil {
		t.Skipf("docker daemon unreachable: %v", err)
	}

	return cli
}

func TestSessionExecPreservesShellState(t *testing.T) {
	docker := dockerTestClient(t)
	c, closeServer := newTestServer(t, docker)
	defer closeServer()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	id, err := c.Create(ctx, client.CreateRequest{Image: testImage})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer c.Stop(ctx, id, true)

	if err := c.Start(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := c.Exec(ctx, id, client.ExecRequest{Command: "cd /tmp && export FOO=bar"}); err != nil {
		t.Fatalf("exec (set state): %v", err)
	}

	res, err := c.Exec(ctx, id, client.ExecRequest{Command: "pwd && echo $FOO"})
	if err != nil {
		t.Fatalf("exec (read state): %v", err)
	}

	if !strings.Contains(res.Output, "/tmp") || !strings.Contains(res.Output, "bar") {
		t.Fatalf("expected shell state (cwd=/tmp, FOO=bar) to persist across execs, got: %q", res.Output)
	}

	if res.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", res.ExitCode)
	}
}

func TestStandaloneExecDoesNotSeeSessionState(t *testing.T) {
	docker := dockerTestClient(t)
	c, closeServer := newTestServer(t, docker)
	defer closeServer()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	id, err := c.Create(ctx, client.CreateRequest{Image: testImage})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer c.Stop(ctx, id, true)

	if err := c.Start(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := c.Exec(ctx, id, client.ExecRequest{Command: "export FOO=bar"}); err != nil {
		t.Fatalf("exec (set state): %v", err)
	}

	res, err := c.Exec(ctx, id, client.ExecRequest{Command: "echo FOO=[$FOO]", Standalone: true})
	if err != nil {
		t.Fatalf("standalone exec: %v", err)
	}

	if !strings.Contains(res.Output, "FOO=[]") {
		t.Fatalf("expected standalone exec to not observe session state, got: %q", res.Output)
	}
}

func TestExecNonzeroExitCode(t *testing.T) {
	docker := dockerTestClient(t)
	c, closeServer := newTestServer(t, docker)
	defer closeServer()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	id, err := c.Create(ctx, client.CreateRequest{Image: testImage})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer c.Stop(ctx, id, true)

	if err := c.Start(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}

	res, err := c.Exec(ctx, id, client.ExecRequest{Command: "(exit 7)"})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}

	if res.ExitCode != 7 {
		t.Fatalf("expected exit code 7, got %d", res.ExitCode)
	}
}

func TestExecBeforeStartIsInvalidState(t *testing.T) {
	docker := dockerTestClient(t)
	c, closeServer := newTestServer(t, docker)
	defer closeServer()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	id, err := c.Create(ctx, client.CreateRequest{Image: testImage})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer c.Stop(ctx, id, true)

	_, err = c.Exec(ctx, id, client.ExecRequest{Command: "true"})
	if err == nil {
		t.Fatalf("expected exec on a non-running sandbox to fail")
	}

	sosErr, ok := err.(*client.Error)
	if !ok {
		t.Fatalf("expected *client.Error, got %T", err)
	}

	if sosErr.StatusCode != 409 {
		t.Fatalf("expected 409, got %d", sosErr.StatusCode)
	}
}

func TestExecUnknownSandbox(t *testing.T) {
	docker := dockerTestClient(t)
	c, closeServer := newTestServer(t, docker)
	defer closeServer()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := c.Exec(ctx, "does-not-exist", client.ExecRequest{Command: "true"})
	if err == nil {
		t.Fatalf("expected exec on an unknown sandbox to fail")
	}

	sosErr, ok := err.(*client.Error)
	if !ok {
		t.Fatalf("expected *client.Error, got %T", err)
	}

	if sosErr.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", sosErr.StatusCode)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	docker := dockerTestClient(t)
	c, closeServer := newTestServer(t, docker)
	defer closeServer()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	id, err := c.Create(ctx, client.CreateRequest{Image: testImage})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := c.Start(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := c.Stop(ctx, id, false); err != nil {
		t.Fatalf("first stop: %v", err)
	}

	if err := c.Stop(ctx, id, true); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
