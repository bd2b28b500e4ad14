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

// Package session implements the persistent-shell execution protocol: one
// attached, persistent interactive shell inside one container that frames
// discrete commands over a single unframed duplex byte stream and recovers
// each command's stdout, stderr, and exit code via out-of-band file reads.
package session

import (
	"context"
	"time"

	"sandboxd/pkg/common/logutil"

	dockerClient "github.com/docker/docker/client"

	"github.com/containerd/containerd"
)

var logger = logutil.GetLogger("sandboxd-session")

// ContainerRuntime selects which container runtime backend a Session is
// established against.
type ContainerRuntime string

const (
	Docker     ContainerRuntime = "docker"
	Containerd ContainerRuntime = "containerd"
)

const (
	// ManagedLabelKey marks a container/task as owned by this engine, so the
	// orphan reaper can recognize its own containers without touching
	// anything it did not create.
	ManagedLabelKey = "sandboxd.managed"
	// SandboxIDLabelKey carries the sandbox id a container/task belongs to.
	SandboxIDLabelKey = "sandboxd.id"
)

// Default timeout budgets, per the concurrency & resource model: stream
// drain inactivity 0.5s, read-until-marker 10-20s (configurable),
// standalone exec per-frame read 10s.
const (
	DefaultDrainInactivity       = 500 * time.Millisecond
	DefaultMarkerTimeout         = 15 * time.Second
	DefaultStandaloneReadTimeout = 10 * time.Second
)

// Config describes the sandbox a Session is established for.
type Config struct {
	// SandboxID is the owning sandbox's id, stamped onto the container as a
	// label so the reaper can recognize it later.
	SandboxID string

	// Image is the container image the sandbox is built from.
	Image string

	// SetupCommands are shell strings run, joined with " && ", as a single
	// out-of-band exec before the session is usable.
	SetupCommands []string

	// Runtime selects the backend this Session is established against.
	Runtime ContainerRuntime

	// Namespace is the containerd namespace to operate in. Ignored for the
	// Docker backend.
	Namespace string

	// MarkerTimeout bounds how long ExecSession waits for a command's
	// completion marker before failing with CommandTimeout. Zero means
	// DefaultMarkerTimeout.
	MarkerTimeout time.Duration

	// DrainInactivity bounds how long the startup/post-command drain waits
	// for stream inactivity before considering the stream quiet. Zero means
	// DefaultDrainInactivity.
	DrainInactivity time.Duration

	// StandaloneReadTimeout bounds each read of a standalone exec's output
	// stream. Zero means DefaultStandaloneReadTimeout.
	StandaloneReadTimeout time.Duration
}

func (c *Config) markerTimeout() time.Duration {
	if c.MarkerTimeout > 0 {
		return c.MarkerTimeout
	}

	return DefaultMarkerTimeout
}

func (c *Config) drainInactivity() time.Duration {
	if c.DrainInactivity > 0 {
		return c.DrainInactivity
	}

	return DefaultDrainInactivity
}

func (c *Config) standaloneReadTimeout() time.Duration {
	if c.StandaloneReadTimeout > 0 {
		return c.StandaloneReadTimeout
	}

	return DefaultStandaloneReadTimeout
}

// ContainerConfig is the server-wide container runtime configuration,
// loaded from TOML.
type ContainerConfig struct {
	// Endpoint is the API endpoint address of the container runtime.
	Endpoint string `toml:"endpoint"`

	// DockerAPIVersion pins the Docker API version to negotiate.
	DockerAPIVersion string `toml:"docker_api_version"`

	// ContainerRuntime is the default runtime used when a create request
	// does not specify one.
	ContainerRuntime ContainerRuntime `toml:"container_runtime"`

	// Namespace is the containerd namespace used for all sandboxes.
	Namespace string `toml:"namespace"`
}

// Session exposes the two operations the Sandbox Manager needs from a
// single sandbox's shell: exec against the persistent session, and
// standalone exec outside of it. Start and Stop manage the underlying
// container and its attached stream.
type Session interface {
	// Start creates the container, runs setup commands (if any), attaches
	// to the primary process, and prepares the stream for framing.
	Start(ctx context.Context) error

	// ExecSession runs cmd inside the persistent shell, preserving shell
	// state (cwd, exported vars) across calls.
	ExecSession(ctx context.Context, cmd string) (stdout, stderr string, exitCode int, err error)

	// ExecStandalone runs cmd as a fresh exec in the same container,
	// independent of the persistent shell's state.
	ExecStandalone(ctx context.Context, cmd string) (stdout, stderr string, exitCode int, err error)

	// Stop tears down the attached stream and removes the container. Every
	// step is best-effort; failure in one does not skip the others.
	Stop(ctx context.Context) error
}

// EstablishSession constructs the Session backend named by cfg.Runtime.
func EstablishSession(cfg *Config, apiClient dockerClient.CommonAPIClient, containerdClient *containerd.Client) (Session, error) {
	if cfg.Runtime == Containerd {
		return newContainerdSession(cfg, containerdClient), nil
	}

	return newDockerSession(cfg, apiClient), nil
}
