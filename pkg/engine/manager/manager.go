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

// Package manager implements the Sandbox Lifecycle Manager: a process-wide
// registry of sandboxes with create/start/exec/stop/list operations, each
// sandbox serialized through its own lock while the registry lock is held
// only long enough to look up or mutate the map.
package manager

import (
	"context"
	"sync"
	"time"

	"sandboxd/pkg/common/logutil"
	"sandboxd/pkg/engine/engineerr"
	"sandboxd/pkg/engine/session"
	"sandboxd/pkg/monitor"

	dockerClient "github.com/docker/docker/client"
	"github.com/containerd/containerd"
	"github.com/google/uuid"
)

var logger = logutil.GetLogger("sandboxd-manager")

// State is a sandbox's position in the Created -> Running -> Stopped state
// machine.
type State string

const (
	Created State = "created"
	Running State = "running"
	Stopped State = "stopped"
)

// sandbox is the Manager's internal record. While Running, sess is non-nil;
// in Created or Stopped it is nil.
type sandbox struct {
	id            string
	image         string
	setupCommands []string
	runtime       session.ContainerRuntime
	createdAt     time.Time

	mu    sync.Mutex
	state State
	sess  session.Session
}

// Info is the externally visible snapshot of a sandbox, used by list() and
// by the SoS Server's GET /sandboxes response.
type Info struct {
	ID        string
	State     State
	Runtime   session.ContainerRuntime
	CreatedAt time.Time
}

// Manager owns every Sandbox and the container runtime clients sessions are
// established against.
type Manager struct {
	dockerClient     dockerClient.CommonAPIClient
	containerdClient *containerd.Client
	defaultRuntime   session.ContainerRuntime

	registryMu sync.RWMutex
	registry   map[string]*sandbox
}

// NewManager constructs a Manager. Either client may be nil if the
// corresponding runtime is not in use; a Start of a sandbox using that
// runtime then fails with RuntimeError.
func NewManager(docker dockerClient.CommonAPIClient, ctrd *containerd.Client, defaultRuntime session.ContainerRuntime) *Manager {
	return &Manager{
		dockerClient:     docker,
		containerdClient: ctrd,
		defaultRuntime:   defaultRuntime,
		registry:         make(map[string]*sandbox),
	}
}

// Create allocates an id and registers a new sandbox in Created state. It
// does not touch the container runtime.
func (m *Manager) Create(image string, setupCommands []string, runtime session.ContainerRuntime) (string, error) {
	if runtime == "" {
		runtime = m.defaultRuntime
	}

	id := uuid.NewString()

	sb := &sandbox{
		id:            id,
		image:         image,
		setupCommands: setupCommands,
		runtime:       runtime,
		createdAt:     time.Now(),
		state:         Created,
	}

	m.registryMu.Lock()
	m.registry[id] = sb
	m.registryMu.Unlock()

	monitor.MetricsSandboxesCreated.WithLabelValues(string(runtime)).Inc()
	monitor.MetricsSandboxesActive.Inc()

	logger.WithField("sandbox", id).Infof("created sandbox image=%s runtime=%s", image, runtime)

	return id, nil
}

// Start transitions a Created sandbox to Running by invoking Shell Session
// start. Starting a Running sandbox is a no-op.
func (m *Manager) Start(ctx context.Context, id string) error {
	sb, err := m.lookup(id)
	if err != nil {
		return err
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.state == Running {
		return nil
	}

	if sb.state != Created {
		return engineerr.New(engineerr.InvalidState, "sandbox %s is %s, not created", id, sb.state)
	}

	if (sb.runtime == session.Containerd && m.containerdClient == nil) ||
		(sb.runtime != session.Containerd && m.dockerClient == nil) {
		return engineerr.New(engineerr.RuntimeError, "no %s client configured for sandbox %s", sb.runtime, id)
	}

	sess, err := session.EstablishSession(&session.Config{
		SandboxID:     sb.id,
		Image:         sb.image,
		SetupCommands: sb.setupCommands,
		Runtime:       sb.runtime,
	}, m.dockerClient, m.containerdClient)
	if err != nil {
		return err
	}

	if err := sess.Start(ctx); err != nil {
		sb.state = Stopped

		return err
	}

	sb.sess = sess
	sb.state = Running

	return nil
}

// Exec dispatches to the session's ExecSession or ExecStandalone variant.
// The sandbox must be Running.
func (m *Manager) Exec(ctx context.Context, id, cmd string, standalone bool) (stdout, stderr string, exitCode int, err error) {
	sb, err := m.lookup(id)
	if err != nil {
		return "", "", 0, err
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.state != Running {
		return "", "", 0, engineerr.New(engineerr.InvalidState, "sandbox %s is %s, not running", id, sb.state)
	}

	mode := "session"
	if standalone {
		mode = "standalone"
	}

	if standalone {
		stdout, stderr, exitCode, err = sb.sess.ExecStandalone(ctx, cmd)
	} else {
		stdout, stderr, exitCode, err = sb.sess.ExecSession(ctx, cmd)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"

		if engineerr.KindOf(err) == engineerr.CommandTimeout {
			monitor.MetricsExecTimeouts.WithLabelValues(mode).Inc()
		}
	}

	monitor.MetricsExecCalls.WithLabelValues(mode, outcome).Inc()

	return stdout, stderr, exitCode, err
}

// Stop invokes Shell Session stop if the sandbox is Running, transitions it
// to Stopped, and, if remove is set, removes the registry entry. Calling
// Stop twice is benign.
func (m *Manager) Stop(ctx context.Context, id string, remove bool) error {
	sb, err := m.lookup(id)
	if err != nil {
		return err
	}

	sb.mu.Lock()

	var stopErr error

	if sb.state == Running {
		stopErr = sb.sess.Stop(ctx)
		sb.sess = nil
		sb.state = Stopped
	}

	sb.mu.Unlock()

	if remove {
		m.registryMu.Lock()
		delete(m.registry, id)
		m.registryMu.Unlock()

		monitor.MetricsSandboxesActive.Dec()
	}

	return stopErr
}

// List returns a snapshot of every registered sandbox.
func (m *Manager) List() []Info {
	m.registryMu.RLock()
	defer m.registryMu.RUnlock()

	infos := make([]Info, 0, len(m.registry))

	for _, sb := range m.registry {
		sb.mu.Lock()
		infos = append(infos, Info{
			ID:        sb.id,
			State:     sb.state,
			Runtime:   sb.runtime,
			CreatedAt: sb.createdAt,
		})
		sb.mu.Unlock()
	}

	return infos
}

// ManagedIDs returns the set of sandbox ids currently tracked in the
// registry, used by the reaper to distinguish its own live sandboxes from
// orphaned containers carrying the engine's labels.
func (m *Manager) ManagedIDs() map[string]struct{} {
	m.registryMu.RLock()
	defer m.registryMu.RUnlock()

	ids := make(map[string]struct{}, len(m.registry))
	for id := range m.registry {
		ids[id] = struct{}{}
	}

	return ids
}

func (m *Manager) lookup(id string) (*sandbox, error) {
	m.registryMu.RLock()
	sb, ok := m.registry[id]
	m.registryMu.RUnlock()

	if !ok {
		return nil, engineerr.New(engineerr.UnknownSandbox, "no such sandbox: %s", id)
	}

	return sb, nil
}
