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

// Package reaper periodically removes containers and tasks that carry the
// engine's own management labels but are no longer tracked in the Sandbox
// Manager's registry — orphans left behind by a crash or a missed cleanup.
package reaper

import (
	"context"
	"time"

	"sandboxd/pkg/common/logutil"
	"sandboxd/pkg/engine/session"
	"sandboxd/pkg/monitor"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/namespaces"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerClient "github.com/docker/docker/client"
)

func namespacedContext(ctx context.Context, namespace string) context.Context {
	return namespaces.WithNamespace(ctx, namespace)
}

var logger = logutil.GetLogger("sandboxd-reaper")

const defaultSweepInterval = 5 * time.Minute

// Reaper sweeps the Docker and/or containerd runtimes for containers
// labeled as engine-managed whose sandbox id is not in the live registry.
type Reaper struct {
	dockerClient     dockerClient.CommonAPIClient
	containerdClient *containerd.Client
	namespace        string
	managedIDs       func() map[string]struct{}
	interval         time.Duration
}

// New constructs a Reaper. Either client may be nil if that runtime is not
// in use. managedIDs is called on every sweep to get the current set of
// live sandbox ids. A zero interval falls back to defaultSweepInterval.
func New(docker dockerClient.CommonAPIClient, ctrd *containerd.Client, namespace string, managedIDs func() map[string]struct{}, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	return &Reaper{
		dockerClient:     docker,
		containerdClient: ctrd,
		namespace:        namespace,
		managedIDs:       managedIDs,
		interval:         interval,
	}
}

// RunPeriodically sweeps on every tick until ctx is done. It also sweeps
// once immediately, covering orphans left by a crash before this process
// started.
func (r *Reaper) RunPeriodically(ctx context.Context) {
	r.sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	live := r.managedIDs()

	if r.dockerClient != nil {
		r.sweepDocker(ctx, live)
	}

	if r.containerdClient != nil {
		r.sweepContainerd(ctx, live)
	}
}

func (r *Reaper) sweepDocker(ctx context.Context, live map[string]struct{}) {
	listFilters := filters.NewArgs()
	listFilters.Add("label", session.ManagedLabelKey+"=true")

	containers, err := r.dockerClient.ContainerList(ctx, container.ListOptions{All: true, Filters: listFilters})
	if err != nil {
		logger.Errorf("reaper: list containers failed: %v", err)

		return
	}

	for _, c := range containers {
		id := c.Labels[session.SandboxIDLabelKey]
		if _, tracked := live[id]; tracked {
			continue
		}

		if err := r.dockerClient.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			logger.Errorf("reaper: remove orphan container %s (sandbox %s) failed: %v", c.ID, id, err)

			continue
		}

		logger.Infof("reaper: removed orphan docker container %s (sandbox %s)", c.ID, id)
		monitor.MetricsReapedContainers.WithLabelValues(string(session.Docker)).Inc()
	}
}

func (r *Reaper) sweepContainerd(ctx context.Context, live map[string]struct{}) {
	ctx = namespacedContext(ctx, r.namespace)

	containers, err := r.containerdClient.Containers(ctx, "labels.\""+session.ManagedLabelKey+"\"==true")
	if err != nil {
		logger.Errorf("reaper: list containerd containers failed: %v", err)

		return
	}

	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			logger.Errorf("reaper: read labels for %s failed: %v", c.ID(), err)

			continue
		}

		id := labels[session.SandboxIDLabelKey]
		if _, tracked := live[id]; tracked {
			continue
		}

		if task, err := c.Task(ctx, nil); err == nil {
			task.Delete(ctx, containerd.WithProcessKill)
		}

		if err := c.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
			logger.Errorf("reaper: remove orphan container %s (sandbox %s) failed: %v", c.ID(), id, err)

			continue
		}

		logger.Infof("reaper: removed orphan containerd container %s (sandbox %s)", c.ID(), id)
		monitor.MetricsReapedContainers.WithLabelValues(string(session.Containerd)).Inc()
	}
}
