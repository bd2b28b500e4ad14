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

package app

import (
	"context"
	"net"
	"net/http"

	"sandboxd/pkg/common/containerutil"
	"sandboxd/pkg/common/logutil"
	"sandboxd/pkg/engine/manager"
	"sandboxd/pkg/engine/reaper"
	"sandboxd/pkg/engine/session"
	"sandboxd/pkg/monitor"
	"sandboxd/pkg/sos/server"

	"github.com/containerd/containerd"
	dockerClient "github.com/docker/docker/client"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// runServer configures and starts the sandboxd server.
func runServer(opt *Option) error {
	level, err := logrus.ParseLevel(opt.LogConfig.Level)
	if err != nil {
		return err
	}

	logutil.SetLevel(level)
	logutil.SetExpireDay(opt.LogConfig.ExpireDays)

	setupSignal()

	logGlobalConfig(opt)

	go startMonitorServer()

	dockerCli, containerdCli := buildRuntimeClients(opt.ContainerConfig)

	mgr := manager.NewManager(dockerCli, containerdCli, opt.ContainerConfig.ContainerRuntime)

	go reaper.New(dockerCli, containerdCli, opt.ContainerConfig.Namespace, mgr.ManagedIDs, opt.ReapInterval).RunPeriodically(context.Background())

	sosServer := server.NewServer(mgr)

	httpServer := &http.Server{
		Addr:    net.JoinHostPort(opt.Host, opt.Port),
		Handler: monitor.WrapPrometheus(sosServer.Router()),
	}

	return httpServer.ListenAndServe()
}

// buildRuntimeClients constructs whichever container runtime clients the
// configuration names. A client that fails to construct is left nil; the
// Sandbox Manager reports RuntimeError when starting a sandbox that uses that
// runtime.
func buildRuntimeClients(cfg session.ContainerConfig) (dockerClient.CommonAPIClient, *containerd.Client) {
	var (
		dockerCli     dockerClient.CommonAPIClient
		containerdCli *containerd.Client
	)

	switch cfg.ContainerRuntime {
	case session.Containerd:
		cli, err := containerd.New(cfg.Endpoint, containerd.WithDefaultNamespace(cfg.Namespace))
		if err != nil {
			logrus.Errorf("failed to build containerd client: %v", err)
		} else {
			containerdCli = cli
		}
	default:
		cli, err := containerutil.CreateDockerClient(cfg.Endpoint, cfg.DockerAPIVersion)
		if err != nil {
			logrus.Errorf("failed to build docker client: %v", err)
		} else {
			dockerCli = cli
		}
	}

	return dockerCli, containerdCli
}

// startMonitorServer starts the Prometheus metrics endpoint.
func startMonitorServer() {
	addr := net.JoinHostPort("0.0.0.0", "19104")
	srv := &http.Server{Addr: addr}

	r := mux.NewRouter()
	r.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	srv.Handler = r

	srv.ListenAndServe()
}
