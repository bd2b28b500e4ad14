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

// Package containerutil holds small helpers shared by the container runtime
// backends and the server's startup wiring.
package containerutil

import dockerClient "github.com/docker/docker/client"

// CreateDockerClient creates a Docker client for the given daemon socket
// endpoint and API version.
func CreateDockerClient(endpoint string, apiVersion string) (*dockerClient.Client, error) {
	cli, err := dockerClient.NewClientWithOpts(dockerClient.WithHost(endpoint), dockerClient.WithVersion(apiVersion))
	if err != nil {
		return nil, err
	}

	return cli, nil
}
