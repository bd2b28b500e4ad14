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
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

const dockerAPIVersion = "1.40"
const testImage = "docker.m.daocloud.io/library/alpine:latest"

// dockerReachable pings the local Docker daemon, returning the error the
// caller should skip the test on if the daemon is not available.
func dockerReachable(cli *client.Client) error {
	_, err := cli.Ping(context.Background())

	return err
}

// removeContainerIfExists force-removes a container by name, ignoring a
// not-found error.
func removeContainerIfExists(cli *client.Client, name string) error {
	containers, err := cli.ContainerList(context.Background(), container.ListOptions{All: true})
	if err != nil {
		return fmt.Errorf("failed to list containers: %v", err)
	}

	for _, c := range containers {
		for _, n := range c.Names {
			if n == "/"+name {
				return cli.ContainerRemove(context.Background(), c.ID, container.RemoveOptions{Force: true})
			}
		}
	}

	return nil
}
