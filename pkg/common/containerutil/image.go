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

package containerutil

import (
	"bufio"
	"context"
	"fmt"
	"io"

	imageTypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// EnsureImage pulls image if it is not already present locally. Unlike the
// containerd backend, which pulls unconditionally via containerd.Pull, the
// Docker backend must check first since ContainerCreate does not pull on
// its own.
func EnsureImage(ctx context.Context, apiClient client.CommonAPIClient, image string) error {
	_, _, err := apiClient.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return nil
	}

	if !client.IsErrNotFound(err) {
		return err
	}

	body, err := apiClient.ImagePull(ctx, image, imageTypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", image, err)
	}
	defer body.Close()

	// Drain the pull progress stream; its content is not surfaced.
	if _, err := io.Copy(io.Discard, bufio.NewReader(body)); err != nil {
		return fmt.Errorf("read image pull progress for %s: %w", image, err)
	}

	return nil
}
