/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package dispatcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	runtime "k8s.io/cri-api/pkg/apis/runtime/v1"
)

func TestCreateContainerUnknownSandboxFailsNotFound(t *testing.T) {
	d, _ := newTestDispatcher(t.TempDir(), &fakeOrchestrator{}, &fakeNetworkState{}, nil)

	_, err := d.CreateContainer(context.Background(), &runtime.CreateContainerRequest{
		PodSandboxId: "does-not-exist",
		Config:       &runtime.ContainerConfig{Metadata: &runtime.ContainerMetadata{Name: "app"}},
	})
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestCreateContainerBuildsSpecThenReportsUnimplemented(t *testing.T) {
	orch := &fakeOrchestrator{}
	d, _ := newTestDispatcher(t.TempDir(), orch, &fakeNetworkState{}, nil)

	_, err := d.RunPodSandbox(context.Background(), validRunRequest("pod-1"))
	require.NoError(t, err)

	_, err = d.CreateContainer(context.Background(), &runtime.CreateContainerRequest{
		PodSandboxId: "pod-1",
		Config: &runtime.ContainerConfig{
			Metadata: &runtime.ContainerMetadata{Name: "app"},
			Image:    &runtime.ImageSpec{Image: "example/app:latest"},
			Command:  []string{"/app"},
		},
	})
	require.Error(t, err)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestStartStopRemoveContainerStatusAreUnimplemented(t *testing.T) {
	d, _ := newTestDispatcher(t.TempDir(), &fakeOrchestrator{}, &fakeNetworkState{}, nil)

	_, err := d.StartContainer(context.Background(), &runtime.StartContainerRequest{})
	assert.Equal(t, codes.Unimplemented, status.Code(err))

	_, err = d.StopContainer(context.Background(), &runtime.StopContainerRequest{})
	assert.Equal(t, codes.Unimplemented, status.Code(err))

	_, err = d.RemoveContainer(context.Background(), &runtime.RemoveContainerRequest{})
	assert.Equal(t, codes.Unimplemented, status.Code(err))

	_, err = d.ContainerStatus(context.Background(), &runtime.ContainerStatusRequest{})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestListContainersReturnsEmptyResponse(t *testing.T) {
	d, _ := newTestDispatcher(t.TempDir(), &fakeOrchestrator{}, &fakeNetworkState{}, nil)

	resp, err := d.ListContainers(context.Background(), &runtime.ListContainersRequest{})
	require.NoError(t, err)
	assert.Empty(t, resp.Containers)
}
