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

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	runtime "k8s.io/cri-api/pkg/apis/runtime/v1"

	"github.com/cri-netd/cri-netd/pkg/ociexec"
)

// Container-level CRI methods never reach an OCI executor here — this
// package owns pod sandbox networking only (C9/C6), not container
// execution. CreateContainer goes one step further than the rest: it
// builds the OCI spec the sandbox's pinned netns would hand to a real
// executor, so the seam between this daemon and that executor is
// exercised rather than left as an unused dependency.

// CreateContainer resolves the requesting sandbox's pinned network
// namespace and builds the OCI spec a container running inside it would
// need, then reports the operation as unimplemented: producing and
// validating that spec is as far as this daemon goes.
func (d *Dispatcher) CreateContainer(ctx context.Context, req *runtime.CreateContainerRequest) (*runtime.CreateContainerResponse, error) {
	id := req.GetPodSandboxId()
	sb := d.lookup(id)
	if sb == nil {
		return nil, status.Errorf(codes.NotFound, "dispatcher: sandbox %s not found", id)
	}

	cfg := req.GetConfig()
	meta := cfg.GetMetadata()
	cs := ociexec.ContainerSpec{
		SandboxID:            id,
		ContainerID:          meta.GetName(),
		Image:                cfg.GetImage().GetImage(),
		Entrypoint:           cfg.GetCommand(),
		Args:                 cfg.GetArgs(),
		WorkingDir:           cfg.GetWorkingDir(),
		Envs:                 envMap(cfg.GetEnvs()),
		Annotations:          cfg.GetAnnotations(),
		NetworkNamespacePath: sb.NetworkNamespacePath,
	}
	if len(cs.Entrypoint) == 0 {
		cs.Entrypoint = []string{"/pause"}
	}

	if _, err := ociexec.BuildContainerSpec(cs); err != nil {
		return nil, status.Errorf(codes.Internal, "build container spec: %v", err)
	}

	return nil, status.Error(codes.Unimplemented, "dispatcher: container execution is delegated to an external OCI runtime, not implemented here")
}

func (d *Dispatcher) StartContainer(ctx context.Context, req *runtime.StartContainerRequest) (*runtime.StartContainerResponse, error) {
	return nil, status.Error(codes.Unimplemented, "dispatcher: container execution is delegated to an external OCI runtime, not implemented here")
}

func (d *Dispatcher) StopContainer(ctx context.Context, req *runtime.StopContainerRequest) (*runtime.StopContainerResponse, error) {
	return nil, status.Error(codes.Unimplemented, "dispatcher: container execution is delegated to an external OCI runtime, not implemented here")
}

func (d *Dispatcher) RemoveContainer(ctx context.Context, req *runtime.RemoveContainerRequest) (*runtime.RemoveContainerResponse, error) {
	return nil, status.Error(codes.Unimplemented, "dispatcher: container execution is delegated to an external OCI runtime, not implemented here")
}

func (d *Dispatcher) ContainerStatus(ctx context.Context, req *runtime.ContainerStatusRequest) (*runtime.ContainerStatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "dispatcher: container execution is delegated to an external OCI runtime, not implemented here")
}

func (d *Dispatcher) ListContainers(ctx context.Context, req *runtime.ListContainersRequest) (*runtime.ListContainersResponse, error) {
	return &runtime.ListContainersResponse{}, nil
}

func envMap(kvs []*runtime.KeyValue) map[string]string {
	if len(kvs) == 0 {
		return nil
	}
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		m[kv.GetKey()] = kv.GetValue()
	}
	return m
}
