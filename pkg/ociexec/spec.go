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

// Package ociexec builds the placeholder OCI runtime spec the
// dispatcher's container-level stubs hand to a (not-implemented-here)
// OCI executor. It demonstrates the seam a real runtime would occupy
// without implementing container execution itself.
package ociexec

import (
	"fmt"

	rspec "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/opencontainers/runtime-tools/generate"
)

// ContainerSpec is the minimal description this package needs to
// produce an OCI spec for a single container placed in a pod sandbox.
type ContainerSpec struct {
	SandboxID   string
	ContainerID string
	Image       string
	Entrypoint  []string
	Args        []string
	WorkingDir  string
	Envs        map[string]string
	Annotations map[string]string
	// NetworkNamespacePath joins the container into the sandbox's
	// already-pinned network namespace rather than creating its own.
	NetworkNamespacePath string
}

// BuildContainerSpec returns a runtime-spec Spec for cs, with its
// network namespace pointed at the sandbox's pinned netns path and its
// root path left at the spec generator's default, not resolved from the
// image — the caller (the out-of-scope OCI executor) is responsible for
// resolving the image into a rootfs path before use.
func BuildContainerSpec(cs ContainerSpec) (*rspec.Spec, error) {
	if len(cs.Entrypoint) == 0 {
		return nil, fmt.Errorf("ociexec: container %s: empty entrypoint", cs.ContainerID)
	}

	g, err := generate.New("linux")
	if err != nil {
		return nil, fmt.Errorf("new oci spec generator: %w", err)
	}

	g.SetProcessArgs(append(append([]string{}, cs.Entrypoint...), cs.Args...))
	if cs.WorkingDir != "" {
		g.SetProcessCwd(cs.WorkingDir)
	}
	g.SetRootReadonly(false)

	for k, v := range cs.Envs {
		g.AddProcessEnv(k, v)
	}
	for k, v := range cs.Annotations {
		g.AddAnnotation(k, v)
	}
	g.AddAnnotation("io.cri-netd.sandbox-id", cs.SandboxID)

	if cs.NetworkNamespacePath != "" {
		if err := g.AddOrReplaceLinuxNamespace(string(rspec.NetworkNamespace), cs.NetworkNamespacePath); err != nil {
			return nil, fmt.Errorf("join sandbox netns: %w", err)
		}
	}

	return g.Config, nil
}
