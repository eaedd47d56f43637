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

package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeNamespacesPodSharingAddsNetUTSOnly(t *testing.T) {
	ns := ComputeNamespaces(NamespaceOptions{Network: ModePod})
	assert.True(t, ns.Has(NamespaceNet))
	assert.True(t, ns.Has(NamespaceUTS))
	assert.False(t, ns.Has(NamespaceIPC))
	assert.False(t, ns.Has(NamespacePID))
}

func TestComputeNamespacesContainerSharingAddsNothing(t *testing.T) {
	ns := ComputeNamespaces(NamespaceOptions{Network: ModeContainer, IPC: ModeContainer, PID: ModeContainer})
	assert.Equal(t, LinuxNamespaces(0), ns)
}

func TestComputeNamespacesUnionsAllRequested(t *testing.T) {
	ns := ComputeNamespaces(NamespaceOptions{Network: ModePod, IPC: ModePod, PID: ModePod})
	assert.True(t, ns.Has(NamespaceNet))
	assert.True(t, ns.Has(NamespaceUTS))
	assert.True(t, ns.Has(NamespaceIPC))
	assert.True(t, ns.Has(NamespacePID))
}

func TestConfigValidateRequiresNameAndNamespace(t *testing.T) {
	err := Config{}.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = Config{Name: "web", Namespace: "default"}.Validate()
	assert.NoError(t, err)
}

func TestNewRequiresPinnedNetHandle(t *testing.T) {
	_, err := New(Config{ID: "pod-1"}, "/pin/pod-1", NamespaceNet, State{})
	require.Error(t, err)
}

func TestSandboxLifecycleTransitions(t *testing.T) {
	state := State{Net: &PinnedHandle{Path: "/var/run/netns/pod-1"}}
	sb, err := New(Config{ID: "pod-1", Name: "web", Namespace: "default"}, "/pin/pod-1", NamespaceNet, state)
	require.NoError(t, err)
	assert.Equal(t, PhasePinned, sb.Phase)
	assert.Equal(t, "/var/run/netns/pod-1", sb.NetworkNamespacePath)

	require.NoError(t, sb.MarkReady())
	assert.Equal(t, PhaseReady, sb.Phase)

	err = sb.MarkReady()
	require.Error(t, err, "cannot re-mark an already-ready sandbox as ready")

	sb.MarkStopped()
	assert.Equal(t, PhaseStopped, sb.Phase)

	sb.MarkStopped()
	assert.Equal(t, PhaseStopped, sb.Phase, "stopping an already-stopped sandbox is a no-op")
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "pinned", PhasePinned.String())
	assert.Equal(t, "ready", PhaseReady.String())
	assert.Equal(t, "stopped", PhaseStopped.String())
	assert.Equal(t, "unknown", Phase(99).String())
}
