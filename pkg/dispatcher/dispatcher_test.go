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
	"net"
	"sync"
	"testing"

	current "github.com/containernetworking/cni/pkg/types/100"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	runtime "k8s.io/cri-api/pkg/apis/runtime/v1"

	"github.com/cri-netd/cri-netd/pkg/hostport"
	"github.com/cri-netd/cri-netd/pkg/pinns"
	"github.com/cri-netd/cri-netd/pkg/store"
)

type fakePinnsRunner struct {
	calls int
	err   error
}

func (f *fakePinnsRunner) Run(ctx context.Context, dir, filename string, kinds []pinns.Kind, level pinns.LogLevel) error {
	f.calls++
	return f.err
}

type fakeOrchestrator struct {
	startCalls, stopCalls int
	startErr, stopErr     error
}

func (f *fakeOrchestrator) Start(ctx context.Context, sandboxID, netnsPath string) error {
	f.startCalls++
	return f.startErr
}

func (f *fakeOrchestrator) Stop(ctx context.Context, sandboxID, netnsPath string) error {
	f.stopCalls++
	return f.stopErr
}

type fakeRecordStore struct {
	mu      sync.Mutex
	records map[string]store.SandboxRecord
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: make(map[string]store.SandboxRecord)}
}

func (f *fakeRecordStore) Put(rec store.SandboxRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.ID] = rec
	return nil
}

func (f *fakeRecordStore) Get(id string) (store.SandboxRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	return rec, ok, nil
}

func (f *fakeRecordStore) Delete(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
	return nil
}

type fakeNetworkState struct {
	records map[string][]store.NetworkPluginRecord
}

func (f *fakeNetworkState) Get(id string) ([]store.NetworkPluginRecord, bool, error) {
	r, ok := f.records[id]
	return r, ok, nil
}

type fakeHostportManager struct {
	addCalls    int
	lastIP      net.IP
	lastMapping []hostport.PortMapping
	removeCalls int
}

func (f *fakeHostportManager) Add(id string, containerIP net.IP, mappings []hostport.PortMapping) error {
	f.addCalls++
	f.lastIP = containerIP
	f.lastMapping = mappings
	return nil
}

func (f *fakeHostportManager) Remove(id string) error {
	f.removeCalls++
	return nil
}

func newTestDispatcher(pinDir string, orch *fakeOrchestrator, netState *fakeNetworkState, hp HostportManager) (*Dispatcher, *fakeRecordStore) {
	records := newFakeRecordStore()
	d := New(&fakePinnsRunner{}, pinns.LogLevelInfo, pinDir, orch, netState, hp, records)
	return d, records
}

func validRunRequest(uid string) *runtime.RunPodSandboxRequest {
	return &runtime.RunPodSandboxRequest{
		Config: &runtime.PodSandboxConfig{
			Metadata: &runtime.PodSandboxMetadata{Name: "web", Namespace: "default", Uid: uid, Attempt: 0},
			Hostname: "web-0",
			Linux: &runtime.LinuxPodSandboxConfig{
				SecurityContext: &runtime.LinuxSandboxSecurityContext{
					NamespaceOptions: &runtime.NamespaceOption{Network: runtime.NamespaceMode_POD},
				},
			},
		},
	}
}

func TestRunPodSandboxMissingMetadataFailsInvalidArgument(t *testing.T) {
	d, _ := newTestDispatcher(t.TempDir(), &fakeOrchestrator{}, &fakeNetworkState{}, nil)

	_, err := d.RunPodSandbox(context.Background(), &runtime.RunPodSandboxRequest{Config: &runtime.PodSandboxConfig{}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRunPodSandboxMissingNamespaceOptionsFailsInvalidArgument(t *testing.T) {
	d, _ := newTestDispatcher(t.TempDir(), &fakeOrchestrator{}, &fakeNetworkState{}, nil)

	req := &runtime.RunPodSandboxRequest{Config: &runtime.PodSandboxConfig{
		Metadata: &runtime.PodSandboxMetadata{Name: "web", Namespace: "default", Uid: "pod-1"},
	}}
	_, err := d.RunPodSandbox(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRunPodSandboxHappyPathStartsNetworkAndPersistsRecord(t *testing.T) {
	orch := &fakeOrchestrator{}
	d, records := newTestDispatcher(t.TempDir(), orch, &fakeNetworkState{}, nil)

	resp, err := d.RunPodSandbox(context.Background(), validRunRequest("pod-1"))
	require.NoError(t, err)
	assert.Equal(t, "pod-1", resp.PodSandboxId)
	assert.Equal(t, 1, orch.startCalls)

	rec, ok, err := records.Get("pod-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "web", rec.Name)
	assert.Equal(t, "default", rec.Namespace)

	status, err := d.PodSandboxStatus(context.Background(), &runtime.PodSandboxStatusRequest{PodSandboxId: "pod-1"})
	require.NoError(t, err)
	assert.Equal(t, runtime.PodSandboxState_SANDBOX_READY, status.Status.State)
}

func TestRunPodSandboxNetworkStartFailureIsSurfaced(t *testing.T) {
	orch := &fakeOrchestrator{startErr: assert.AnError}
	d, records := newTestDispatcher(t.TempDir(), orch, &fakeNetworkState{}, nil)

	_, err := d.RunPodSandbox(context.Background(), validRunRequest("pod-1"))
	require.Error(t, err)

	_, ok, _ := records.Get("pod-1")
	assert.False(t, ok, "a failed start must not persist a sandbox record")
}

func TestRunPodSandboxSkipsHostportsWithoutCNIResult(t *testing.T) {
	orch := &fakeOrchestrator{}
	netState := &fakeNetworkState{records: map[string][]store.NetworkPluginRecord{
		"pod-1": {{BinaryName: "bridge"}},
	}}
	hp := &fakeHostportManager{}
	d, _ := newTestDispatcher(t.TempDir(), orch, netState, hp)

	req := validRunRequest("pod-1")
	req.Config.PortMappings = []*runtime.PortMapping{
		{Protocol: runtime.Protocol_TCP, ContainerPort: 80, HostPort: 8080},
	}
	_, err := d.RunPodSandbox(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0, hp.addCalls, "no add result recorded means hostport setup must be skipped, not panic")
}

func TestRunPodSandboxProgramsHostportsWithCNIResult(t *testing.T) {
	orch := &fakeOrchestrator{}
	netState := &fakeNetworkState{records: map[string][]store.NetworkPluginRecord{
		"pod-1": {{
			BinaryName: "bridge",
			AddResult: &current.Result{
				IPs: []*current.IPConfig{{Address: net.IPNet{IP: net.ParseIP("10.0.0.5")}}},
			},
		}},
	}}
	hp := &fakeHostportManager{}
	d, _ := newTestDispatcher(t.TempDir(), orch, netState, hp)

	req := validRunRequest("pod-1")
	req.Config.PortMappings = []*runtime.PortMapping{
		{Protocol: runtime.Protocol_TCP, ContainerPort: 80, HostPort: 8080},
	}
	_, err := d.RunPodSandbox(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, hp.addCalls)
	assert.Equal(t, "10.0.0.5", hp.lastIP.String())
	require.Len(t, hp.lastMapping, 1)
	assert.Equal(t, "tcp", hp.lastMapping[0].Protocol)
}

func TestStopPodSandboxUnknownIDIsNotAnError(t *testing.T) {
	orch := &fakeOrchestrator{}
	d, _ := newTestDispatcher(t.TempDir(), orch, &fakeNetworkState{}, nil)

	_, err := d.StopPodSandbox(context.Background(), &runtime.StopPodSandboxRequest{PodSandboxId: "ghost"})
	require.NoError(t, err)
	assert.Equal(t, 1, orch.stopCalls)
}

func TestStopPodSandboxMarksIndexedSandboxStopped(t *testing.T) {
	orch := &fakeOrchestrator{}
	d, _ := newTestDispatcher(t.TempDir(), orch, &fakeNetworkState{}, nil)
	_, err := d.RunPodSandbox(context.Background(), validRunRequest("pod-1"))
	require.NoError(t, err)

	_, err = d.StopPodSandbox(context.Background(), &runtime.StopPodSandboxRequest{PodSandboxId: "pod-1"})
	require.NoError(t, err)

	status, err := d.PodSandboxStatus(context.Background(), &runtime.PodSandboxStatusRequest{PodSandboxId: "pod-1"})
	require.NoError(t, err)
	assert.Equal(t, runtime.PodSandboxState_SANDBOX_NOTREADY, status.Status.State)
}

func TestRemovePodSandboxDeletesRecordAndIndex(t *testing.T) {
	orch := &fakeOrchestrator{}
	d, records := newTestDispatcher(t.TempDir(), orch, &fakeNetworkState{}, nil)
	_, err := d.RunPodSandbox(context.Background(), validRunRequest("pod-1"))
	require.NoError(t, err)

	_, err = d.RemovePodSandbox(context.Background(), &runtime.RemovePodSandboxRequest{PodSandboxId: "pod-1"})
	require.NoError(t, err)

	_, ok, _ := records.Get("pod-1")
	assert.False(t, ok)
	_, err = d.PodSandboxStatus(context.Background(), &runtime.PodSandboxStatusRequest{PodSandboxId: "pod-1"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListPodSandboxFiltersByID(t *testing.T) {
	orch := &fakeOrchestrator{}
	d, _ := newTestDispatcher(t.TempDir(), orch, &fakeNetworkState{}, nil)
	_, err := d.RunPodSandbox(context.Background(), validRunRequest("pod-1"))
	require.NoError(t, err)
	_, err = d.RunPodSandbox(context.Background(), validRunRequest("pod-2"))
	require.NoError(t, err)

	resp, err := d.ListPodSandbox(context.Background(), &runtime.ListPodSandboxRequest{
		Filter: &runtime.PodSandboxFilter{Id: "pod-1"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "pod-1", resp.Items[0].Id)
}

func TestPodSandboxStatusUnknownIDFailsNotFound(t *testing.T) {
	d, _ := newTestDispatcher(t.TempDir(), &fakeOrchestrator{}, &fakeNetworkState{}, nil)

	_, err := d.PodSandboxStatus(context.Background(), &runtime.PodSandboxStatusRequest{PodSandboxId: "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)
}
