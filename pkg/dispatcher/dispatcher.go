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

// Package dispatcher implements the pod-sandbox lifecycle operations
// (C10): it validates inbound CRI requests, serializes operations per
// sandbox id, and drives the pinns invoker (C7), the sandbox record
// (C8) and the CNI orchestrator (C9) in the order a sandbox's lifecycle
// requires. Container-level CRI methods are out of scope; they would
// delegate to an OCI executor this package never constructs.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/moby/locker"
	runtime "k8s.io/cri-api/pkg/apis/runtime/v1"

	"github.com/cri-netd/cri-netd/pkg/cniorchestrator"
	"github.com/cri-netd/cri-netd/pkg/hostport"
	"github.com/cri-netd/cri-netd/pkg/metrics"
	"github.com/cri-netd/cri-netd/pkg/pinns"
	"github.com/cri-netd/cri-netd/pkg/sandbox"
	"github.com/cri-netd/cri-netd/pkg/store"
)

// SandboxStore is the narrow durable-index contract the dispatcher
// needs; *store.SandboxRecordStore satisfies it.
type SandboxStore interface {
	Put(rec store.SandboxRecord) error
	Get(id string) (store.SandboxRecord, bool, error)
	Delete(id string) error
}

// NetworkState is the narrow contract the dispatcher needs to read
// back the CNI add result for a sandbox, in order to derive the
// container IP a host-port mapping forwards to. *store.NetworkStateStore
// satisfies it.
type NetworkState interface {
	Get(id string) ([]store.NetworkPluginRecord, bool, error)
}

// HostportManager is the narrow contract the dispatcher needs from C6;
// *hostport.Manager satisfies it. Left nil, host-port mappings are
// silently skipped — not every deployment runs a port manager.
type HostportManager interface {
	Add(id string, containerIP net.IP, mappings []hostport.PortMapping) error
	Remove(id string) error
}

// PinnsRunner is the narrow C7 contract the dispatcher needs;
// *pinns.Pinns satisfies it.
type PinnsRunner interface {
	Run(ctx context.Context, dir, filename string, kinds []pinns.Kind, level pinns.LogLevel) error
}

// NetworkOrchestrator is the narrow C9 contract the dispatcher needs;
// *cniorchestrator.Orchestrator satisfies it.
type NetworkOrchestrator interface {
	Start(ctx context.Context, sandboxID, netnsPath string) error
	Stop(ctx context.Context, sandboxID, netnsPath string) error
}

// Dispatcher drives run/stop/remove/status/list for pod sandboxes.
type Dispatcher struct {
	locker       *locker.Locker
	pinns        PinnsRunner
	pinnsLevel   pinns.LogLevel
	pinDirRoot   string
	orchestrator NetworkOrchestrator
	networkState NetworkState
	hostportMgr  HostportManager

	records SandboxStore

	// idx mirrors the durable record set in memory for fast status/list
	// reads without touching storage on every query. Guarded by idxMu,
	// not by the per-id locker: list/status intentionally don't block
	// behind an in-flight run/stop/remove for a different id, and a
	// racing read of an in-flight id simply observes its pre- or
	// post-operation state.
	idxMu sync.RWMutex
	idx   map[string]*sandbox.Sandbox

	// metrics is nil unless SetMetrics is called; every update site
	// guards on this so a Dispatcher built without metrics wiring (as
	// every existing test does) behaves exactly as before.
	metrics *metrics.Sandbox
}

// SetMetrics attaches a metric set the dispatcher updates on every
// lifecycle operation. Optional: a Dispatcher on which SetMetrics is
// never called records no metrics.
func (d *Dispatcher) SetMetrics(m *metrics.Sandbox) { d.metrics = m }

// New constructs a Dispatcher. hostportMgr may be nil if host-port
// forwarding is not configured.
func New(p PinnsRunner, level pinns.LogLevel, pinDirRoot string, orch NetworkOrchestrator, networkState NetworkState, hostportMgr HostportManager, records SandboxStore) *Dispatcher {
	return &Dispatcher{
		locker:       locker.New(),
		pinns:        p,
		pinnsLevel:   level,
		pinDirRoot:   pinDirRoot,
		orchestrator: orch,
		networkState: networkState,
		hostportMgr:  hostportMgr,
		records:      records,
		idx:          make(map[string]*sandbox.Sandbox),
	}
}

// ErrInvalidArgument is returned when a request is missing required
// fields. It aliases sandbox.ErrInvalidArgument so callers can check
// either against the same sentinel.
var ErrInvalidArgument = sandbox.ErrInvalidArgument

// ErrNotFound is returned by status when id names no sandbox; stop and
// remove treat an unknown id as already done.
var ErrNotFound = errors.New("dispatcher: sandbox not found")

// RunPodSandbox validates the request, pins the sandbox's namespaces
// via C7, builds the sandbox record (C8), starts its pod network via
// C9, and — if the config carries host-port mappings and a port
// manager is configured — programs host-port forwarding via C6.
func (d *Dispatcher) RunPodSandbox(ctx context.Context, req *runtime.RunPodSandboxRequest) (resp *runtime.RunPodSandboxResponse, err error) {
	if d.metrics != nil {
		d.metrics.OperationsTotal.WithLabelValues("run").Inc()
		defer func() {
			if err != nil {
				d.metrics.OperationFailures.WithLabelValues("run").Inc()
			}
		}()
	}

	cfg := req.GetConfig()
	meta := cfg.GetMetadata()
	if meta.GetName() == "" || meta.GetNamespace() == "" || meta.GetUid() == "" {
		return nil, fmt.Errorf("%w: metadata name/namespace/uid required", ErrInvalidArgument)
	}
	nsOpts := cfg.GetLinux().GetSecurityContext().GetNamespaceOptions()
	if nsOpts == nil {
		return nil, fmt.Errorf("%w: linux.security_context.namespace_options required", ErrInvalidArgument)
	}

	id := meta.GetUid()
	unlock := d.lock(id)
	defer unlock()

	opts := sandbox.NamespaceOptions{
		Network: namespaceMode(nsOpts.GetNetwork()),
		IPC:     namespaceMode(nsOpts.GetIpc()),
		PID:     namespaceMode(nsOpts.GetPid()),
	}
	ns := sandbox.ComputeNamespaces(opts)

	// Each pin attempt gets its own uuid-named subdirectory, not just
	// <root>/<id>: a kubelet retries RunPodSandbox with a bumped Attempt
	// counter on failure, and reusing the same directory across retries
	// risks pinns tripping over stale bind mounts left by a half-failed
	// prior attempt.
	pinDir := filepath.Join(d.pinDirRoot, id, uuid.NewString())
	kinds := pinningKinds(ns)
	if err := d.pinns.Run(ctx, pinDir, id, kinds, d.pinnsLevel); err != nil {
		return nil, fmt.Errorf("pin namespaces for %s: %w", id, err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(pinDir)
		}
	}()

	state := buildState(pinDir, kinds)

	sbCfg := sandbox.Config{
		ID:               id,
		Name:             meta.GetName(),
		Namespace:        meta.GetNamespace(),
		Attempt:          meta.GetAttempt(),
		Hostname:         cfg.GetHostname(),
		LogDirectory:     cfg.GetLogDirectory(),
		Annotations:      cfg.GetAnnotations(),
		NamespaceOptions: opts,
	}
	if err := sbCfg.Validate(); err != nil {
		return nil, err
	}

	sb, err := sandbox.New(sbCfg, pinDir, ns, state)
	if err != nil {
		return nil, fmt.Errorf("build sandbox record for %s: %w", id, err)
	}

	addStart := time.Now()
	startErr := d.orchestrator.Start(ctx, id, sb.NetworkNamespacePath)
	if d.metrics != nil {
		d.metrics.CNIAddDuration.Observe(time.Since(addStart).Seconds())
	}
	if startErr != nil {
		return nil, fmt.Errorf("start pod network for %s: %w", id, startErr)
	}

	if d.hostportMgr != nil {
		if err := d.setupHostports(id, cfg.GetPortMappings()); err != nil {
			log.G(ctx).WithError(err).WithField("id", id).Warn("host-port setup failed; network is up but no ports are forwarded")
		}
	}

	if err := sb.MarkReady(); err != nil {
		return nil, err
	}

	d.idxMu.Lock()
	d.idx[id] = sb
	d.idxMu.Unlock()
	if d.metrics != nil {
		d.metrics.ActiveSandboxes.Inc()
	}

	rec := store.SandboxRecord{
		ID:                   sb.Config.ID,
		Name:                 sb.Config.Name,
		Namespace:            sb.Config.Namespace,
		Attempt:              sb.Config.Attempt,
		Hostname:             sb.Config.Hostname,
		LogDirectory:         sb.Config.LogDirectory,
		Annotations:          sb.Config.Annotations,
		LinuxNamespaces:      uint8(sb.LinuxNamespaces),
		NetworkNamespacePath: sb.NetworkNamespacePath,
		PinDir:               sb.PinDir,
		Phase:                int(sb.Phase),
		CreatedAt:            time.Now().UnixNano(),
	}
	if err := d.records.Put(rec); err != nil {
		return nil, fmt.Errorf("persist sandbox record for %s: %w", id, err)
	}

	return &runtime.RunPodSandboxResponse{PodSandboxId: id}, nil
}

// setupHostports reads back the CNI add result just persisted by C9 to
// find the container's IP, then programs the DNAT chain graph for the
// requested mappings.
func (d *Dispatcher) setupHostports(id string, reqMappings []*runtime.PortMapping) error {
	if len(reqMappings) == 0 {
		return nil
	}
	records, ok, err := d.networkState.Get(id)
	if err != nil || !ok || len(records) == 0 {
		return fmt.Errorf("no network state recorded for %s", id)
	}
	last := records[len(records)-1]
	if last.AddResult == nil || len(last.AddResult.IPs) == 0 {
		return fmt.Errorf("cni add result for %s carries no IP", id)
	}
	containerIP := last.AddResult.IPs[0].Address.IP

	mappings := make([]hostport.PortMapping, 0, len(reqMappings))
	for _, pm := range reqMappings {
		mappings = append(mappings, hostport.PortMapping{
			Protocol:      protocolName(pm.GetProtocol()),
			HostPort:      int(pm.GetHostPort()),
			HostIP:        pm.GetHostIp(),
			ContainerPort: int(pm.GetContainerPort()),
		})
	}
	return d.hostportMgr.Add(id, containerIP, mappings)
}

// StopPodSandbox tears down the pod network via C9 and, if configured,
// removes any host-port forwarding. It is idempotent: stopping an
// already-stopped or unknown sandbox is not an error.
func (d *Dispatcher) StopPodSandbox(ctx context.Context, req *runtime.StopPodSandboxRequest) (resp *runtime.StopPodSandboxResponse, err error) {
	if d.metrics != nil {
		d.metrics.OperationsTotal.WithLabelValues("stop").Inc()
		defer func() {
			if err != nil {
				d.metrics.OperationFailures.WithLabelValues("stop").Inc()
			}
		}()
	}

	id := req.GetPodSandboxId()
	unlock := d.lock(id)
	defer unlock()

	sb := d.lookup(id)
	netnsPath := ""
	if sb != nil {
		netnsPath = sb.NetworkNamespacePath
	} else if rec, ok, err := d.records.Get(id); err == nil && ok {
		netnsPath = rec.NetworkNamespacePath
	}

	if err := d.orchestrator.Stop(ctx, id, netnsPath); err != nil {
		return nil, fmt.Errorf("stop pod network for %s: %w", id, err)
	}

	if d.hostportMgr != nil {
		if err := d.hostportMgr.Remove(id); err != nil && !errors.Is(err, hostport.ErrNotFound) {
			log.G(ctx).WithError(err).WithField("id", id).Warn("host-port teardown failed")
		}
	}

	if sb != nil {
		sb.MarkStopped()
		d.idxMu.Lock()
		d.idx[id] = sb
		d.idxMu.Unlock()
	}

	return &runtime.StopPodSandboxResponse{}, nil
}

// RemovePodSandbox unpins namespaces (best-effort; the pin directory is
// removed wholesale) and deletes the sandbox record. Removing an
// unknown sandbox is not an error.
func (d *Dispatcher) RemovePodSandbox(ctx context.Context, req *runtime.RemovePodSandboxRequest) (resp *runtime.RemovePodSandboxResponse, err error) {
	if d.metrics != nil {
		d.metrics.OperationsTotal.WithLabelValues("remove").Inc()
		defer func() {
			if err != nil {
				d.metrics.OperationFailures.WithLabelValues("remove").Inc()
			}
		}()
	}

	id := req.GetPodSandboxId()
	unlock := d.lock(id)
	defer unlock()

	sb := d.lookup(id)
	pinDir := filepath.Join(d.pinDirRoot, id)
	if sb != nil {
		pinDir = sb.PinDir
	} else if rec, ok, err := d.records.Get(id); err == nil && ok && rec.PinDir != "" {
		pinDir = rec.PinDir
	}
	if err := os.RemoveAll(pinDir); err != nil {
		log.G(ctx).WithError(err).WithField("id", id).Warn("failed to remove pin directory")
	}

	if err := d.records.Delete(id); err != nil {
		return nil, fmt.Errorf("delete sandbox record for %s: %w", id, err)
	}

	d.idxMu.Lock()
	_, hadIdx := d.idx[id]
	delete(d.idx, id)
	d.idxMu.Unlock()
	if hadIdx && d.metrics != nil {
		d.metrics.ActiveSandboxes.Dec()
	}

	return &runtime.RemovePodSandboxResponse{}, nil
}

// PodSandboxStatus reports a sandbox's current phase. Unlike
// run/stop/remove, status never blocks behind the per-id lock: it
// tries to acquire the lock so it observes a quiescent record when
// nothing else is in flight, but on contention it falls straight
// through to the in-memory index rather than waiting, so a status poll
// racing a slow run/stop never stalls.
func (d *Dispatcher) PodSandboxStatus(ctx context.Context, req *runtime.PodSandboxStatusRequest) (*runtime.PodSandboxStatusResponse, error) {
	id := req.GetPodSandboxId()
	if d.locker.TryLock(id) == nil {
		defer d.locker.Unlock(id)
	}
	sb := d.lookup(id)
	if sb == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &runtime.PodSandboxStatusResponse{
		Status: &runtime.PodSandboxStatus{
			Id:       sb.Config.ID,
			Metadata: &runtime.PodSandboxMetadata{Name: sb.Config.Name, Uid: sb.Config.ID, Namespace: sb.Config.Namespace, Attempt: sb.Config.Attempt},
			State:    phaseToState(sb.Phase),
			Network:  &runtime.PodSandboxNetworkStatus{},
			Labels:   sb.Config.Annotations,
		},
	}, nil
}

// ListPodSandbox lists every sandbox currently held in the in-memory
// index, optionally filtered by id or state.
func (d *Dispatcher) ListPodSandbox(ctx context.Context, req *runtime.ListPodSandboxRequest) (*runtime.ListPodSandboxResponse, error) {
	filter := req.GetFilter()

	d.idxMu.RLock()
	defer d.idxMu.RUnlock()

	var out []*runtime.PodSandbox
	for id, sb := range d.idx {
		if filter.GetId() != "" && filter.GetId() != id {
			continue
		}
		state := phaseToState(sb.Phase)
		if sv := filter.GetState(); sv != nil && sv.GetState() != state {
			continue
		}
		out = append(out, &runtime.PodSandbox{
			Id:       id,
			Metadata: &runtime.PodSandboxMetadata{Name: sb.Config.Name, Uid: sb.Config.ID, Namespace: sb.Config.Namespace, Attempt: sb.Config.Attempt},
			State:    state,
			Labels:   sb.Config.Annotations,
		})
	}
	return &runtime.ListPodSandboxResponse{Items: out}, nil
}

func (d *Dispatcher) lookup(id string) *sandbox.Sandbox {
	d.idxMu.RLock()
	defer d.idxMu.RUnlock()
	return d.idx[id]
}

// lock acquires the per-id lock and returns a function that releases
// it; drop the returned func via defer.
func (d *Dispatcher) lock(id string) func() {
	d.locker.Lock(id)
	return func() { d.locker.Unlock(id) }
}

func namespaceMode(m runtime.NamespaceMode) sandbox.NamespaceMode {
	switch m {
	case runtime.NamespaceMode_POD:
		return sandbox.ModePod
	case runtime.NamespaceMode_NODE:
		return sandbox.ModeNode
	default:
		return sandbox.ModeContainer
	}
}

func phaseToState(p sandbox.Phase) runtime.PodSandboxState {
	if p == sandbox.PhaseReady {
		return runtime.PodSandboxState_SANDBOX_READY
	}
	return runtime.PodSandboxState_SANDBOX_NOTREADY
}

func protocolName(p runtime.Protocol) string {
	if p == runtime.Protocol_UDP {
		return "udp"
	}
	if p == runtime.Protocol_SCTP {
		return "sctp"
	}
	return "tcp"
}

// pinningKinds always includes net+uts: a pod sandbox's defining trait
// is owning a fresh network namespace regardless of how its
// NamespaceOptions.Network is set (that option only governs whether
// per-container namespaces join it), so C7 must always pin one. IPC is
// pinned only when the computed bitset calls for it.
func pinningKinds(ns sandbox.LinuxNamespaces) []pinns.Kind {
	kinds := []pinns.Kind{pinns.KindNet, pinns.KindUTS}
	if ns.Has(sandbox.NamespaceIPC) {
		kinds = append(kinds, pinns.KindIPC)
	}
	return kinds
}

func buildState(pinDir string, kinds []pinns.Kind) sandbox.State {
	paths := pinns.PinnedPaths(pinDir, kinds)
	var st sandbox.State
	for kind, path := range paths {
		h := &sandbox.PinnedHandle{Kind: kind, Path: path}
		switch kind {
		case pinns.KindNet:
			st.Net = h
		case pinns.KindUTS:
			st.UTS = h
		case pinns.KindIPC:
			st.IPC = h
		}
	}
	return st
}
