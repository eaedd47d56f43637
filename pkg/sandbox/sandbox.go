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

// Package sandbox holds the in-memory record of a pod sandbox's
// identity, namespace selection and pinned-namespace descriptors, and
// the lifecycle transitions a dispatcher drives it through.
package sandbox

import (
	"errors"
	"fmt"

	"github.com/cri-netd/cri-netd/pkg/pinns"
)

// LinuxNamespaces is a bitset drawn from the kernel namespace kinds a
// sandbox can request.
type LinuxNamespaces uint8

const (
	NamespaceMount LinuxNamespaces = 1 << iota
	NamespaceCgroup
	NamespaceUTS
	NamespaceIPC
	NamespaceUser
	NamespacePID
	NamespaceNet
)

func (n LinuxNamespaces) Has(flag LinuxNamespaces) bool { return n&flag != 0 }

// NamespaceMode mirrors the CRI security-context enum values that
// decide whether a namespace is shared with the pod ("Pod") or private
// to each container ("Container") or the node ("Node").
type NamespaceMode int

const (
	ModeContainer NamespaceMode = iota
	ModePod
	ModeNode
)

// NamespaceOptions is the subset of the sandbox's security context
// this package needs to compute which namespaces to pin.
type NamespaceOptions struct {
	Network NamespaceMode
	IPC     NamespaceMode
	PID     NamespaceMode
}

// ComputeNamespaces returns the union of namespace kinds implied by
// opts: NET+UTS when the network is shared pod-wide, IPC when ipc is
// shared pod-wide, PID when pid is shared pod-wide.
func ComputeNamespaces(opts NamespaceOptions) LinuxNamespaces {
	var ns LinuxNamespaces
	if opts.Network == ModePod {
		ns |= NamespaceNet | NamespaceUTS
	}
	if opts.IPC == ModePod {
		ns |= NamespaceIPC
	}
	if opts.PID == ModePod {
		ns |= NamespacePID
	}
	return ns
}

// Config is the caller-supplied, immutable description of a sandbox.
type Config struct {
	ID               string
	Name             string
	Namespace        string
	Attempt          uint32
	Hostname         string
	LogDirectory     string
	Annotations      map[string]string
	NamespaceOptions NamespaceOptions
}

// Validate checks the presence invariants run_pod_sandbox depends on.
func (c Config) Validate() error {
	if c.Name == "" || c.Namespace == "" {
		return fmt.Errorf("%w: metadata name/namespace required", ErrInvalidArgument)
	}
	return nil
}

// ErrInvalidArgument is returned when a Config is missing required
// metadata or security-context fields.
var ErrInvalidArgument = errors.New("sandbox: invalid argument")

// PinnedHandle is one pinned-namespace bind mount produced by C7.
type PinnedHandle struct {
	Kind pinns.Kind
	Path string
}

// State holds up to four pinned-namespace handles: user, ipc, uts, net.
type State struct {
	User *PinnedHandle
	IPC  *PinnedHandle
	UTS  *PinnedHandle
	Net  *PinnedHandle
}

// Phase is the sandbox's lifecycle position.
type Phase int

const (
	PhasePinned Phase = iota
	PhaseReady
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhasePinned:
		return "pinned"
	case PhaseReady:
		return "ready"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Sandbox is the mutable record bound to a pinned sandbox identity.
// Invariant: once pinning succeeds, NetworkNamespacePath equals
// State.Net.Path, and every pinned path lives under PinDir.
type Sandbox struct {
	Config Config

	LinuxNamespaces      LinuxNamespaces
	NetworkNamespacePath string
	PinDir               string
	State                State
	Phase                Phase
}

// New builds a sandbox record from cfg and the pinned handles produced
// by C7, enforcing the network-namespace-path invariant.
func New(cfg Config, pinDir string, ns LinuxNamespaces, state State) (*Sandbox, error) {
	if state.Net == nil {
		return nil, fmt.Errorf("sandbox %s: missing pinned net namespace handle", cfg.ID)
	}
	return &Sandbox{
		Config:               cfg,
		LinuxNamespaces:      ns,
		NetworkNamespacePath: state.Net.Path,
		PinDir:               pinDir,
		State:                state,
		Phase:                PhasePinned,
	}, nil
}

// MarkReady transitions a pinned sandbox to ready once its network has
// been started by C9.
func (s *Sandbox) MarkReady() error {
	if s.Phase != PhasePinned {
		return fmt.Errorf("sandbox %s: cannot mark ready from phase %s", s.Config.ID, s.Phase)
	}
	s.Phase = PhaseReady
	return nil
}

// MarkStopped transitions a ready sandbox to stopped once its network
// has been torn down by C9. Stopping an already-stopped sandbox is a
// no-op, matching stop_pod_sandbox's idempotence.
func (s *Sandbox) MarkStopped() {
	s.Phase = PhaseStopped
}
