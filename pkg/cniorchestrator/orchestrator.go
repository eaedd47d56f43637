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

// Package cniorchestrator composes the netlink adapter, namespace
// executor, plugin invoker and config store to start and stop a
// sandbox's pod network, persisting the ordered add-result sequence so
// teardown can be driven from storage alone.
package cniorchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/log"
	current "github.com/containernetworking/cni/pkg/types/100"

	"github.com/cri-netd/cri-netd/pkg/cniconfig"
	"github.com/cri-netd/cri-netd/pkg/cniplugin"
	cninet "github.com/cri-netd/cri-netd/pkg/netlink"
	"github.com/cri-netd/cri-netd/pkg/nsenter"
)

// ErrNoDefaultNetwork is returned by Start when the config store has
// no elected default network.
var ErrNoDefaultNetwork = cniconfig.ErrNoDefaultNetwork

// NetlinkOps is the subset of the netlink handle the orchestrator
// needs to bring the sandbox's loopback interface up and down.
type NetlinkOps interface {
	Loopback() (*cninet.Link, error)
	SetLinkUp(*cninet.Link) error
	SetLinkDown(*cninet.Link) error
}

// Plugin is the narrow surface of a resolved CNI plugin invoker the
// orchestrator depends on; *cniplugin.Plugin satisfies it.
type Plugin interface {
	Add(ctx context.Context, args cniplugin.Args, rawConfig []byte) (*current.Result, error)
	Del(ctx context.Context, args cniplugin.Args, rawConfig []byte) error
}

// PluginResolver resolves a configured binary name to an invokable
// plugin, searching binDirs.
type PluginResolver func(binaryName string, binDirs []string) (Plugin, error)

// Persistence is the narrow store the orchestrator needs: an ordered
// sequence of plugin records keyed by sandbox id. A concrete
// implementation lives in package store, kept separate here so
// cniorchestrator doesn't depend on the chosen storage backend.
type Persistence interface {
	Put(id string, records []PersistedRecord) error
	Get(id string) ([]PersistedRecord, bool, error)
	Delete(id string) error
}

// PersistedRecord is one persisted plugin invocation: the binary that
// ran, the raw config it was given, and its typed add result, in
// invocation order.
type PersistedRecord struct {
	BinaryName string
	RawConfig  []byte
	AddResult  *current.Result
}

// Orchestrator implements the "start network for sandbox" and "stop
// network for sandbox" operations (C9).
type Orchestrator struct {
	configStore *cniconfig.Store
	resolve     PluginResolver
	netns       func(path string, task nsenter.Task) error
	netlinkNew  func() NetlinkOps
	persistence Persistence
	binDirs     []string
}

// New constructs an Orchestrator.
func New(configStore *cniconfig.Store, resolve PluginResolver, netlinkNew func() NetlinkOps, persistence Persistence, binDirs []string) *Orchestrator {
	return &Orchestrator{
		configStore: configStore,
		resolve:     resolve,
		netns:       nsenter.Run,
		netlinkNew:  netlinkNew,
		persistence: persistence,
		binDirs:     binDirs,
	}
}

// Start resolves the default network, brings the sandbox's loopback
// interface up inside its netns, then invokes each plugin in the
// default network's list in order, persisting the accumulated
// sequence. If a plugin add fails at index i > 0, previously
// successful adds (indices 0..i-1) are unwound in reverse via del
// before the error is surfaced, so no leaked interfaces remain in the
// netns.
func (o *Orchestrator) Start(ctx context.Context, sandboxID, netnsPath string) error {
	snap := o.configStore.Snapshot()
	if snap.Default == nil {
		return ErrNoDefaultNetwork
	}
	network := snap.Default

	if err := o.netns(netnsPath, func() error {
		nl := o.netlinkNew()
		lo, err := nl.Loopback()
		if err != nil {
			return fmt.Errorf("find loopback: %w", err)
		}
		return nl.SetLinkUp(lo)
	}); err != nil {
		return fmt.Errorf("bring up loopback: %w", err)
	}

	var accumulated []PersistedRecord
	for i, pc := range network.Plugins {
		ifName := fmt.Sprintf("eth%d", i)
		plugin, err := o.resolve(pc.Type, o.binDirs)
		if err != nil {
			o.rollback(ctx, sandboxID, netnsPath, accumulated)
			return fmt.Errorf("resolve plugin %s: %w", pc.Type, err)
		}

		args := cniplugin.Args{ContainerID: sandboxID, NetNS: netnsPath, IfName: ifName, SearchPath: o.binDirs}
		result, err := plugin.Add(ctx, args, pc.Raw)
		if err != nil {
			log.G(ctx).WithError(err).WithField("plugin", pc.Type).Warn("cni add failed, rolling back prior plugins")
			o.rollback(ctx, sandboxID, netnsPath, accumulated)
			return fmt.Errorf("add via %s: %w", pc.Type, err)
		}

		accumulated = append(accumulated, PersistedRecord{
			BinaryName: pc.Type,
			RawConfig:  pc.Raw,
			AddResult:  result,
		})
	}

	if err := o.persistence.Put(sandboxID, accumulated); err != nil {
		o.rollback(ctx, sandboxID, netnsPath, accumulated)
		return fmt.Errorf("persist network state for %s: %w", sandboxID, err)
	}
	return nil
}

// rollback invokes del for each accumulated record in reverse order,
// logging (not failing) on individual del errors since the caller is
// already propagating the original add failure.
func (o *Orchestrator) rollback(ctx context.Context, sandboxID, netnsPath string, accumulated []PersistedRecord) {
	for i := len(accumulated) - 1; i >= 0; i-- {
		rec := accumulated[i]
		plugin, err := o.resolve(rec.BinaryName, o.binDirs)
		if err != nil {
			log.G(ctx).WithError(err).WithField("plugin", rec.BinaryName).Warn("rollback: cannot resolve plugin")
			continue
		}
		args := cniplugin.Args{ContainerID: sandboxID, NetNS: netnsPath, IfName: fmt.Sprintf("eth%d", i), SearchPath: o.binDirs}
		if err := plugin.Del(ctx, args, rec.RawConfig); err != nil {
			log.G(ctx).WithError(err).WithField("plugin", rec.BinaryName).Warn("rollback: del failed")
		}
	}
}

// Stop brings the sandbox's loopback interface down, then replays del
// for every persisted plugin record in invocation order and removes
// the persisted sequence. A sandbox with no persisted sequence is
// treated as already-stopped.
func (o *Orchestrator) Stop(ctx context.Context, sandboxID, netnsPath string) error {
	if err := o.netns(netnsPath, func() error {
		nl := o.netlinkNew()
		lo, err := nl.Loopback()
		if err != nil {
			return fmt.Errorf("find loopback: %w", err)
		}
		return nl.SetLinkDown(lo)
	}); err != nil {
		if errors.Is(err, nsenter.ErrEnterFailed) {
			log.G(ctx).WithError(err).Warn("could not enter netns to bring loopback down; continuing with del")
		} else {
			return fmt.Errorf("bring down loopback: %w", err)
		}
	}

	records, ok, err := o.persistence.Get(sandboxID)
	if err != nil {
		return fmt.Errorf("load network state for %s: %w", sandboxID, err)
	}
	if !ok {
		return nil
	}

	// Teardown is best-effort: a failing del for one plugin must not
	// block del from being attempted for the rest, and must not leave
	// the persisted record behind to be replayed forever.
	for i, rec := range records {
		plugin, err := o.resolve(rec.BinaryName, o.binDirs)
		if err != nil {
			log.G(ctx).WithError(err).WithField("plugin", rec.BinaryName).Warn("stop: cannot resolve plugin, skipping del")
			continue
		}
		args := cniplugin.Args{ContainerID: sandboxID, NetNS: netnsPath, IfName: fmt.Sprintf("eth%d", i), SearchPath: o.binDirs}
		if err := plugin.Del(ctx, args, rec.RawConfig); err != nil {
			log.G(ctx).WithError(err).WithField("plugin", rec.BinaryName).Warn("stop: del failed, continuing teardown")
		}
	}

	return o.persistence.Delete(sandboxID)
}
