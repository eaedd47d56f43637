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

// Package cniconfig discovers, validates and hot-reloads CNI network
// configuration files, keeping a copy-on-write snapshot readers can
// consult without locking out the watcher.
package cniconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/containerd/log"
	"github.com/fsnotify/fsnotify"

	"github.com/cri-netd/cri-netd/pkg/cniplugin"
)

// acceptedExtensions are the file suffixes the store watches for.
var acceptedExtensions = map[string]bool{
	".conf":     true,
	".conflist": true,
	".json":     true,
}

// PluginConfig is one element of a network's plugin chain.
type PluginConfig struct {
	Type string
	Raw  []byte
}

// Network is a loaded, validated network configuration: either a
// native list file or a single config promoted into a one-element
// list.
type Network struct {
	Name     string
	FilePath string
	Plugins  []PluginConfig
}

// VersionChecker validates a plugin's declared cniVersion against the
// binary's reported supportedVersions. Satisfied by *cniplugin.Plugin
// in production and a fake in tests.
type VersionChecker interface {
	Version(ctx context.Context, searchPath []string) (cniplugin.VersionInfo, error)
}

// Resolver resolves a plugin binary name to something a VersionChecker
// can be obtained from.
type Resolver func(binaryName string) (VersionChecker, error)

// Store watches one or more directories for CNI configuration files
// and maintains a default-network selection.
type Store struct {
	dirs        []string
	binDirs     []string
	defaultName string // pinned default network name; empty means alphabetical election
	resolve     Resolver

	mu       sync.RWMutex
	networks map[string]*Network // keyed by absolute file path
	defaultN *Network

	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
}

// Option configures a Store at construction.
type Option func(*Store)

// WithDefaultNetworkName pins the default network selection to a name
// rather than electing the alphabetically-first config.
func WithDefaultNetworkName(name string) Option {
	return func(s *Store) { s.defaultName = name }
}

// New creates a Store bound to dirs, resolving plugin binaries found
// in binDirs via resolve.
func New(dirs, binDirs []string, resolve Resolver, opts ...Option) *Store {
	s := &Store{
		dirs:     dirs,
		binDirs:  binDirs,
		resolve:  resolve,
		networks: make(map[string]*Network),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Snapshot is an immutable read-only view handed to callers; the store
// replaces its internal map wholesale on each mutation rather than
// mutating a shared structure in place, so a Snapshot never changes
// underneath its holder.
type Snapshot struct {
	Networks map[string]*Network
	Default  *Network
}

// ErrNoDefaultNetwork is returned by callers that require a default
// network and find the snapshot's Default nil.
var ErrNoDefaultNetwork = fmt.Errorf("cniconfig: no default network")

// Load scans all configured directories once, synchronously, creating
// any that don't exist. Call this before Watch to populate the initial
// snapshot.
func (s *Store) Load(ctx context.Context) error {
	accepted := make(map[string]*Network)
	for _, dir := range s.dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create cni config dir %s: %w", dir, err)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("read cni config dir %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if !acceptedExtensions[filepath.Ext(path)] {
				continue
			}
			net, err := s.loadAndValidate(ctx, path)
			if err != nil {
				log.G(ctx).WithError(err).WithField("path", path).Warn("skipping cni config")
				continue
			}
			accepted[path] = net
		}
	}

	s.mu.Lock()
	s.networks = accepted
	s.electDefaultLocked("")
	count := len(s.networks)
	s.mu.Unlock()

	logLoadedCount(ctx, count, accepted)
	return nil
}

func logLoadedCount(ctx context.Context, count int, networks map[string]*Network) {
	if count == 0 {
		log.G(ctx).Info("Currently loaded 0 networks")
		return
	}
	names := make([]string, 0, count)
	for _, n := range networks {
		names = append(names, n.Name)
	}
	sort.Strings(names)
	log.G(ctx).Infof("Currently loaded %d network(s): %s", count, strings.Join(names, ", "))
}

// Watch registers a non-recursive directory watcher and applies
// Create/Write/Rename/Remove events to the snapshot until ctx is
// cancelled or Close is called.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	for _, dir := range s.dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return fmt.Errorf("watch cni config dir %s: %w", dir, err)
		}
	}
	s.watcher = w
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.loop(ctx)
	return nil
}

// Close shuts down the watcher via a single-use exit signal.
func (s *Store) Close() error {
	if s.stop == nil {
		return nil
	}
	close(s.stop)
	<-s.done
	return s.watcher.Close()
}

func (s *Store) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.applyEvent(ctx, ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.G(ctx).WithError(err).Warn("cni config watcher error")
		}
	}
}

func (s *Store) applyEvent(ctx context.Context, ev fsnotify.Event) {
	path := ev.Name
	ext := filepath.Ext(path)

	switch {
	case ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0:
		if acceptedExtensions[ext] {
			s.remove(ctx, path)
		}
		if ev.Op&fsnotify.Rename != 0 {
			// The rename target, if any, arrives as its own Create event;
			// nothing further to do here for the old name.
			return
		}
	case ev.Op&fsnotify.Create != 0 || ev.Op&fsnotify.Write != 0:
		if !acceptedExtensions[ext] {
			return
		}
		net, err := s.loadAndValidate(ctx, path)
		if err != nil {
			log.G(ctx).WithError(err).WithField("path", path).Warn("skipping cni config")
			return
		}
		s.insert(ctx, path, net)
	}
}

func (s *Store) insert(ctx context.Context, path string, net *Network) {
	s.mu.Lock()
	next := cloneNetworks(s.networks)
	next[path] = net
	s.networks = next
	if s.defaultName != "" {
		if net.Name == s.defaultName {
			s.defaultN = net
		}
	} else {
		s.electDefaultLocked("")
	}
	count := len(s.networks)
	networks := s.networks
	s.mu.Unlock()

	logLoadedCount(ctx, count, networks)
}

func (s *Store) remove(ctx context.Context, path string) {
	s.mu.Lock()
	removed, existed := s.networks[path]
	if !existed {
		s.mu.Unlock()
		return
	}
	next := cloneNetworks(s.networks)
	delete(next, path)
	s.networks = next
	if s.defaultN == removed {
		s.electDefaultLocked(path)
	}
	count := len(s.networks)
	networks := s.networks
	s.mu.Unlock()

	logLoadedCount(ctx, count, networks)
}

// electDefaultLocked recomputes s.defaultN under the caller's held
// write lock. excludePath, if non-empty, is the path just removed (so
// it's never considered even if still present in a stale map).
func (s *Store) electDefaultLocked(excludePath string) {
	if s.defaultName != "" {
		for _, n := range s.networks {
			if n.FilePath == excludePath {
				continue
			}
			if n.Name == s.defaultName {
				s.defaultN = n
				return
			}
		}
		s.defaultN = nil
		return
	}

	var paths []string
	for p := range s.networks {
		if p == excludePath {
			continue
		}
		paths = append(paths, p)
	}
	if len(paths) == 0 {
		s.defaultN = nil
		return
	}
	sort.Strings(paths)
	s.defaultN = s.networks[paths[0]]
}

func cloneNetworks(in map[string]*Network) map[string]*Network {
	out := make(map[string]*Network, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Snapshot returns a consistent, read-only view of the current
// configuration set and default-network pointer.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Networks: s.networks, Default: s.defaultN}
}

// rawFile mirrors the subset of a .conf / .conflist file this store
// cares about: either a bare plugin config or a named list of them.
type rawFile struct {
	Name       string            `json:"name"`
	CNIVersion string            `json:"cniVersion"`
	Type       string            `json:"type"`
	Plugins    []json.RawMessage `json:"plugins"`
}

type rawPlugin struct {
	Type       string `json:"type"`
	CNIVersion string `json:"cniVersion"`
}

func (s *Store) loadAndValidate(ctx context.Context, path string) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var rf rawFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	var rawPlugins []json.RawMessage
	name := rf.Name
	if len(rf.Plugins) > 0 {
		rawPlugins = rf.Plugins
	} else {
		// Single-config file: promote to a one-element list, falling
		// back to its type as the name if none was given.
		rawPlugins = []json.RawMessage{data}
		if name == "" {
			name = rf.Type
		}
	}

	plugins := make([]PluginConfig, 0, len(rawPlugins))
	for _, raw := range rawPlugins {
		var rp rawPlugin
		if err := json.Unmarshal(raw, &rp); err != nil {
			return nil, fmt.Errorf("parse plugin entry in %s: %w", path, err)
		}
		cniVersion := rp.CNIVersion
		if cniVersion == "" {
			cniVersion = rf.CNIVersion
		}
		if err := s.checkVersion(ctx, rp.Type, cniVersion); err != nil {
			return nil, fmt.Errorf("plugin %s in %s: %w", rp.Type, path, err)
		}
		plugins = append(plugins, PluginConfig{Type: rp.Type, Raw: raw})
	}

	if len(plugins) == 0 {
		return nil, fmt.Errorf("no plugins in %s", path)
	}

	return &Network{Name: name, FilePath: path, Plugins: plugins}, nil
}

// ErrUnsupportedVersion reports a config whose cniVersion is not among
// its plugin's reported supportedVersions.
var ErrUnsupportedVersion = cniplugin.ErrUnsupportedVersion

func (s *Store) checkVersion(ctx context.Context, binaryName, cniVersion string) error {
	checker, err := s.resolve(binaryName)
	if err != nil {
		return err
	}
	info, err := checker.Version(ctx, s.binDirs)
	if err != nil {
		return fmt.Errorf("query plugin version: %w", err)
	}
	if cniVersion != "" && !info.Supports(cniVersion) {
		return fmt.Errorf("cniVersion %q not in plugin's supportedVersions %v: %w", cniVersion, info.SupportedVersions, ErrUnsupportedVersion)
	}
	return nil
}
