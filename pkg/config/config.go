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

// Package config holds the on-disk configuration surface for the
// sandbox/network daemon: the CNI config store, the port manager's
// iptables binaries, the pinns helper, and the storage/socket paths the
// dispatcher needs.
package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/log"
)

// CniConfig contains the settings needed to discover, validate and
// hot-reload CNI network configuration.
type CniConfig struct {
	// ConfDirs is the list of directories watched for CNI config files
	// (.conf, .conflist, .json).
	ConfDirs []string `toml:"conf_dirs" json:"confDirs"`
	// BinDirs is the colon-separated-at-runtime search path for plugin
	// binaries. Kept as a slice in the config file and joined with ":"
	// when passed to the plugin invoker.
	BinDirs []string `toml:"bin_dirs" json:"binDirs"`
	// DefaultNetworkName pins the default network by name. When empty,
	// the default network is the alphabetically-first loaded config.
	DefaultNetworkName string `toml:"default_network_name" json:"defaultNetworkName"`
	// MaxConfNum is accepted from the config file but not read by the
	// config loader: it places no limit on how many plugin config files
	// are loaded.
	//
	// DEPRECATED: superseded by per-directory conf_dirs scoping. Kept for
	// config-file compatibility with older deployments.
	MaxConfNum int `toml:"max_conf_num" json:"maxConfNum"`
}

// PortManagerConfig contains the settings needed to program host-port
// forwarding rules.
type PortManagerConfig struct {
	// IPTablesBinary names the iptables binary for IPv4 chains (a path or
	// a bare name). It is defaulted and validated here, but the host-port
	// manager's iptables driver does not take it: chains are programmed
	// with the driver's own binary lookup.
	IPTablesBinary string `toml:"iptables_binary" json:"iptablesBinary"`
	// IP6TablesBinary is the IPv6 counterpart, and likewise is not passed
	// to the driver.
	IP6TablesBinary string `toml:"ip6tables_binary" json:"ip6tablesBinary"`
}

// PinnsConfig contains settings for the namespace-pinning helper.
type PinnsConfig struct {
	// Binary is the path to the pinns helper executable.
	Binary string `toml:"binary" json:"binary"`
	// Dir is the root directory under which per-pod pinned-namespace
	// directories are created.
	Dir string `toml:"dir" json:"dir"`
	// LogLevel is the log level argument passed to pinns
	// (trace|debug|info|warn|error|off).
	LogLevel string `toml:"log_level" json:"logLevel"`
}

// Config contains all configuration for the sandbox/network daemon.
type Config struct {
	// SocketPath is the Unix-domain-socket path the CRI transport listens
	// on.
	SocketPath string `toml:"socket_path" json:"socketPath"`
	// StorageRootDir is the root directory under which the dispatcher's
	// and CNI orchestrator's key/value stores are created
	// (<root>/cri-service/, <root>/cni/).
	StorageRootDir string `toml:"storage_root_dir" json:"storageRootDir"`
	// Cni contains CNI config-store settings.
	Cni CniConfig `toml:"cni" json:"cni"`
	// PortManager contains host-port forwarding settings.
	PortManager PortManagerConfig `toml:"port_manager" json:"portManager"`
	// Pinns contains namespace-pinning helper settings.
	Pinns PinnsConfig `toml:"pinns" json:"pinns"`
	// LogLevel is one of trace, debug, info, warn, error, fatal, panic.
	LogLevel string `toml:"log_level" json:"logLevel"`
	// LogFormat is one of text or json.
	LogFormat string `toml:"log_format" json:"logFormat"`
	// ShutdownTimeout bounds how long in-flight sandbox operations are
	// given to finish on graceful shutdown. The golang duration format,
	// see https://golang.org/pkg/time/#ParseDuration.
	ShutdownTimeout string `toml:"shutdown_timeout" json:"shutdownTimeout"`

	// NetworkPluginConfDir is the legacy single-directory form of
	// Cni.ConfDirs.
	//
	// DEPRECATED: use cni.conf_dirs instead. Remove once no deployment
	// still sets this field.
	NetworkPluginConfDir string `toml:"network_plugin_conf_dir" json:"networkPluginConfDir"`
}

// Default returns a Config populated with the daemon's built-in
// defaults.
func Default() *Config {
	return &Config{
		SocketPath:     "/run/cri-netd/cri-netd.sock",
		StorageRootDir: "/var/lib/cri-netd",
		Cni: CniConfig{
			ConfDirs: []string{"/etc/cni/net.d"},
			BinDirs:  []string{"/opt/cni/bin"},
		},
		PortManager: PortManagerConfig{
			IPTablesBinary:  "iptables",
			IP6TablesBinary: "ip6tables",
		},
		Pinns: PinnsConfig{
			Binary:   "pinns",
			Dir:      "/var/run/cri-netd/pinns",
			LogLevel: "info",
		},
		LogLevel:        "info",
		LogFormat:       "text",
		ShutdownTimeout: "10s",
	}
}

// Validate validates the given configuration, applying deprecated-field
// migrations and filling in derived defaults. It mutates c in place.
func Validate(ctx context.Context, c *Config) error {
	if c.SocketPath == "" {
		return errors.New("`socket_path` is empty")
	}
	if c.StorageRootDir == "" {
		return errors.New("`storage_root_dir` is empty")
	}

	// Validation for deprecated network_plugin_conf_dir.
	if c.NetworkPluginConfDir != "" {
		log.G(ctx).Warning("`network_plugin_conf_dir` is deprecated, please use `cni.conf_dirs` instead")
		c.Cni.ConfDirs = append(c.Cni.ConfDirs, c.NetworkPluginConfDir)
	}

	if len(c.Cni.ConfDirs) == 0 {
		return errors.New("`cni.conf_dirs` is empty")
	}
	if c.PortManager.IPTablesBinary == "" {
		c.PortManager.IPTablesBinary = "iptables"
	}
	if c.PortManager.IP6TablesBinary == "" {
		c.PortManager.IP6TablesBinary = "ip6tables"
	}
	if c.Pinns.Binary == "" {
		c.Pinns.Binary = "pinns"
	}
	if c.Pinns.Dir == "" {
		return errors.New("`pinns.dir` is empty")
	}
	switch c.Pinns.LogLevel {
	case "", "trace", "debug", "info", "warn", "error", "off":
	default:
		return fmt.Errorf("invalid `pinns.log_level` %q", c.Pinns.LogLevel)
	}

	if c.ShutdownTimeout != "" {
		if _, err := time.ParseDuration(c.ShutdownTimeout); err != nil {
			return fmt.Errorf("invalid `shutdown_timeout`: %w", err)
		}
	}

	return nil
}
