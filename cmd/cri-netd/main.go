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

// Command cri-netd runs the pod-sandbox networking daemon: it pins
// sandbox namespaces, drives the CNI plugin chain, programs host-port
// forwarding, and serves the result over a CRI-shaped dispatcher on a
// Unix-domain-socket gRPC listener.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/log"
	units "github.com/docker/go-units"
	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"google.golang.org/grpc"

	"github.com/cri-netd/cri-netd/pkg/cniconfig"
	"github.com/cri-netd/cri-netd/pkg/cniorchestrator"
	"github.com/cri-netd/cri-netd/pkg/cniplugin"
	"github.com/cri-netd/cri-netd/pkg/config"
	"github.com/cri-netd/cri-netd/pkg/dispatcher"
	"github.com/cri-netd/cri-netd/pkg/hostport"
	"github.com/cri-netd/cri-netd/pkg/metrics"
	cninet "github.com/cri-netd/cri-netd/pkg/netlink"
	"github.com/cri-netd/cri-netd/pkg/pinns"
	"github.com/cri-netd/cri-netd/pkg/store"
)

var version = "0.0.0+unknown"

func main() {
	app := &cli.App{
		Name:    "cri-netd",
		Usage:   "pod sandbox networking daemon",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to the TOML configuration file"},
			&cli.StringFlag{Name: "log-level", Aliases: []string{"l"}, Usage: "trace, debug, info, warn, error, fatal, or panic"},
			&cli.StringFlag{Name: "log-format", Usage: "text or json"},
			&cli.StringFlag{Name: "socket-path", Usage: "unix socket the CRI transport listens on"},
			&cli.StringFlag{Name: "storage-root-dir", Usage: "root directory for the daemon's key/value stores"},
			&cli.StringFlag{Name: "metrics-address", Usage: "address to serve Prometheus metrics on (empty disables)"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(clictx *cli.Context) error {
	ctx := context.Background()

	cfg, err := loadConfig(clictx.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlags(clictx, cfg)
	if err := config.Validate(ctx, cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := setupLogging(cfg); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	daemon, cleanup, err := newDaemon(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build daemon: %w", err)
	}
	defer cleanup()

	lis, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.SocketPath, err)
	}
	defer lis.Close()

	grpcServer := grpc.NewServer()
	go func() {
		log.G(ctx).WithField("socket", cfg.SocketPath).Info("serving CRI transport")
		if err := grpcServer.Serve(lis); err != nil {
			log.G(ctx).WithError(err).Warn("grpc server stopped")
		}
	}()

	stopMetrics := serveMetrics(ctx, clictx.String("metrics-address"), daemon.metrics)
	defer stopMetrics()

	if err := daemon.configStore.Load(ctx); err != nil {
		return fmt.Errorf("load CNI network config: %w", err)
	}
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		if err := daemon.configStore.Watch(watchCtx); err != nil && watchCtx.Err() == nil {
			log.G(ctx).WithError(err).Error("CNI config watch stopped")
		}
	}()

	if err := notifyReady(ctx); err != nil {
		log.G(ctx).WithError(err).Warn("systemd readiness notification failed")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	_ = notifyStopping(ctx)
	shutdownTimeout, _ := time.ParseDuration(cfg.ShutdownTimeout)
	log.G(ctx).WithField("timeout", shutdownTimeout).Info("shutting down")

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		log.G(ctx).Warn("graceful stop timed out, forcing shutdown")
		grpcServer.Stop()
	}

	return nil
}

// loadConfig reads the TOML file at path over the built-in defaults.
// A missing file is not an error: the daemon runs on defaults alone.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func applyFlags(clictx *cli.Context, cfg *config.Config) {
	if v := clictx.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := clictx.String("log-format"); v != "" {
		cfg.LogFormat = v
	}
	if v := clictx.String("socket-path"); v != "" {
		cfg.SocketPath = v
	}
	if v := clictx.String("storage-root-dir"); v != "" {
		cfg.StorageRootDir = v
	}
}

func setupLogging(cfg *config.Config) error {
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	format := log.TextFormat
	if cfg.LogFormat == "json" {
		format = log.JSONFormat
	}
	if err := log.SetFormat(format); err != nil {
		return err
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: log.RFC3339NanoFixed,
		FullTimestamp:   true,
	})
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: log.RFC3339NanoFixed})
	}
	return nil
}

// daemon bundles the long-lived components newDaemon wires together, so
// run's signal-handling body doesn't have to thread each of them
// through as separate locals.
type daemon struct {
	configStore *cniconfig.Store
	dispatcher  *dispatcher.Dispatcher
	metrics     *metrics.Sandbox
}

// newDaemon opens the storage backends and wires C1-C10 into a single
// Dispatcher. The returned cleanup closes every opened store.
func newDaemon(ctx context.Context, cfg *config.Config) (*daemon, func(), error) {
	if err := os.MkdirAll(cfg.StorageRootDir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create storage root %s: %w", cfg.StorageRootDir, err)
	}

	criStorePath := filepath.Join(cfg.StorageRootDir, "cri-service", "meta.db")
	if err := os.MkdirAll(filepath.Dir(criStorePath), 0o750); err != nil {
		return nil, nil, err
	}
	criKV, err := store.OpenBolt(criStorePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", criStorePath, err)
	}

	cniStorePath := filepath.Join(cfg.StorageRootDir, "cni", "meta.db")
	if err := os.MkdirAll(filepath.Dir(cniStorePath), 0o750); err != nil {
		criKV.Close()
		return nil, nil, err
	}
	cniKV, err := store.OpenBolt(cniStorePath)
	if err != nil {
		criKV.Close()
		return nil, nil, fmt.Errorf("open %s: %w", cniStorePath, err)
	}

	cleanup := func() {
		cniKV.Close()
		criKV.Close()
	}

	log.G(ctx).WithField("size", units.HumanSize(float64(dirSize(cfg.StorageRootDir)))).Info("storage root opened")

	sandboxRecords := store.NewSandboxRecordStore(criKV)
	networkState := store.NewNetworkStateStore(cniKV)
	hostportRecords := store.NewHostportRecordStore(cniKV)

	resolver := func(binaryName string) (cniconfig.VersionChecker, error) {
		return cniplugin.Resolve(binaryName, cfg.Cni.BinDirs)
	}
	var opts []cniconfig.Option
	if cfg.Cni.DefaultNetworkName != "" {
		opts = append(opts, cniconfig.WithDefaultNetworkName(cfg.Cni.DefaultNetworkName))
	}
	configStore := cniconfig.New(cfg.Cni.ConfDirs, cfg.Cni.BinDirs, resolver, opts...)

	resolvePlugin := func(binaryName string, binDirs []string) (cniorchestrator.Plugin, error) {
		return cniplugin.Resolve(binaryName, binDirs)
	}
	orchestrator := cniorchestrator.New(configStore, resolvePlugin, func() cniorchestrator.NetlinkOps { return cninet.New() },
		networkState.AsOrchestratorPersistence(), cfg.Cni.BinDirs)

	// Host-port forwarding is always wired; there is no "disabled" state
	// to represent here. The nil driver factory makes the manager use
	// iptables.NewDriver, so the configured IPTablesBinary/IP6TablesBinary
	// values are not passed to it.
	hostportMgr := hostport.NewManager(hostportRecords, cninet.New(), procSysctl, nil)

	pinnsRunner := pinns.New(cfg.Pinns.Binary)

	d := dispatcher.New(pinnsRunner, pinns.LogLevel(cfg.Pinns.LogLevel), cfg.Pinns.Dir, orchestrator, networkState, hostportMgr, sandboxRecords)

	m := metrics.NewSandbox()
	d.SetMetrics(m)

	return &daemon{configStore: configStore, dispatcher: d, metrics: m}, cleanup, nil
}

// procSysctl writes a dotted sysctl key (e.g. "net.ipv4.ip_forward")
// under /proc/sys, translating dots to path separators the way the
// sysctl(8) command line does.
func procSysctl(key, value string) error {
	path := "/proc/sys/" + filepath.Join(splitSysctlKey(key)...)
	return os.WriteFile(path, []byte(value), 0o644)
}

func splitSysctlKey(key string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			parts = append(parts, key[start:i])
			start = i + 1
		}
	}
	parts = append(parts, key[start:])
	return parts
}

func dirSize(root string) int64 {
	var size int64
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}

// serveMetrics starts an HTTP server exposing m on addr and returns a
// func that shuts it down. An empty addr disables metrics serving.
func serveMetrics(ctx context.Context, addr string, m *metrics.Sandbox) func() {
	if addr == "" {
		return func() {}
	}
	reg := metrics.NewRegistry()
	m.Register(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.G(ctx).WithError(err).Warn("metrics server stopped")
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
