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

// Package cniplugin shells out to a single external CNI plugin binary,
// translating the ADD/DEL/VERSION protocol described by the Container
// Network Interface spec into typed Go calls.
package cniplugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/containernetworking/cni/pkg/invoke"
	"github.com/containernetworking/cni/pkg/types"
	current "github.com/containernetworking/cni/pkg/types/100"
)

// ErrPluginNotFound is returned when the plugin binary cannot be
// resolved against the search path (or $PATH, if the search path is
// empty).
var ErrPluginNotFound = errors.New("cniplugin: plugin binary not found")

// PluginFailedError wraps the {code, msg} error object a plugin writes
// to stdout on non-zero exit.
type PluginFailedError struct {
	Code uint64
	Msg  string
}

func (e *PluginFailedError) Error() string {
	return fmt.Sprintf("CNI plugin error %d: %s", e.Code, e.Msg)
}

// ErrUnsupportedVersion is returned when a config's declared cniVersion
// does not appear in the plugin's reported supportedVersions.
var ErrUnsupportedVersion = errors.New("cniplugin: unsupported cni version")

// Args carries the values the CNI protocol maps to environment
// variables and command-line argument strings (CNI_ARGS).
type Args struct {
	ContainerID  string
	NetNS        string
	IfName       string
	PluginArgs   []string // joined with ";" for CNI_ARGS
	SearchPath   []string // joined with ":" for CNI_PATH
}

func (a Args) env(command string) []string {
	return []string{
		"CNI_COMMAND=" + command,
		"CNI_CONTAINERID=" + a.ContainerID,
		"CNI_NETNS=" + a.NetNS,
		"CNI_IFNAME=" + a.IfName,
		"CNI_ARGS=" + strings.Join(a.PluginArgs, ";"),
		"CNI_PATH=" + strings.Join(a.SearchPath, ":"),
	}
}

// VersionInfo is the plugin's response to the VERSION command.
type VersionInfo struct {
	CNIVersion        string   `json:"cniVersion"`
	SupportedVersions []string `json:"supportedVersions"`
}

// Supports reports whether cniVersion appears in the plugin's
// SupportedVersions list.
func (v VersionInfo) Supports(cniVersion string) bool {
	for _, s := range v.SupportedVersions {
		if s == cniVersion {
			return true
		}
	}
	return false
}

// Execer abstracts process execution so tests can substitute a fake
// without a real plugin binary. It mirrors the narrow "run(argv) ->
// output" contract the source uses runtime dispatch for.
type Execer interface {
	// Run executes binary with the given env and writes stdin (if
	// non-nil) to the child's standard input, returning stdout and the
	// process error (an *exec.ExitError on non-zero exit).
	Run(ctx context.Context, binary string, env []string, stdin []byte) (stdout []byte, err error)
}

// execExecer is the default Execer, backed by os/exec.
type execExecer struct{}

func (execExecer) Run(ctx context.Context, binary string, env []string, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary)
	cmd.Env = env
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	err := cmd.Run()
	return stdout.Bytes(), err
}

// Plugin invokes a single resolved CNI plugin binary.
type Plugin struct {
	binaryName string
	binaryPath string
	exec       Execer
}

// Resolve finds binaryName on searchPaths (colon-separated list already
// split into a slice). If searchPaths is empty, resolution falls back
// to the directories of the process's PATH.
func Resolve(binaryName string, searchPaths []string) (*Plugin, error) {
	return resolveWithExecer(binaryName, searchPaths, execExecer{})
}

func resolveWithExecer(binaryName string, searchPaths []string, ex Execer) (*Plugin, error) {
	if len(searchPaths) == 0 {
		searchPaths = filepath.SplitList(os.Getenv("PATH"))
	}
	path, err := invoke.FindInPath(binaryName, searchPaths)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", binaryName, ErrPluginNotFound, err)
	}
	return &Plugin{binaryName: binaryName, binaryPath: path, exec: ex}, nil
}

// BinaryName returns the plugin's configured binary name (e.g.
// "bridge"), used as NetworkPluginRecord.binary_name.
func (p *Plugin) BinaryName() string { return p.binaryName }

// Version invokes the plugin with CNI_COMMAND=VERSION and parses its
// {cniVersion, supportedVersions[]} response.
func (p *Plugin) Version(ctx context.Context, searchPath []string) (VersionInfo, error) {
	args := Args{SearchPath: searchPath}
	out, err := p.exec.Run(ctx, p.binaryPath, args.env("VERSION"), nil)
	if err != nil {
		return VersionInfo{}, p.translateExecError(out, err)
	}
	var v VersionInfo
	if err := json.Unmarshal(out, &v); err != nil {
		return VersionInfo{}, fmt.Errorf("parse version response from %s: %w", p.binaryName, err)
	}
	return v, nil
}

// Add invokes the plugin with CNI_COMMAND=ADD, writing rawConfig to
// stdin, and parses the typed result on success.
func (p *Plugin) Add(ctx context.Context, args Args, rawConfig []byte) (*current.Result, error) {
	out, err := p.exec.Run(ctx, p.binaryPath, args.env("ADD"), rawConfig)
	if err != nil {
		return nil, p.translateExecError(out, err)
	}
	result, err := current.NewResult(out)
	if err != nil {
		return nil, fmt.Errorf("parse add result from %s: %w", p.binaryName, err)
	}
	r, ok := result.(*current.Result)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from %s", p.binaryName)
	}
	return r, nil
}

// Del invokes the plugin with CNI_COMMAND=DEL, writing rawConfig to
// stdin, and discards stdout on success.
func (p *Plugin) Del(ctx context.Context, args Args, rawConfig []byte) error {
	out, err := p.exec.Run(ctx, p.binaryPath, args.env("DEL"), rawConfig)
	if err != nil {
		return p.translateExecError(out, err)
	}
	return nil
}

func (p *Plugin) translateExecError(stdout []byte, execErr error) error {
	var cniErr types.Error
	if jsonErr := json.Unmarshal(stdout, &cniErr); jsonErr == nil && cniErr.Msg != "" {
		return &PluginFailedError{Code: uint64(cniErr.Code), Msg: cniErr.Msg}
	}
	return fmt.Errorf("exec %s failed: %w (stdout: %s)", p.binaryName, execErr, string(stdout))
}
