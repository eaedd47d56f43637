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

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSysctlKey(t *testing.T) {
	assert.Equal(t, []string{"net", "ipv4", "ip_forward"}, splitSysctlKey("net.ipv4.ip_forward"))
	assert.Equal(t, []string{"kernel"}, splitSysctlKey("kernel"))
}

func TestLoadConfigMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, "/run/cri-netd/cri-netd.sock", cfg.SocketPath)
}

func TestLoadConfigParsesTOMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cri-netd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`socket_path = "/tmp/custom.sock"`+"\n"), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.sock", cfg.SocketPath)
	assert.Equal(t, "/var/lib/cri-netd", cfg.StorageRootDir)
}
