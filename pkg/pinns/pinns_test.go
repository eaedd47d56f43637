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

package pinns

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecer struct {
	argv   []string
	stderr []byte
	err    error
}

func (f *fakeExecer) Run(ctx context.Context, binary string, argv []string) ([]byte, error) {
	f.argv = argv
	return f.stderr, f.err
}

func TestRunBuildsArgvInOrder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pod-1")
	fe := &fakeExecer{}
	p := &Pinns{binary: "pinns", exec: fe}

	err := p.Run(context.Background(), dir, "pod-1", []Kind{KindIPC, KindUTS, KindNet}, LogLevelInfo)
	require.NoError(t, err)

	assert.Equal(t, []string{"--ipc", "--uts", "--net", "--dir", dir, "--filename", "pod-1", "--log-level", "info"}, fe.argv)

	info, statErr := os.Stat(dir)
	require.NoError(t, statErr)
	assert.True(t, info.IsDir())
}

func TestRunOmitsLogLevelFlagWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	fe := &fakeExecer{}
	p := &Pinns{binary: "pinns", exec: fe}

	require.NoError(t, p.Run(context.Background(), dir, "pod-1", []Kind{KindNet}, ""))
	assert.Equal(t, []string{"--net", "--dir", dir, "--filename", "pod-1"}, fe.argv)
}

func TestRunTranslatesNonZeroExitToPinningFailed(t *testing.T) {
	dir := t.TempDir()
	fe := &fakeExecer{stderr: []byte("mount failed: permission denied"), err: errors.New("exit status 1")}
	p := &Pinns{binary: "pinns", exec: fe}

	err := p.Run(context.Background(), dir, "pod-1", []Kind{KindNet}, LogLevelInfo)
	require.Error(t, err)
	var pfe *PinningFailedError
	require.ErrorAs(t, err, &pfe)
	assert.Equal(t, -1, pfe.Status)
	assert.Contains(t, pfe.Stderr, "permission denied")
}

func TestPinnedPathsOnePerKind(t *testing.T) {
	paths := PinnedPaths("/run/pods/pod-1", []Kind{KindIPC, KindNet})
	assert.Equal(t, "/run/pods/pod-1/ipc", paths[KindIPC])
	assert.Equal(t, "/run/pods/pod-1/net", paths[KindNet])
}
